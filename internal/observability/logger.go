package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/scalpel-recon/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	initOnce     sync.Once
)

// sgr maps configured colour names to ANSI foreground codes.
var sgr = map[string]int{
	"black": 30, "red": 31, "green": 32, "yellow": 33,
	"blue": 34, "magenta": 35, "cyan": 36, "white": 37,
}

const ansiReset = "\x1b[0m"

func ansi(name string) string {
	code, ok := sgr[strings.ToLower(name)]
	if !ok {
		return ""
	}
	return fmt.Sprintf("\x1b[%dm", code)
}

// palette is the escape sequence per level. Levels without a colour print plain.
type palette map[zapcore.Level]string

func newPalette(c config.ColorConfig) palette {
	return palette{
		zapcore.DebugLevel:  ansi(c.Debug),
		zapcore.InfoLevel:   ansi(c.Info),
		zapcore.WarnLevel:   ansi(c.Warn),
		zapcore.ErrorLevel:  ansi(c.Error),
		zapcore.DPanicLevel: ansi(c.DPanic),
		zapcore.PanicLevel:  ansi(c.Panic),
		zapcore.FatalLevel:  ansi(c.Fatal),
	}
}

func (p palette) encodeLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	label := level.CapitalString()
	if esc := p[level]; esc != "" {
		label = esc + label + ansiReset
	}
	enc.AppendString(label)
}

// consoleEncoder is the single-line terminal format. The component name ends
// in a dot so it reads apart from the message.
func consoleEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	ec.EncodeLevel = newPalette(cfg.Colors).encodeLevel
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	ec.StacktraceKey = ""
	return zapcore.NewConsoleEncoder(ec)
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// NewLogger builds a logger without touching the globals. Entries go to
// console in cfg.Format and, when LogFile is set, as JSON to a rotating file.
func NewLogger(cfg config.LoggerConfig, console zapcore.WriteSyncer) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	enc := jsonEncoder()
	if cfg.Format == "console" {
		enc = consoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, console, level)

	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		core = zapcore.NewTee(core, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(rotating), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(core, opts...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	return logger, nil
}

// Initialize installs the process logger the first time it is called; later
// calls are ignored. A bad level degrades to info rather than failing startup.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	initOnce.Do(func() {
		logger, err := NewLogger(cfg, console)
		if err != nil {
			cfg.Level = "info"
			logger, _ = NewLogger(cfg, console)
			logger.Warn("Ignoring invalid log level", zap.Error(err))
		}
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger logs to stderr, leaving stdout to tool output and reports.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stderr))
}

// ResetForTest clears the global logger. Tests only.
func ResetForTest() {
	globalLogger.Store(nil)
	initOnce = sync.Once{}
}

// GetLogger returns the process logger, or a development logger before
// Initialize has run.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l = l.Named("fallback")
	l.Warn("Global logger requested before initialization; using fallback.")
	return l
}

// Sync flushes buffered entries. Terminals reject fsync; those errors are dropped.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	err := logger.Sync()
	if err == nil {
		return
	}
	msg := err.Error()
	for _, benign := range []string{"/dev/stdout", "/dev/stderr", "invalid argument", "inappropriate ioctl", "operation not supported"} {
		if strings.Contains(msg, benign) {
			return
		}
	}
	fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
}
