package tools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/internal/config"
)

var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrEmptyTarget    = errors.New("target is required")
	ErrNoCommand      = errors.New("failed to build command")
	ErrBinaryNotFound = errors.New("binary not found")
)

// Tool turns request parameters into an argument vector for one external program.
type Tool interface {
	// Name is the logical tool name requests use, e.g. "gobuster_dir".
	Name() string
	// Binary is the program the tool runs, e.g. "gobuster".
	Binary() string
	// Build returns the full argv with bin as argv[0].
	Build(bin string, p Params) ([]string, error)
}

type builder struct {
	name   string
	binary string
	build  func(bin string, p Params) ([]string, error)
}

func (b builder) Name() string   { return b.name }
func (b builder) Binary() string { return b.binary }
func (b builder) Build(bin string, p Params) ([]string, error) {
	return b.build(bin, p)
}

// Define creates a Tool from a build function.
func Define(name, binary string, build func(bin string, p Params) ([]string, error)) Tool {
	return builder{name: name, binary: binary, build: build}
}

// Info describes a catalogued tool and where its binary resolved.
type Info struct {
	Name      string `json:"name"`
	Binary    string `json:"binary"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

// Registry maps tool names to builders and resolves their binaries. It is
// built once at startup and only read afterwards.
type Registry struct {
	tools    map[string]Tool
	paths    map[string]string
	lookPath func(string) (string, error)
	exists   func(string) bool
	logger   *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTools replaces the default catalogue.
func WithTools(tools ...Tool) Option {
	return func(r *Registry) {
		r.tools = make(map[string]Tool, len(tools))
		for _, t := range tools {
			r.tools[t.Name()] = t
		}
	}
}

// WithLookPath overrides PATH resolution.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Registry) {
		r.lookPath = fn
	}
}

// WithFileCheck overrides the check for configured binary paths.
func WithFileCheck(fn func(string) bool) Option {
	return func(r *Registry) {
		r.exists = fn
	}
}

// NewRegistry builds the registry from configuration.
func NewRegistry(cfg config.ToolsConfig, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	paths := make(map[string]string, len(config.DefaultToolPaths)+len(cfg.Paths))
	for k, v := range config.DefaultToolPaths {
		paths[k] = v
	}
	for k, v := range cfg.Paths {
		paths[k] = v
	}

	r := &Registry{
		paths:    paths,
		lookPath: exec.LookPath,
		exists:   fileExists,
		logger:   logger.Named("tools"),
	}
	WithTools(Catalogue(cfg)...)(r)
	for _, opt := range opts {
		opt(r)
	}
	r.logger.Debug("Tool catalogue registered", zap.Int("count", len(r.tools)))
	return r
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve finds a binary on PATH, then at its configured location. When
// neither exists it returns the configured (or /usr/bin) path together with
// ErrBinaryNotFound.
func (r *Registry) Resolve(binary string) (string, error) {
	if p, err := r.lookPath(binary); err == nil {
		return p, nil
	}
	configured, ok := r.paths[binary]
	if !ok || configured == "" {
		configured = "/usr/bin/" + binary
	}
	if r.exists(configured) {
		return configured, nil
	}
	return configured, fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
}

// Require resolves a binary and fails if it is not installed.
func (r *Registry) Require(binary string) (string, error) {
	return r.Resolve(binary)
}

// Build resolves the tool and its binary and returns the argv. A missing
// binary is not an error here; the spawn failure is reported by the task.
func (r *Registry) Build(name string, p Params) ([]string, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	bin, err := r.Resolve(t.Binary())
	if err != nil {
		r.logger.Debug("Binary not resolved, using configured path", zap.String("tool", name), zap.String("path", bin))
	}
	argv, err := t.Build(bin, p)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	return argv, nil
}

// Describe reports every tool and whether its binary is installed.
func (r *Registry) Describe() []Info {
	infos := make([]Info, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		path, err := r.Resolve(t.Binary())
		infos = append(infos, Info{Name: name, Binary: t.Binary(), Path: path, Available: err == nil})
	}
	return infos
}
