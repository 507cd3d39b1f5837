package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	Tools      ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	Recon      ReconConfig      `mapstructure:"recon" yaml:"recon"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL runs without persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SupervisorConfig controls how tool subprocesses are launched and stopped.
type SupervisorConfig struct {
	// KillGrace is how long a terminated process gets before it is killed outright.
	KillGrace time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
	// MaxConcurrent bounds the number of live subprocesses. Zero means unbounded.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// SpawnRate limits process launches per second. Zero disables the limiter.
	SpawnRate  float64 `mapstructure:"spawn_rate" yaml:"spawn_rate"`
	SpawnBurst int     `mapstructure:"spawn_burst" yaml:"spawn_burst"`
	// OutputDir, when set, receives a <task_id>.log copy of every task's output.
	OutputDir string   `mapstructure:"output_dir" yaml:"output_dir"`
	Env       []string `mapstructure:"env" yaml:"env"`
}

// NotifyConfig sizes the notification ring and its fan-out queue.
type NotifyConfig struct {
	Capacity         int `mapstructure:"capacity" yaml:"capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// ToolsConfig maps binaries to fallback install paths and names the shared wordlists.
type ToolsConfig struct {
	Paths          map[string]string `mapstructure:"paths" yaml:"paths"`
	Wordlists      WordlistConfig    `mapstructure:"wordlists" yaml:"wordlists"`
	DefaultThreads int               `mapstructure:"default_threads" yaml:"default_threads"`
}

// WordlistConfig names the wordlists recon sessions use.
type WordlistConfig struct {
	Subdomains string `mapstructure:"subdomains" yaml:"subdomains"`
	Dirs       string `mapstructure:"dirs" yaml:"dirs"`
	DirsMedium string `mapstructure:"dirs_medium" yaml:"dirs_medium"`
	Common     string `mapstructure:"common" yaml:"common"`
}

// ReconConfig tunes the parallel recon session.
type ReconConfig struct {
	MaxSearchTerms int `mapstructure:"max_search_terms" yaml:"max_search_terms"`
	Threads        int `mapstructure:"threads" yaml:"threads"`
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// DefaultToolPaths is the install location of every catalogued binary on a stock pentest distro.
var DefaultToolPaths = map[string]string{
	"nmap":         "/usr/bin/nmap",
	"sqlmap":       "/usr/bin/sqlmap",
	"amass":        "/usr/bin/amass",
	"gobuster":     "/usr/bin/gobuster",
	"dnsenum":      "/usr/bin/dnsenum",
	"nikto":        "/usr/bin/nikto",
	"dirb":         "/usr/bin/dirb",
	"ffuf":         "/usr/bin/ffuf",
	"whatweb":      "/usr/bin/whatweb",
	"wfuzz":        "/usr/bin/wfuzz",
	"nxc":          "/usr/bin/nxc",
	"enum4linux":   "/usr/bin/enum4linux",
	"smbclient":    "/usr/bin/smbclient",
	"searchsploit": "/usr/bin/searchsploit",
	"hydra":        "/usr/bin/hydra",
	"john":         "/usr/sbin/john",
	"hashcat":      "/usr/bin/hashcat",
	"whois":        "/usr/bin/whois",
	"dig":          "/usr/bin/dig",
	"nuclei":       "/usr/bin/nuclei",
	"wafw00f":      "/usr/bin/wafw00f",
	"feroxbuster":  "/usr/bin/feroxbuster",
	"wpscan":       "/usr/bin/wpscan",
	"sslscan":      "/usr/bin/sslscan",
}

// NewDefaultConfig returns a configuration populated purely from SetDefaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-recon")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Supervisor --
	v.SetDefault("supervisor.kill_grace", "1s")
	v.SetDefault("supervisor.max_concurrent", 0)
	v.SetDefault("supervisor.spawn_rate", 0)
	v.SetDefault("supervisor.spawn_burst", 1)
	v.SetDefault("supervisor.output_dir", "")
	v.SetDefault("supervisor.env", []string{"TERM=xterm-256color"})

	// -- Notify --
	v.SetDefault("notify.capacity", 200)
	v.SetDefault("notify.subscriber_buffer", 64)

	// -- Tools --
	v.SetDefault("tools.paths", DefaultToolPaths)
	v.SetDefault("tools.wordlists.subdomains", "/usr/share/seclists/Discovery/DNS/subdomains-top1million-5000.txt")
	v.SetDefault("tools.wordlists.dirs", "/usr/share/wordlists/dirb/common.txt")
	v.SetDefault("tools.wordlists.dirs_medium", "/usr/share/wordlists/dirbuster/directory-list-2.3-medium.txt")
	v.SetDefault("tools.wordlists.common", "/usr/share/wordlists/dirb/common.txt")
	v.SetDefault("tools.default_threads", 40)

	// -- Recon --
	v.SetDefault("recon.max_search_terms", 8)
	v.SetDefault("recon.threads", 40)

	// -- Server --
	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.poll_interval", "500ms")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "scalpel_recon")
}

// NewConfigFromViper decodes, expands and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are commonly injected through the environment only.
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL")
	_ = v.BindEnv("server.jwt_secret", "SCALPEL_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("error expanding config paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading ~ in every filesystem path the configuration carries.
func (c *Config) ExpandPaths() error {
	targets := []*string{
		&c.Logger.LogFile,
		&c.Supervisor.OutputDir,
		&c.Tools.Wordlists.Subdomains,
		&c.Tools.Wordlists.Dirs,
		&c.Tools.Wordlists.DirsMedium,
		&c.Tools.Wordlists.Common,
	}
	for _, p := range targets {
		if *p == "" || !strings.HasPrefix(*p, "~") {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %q: %w", *p, err)
		}
		*p = filepath.Clean(expanded)
	}
	for name, p := range c.Tools.Paths {
		if !strings.HasPrefix(p, "~") {
			continue
		}
		expanded, err := homedir.Expand(p)
		if err != nil {
			return fmt.Errorf("failed to expand tools.paths.%s: %w", name, err)
		}
		c.Tools.Paths[name] = expanded
	}
	return nil
}

// Validate checks the fields whose zero or negative values would break a component.
func (c *Config) Validate() error {
	if c.Supervisor.KillGrace <= 0 {
		return fmt.Errorf("supervisor.kill_grace must be a positive duration")
	}
	if c.Supervisor.MaxConcurrent < 0 {
		return fmt.Errorf("supervisor.max_concurrent must not be negative")
	}
	if c.Supervisor.SpawnRate < 0 {
		return fmt.Errorf("supervisor.spawn_rate must not be negative")
	}
	if c.Supervisor.SpawnRate > 0 && c.Supervisor.SpawnBurst <= 0 {
		return fmt.Errorf("supervisor.spawn_burst must be a positive integer when spawn_rate is set")
	}
	if c.Notify.Capacity <= 0 {
		return fmt.Errorf("notify.capacity must be a positive integer")
	}
	if c.Notify.SubscriberBuffer <= 0 {
		return fmt.Errorf("notify.subscriber_buffer must be a positive integer")
	}
	if c.Recon.MaxSearchTerms < 0 {
		return fmt.Errorf("recon.max_search_terms must not be negative")
	}
	if c.Recon.Threads <= 0 {
		return fmt.Errorf("recon.threads must be a positive integer")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	return nil
}
