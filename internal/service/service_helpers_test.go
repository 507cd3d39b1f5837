package service

import (
	"os"
	"testing"
	"time"

	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

func TestMain(m *testing.M) {
	// Initialize logger
	cfg := config.NewDefaultConfig()
	cfg.Logger.Level = "error"
	observability.InitializeLogger(cfg.Logger)

	exitCode := m.Run()

	observability.Sync()
	os.Exit(exitCode)
}

// testConfig is the default configuration with fast timeouts and a metrics
// namespace of its own.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Supervisor.KillGrace = 300 * time.Millisecond
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Metrics.Namespace = "scalpel_service_test"
	return cfg
}

func shellTool(name, script string) tools.Tool {
	return tools.Define(name, name, func(_ string, p tools.Params) ([]string, error) {
		if p.Target() == "" {
			return nil, tools.ErrEmptyTarget
		}
		return []string{"/bin/sh", "-c", script, name, p.Target()}, nil
	})
}

// fakeTools replaces the catalogue with shell scripts that stand in for real
// scanners.
func fakeTools() FactoryOption {
	return WithToolOptions(
		tools.WithTools(
			shellTool("nmap", `echo "80/tcp open http Apache 2.4"`),
			shellTool("sleeper", "sleep 30"),
		),
		tools.WithLookPath(func(string) (string, error) { return "/bin/sh", nil }),
	)
}
