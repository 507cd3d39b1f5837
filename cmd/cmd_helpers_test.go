//go:build unix

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// shellTool stands in for a scanner with a shell script. The script sees the
// target as $1.
func shellTool(name, script string) tools.Tool {
	return tools.Define(name, name, func(_ string, p tools.Params) ([]string, error) {
		if p.Target() == "" {
			return nil, tools.ErrEmptyTarget
		}
		return []string{"/bin/sh", "-c", script, name, p.Target()}, nil
	})
}

// fakeToolOptions installs a small catalogue whose binaries always resolve,
// except "ghost" which is never installed.
func fakeToolOptions() []tools.Option {
	return []tools.Option{
		tools.WithTools(
			shellTool("nmap", `echo "80/tcp open http Apache 2.4 on $1"`),
			shellTool("whatweb", `echo "[200 OK] Apache[2.4] $1"`),
			shellTool("nikto", `echo "+ Server: Apache/2.4"`),
			shellTool("failer", `echo "bad things" >&2; exit 3`),
			shellTool("sleeper", "sleep 30"),
			tools.Define("ghost", "ghost-scanner", func(bin string, p tools.Params) ([]string, error) {
				return []string{bin, p.Target()}, nil
			}),
		),
		tools.WithLookPath(func(bin string) (string, error) {
			if bin == "ghost-scanner" {
				return "", os.ErrNotExist
			}
			return "/bin/sh", nil
		}),
	}
}

// executeCommand runs the command tree with fake tools and returns what it
// wrote to stdout and stderr.
func executeCommand(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	// Keep component logs off the test output and force fast kills.
	t.Setenv("SCALPEL_LOGGER_LEVEL", "error")
	t.Setenv("SCALPEL_SUPERVISOR_KILL_GRACE", "300ms")
	t.Setenv("SCALPEL_METRICS_ENABLED", "false")

	root := newRootCommand(fakeToolOptions()...)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

// writeFile writes content under a fresh temp dir and returns its path.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
