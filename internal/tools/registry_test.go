package tools_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

func notOnPath(string) (string, error) { return "", errors.New("not found") }

func newTestRegistry(t *testing.T, opts ...tools.Option) *tools.Registry {
	t.Helper()
	cfg := config.NewDefaultConfig().Tools
	base := []tools.Option{tools.WithLookPath(notOnPath), tools.WithFileCheck(func(string) bool { return false })}
	return tools.NewRegistry(cfg, zap.NewNop(), append(base, opts...)...)
}

func TestNewRegistry_Catalogue(t *testing.T) {
	reg := newTestRegistry(t)

	expected := []string{
		"amass", "dig", "dirb", "dnsenum", "enum4linux", "feroxbuster", "ffuf", "gobuster_dir",
		"gobuster_dns", "hashcat", "hydra", "john", "nikto", "nmap", "nuclei", "nxc",
		"searchsploit", "smbclient", "sqlmap", "sslscan", "wafw00f", "wfuzz", "whatweb", "whois", "wpscan",
	}
	assert.Equal(t, expected, reg.Names(), "Names should be the sorted catalogue")

	tool, ok := reg.Get("gobuster_dir")
	require.True(t, ok)
	assert.Equal(t, "gobuster", tool.Binary())
}

func TestRegistry_Resolve(t *testing.T) {
	t.Run("should prefer PATH", func(t *testing.T) {
		reg := newTestRegistry(t, tools.WithLookPath(func(name string) (string, error) {
			return "/opt/bin/" + name, nil
		}))
		path, err := reg.Resolve("nmap")
		require.NoError(t, err)
		assert.Equal(t, "/opt/bin/nmap", path)
	})

	t.Run("should fall back to the configured path when it exists", func(t *testing.T) {
		reg := newTestRegistry(t, tools.WithFileCheck(func(p string) bool { return p == "/usr/sbin/john" }))
		path, err := reg.Resolve("john")
		require.NoError(t, err)
		assert.Equal(t, "/usr/sbin/john", path)
	})

	t.Run("should return the configured path with ErrBinaryNotFound", func(t *testing.T) {
		reg := newTestRegistry(t)
		path, err := reg.Resolve("nikto")
		assert.ErrorIs(t, err, tools.ErrBinaryNotFound)
		assert.Equal(t, "/usr/bin/nikto", path)
	})

	t.Run("should default unknown binaries to /usr/bin", func(t *testing.T) {
		reg := newTestRegistry(t)
		path, err := reg.Resolve("mystery")
		assert.ErrorIs(t, err, tools.ErrBinaryNotFound)
		assert.Equal(t, "/usr/bin/mystery", path)
	})

	t.Run("should honour a real file on disk", func(t *testing.T) {
		bin := filepath.Join(t.TempDir(), "whois")
		require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
		cfg := config.NewDefaultConfig().Tools
		cfg.Paths = map[string]string{"whois": bin}
		reg := tools.NewRegistry(cfg, zap.NewNop(), tools.WithLookPath(notOnPath))
		path, err := reg.Resolve("whois")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})
}

func TestRegistry_Build(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := config.NewDefaultConfig().Tools
	reg := tools.NewRegistry(cfg, zap.New(core), tools.WithLookPath(notOnPath), tools.WithFileCheck(func(string) bool { return false }))

	t.Run("should build with the configured path when the binary is missing", func(t *testing.T) {
		argv, err := reg.Build("whois", tools.Params{"target": "example.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"/usr/bin/whois", "example.com"}, argv)
		assert.Equal(t, 1, logs.FilterMessage("Binary not resolved, using configured path").Len())
	})

	t.Run("should reject unknown tools", func(t *testing.T) {
		_, err := reg.Build("metasploit", tools.Params{"target": "x"})
		assert.ErrorIs(t, err, tools.ErrUnknownTool)
	})

	t.Run("should surface builder errors", func(t *testing.T) {
		_, err := reg.Build("nmap", tools.Params{})
		assert.ErrorIs(t, err, tools.ErrEmptyTarget)
	})
}

func TestRegistry_WithTools(t *testing.T) {
	custom := tools.Define("echo", "echo", func(bin string, p tools.Params) ([]string, error) {
		return []string{bin, p.Target()}, nil
	})
	empty := tools.Define("empty", "true", func(string, tools.Params) ([]string, error) {
		return nil, nil
	})
	reg := newTestRegistry(t,
		tools.WithTools(custom, empty),
		tools.WithLookPath(func(name string) (string, error) { return "/bin/" + name, nil }),
	)

	assert.Equal(t, []string{"echo", "empty"}, reg.Names())

	argv, err := reg.Build("echo", tools.Params{"target": "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "hi"}, argv)

	_, err = reg.Build("empty", nil)
	assert.ErrorIs(t, err, tools.ErrNoCommand)

	_, ok := reg.Get("nmap")
	assert.False(t, ok, "WithTools should replace the default catalogue")
}

func TestRegistry_Describe(t *testing.T) {
	reg := newTestRegistry(t, tools.WithLookPath(func(name string) (string, error) {
		if name == "nmap" {
			return "/usr/local/bin/nmap", nil
		}
		return "", errors.New("missing")
	}))

	infos := reg.Describe()
	require.Len(t, infos, len(reg.Names()))
	for _, info := range infos {
		if info.Name == "nmap" {
			assert.True(t, info.Available)
			assert.Equal(t, "/usr/local/bin/nmap", info.Path)
			continue
		}
		assert.False(t, info.Available, "%s should be unavailable", info.Name)
	}
}

func TestParams(t *testing.T) {
	p := tools.Params{
		"target":  "  example.com ",
		"threads": float64(20),
		"verbose": "true",
		"xml":     true,
		"off":     false,
		"level":   "3",
		"count":   7,
	}

	assert.Equal(t, "example.com", p.Target())
	assert.Equal(t, "20", p.String("threads"))
	assert.Equal(t, "", p.String("off"), "false booleans render empty")
	assert.Equal(t, "fallback", p.StringOr("missing", "fallback"))
	assert.True(t, p.Bool("verbose"))
	assert.True(t, p.Bool("xml"))
	assert.False(t, p.Bool("off"))
	assert.False(t, p.Bool("missing"))
	assert.Equal(t, 3, p.Int("level", 1))
	assert.Equal(t, 7, p.Int("count", 0))
	assert.Equal(t, 20, p.Int("threads", 0))
	assert.Equal(t, 9, p.Int("target", 9), "non-numeric strings fall back")

	q := p.With("target", "other.org")
	assert.Equal(t, "other.org", q.Target())
	assert.Equal(t, "example.com", p.Target(), "With must not mutate the receiver")
}
