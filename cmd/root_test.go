//go:build unix

package cmd

import (
	"context"
	"runtime"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-recon/internal/config"
)

func TestVersionCommand(t *testing.T) {
	t.Run("should print the version without loading configuration", func(t *testing.T) {
		// A broken config file would fail the root pre-run.
		bad := writeFile(t, "config.yaml", "logger: [unterminated")

		out, _, err := executeCommand(t, context.Background(), "version", "--config", bad)
		require.NoError(t, err)
		assert.Equal(t, "scalpel-recon dev ("+runtime.Version()+", "+runtime.GOOS+"/"+runtime.GOARCH+")\n", out)
	})

	t.Run("should answer --version from the root", func(t *testing.T) {
		out, _, err := executeCommand(t, context.Background(), "--version")
		require.NoError(t, err)
		assert.Equal(t, "scalpel-recon version dev\n", out)
	})
}

func TestRootConfiguration(t *testing.T) {
	t.Run("should fail on an unreadable config file", func(t *testing.T) {
		bad := writeFile(t, "config.yaml", "logger: [unterminated")

		_, _, err := executeCommand(t, context.Background(), "tools", "--config", bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize configuration")
	})

	t.Run("should layer file, environment and annotated flags", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "server:\n  listen_addr: \":9001\"\nsupervisor:\n  output_dir: /from/file\n")
		t.Setenv("SCALPEL_SUPERVISOR_OUTPUT_DIR", "/from/env")

		cmd := &cobra.Command{Use: "probe"}
		cmd.Flags().String("listen", "", "")
		bindFlag(cmd, "listen", "server.listen_addr")
		cmd.Flags().String("unbound", "", "")
		require.NoError(t, cmd.Flags().Set("listen", "127.0.0.1:7000"))

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(cmd, v, path))
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:7000", cfg.Server.ListenAddr, "flag beats file")
		assert.Equal(t, "/from/env", cfg.Supervisor.OutputDir, "environment beats file")
		assert.Equal(t, "scalpel_recon", cfg.Metrics.Namespace, "defaults survive")
	})

	t.Run("should keep the file value when the flag is unset", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "server:\n  listen_addr: \":9001\"\n")

		cmd := &cobra.Command{Use: "probe"}
		cmd.Flags().String("listen", "", "")
		bindFlag(cmd, "listen", "server.listen_addr")

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(cmd, v, path))
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, ":9001", cfg.Server.ListenAddr)
	})

	t.Run("should bind annotated flags inherited from a parent", func(t *testing.T) {
		parent := &cobra.Command{Use: "parent"}
		parent.PersistentFlags().String("log-level", "", "")
		require.NoError(t, parent.PersistentFlags().SetAnnotation("log-level", configKeyAnnotation, []string{"logger.level"}))

		var cfg *config.Config
		child := &cobra.Command{
			Use: "child",
			RunE: func(cmd *cobra.Command, args []string) error {
				v := viper.New()
				config.SetDefaults(v)
				if err := initializeConfig(cmd, v, writeFile(t, "config.yaml", "logger:\n  level: warn\n")); err != nil {
					return err
				}
				var err error
				cfg, err = config.NewConfigFromViper(v)
				return err
			},
		}
		parent.AddCommand(child)
		parent.SetArgs([]string{"child", "--log-level", "debug"})
		require.NoError(t, parent.Execute())

		require.NotNil(t, cfg)
		assert.Equal(t, "debug", cfg.Logger.Level)
	})

	t.Run("should report a missing configuration in the context", func(t *testing.T) {
		_, err := getConfigFromContext(context.Background())
		assert.EqualError(t, err, "configuration not found in context")
	})
}

func TestToolsCommand(t *testing.T) {
	t.Run("should list every tool and count the installed ones", func(t *testing.T) {
		out, _, err := executeCommand(t, context.Background(), "tools")
		require.NoError(t, err)

		assert.Regexp(t, `nmap\s+nmap\s+/bin/sh`, out)
		assert.Regexp(t, `ghost\s+ghost-scanner\s+\(not found\)`, out)
		assert.Contains(t, out, "5/6 tools available\n")
	})

	t.Run("should only list missing tools with --missing", func(t *testing.T) {
		out, _, err := executeCommand(t, context.Background(), "tools", "--missing")
		require.NoError(t, err)

		assert.NotContains(t, out, "nmap")
		assert.Contains(t, out, "ghost")
		assert.Contains(t, out, "5/6 tools available\n")
	})
}
