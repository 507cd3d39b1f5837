// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/internal/config"
	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/service"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

type contextKey string

const configKey contextKey = "config"

// configKeyAnnotation marks a flag that overrides a configuration key. The
// root command binds every annotated flag of the running command before the
// configuration is decoded.
const configKeyAnnotation = "scalpel_config_key"

// bindFlag annotates flag name on cmd as an override for key.
func bindFlag(cmd *cobra.Command, name, key string) {
	_ = cmd.Flags().SetAnnotation(name, configKeyAnnotation, []string{key})
}

// Execute runs the command line against a fresh command tree.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// NewRootCommand builds the production command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand()
}

// newRootCommand builds the command tree. toolOpts are forwarded to every
// tool catalogue the commands create, so tests can install fake tools.
func newRootCommand(toolOpts ...tools.Option) *cobra.Command {
	var cfgFile string
	factory := service.NewComponentFactory(service.WithToolOptions(toolOpts...))

	rootCmd := &cobra.Command{
		Use:           "scalpel-recon",
		Short:         "scalpel-recon supervises security tools and maps what they find.",
		Version:       Version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting scalpel-recon", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error (overrides logger.level)")
	_ = rootCmd.PersistentFlags().SetAnnotation("log-level", configKeyAnnotation, []string{"logger.level"})

	rootCmd.AddCommand(newServeCmd(factory))
	rootCmd.AddCommand(newRunCmd(factory))
	rootCmd.AddCommand(newPipelineCmd(factory))
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newReportCmd(NewStoreProvider()))
	rootCmd.AddCommand(newToolsCmd(toolOpts...))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// initializeConfig layers the config file, SCALPEL_* environment variables
// and annotated flags of cmd over the defaults already set on v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SCALPEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	return bindErr
}

// getConfigFromContext returns the configuration stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
