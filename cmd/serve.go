package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/service"
)

// newServeCmd creates the `serve` command, which runs the API until the
// process is interrupted.
func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			logger.Info("Serving scalpel-recon API",
				zap.String("listen_addr", cfg.Server.ListenAddr),
				zap.Bool("auth", cfg.Server.JWTSecret != ""),
				zap.Bool("persistence", components.Store != nil))

			// Start returns once ctx ends and the listener has drained.
			return components.Server.Start(ctx)
		},
	}

	cmd.Flags().String("listen", "", "Address to listen on (overrides server.listen_addr)")
	bindFlag(cmd, "listen", "server.listen_addr")
	cmd.Flags().String("database-url", "", "PostgreSQL URL (overrides database.url)")
	bindFlag(cmd, "database-url", "database.url")
	return cmd
}
