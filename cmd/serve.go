package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/internal/mcp"
	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP command server",
		Long: `Starts the HTTP API: POST /api/v1/command runs commands, GET /health reports
readiness and /ws/v1/attempts streams every attempt as it finishes.`,
		Args: cobra.NoArgs,
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
			defer func() {
				// The command context is already cancelled at this point.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server().ShutdownTimeout)
				defer cancel()
				components.Shutdown(shutdownCtx)
			}()

			server := mcp.NewServer(cfg.Server(), components.Service, logger)
			if err := server.Start(ctx); err != nil {
				return fmt.Errorf("server stopped: %w", err)
			}
			logger.Info("Server exited cleanly.", zap.String("address", cfg.Server().Addr()))
			return nil
		},
	}

	serveCmd.Flags().String("host", "", "Listen host. (Overrides config/env)")
	serveCmd.Flags().Int("port", 0, "Listen port. (Overrides config/env)")
	serveCmd.Flags().Bool("headless", true, "Run browsers headless. (Overrides config/env)")
	serveCmd.Flags().Bool("stealth", true, "Apply the stealth profile. (Overrides config/env)")
	serveCmd.Flags().Int("pool-size", 0, "Maximum concurrent browser sessions. (Overrides config/env)")
	serveCmd.Flags().String("database-url", "", "PostgreSQL URL for submission history. (Overrides config/env)")
	return serveCmd
}
