package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nodeweave/nodeweave/internal/collab"
	"github.com/nodeweave/nodeweave/internal/config"
	"github.com/nodeweave/nodeweave/internal/relay"
	"github.com/nodeweave/nodeweave/internal/server"
	"github.com/nodeweave/nodeweave/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workspace relay server",
	Long: `Start the HTTP server hosting the websocket relay, the workspace API,
and voice signaling. Configuration is read from nodeweave.yml in the
working directory; every key has a sensible default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger, err := buildLogger(cfg)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		store := workspace.NewStore(logger)
		hub := relay.NewHub(cmd.Context(), logger)
		collab.NewService(store, logger).Register(hub)
		go hub.Run()

		relayCfg := relay.DefaultConfig()
		relayCfg.MaxMessageBytes = cfg.Relay.MaxMessageBytes
		relayCfg.SendBuffer = cfg.Relay.SendBuffer
		upgrader := relay.NewUpgrader(relayCfg, hub)

		srv, err := server.New(server.FromConfig(cfg, upgrader.Handler(), store, logger))
		if err != nil {
			return fmt.Errorf("build server: %w", err)
		}

		gs := server.NewGracefulShutdown(srv, &server.ShutdownConfig{Logger: logger})
		gs.RegisterHook(func(ctx context.Context) error {
			hub.Shutdown()
			return nil
		})

		color.New(color.FgGreen, color.Bold).Printf("Nodeweave listening on %s\n", cfg.Addr())
		fmt.Printf("  workspace relay:  ws://%s/ws?workspace=<id>\n", cfg.Addr())
		fmt.Printf("  workspace API:    http://%s/api/workspaces/<id>\n", cfg.Addr())

		return gs.Start()
	},
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
