package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wispbit/revengine/internal/api"
	"github.com/wispbit/revengine/internal/cache"
	"github.com/wispbit/revengine/internal/config"
	"github.com/wispbit/revengine/internal/llm"
	"github.com/wispbit/revengine/internal/sandbox"
	"github.com/wispbit/revengine/internal/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server exposing the review engine.

Endpoints:
  GET  /health              — Health check
  POST /api/review          — Run one Orchestrator pass over a file set
  GET  /api/review/stream   — WebSocket streaming of review progress`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "127.0.0.1", "address to listen on")
	serveCmd.Flags().IntP("port", "p", 6142, "port to listen on")
	serveCmd.Flags().StringP("config", "c", "", "path to config YAML")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load[config.Config](configPath)
	if err != nil {
		return err
	}

	sb, err := sandbox.New(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("initializing sandbox: %w", err)
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)

	deps := api.Deps{
		LLM:           llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey),
		Sandbox:       sb,
		Model:         cfg.LLM.Model,
		Concurrency:   cfg.Concurrency,
		WorkspaceRoot: cfg.Workspace.Root,
		Logger:        logger,
	}
	if cfg.Validator.Model != "" {
		deps.Validator = &validator.Validator{
			LLM:   llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey),
			Model: cfg.Validator.Model,
		}
	}

	if !cfg.Cache.Disabled {
		reviewCache, err := cache.Open(cfg.Cache.Path, cfg.Workspace.Root)
		if err != nil {
			return fmt.Errorf("opening review cache: %w", err)
		}
		defer reviewCache.Close()
		deps.Cache = reviewCache
	}

	listen := fmt.Sprintf("%s:%d", addr, port)
	srv := api.New(listen, deps)
	logger.Info("starting revengine serve", "addr", listen, "cache_enabled", !cfg.Cache.Disabled)
	return srv.ListenAndServe()
}
