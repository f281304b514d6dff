package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/summeter/summeter/bootstrap"
	"github.com/summeter/summeter/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metering engine",
	Long: `Start the summeter HTTP server.

The server will:
  - Load configuration from summeter.yaml (or --config)
  - Or run entirely from SUMMETER_* environment variables
  - Open the configured storage backend and seed the plan catalog
  - Serve admission checks and the usage event lifecycle under /v1
  - Sweep stale pending events in the background

Environment variables (for Docker deployments):
  SUMMETER_STORAGE_DRIVER   - memory, sqlite or redis (default: memory)
  SUMMETER_STORAGE_DSN      - sqlite file path (default: summeter.db)
  SUMMETER_SERVER_PORT      - Server port (default: 8080)
  SUMMETER_SERVICE_TOKEN    - Bearer token guarding the /v1 API
  SUMMETER_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  summeter serve
  summeter serve --config /etc/summeter/config.yaml
  summeter serve --hot-reload=false

  # Docker (env vars only):
  SUMMETER_STORAGE_DRIVER=sqlite summeter serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if !hasConfigFile {
		fmt.Println("Running with environment variables (no config file)")
	}

	a, err := bootstrap.NewWithOptions(cfg, bootstrap.Options{Version: version})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Hot reload only works with a config file.
	if hasConfigFile && hotReload {
		holder, err := config.NewHolder(cfgFile, a.Logger)
		if err != nil {
			return fmt.Errorf("error watching config: %w", err)
		}
		a.AttachHolder(holder)
		if err := holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watching unavailable, SIGHUP still reloads")
		}
		holder.WatchSignals()
	}

	// Run (blocks until shutdown)
	return a.Run()
}
