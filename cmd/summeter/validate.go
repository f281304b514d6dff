package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	redisstore "github.com/summeter/summeter/adapters/redis"
	"github.com/summeter/summeter/adapters/sqlite"
	"github.com/summeter/summeter/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the summeter configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Every configured plan passes plan validation
  - Storage backend is reachable (optional)

Examples:
  summeter validate
  summeter validate --config /etc/summeter/config.yaml
  summeter validate --check-storage`,
	RunE: runValidate,
}

var validateCheckStorage bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckStorage, "check-storage", false, "check if the storage backend is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	// Load and validate config (this also validates every plan)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	// Show config summary
	fmt.Printf("  %s Storage: %s\n", checkMark, storageSummary(cfg))
	fmt.Printf("  %s Plans configured: %d\n", checkMark, len(cfg.Plans))
	fmt.Printf("  %s Catalog TTL: %s\n", checkMark, cfg.Catalog.TTL)
	if cfg.ReaperEnabled() {
		fmt.Printf("  %s Reaper: every %s, pending timeout %s\n", checkMark, cfg.Reaper.Interval, cfg.Reaper.PendingTimeout)
	} else {
		fmt.Printf("  %s Reaper: disabled\n", checkMark)
	}
	if cfg.Server.ServiceToken != "" {
		fmt.Printf("  %s Service token: set\n", checkMark)
	} else {
		fmt.Printf("  %s Service token: not set (API is open)\n", checkMark)
	}

	// Optional: check storage backend
	if validateCheckStorage {
		if err := checkStorageReachable(cfg); err != nil {
			fmt.Printf("  %s Storage reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Storage reachable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func storageSummary(cfg *config.Config) string {
	switch cfg.Storage.Driver {
	case "sqlite":
		return fmt.Sprintf("sqlite (%s)", cfg.Storage.DSN)
	case "redis":
		return fmt.Sprintf("redis (%s)", cfg.Storage.Redis.Addr)
	default:
		return cfg.Storage.Driver
	}
}

func checkStorageReachable(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Migrate()

	case "redis":
		client, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Ping(ctx)

	default:
		// The memory backend needs no connectivity.
		return nil
	}
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
