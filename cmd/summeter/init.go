package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/summeter/summeter/adapters/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup wizard",
	Long: `Initialize summeter with an interactive setup wizard.

This will:
  1. Ask for the storage backend and its location
  2. Create the configuration file with starter plans
  3. Create the sqlite database and run migrations (sqlite only)

Examples:
  summeter init
  summeter init --driver memory
  summeter init --config /etc/summeter/config.yaml --non-interactive`,
	RunE: runInit,
}

var (
	initDriver         string
	initDSN            string
	initRedisAddr      string
	initNonInteractive bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initDriver, "driver", "sqlite", "storage driver (memory, sqlite, redis)")
	initCmd.Flags().StringVar(&initDSN, "dsn", "summeter.db", "sqlite database file path")
	initCmd.Flags().StringVar(&initRedisAddr, "redis-addr", "127.0.0.1:6379", "redis address")
	initCmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "run without prompts")
}

func runInit(cmd *cobra.Command, args []string) error {
	fmt.Println("Welcome to summeter!")
	fmt.Println()

	// Check if config already exists
	if _, err := os.Stat(cfgFile); err == nil {
		if initNonInteractive {
			return fmt.Errorf("configuration file already exists: %s", cfgFile)
		}
		fmt.Printf("Configuration file already exists: %s\n", cfgFile)
		if !confirm("Overwrite?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	reader := bufio.NewReader(os.Stdin)

	driver := initDriver
	if !initNonInteractive && !cmd.Flags().Changed("driver") {
		driver = prompt(reader, "Storage driver (memory, sqlite, redis)", "sqlite")
	}
	switch driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage driver %q (want memory, sqlite or redis)", driver)
	}

	dsn := initDSN
	if driver == "sqlite" && !initNonInteractive && !cmd.Flags().Changed("dsn") {
		dsn = prompt(reader, "Database location", "summeter.db")
	}

	redisAddr := initRedisAddr
	if driver == "redis" && !initNonInteractive && !cmd.Flags().Changed("redis-addr") {
		redisAddr = prompt(reader, "Redis address", "127.0.0.1:6379")
	}

	// Generate and write the config file
	configContent := generateConfig(driver, dsn, redisAddr)
	if err := os.WriteFile(cfgFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("\n%s Generated %s\n", checkMark, cfgFile)

	switch driver {
	case "sqlite":
		db, err := sqlite.Open(dsn)
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		fmt.Printf("%s Created database %s\n", checkMark, dsn)
	case "redis":
		fmt.Printf("%s Redis configured: %s (run 'summeter validate --check-storage' to verify)\n", checkMark, redisAddr)
	case "memory":
		fmt.Printf("%s Memory storage configured (keeps no data across restarts)\n", checkMark)
	}

	fmt.Println()
	fmt.Println("Run 'summeter serve' to start the metering engine.")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Println("  Admission: http://localhost:8080/v1/admit")
	fmt.Println("  Health:    http://localhost:8080/healthz")
	fmt.Println("  Metrics:   http://localhost:8080/metrics")

	return nil
}

func prompt(reader *bufio.Reader, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("? %s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("? %s: ", label)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func confirm(message string) bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("? %s [y/N]: ", message)
	input, _ := reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes"
}

func generateConfig(driver, dsn, redisAddr string) string {
	var storage string
	switch driver {
	case "redis":
		storage = fmt.Sprintf("storage:\n  driver: redis\n  redis:\n    addr: %q\n    db: 0", redisAddr)
	case "memory":
		storage = "storage:\n  driver: memory"
	default:
		storage = fmt.Sprintf("storage:\n  driver: sqlite\n  dsn: %q", dsn)
	}

	return fmt.Sprintf(`# Summeter Configuration
# Generated by 'summeter init'

server:
  host: "0.0.0.0"
  port: 8080
  read_timeout: 30s
  write_timeout: 60s

%s

admission:
  # A failed call keeps its quota spend by default.
  refund_on_failure: false

catalog:
  ttl: 10s

reaper:
  interval: 30s
  pending_timeout: 5m
  batch_size: 100

audit:
  buffer: 1024

plans:
  - code: free
    name: "Free"
    monthly_call_limit: 100
    daily_call_limit: 25
    per_minute_limit: 2
    price_per_call: "0"

  - code: pro
    name: "Pro"
    monthly_call_limit: 50000
    daily_call_limit: 5000
    per_minute_limit: 60
    batch_size_limit: 25
    price_per_call: "0.008"
    volume_discounts:
      - call_threshold: 10000
        multiplier: "0.9"
      - call_threshold: 25000
        multiplier: "0.8"
    features:
      - batch_processing

logging:
  level: info
  format: console

metrics:
  enabled: true
`, storage)
}
