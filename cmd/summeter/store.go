package main

import (
	"context"
	"fmt"
	"time"

	redisstore "github.com/summeter/summeter/adapters/redis"
	"github.com/summeter/summeter/adapters/sqlite"
	"github.com/summeter/summeter/config"
	"github.com/summeter/summeter/ports"
)

// openStores opens the configured storage backend for one-shot CLI reads.
// The returned close function releases the underlying connection.
func openStores() (ports.PlanStore, ports.Ledger, func() error, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return sqlite.NewPlanStore(db), sqlite.NewLedger(db), db.Close, nil

	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return redisstore.NewPlanStore(client), redisstore.NewLedger(client), client.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("the %s driver keeps no data outside a running server; point --config at a sqlite or redis deployment", cfg.Storage.Driver)
	}
}
