// Package redis implements the data-store ports on Redis. The ledger's
// atomic admission step runs as a Lua script, giving the same
// read-check-increment serialization the sqlite adapter gets from an
// immediate transaction and the memory adapter gets from a shard lock.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/summeter/summeter/ports"
)

// Config describes a redis connection.
type Config struct {
	Addr     string // host:port
	Password string
	DB       int
}

// Client wraps the go-redis client shared by the stores in this package.
type Client struct {
	rdb *goredis.Client
}

// Open connects to redis and verifies the connection with a ping.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     50,
		MinIdleConns: 5,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping verifies the connection is still healthy.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// -----------------------------------------------------------------------------
// Key layout
// -----------------------------------------------------------------------------

// One hash per monthly counter, one hash per event, three indexes: a
// per-user window zset scored by request time for the short-window
// counts, a per-user event log zset for recency reads, and one global
// pending zset that serves as the reaper's work queue.
const keyPrefix = "summeter:"

const (
	pendingKey   = keyPrefix + "pending"
	planCodesKey = keyPrefix + "plans"
)

func stateKey(userID string) string  { return keyPrefix + "state:" + userID }
func windowKey(userID string) string { return keyPrefix + "win:" + userID }
func eventKey(eventID string) string { return keyPrefix + "ev:" + eventID }
func logKey(userID string) string    { return keyPrefix + "evlog:" + userID }
func planKey(code string) string     { return keyPrefix + "plan:" + code }

// unavailable wraps a backend failure so admission paths can fail closed
// on it while semantic errors stay distinguishable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ports.ErrUnavailable, err)
}
