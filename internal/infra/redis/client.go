package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection used for the state mirror.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	// Prefix namespaces every key. Empty derives one from the deployment.
	Prefix string `yaml:"prefix"`
}

// pingTimeout bounds the connectivity check in NewClient.
const pingTimeout = 5 * time.Second

// NewClient parses cfg.URL and verifies the server answers PING before
// returning. A password in cfg overrides one embedded in the URL.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DialTimeout = pingTimeout

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Keys names every key of one mirrored deployment.
type Keys struct {
	prefix string
}

// NewKeys builds the key set. A blank prefix becomes
// "keeper:<chainId>:<ledger>".
func NewKeys(prefix string, chainID uint64, ledger string) Keys {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = fmt.Sprintf("keeper:%d:%s", chainID, strings.ToLower(ledger))
	}
	return Keys{prefix: prefix}
}

// Cursor holds lastScannedBlock.
func (k Keys) Cursor() string { return k.prefix + ":cursor" }

// Retries is a sorted set of subscription ids scored by nextRetryAt.
func (k Keys) Retries() string { return k.prefix + ":retries" }

// RetryDetails is a hash of subscription id to the JSON retry record.
func (k Keys) RetryDetails() string { return k.prefix + ":retry_details" }

// InFlight is a hash of subscription id to the JSON in-flight entry.
func (k Keys) InFlight() string { return k.prefix + ":in_flight" }

// Meta is a hash of summary fields.
func (k Keys) Meta() string { return k.prefix + ":meta" }
