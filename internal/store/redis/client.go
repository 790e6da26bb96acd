package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Prefix   string // key prefix, default "pulsewatch:"
}

// Client wraps a go-redis client with the key prefix used by this service.
type Client struct {
	rdb    *goredis.Client
	prefix string
}

// Raw returns the underlying Redis client for health checks.
func (c *Client) Raw() *goredis.Client { return c.rdb }

// New connects to Redis and pings the server.
func New(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewFromClient(rdb, cfg.Prefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *goredis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "pulsewatch:"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) key(k string) string { return c.prefix + k }

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }
