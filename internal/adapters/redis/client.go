// Package redis implementa el lock distribuido por mercado y el bus de
// eventos de mercado sobre go-redis/v9.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig contiene los parámetros de conexión.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // prefijo de keys y canales; default "predictbot"
}

// Client envuelve un *redis.Client con el prefijo de keys del proyecto.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New conecta y verifica con PING.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis.New: ping %s: %w", cfg.Addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "predictbot"
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close cierra la conexión.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
