package geo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/model"

	redis "github.com/redis/go-redis/v9"
)

// SharedCache is a cache shared between nodes.
type SharedCache interface {
	Get(ctx context.Context, addr netip.Addr) (*model.GeoInfo, bool, error)
	Set(ctx context.Context, addr netip.Addr, info *model.GeoInfo) error
	Close() error
}

// RedisCache stores geo snapshots as JSON under geo:<addr>. Unknown
// addresses are stored as null.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCache connects to Redis and pings it.
func NewRedisCache(cfg config.RedisConfig, ttl time.Duration, log *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if log != nil {
		log.Info("geo redis cache connected", "addr", cfg.Addr)
	}
	return &RedisCache{client: client, prefix: "tapledger:geo:", ttl: ttl, timeout: 100 * time.Millisecond}, nil
}

func (c *RedisCache) Get(ctx context.Context, addr netip.Addr) (*model.GeoInfo, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	data, err := c.client.Get(ctx, c.prefix+addr.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var info *model.GeoInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false, err
	}
	return info, true, nil
}

func (c *RedisCache) Set(ctx context.Context, addr netip.Addr, info *model.GeoInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Set(ctx, c.prefix+addr.String(), data, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
