package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// RedisClient backs the verification and revocation stores and the IP limiter.
type RedisClient struct {
	Client *redis.Client
}

func redisOptions(rc config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Password == "" {
		opts.Password = rc.Password
	}
	opts.DB = rc.DB

	opts.PoolSize = rc.PoolSize
	opts.MinIdleConns = max(rc.PoolSize/4, 2)
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolTimeout = 3 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	// rediss:// already yields a TLS config; layer the mounted CA and client pair on top.
	if opts.TLSConfig != nil {
		tlsCfg, err := tlsFiles{
			ServerName: opts.TLSConfig.ServerName,
			CAFile:     util.GetEnv("REDIS_TLS_CA_FILE", ""),
			CertFile:   util.GetEnv("REDIS_TLS_CERT_FILE", ""),
			KeyFile:    util.GetEnv("REDIS_TLS_KEY_FILE", ""),
		}.load()
		if err != nil {
			return nil, fmt.Errorf("redis tls: %w", err)
		}
		opts.TLSConfig = tlsCfg
	}
	return opts, nil
}

// NewRedisClient connects using cfg.Redis and fails if the server does not answer a ping.
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	opts, err := redisOptions(cfg.Redis)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	util.Info("Redis client ready",
		zap.String("url", redactURL(cfg.Redis.URL)),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize),
		zap.Bool("tls", opts.TLSConfig != nil))
	return &RedisClient{Client: rdb}, nil
}

// NewRedisClientFromOptions wraps an already configured client, used with
// embedded servers in tests.
func NewRedisClientFromOptions(opts *redis.Options) *RedisClient {
	return &RedisClient{Client: redis.NewClient(opts)}
}

func redactURL(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Redacted()
	}
	return "<unparseable>"
}

// HealthCheck pings and round-trips a short-lived probe key so a read-only
// replica or full memory shows up as unhealthy.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	const probeKey = "identity:healthcheck"
	want := time.Now().UTC().Format(time.RFC3339Nano)
	if err := r.Client.Set(ctx, probeKey, want, 10*time.Second).Err(); err != nil {
		return fmt.Errorf("redis write probe: %w", err)
	}
	got, err := r.Client.GetDel(ctx, probeKey).Result()
	if err != nil {
		return fmt.Errorf("redis read probe: %w", err)
	}
	if got != want {
		return fmt.Errorf("redis probe mismatch")
	}
	return nil
}

// Scan walks every key matching pattern without blocking Redis.
func (r *RedisClient) Scan(ctx context.Context, pattern string, count int64, fn func(key string) error) error {
	iter := r.Client.Scan(ctx, 0, pattern, count).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *RedisClient) Close() error {
	if r.Client == nil {
		return nil
	}
	if err := r.Client.Close(); err != nil {
		util.Error("Redis close failed", zap.Error(err))
		return err
	}
	return nil
}
