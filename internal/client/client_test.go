package client

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func TestParseClickHouseURL(t *testing.T) {
	cases := []struct {
		raw    string
		addr   string
		secure bool
	}{
		{"http://localhost:9000", "localhost:9000", false},
		{"clickhouse://ch.internal", "ch.internal:9000", false},
		{"https://ch.example.com", "ch.example.com:9440", true},
		{"ch.internal:9100", "ch.internal:9100", false},
	}
	for _, tc := range cases {
		ep, err := parseClickHouseURL(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.addr, ep.addr, tc.raw)
		assert.Equal(t, tc.secure, ep.secure, tc.raw)
	}
}

func TestRedisOptionsFromConfig(t *testing.T) {
	opts, err := redisOptions(config.RedisConfig{
		URL:      "redis://cache:6380/3",
		Password: "s3cret",
		DB:       5,
		PoolSize: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "s3cret", opts.Password)
	assert.Equal(t, 5, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, 5, opts.MinIdleConns)
	assert.Nil(t, opts.TLSConfig)

	_, err = redisOptions(config.RedisConfig{URL: "memcached://nope"})
	assert.Error(t, err)
}

func TestRedisClientHealthAndScan(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := NewRedisClientFromOptions(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	ctx := context.Background()
	require.NoError(t, rc.HealthCheck(ctx))
	assert.False(t, mr.Exists("identity:healthcheck"))

	require.NoError(t, mr.Set("revoked:a", "1"))
	require.NoError(t, mr.Set("revoked:b", "1"))
	require.NoError(t, mr.Set("other", "1"))

	var keys []string
	require.NoError(t, rc.Scan(ctx, "revoked:*", 10, func(k string) error {
		keys = append(keys, k)
		return nil
	}))
	assert.ElementsMatch(t, []string{"revoked:a", "revoked:b"}, keys)

	mr.Close()
	assert.Error(t, rc.HealthCheck(ctx))
}
