package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const revokedPrefix = "revoked:"

// RevocationStore shares the revocation list between instances. Each entry
// carries a Redis TTL equal to the token's remaining lifetime, so Redis does
// the sweeping.
type RevocationStore struct {
	client *client.RedisClient
	clock  util.Clock
}

func NewRevocationStore(client *client.RedisClient, clock util.Clock) *RevocationStore {
	return &RevocationStore{client: client, clock: clock}
}

func (s *RevocationStore) Revoke(ctx context.Context, token string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return true, nil
	}

	ok, err := s.client.Client.SetNX(ctx, revokedPrefix+repository.TokenDigest(token), "1", ttl).Result()
	if err != nil {
		util.Error("Failed to revoke token", zap.Error(err))
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return ok, nil
}

func (s *RevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Client.Exists(ctx, revokedPrefix+repository.TokenDigest(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// Sweep is a no-op; expired keys are dropped by Redis.
func (s *RevocationStore) Sweep(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *RevocationStore) Len(ctx context.Context) (int, error) {
	count := 0
	err := s.client.Scan(ctx, revokedPrefix+"*", 500, func(string) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count revoked tokens: %w", err)
	}
	return count, nil
}

func (s *RevocationStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
