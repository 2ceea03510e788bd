package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const (
	verificationPrefix = "verification:"

	// Records outlive every throttle window; an evicted record is equivalent
	// to a fresh episode.
	verificationRetention = 7 * 24 * time.Hour
	maxUpdateRetries      = 8
)

// VerificationStore keeps each record as a Redis hash and applies updates
// with WATCH/MULTI so concurrent writers for one identity never both win.
type VerificationStore struct {
	client *client.RedisClient
}

func NewVerificationStore(client *client.RedisClient) *VerificationStore {
	return &VerificationStore{client: client}
}

func verificationKey(kind models.VerificationKind, identity string) string {
	return verificationPrefix + repository.VerificationKey(kind, identity)
}

func (s *VerificationStore) Get(ctx context.Context, kind models.VerificationKind, identity string) (*models.VerificationRecord, error) {
	vals, err := s.client.Client.HGetAll(ctx, verificationKey(kind, identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load verification record: %w", err)
	}
	return decodeRecord(vals)
}

func (s *VerificationStore) Update(ctx context.Context, kind models.VerificationKind, identity string, fn repository.UpdateFunc) (*models.VerificationRecord, error) {
	key := verificationKey(kind, identity)

	var (
		result *models.VerificationRecord
		fnErr  error
	)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		rec, err := decodeRecord(vals)
		if err != nil {
			return err
		}

		changed, err := fn(rec)
		result, fnErr = rec, err
		if !changed {
			return nil
		}

		rec.Version++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, encodeRecord(rec))
			pipe.Expire(ctx, key, verificationRetention)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Client.Watch(ctx, txf, key)
		if err == nil {
			return result, fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("failed to update verification record: %w", err)
	}

	util.Warn("Verification update lost too many races",
		zap.String("kind", string(kind)),
		zap.String("identity", util.MaskEmail(identity)))
	return nil, repository.ErrConflict
}

func (s *VerificationStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func encodeRecord(rec *models.VerificationRecord) map[string]interface{} {
	return map[string]interface{}{
		"secret":             rec.Secret,
		"expires_at":         formatTime(rec.ExpiresAt),
		"code_attempts":      rec.CodeAttempts,
		"last_attempt_at":    formatTime(rec.LastAttemptAt),
		"resend_count":       rec.ResendCount,
		"last_resend_at":     formatTime(rec.LastResendAt),
		"reset_window_start": formatTime(rec.ResetWindowStart),
		"blocked_until":      formatTime(rec.BlockedUntil),
		"confirmed_at":       formatTime(rec.ConfirmedAt),
		"version":            rec.Version,
	}
}

func decodeRecord(vals map[string]string) (*models.VerificationRecord, error) {
	rec := &models.VerificationRecord{}
	if len(vals) == 0 {
		return rec, nil
	}

	var err error
	rec.Secret = vals["secret"]
	if rec.CodeAttempts, err = parseInt(vals["code_attempts"]); err != nil {
		return nil, err
	}
	if rec.ResendCount, err = parseInt(vals["resend_count"]); err != nil {
		return nil, err
	}
	if v := vals["version"]; v != "" {
		if rec.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid version: %w", err)
		}
	}

	for field, dst := range map[string]**time.Time{
		"expires_at":         &rec.ExpiresAt,
		"last_attempt_at":    &rec.LastAttemptAt,
		"last_resend_at":     &rec.LastResendAt,
		"reset_window_start": &rec.ResetWindowStart,
		"blocked_until":      &rec.BlockedUntil,
		"confirmed_at":       &rec.ConfirmedAt,
	} {
		if *dst, err = parseTime(vals[field]); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", field, err)
		}
	}
	return rec, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
