package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromOptions(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func TestVerificationStoreRoundTrip(t *testing.T) {
	rc, mr := newTestClient(t)
	s := NewVerificationStore(rc)
	ctx := context.Background()

	rec, err := s.Get(ctx, models.KindPasswordReset, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, &models.VerificationRecord{}, rec)

	out, err := s.Update(ctx, models.KindPasswordReset, "a@example.com", func(rec *models.VerificationRecord) (bool, error) {
		rec.Secret = "argon2id$secret"
		rec.ExpiresAt = models.TimePtr(base.Add(10 * time.Minute))
		rec.ResendCount = 2
		rec.LastResendAt = models.TimePtr(base)
		rec.ResetWindowStart = models.TimePtr(base)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Version)

	got, err := s.Get(ctx, models.KindPasswordReset, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "argon2id$secret", got.Secret)
	assert.Equal(t, 2, got.ResendCount)
	assert.True(t, got.ExpiresAt.Equal(base.Add(10*time.Minute)))
	assert.Nil(t, got.BlockedUntil)
	assert.Nil(t, got.LastAttemptAt)

	assert.True(t, mr.Exists("verification:password_reset:a@example.com"))
	assert.Greater(t, mr.TTL("verification:password_reset:a@example.com"), time.Duration(0))
}

func TestVerificationStorePersistsFailedAttempt(t *testing.T) {
	rc, _ := newTestClient(t)
	s := NewVerificationStore(rc)
	ctx := context.Background()

	wrong := errors.New("wrong code")
	_, err := s.Update(ctx, models.KindEmailVerification, "b", func(rec *models.VerificationRecord) (bool, error) {
		rec.CodeAttempts++
		return true, wrong
	})
	assert.ErrorIs(t, err, wrong)

	_, err = s.Update(ctx, models.KindEmailVerification, "b", func(rec *models.VerificationRecord) (bool, error) {
		rec.CodeAttempts = 99
		return false, nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, models.KindEmailVerification, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CodeAttempts)
}

func TestVerificationStoreConcurrentUpdates(t *testing.T) {
	rc, _ := newTestClient(t)
	s := NewVerificationStore(rc)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		conflict int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, models.KindEmailVerification, "c", func(rec *models.VerificationRecord) (bool, error) {
				rec.ResendCount++
				return true, nil
			})
			if err != nil {
				mu.Lock()
				conflict++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, models.KindEmailVerification, "c")
	require.NoError(t, err)
	// every successful update is counted exactly once
	assert.Equal(t, 10-conflict, got.ResendCount)
}

func TestDecodeRejectsCorruptRecord(t *testing.T) {
	_, err := decodeRecord(map[string]string{"resend_count": "x"})
	assert.Error(t, err)
	_, err = decodeRecord(map[string]string{"blocked_until": "yesterday"})
	assert.Error(t, err)
}

func TestRevocationStore(t *testing.T) {
	rc, mr := newTestClient(t)
	clock := util.NewFakeClock(base)
	s := NewRevocationStore(rc, clock)
	ctx := context.Background()

	fresh, err := s.Revoke(ctx, "tok", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.Revoke(ctx, "tok", base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fresh)

	revoked, err := s.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(ctx, "other")
	require.NoError(t, err)
	assert.False(t, revoked)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mr.FastForward(time.Minute)
	revoked, err = s.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, revoked)

	// already expired tokens need no entry
	fresh, err = s.Revoke(ctx, "old", base.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, fresh)
	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSlidingWindowLimiter(t *testing.T) {
	rc, _ := newTestClient(t)
	clock := util.NewFakeClock(base)
	l := NewSlidingWindowLimiter(rc, clock, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(time.Second)
	}

	d, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 57*time.Second, d.RetryAfter)

	// other keys are unaffected
	d, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(57 * time.Second)
	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
