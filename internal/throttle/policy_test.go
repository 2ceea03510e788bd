package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	return models.TimePtr(t0.Add(d))
}

func TestDelayAtClamps(t *testing.T) {
	table := EmailVerification.ResendDelays
	assert.Equal(t, time.Duration(0), DelayAt(table, -1))
	assert.Equal(t, 5*time.Second, DelayAt(table, 2))
	assert.Equal(t, 15*time.Second, DelayAt(table, 4))
	assert.Equal(t, 15*time.Second, DelayAt(table, 40))
	assert.Equal(t, time.Duration(0), DelayAt(nil, 3))
}

func TestDelayTablesAreNonDecreasing(t *testing.T) {
	for _, l := range []Limits{EmailVerification, PasswordReset} {
		for i := 1; i < len(l.ResendDelays); i++ {
			assert.GreaterOrEqual(t, l.ResendDelays[i], l.ResendDelays[i-1])
		}
	}
}

func TestEmailNextAllowedResendFollowsDelayTable(t *testing.T) {
	kind := models.KindEmailVerification

	rec := &models.VerificationRecord{}
	assert.True(t, NextAllowedResendAt(rec, kind).IsZero())

	// first and second resends are immediate, the third waits 5s after the second
	rec = &models.VerificationRecord{ResendCount: 1, LastResendAt: at(0)}
	assert.Equal(t, t0, NextAllowedResendAt(rec, kind))

	rec = &models.VerificationRecord{ResendCount: 2, LastResendAt: at(0)}
	assert.Equal(t, t0.Add(5*time.Second), NextAllowedResendAt(rec, kind))

	rec = &models.VerificationRecord{ResendCount: 9, LastResendAt: at(0)}
	assert.Equal(t, t0.Add(15*time.Second), NextAllowedResendAt(rec, kind))
}

func TestEmailExhaustedAttemptsImposeCooldown(t *testing.T) {
	kind := models.KindEmailVerification
	rec := &models.VerificationRecord{
		ResendCount:   1,
		LastResendAt:  at(0),
		CodeAttempts:  5,
		LastAttemptAt: at(10 * time.Second),
	}
	assert.Equal(t, t0.Add(40*time.Second), NextAllowedResendAt(rec, kind))
	assert.Equal(t, t0.Add(40*time.Second), CanTryCodeAt(rec, kind))

	rec.ResendCount = 3
	assert.Equal(t, t0.Add(70*time.Second), NextAllowedResendAt(rec, kind))

	rec.CodeAttempts = 4
	assert.Equal(t, t0.Add(10*time.Second), NextAllowedResendAt(rec, kind))
	assert.True(t, CanTryCodeAt(rec, kind).IsZero())
}

func TestPasswordResetCooldownAndPacing(t *testing.T) {
	kind := models.KindPasswordReset

	rec := &models.VerificationRecord{}
	assert.True(t, NextAllowedResendAt(rec, kind).IsZero())

	rec = &models.VerificationRecord{ResendCount: 1, LastResendAt: at(0)}
	assert.Equal(t, t0.Add(time.Minute), NextAllowedResendAt(rec, kind))

	rec.CodeAttempts = 1
	rec.LastAttemptAt = at(20 * time.Second)
	assert.Equal(t, t0.Add(20*time.Second), CanTryCodeAt(rec, kind))

	rec.CodeAttempts = 3
	assert.Equal(t, t0.Add(35*time.Second), CanTryCodeAt(rec, kind))

	rec.CodeAttempts = 7
	assert.Equal(t, t0.Add(50*time.Second), CanTryCodeAt(rec, kind))
}

func TestRemainingAttemptsNeverNegative(t *testing.T) {
	rec := &models.VerificationRecord{ResendCount: 7, CodeAttempts: 9}
	assert.Equal(t, 0, RemainingResendAttempts(rec, models.KindEmailVerification))
	assert.Equal(t, 0, RemainingCodeAttempts(rec, models.KindPasswordReset))

	rec = &models.VerificationRecord{ResendCount: 2, CodeAttempts: 1}
	assert.Equal(t, 3, RemainingResendAttempts(rec, models.KindEmailVerification))
	assert.Equal(t, 4, RemainingCodeAttempts(rec, models.KindPasswordReset))
	assert.False(t, CodeAttemptsExhausted(rec, models.KindPasswordReset))
}

func TestIsBlocked(t *testing.T) {
	now := t0

	rec := &models.VerificationRecord{BlockedUntil: at(time.Minute)}
	assert.True(t, IsBlocked(rec, models.KindPasswordReset, now))
	assert.True(t, BlockActive(rec, now))
	assert.Equal(t, t0.Add(time.Minute), *BlockedUntil(rec, models.KindPasswordReset, now))

	// block ends exactly at blockedUntil
	assert.False(t, IsBlocked(rec, models.KindPasswordReset, t0.Add(time.Minute)))

	rec = &models.VerificationRecord{ResendCount: 5, LastResendAt: at(0)}
	assert.True(t, IsBlocked(rec, models.KindPasswordReset, now))
	assert.False(t, BlockActive(rec, now))
	assert.Nil(t, BlockedUntil(rec, models.KindPasswordReset, now))

	assert.True(t, IsBlocked(rec, models.KindEmailVerification, now))
	require.NotNil(t, BlockedUntil(rec, models.KindEmailVerification, now))
	assert.Equal(t, t0.Add(24*time.Hour), *BlockedUntil(rec, models.KindEmailVerification, now))

	rec.ResendCount = 4
	assert.False(t, IsBlocked(rec, models.KindEmailVerification, now))
	assert.Nil(t, BlockedUntil(rec, models.KindEmailVerification, now))
}

func TestNormalizeEmailWindow(t *testing.T) {
	kind := models.KindEmailVerification
	rec := &models.VerificationRecord{
		Secret:       "s",
		ExpiresAt:    at(10 * time.Minute),
		ResendCount:  5,
		LastResendAt: at(0),
		CodeAttempts: 2,
		Version:      7,
	}

	out, changed := Normalize(rec, kind, t0.Add(23*time.Hour))
	assert.False(t, changed)
	assert.Same(t, rec, out)

	out, changed = Normalize(rec, kind, t0.Add(24*time.Hour))
	require.True(t, changed)
	assert.Equal(t, 0, out.ResendCount)
	assert.Equal(t, 0, out.CodeAttempts)
	assert.Empty(t, out.Secret)
	assert.Nil(t, out.LastResendAt)
	assert.Equal(t, int64(7), out.Version)
}

func TestNormalizePasswordReset(t *testing.T) {
	kind := models.KindPasswordReset

	blocked := &models.VerificationRecord{ResendCount: 5, BlockedUntil: at(30 * time.Minute)}
	_, changed := Normalize(blocked, kind, t0.Add(29*time.Minute))
	assert.False(t, changed)
	out, changed := Normalize(blocked, kind, t0.Add(30*time.Minute))
	require.True(t, changed)
	assert.Nil(t, out.BlockedUntil)
	assert.Equal(t, 0, out.ResendCount)

	windowed := &models.VerificationRecord{ResendCount: 3, ResetWindowStart: at(0), LastResendAt: at(time.Hour)}
	_, changed = Normalize(windowed, kind, t0.Add(23*time.Hour))
	assert.False(t, changed)
	out, changed = Normalize(windowed, kind, t0.Add(24*time.Hour))
	require.True(t, changed)
	assert.Nil(t, out.ResetWindowStart)

	// an active code survives the window rollover
	windowed.Secret = "s"
	windowed.ExpiresAt = at(24*time.Hour + time.Minute)
	_, changed = Normalize(windowed, kind, t0.Add(24*time.Hour))
	assert.False(t, changed)
}

func TestLimitsFor(t *testing.T) {
	assert.Equal(t, 30*time.Minute, LimitsFor(models.KindPasswordReset).BlockDuration)
	assert.Equal(t, 30*time.Second, LimitsFor(models.KindEmailVerification).InitialCooldown)
	assert.Equal(t, 60*time.Second, LimitsFor(models.KindEmailVerification).SubsequentCooldown)
}
