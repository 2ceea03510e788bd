// Package throttle holds the pure decision functions that gate one-time-code
// issuance and submission. Nothing here performs I/O or reads the clock; the
// caller passes now and applies any side effects (such as stamping a block).
package throttle

import (
	"time"

	"identity-service/internal/models"
)

// Limits parameterises one verification flow.
type Limits struct {
	MaxResendAttempts int
	MaxCodeAttempts   int

	// Email verification: wait imposed after the code attempts of the first
	// code in an episode are exhausted, and for every later code.
	InitialCooldown    time.Duration
	SubsequentCooldown time.Duration

	// Password reset: fixed gap between issuances after the first.
	Cooldown time.Duration

	ResetWindow   time.Duration
	BlockDuration time.Duration

	// ResendDelays gates resends for email verification (indexed by
	// resend count) and paces wrong-code retries for password reset
	// (indexed by code attempts). Indexes past the end clamp to the last entry.
	ResendDelays []time.Duration
}

var EmailVerification = Limits{
	MaxResendAttempts:  5,
	MaxCodeAttempts:    5,
	InitialCooldown:    30 * time.Second,
	SubsequentCooldown: 60 * time.Second,
	ResetWindow:        24 * time.Hour,
	ResendDelays:       seconds(0, 0, 5, 10, 15),
}

var PasswordReset = Limits{
	MaxResendAttempts: 5,
	MaxCodeAttempts:   5,
	Cooldown:          60 * time.Second,
	ResetWindow:       24 * time.Hour,
	BlockDuration:     30 * time.Minute,
	ResendDelays:      seconds(0, 0, 5, 15, 30),
}

// LimitsFor returns the limits of kind.
func LimitsFor(kind models.VerificationKind) Limits {
	if kind == models.KindPasswordReset {
		return PasswordReset
	}
	return EmailVerification
}

// DelayAt returns table[n], clamping n into range. An empty table means no delay.
func DelayAt(table []time.Duration, n int) time.Duration {
	if len(table) == 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n >= len(table) {
		n = len(table) - 1
	}
	return table[n]
}

// NextAllowedResendAt is the earliest instant a new code may be issued. The
// zero time means immediately. The boundary is inclusive.
func NextAllowedResendAt(rec *models.VerificationRecord, kind models.VerificationKind) time.Time {
	l := LimitsFor(kind)
	if rec.LastResendAt == nil {
		return time.Time{}
	}

	if kind == models.KindPasswordReset {
		if rec.ResendCount == 0 {
			return time.Time{}
		}
		return rec.LastResendAt.Add(l.Cooldown)
	}

	next := rec.LastResendAt.Add(DelayAt(l.ResendDelays, rec.ResendCount))
	if rec.CodeAttempts >= l.MaxCodeAttempts && rec.LastAttemptAt != nil {
		penalty := rec.LastAttemptAt.Add(exhaustionCooldown(rec, l))
		if penalty.After(next) {
			next = penalty
		}
	}
	return next
}

func exhaustionCooldown(rec *models.VerificationRecord, l Limits) time.Duration {
	if rec.ResendCount <= 1 {
		return l.InitialCooldown
	}
	return l.SubsequentCooldown
}

// CanTryCodeAt is the earliest instant a code submission is evaluated. Zero
// means immediately. Password reset paces every wrong code; email
// verification only waits once the attempts on the current code run out.
func CanTryCodeAt(rec *models.VerificationRecord, kind models.VerificationKind) time.Time {
	if rec.CodeAttempts == 0 || rec.LastAttemptAt == nil {
		return time.Time{}
	}
	l := LimitsFor(kind)
	if kind == models.KindPasswordReset {
		return rec.LastAttemptAt.Add(DelayAt(l.ResendDelays, rec.CodeAttempts))
	}
	if rec.CodeAttempts >= l.MaxCodeAttempts {
		return rec.LastAttemptAt.Add(exhaustionCooldown(rec, l))
	}
	return time.Time{}
}

func RemainingResendAttempts(rec *models.VerificationRecord, kind models.VerificationKind) int {
	return nonNegative(LimitsFor(kind).MaxResendAttempts - rec.ResendCount)
}

func RemainingCodeAttempts(rec *models.VerificationRecord, kind models.VerificationKind) int {
	return nonNegative(LimitsFor(kind).MaxCodeAttempts - rec.CodeAttempts)
}

// CodeAttemptsExhausted reports whether the current secret can no longer be tried.
func CodeAttemptsExhausted(rec *models.VerificationRecord, kind models.VerificationKind) bool {
	return rec.CodeAttempts >= LimitsFor(kind).MaxCodeAttempts
}

// IsBlocked reports whether issuance is refused: a stored block still in the
// future, or the resend ceiling reached. For password reset the caller must
// stamp BlockedUntil = now + BlockDuration when the ceiling triggers it.
func IsBlocked(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) bool {
	if BlockActive(rec, now) {
		return true
	}
	return rec.ResendCount >= LimitsFor(kind).MaxResendAttempts
}

// BlockActive reports whether a stamped block window covers now. While it
// does, every operation for the identity is refused.
func BlockActive(rec *models.VerificationRecord, now time.Time) bool {
	return rec.BlockedUntil != nil && now.Before(*rec.BlockedUntil)
}

// BlockedUntil reports when the current block ends, or nil when not blocked
// or when a password reset block has not been stamped yet.
func BlockedUntil(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) *time.Time {
	if BlockActive(rec, now) {
		return models.TimePtr(*rec.BlockedUntil)
	}
	if rec.ResendCount < LimitsFor(kind).MaxResendAttempts {
		return nil
	}
	if kind == models.KindEmailVerification && rec.LastResendAt != nil {
		return models.TimePtr(rec.LastResendAt.Add(EmailVerification.ResetWindow))
	}
	return nil
}

// Normalize starts a new episode when the record's window has lapsed: the
// email reset window since the last issuance, or for password reset an
// elapsed block or reset window. It returns a fresh record and true in that
// case, otherwise rec unchanged and false.
func Normalize(rec *models.VerificationRecord, kind models.VerificationKind, now time.Time) (*models.VerificationRecord, bool) {
	l := LimitsFor(kind)
	expired := false

	switch kind {
	case models.KindPasswordReset:
		if rec.BlockedUntil != nil {
			expired = !now.Before(*rec.BlockedUntil)
		} else if rec.ResetWindowStart != nil {
			expired = !now.Before(rec.ResetWindowStart.Add(l.ResetWindow)) && !rec.HasActiveCode(now)
		}
	default:
		if rec.LastResendAt != nil {
			expired = !now.Before(rec.LastResendAt.Add(l.ResetWindow)) && !rec.HasActiveCode(now)
		}
	}

	if !expired {
		return rec, false
	}
	return &models.VerificationRecord{Version: rec.Version}, true
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func seconds(values ...int) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}
