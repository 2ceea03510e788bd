package models

import "time"

// VerificationKind selects one of the two one-time-code flows.
type VerificationKind string

const (
	KindEmailVerification VerificationKind = "email_verification"
	KindPasswordReset     VerificationKind = "password_reset"
)

func (k VerificationKind) Valid() bool {
	return k == KindEmailVerification || k == KindPasswordReset
}

// VerificationRecord holds the throttle counters and current secret for one
// identity and one kind. The zero value means "no code ever issued".
type VerificationRecord struct {
	Secret           string     `json:"secret,omitempty" db:"secret"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CodeAttempts     int        `json:"code_attempts" db:"code_attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	ResendCount      int        `json:"resend_count" db:"resend_count"`
	LastResendAt     *time.Time `json:"last_resend_at,omitempty" db:"last_resend_at"`
	ResetWindowStart *time.Time `json:"reset_window_start,omitempty" db:"reset_window_start"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	Version          int64      `json:"version" db:"version"`
}

// HasActiveCode reports whether a secret exists and has not expired.
// Expiry is exclusive: a code is dead at exactly ExpiresAt.
func (r *VerificationRecord) HasActiveCode(now time.Time) bool {
	return r.Secret != "" && r.ExpiresAt != nil && now.Before(*r.ExpiresAt)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *VerificationRecord) Clone() *VerificationRecord {
	if r == nil {
		return &VerificationRecord{}
	}
	out := *r
	out.ExpiresAt = cloneTime(r.ExpiresAt)
	out.LastAttemptAt = cloneTime(r.LastAttemptAt)
	out.LastResendAt = cloneTime(r.LastResendAt)
	out.ResetWindowStart = cloneTime(r.ResetWindowStart)
	out.BlockedUntil = cloneTime(r.BlockedUntil)
	out.ConfirmedAt = cloneTime(r.ConfirmedAt)
	return &out
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
