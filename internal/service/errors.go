package service

import (
	"errors"
	"fmt"
	"time"

	"identity-service/internal/token"
)

var (
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrExpiredCode     = errors.New("verification code expired or was never issued")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrCooldownActive  = errors.New("please wait before requesting another code")
	ErrBlocked         = errors.New("too many requests, temporarily blocked")

	ErrInvalidToken = token.ErrInvalidToken
	ErrTokenExpired = token.ErrTokenExpired

	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("an account with this email already exists")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email address has not been verified")
	ErrAccountInactive    = errors.New("account is not active")
	ErrInternal           = errors.New("internal error")

	// ErrUnknownIdentity accompanies a code error when the identity itself
	// does not exist.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// ThrottleError carries the retry information clients need alongside one
// of the throttle or code sentinels.
type ThrottleError struct {
	Err               error
	RetryAt           *time.Time
	BlockedUntil      *time.Time
	RemainingAttempts *int
	// DecidedAt is the service clock reading when the request was refused.
	DecidedAt time.Time
}

// RetryAfter is the wait until RetryAt, or BlockedUntil when no retry time
// is set, measured from DecidedAt. ok is false when neither is set.
func (e *ThrottleError) RetryAfter() (d time.Duration, ok bool) {
	at := e.RetryAt
	if at == nil {
		at = e.BlockedUntil
	}
	if at == nil {
		return 0, false
	}
	if d = at.Sub(e.DecidedAt); d < 0 {
		d = 0
	}
	return d, true
}

func (e *ThrottleError) Error() string {
	return e.Err.Error()
}

func (e *ThrottleError) Unwrap() error {
	return e.Err
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

func intPtr(n int) *int {
	return &n
}
