// Package repository defines the storage contracts shared by the memory,
// Redis, Postgres and Scylla backends.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"identity-service/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("concurrent update conflict")
)

// UserRepository defines the interface for user repository operations
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, userID string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error

	HealthCheck(ctx context.Context) error
}

// UpdateFunc mutates a verification record in place. Returning changed=true
// persists the record even when err is non-nil, so failed attempts are counted.
type UpdateFunc func(rec *models.VerificationRecord) (changed bool, err error)

// VerificationStore owns the per-identity throttle counters. Update must be
// atomic for one (kind, identity) pair; different identities never contend.
type VerificationStore interface {
	// Get returns the zero record when nothing is stored.
	Get(ctx context.Context, kind models.VerificationKind, identity string) (*models.VerificationRecord, error)
	Update(ctx context.Context, kind models.VerificationKind, identity string, fn UpdateFunc) (*models.VerificationRecord, error)

	HealthCheck(ctx context.Context) error
}

// RevocationStore tracks revoked tokens until their natural expiry.
type RevocationStore interface {
	// Revoke reports true when the token was not already revoked.
	Revoke(ctx context.Context, token string, expiresAt time.Time) (bool, error)
	IsRevoked(ctx context.Context, token string) (bool, error)
	// Sweep removes entries expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Len(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) error
}

// TokenDigest is the storage key for a token; raw tokens are never stored.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerificationKey is the storage key for one identity's record of one kind.
func VerificationKey(kind models.VerificationKind, identity string) string {
	return string(kind) + ":" + identity
}
