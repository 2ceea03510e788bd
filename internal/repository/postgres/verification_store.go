package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

// VerificationStore serialises updates per identity with a row lock held
// for the duration of one transaction.
type VerificationStore struct {
	DB *sql.DB
}

func NewVerificationStore(db *sql.DB) *VerificationStore {
	return &VerificationStore{DB: db}
}

const selectRecord = `
	SELECT secret, expires_at, code_attempts, last_attempt_at, resend_count, last_resend_at,
	       reset_window_start, blocked_until, confirmed_at, version
	FROM verification_records
	WHERE kind = $1 AND identity = $2
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *VerificationStore) Get(ctx context.Context, kind models.VerificationKind, identity string) (*models.VerificationRecord, error) {
	rec, err := scanRecord(s.DB.QueryRowContext(ctx, selectRecord, string(kind), identity))
	if errors.Is(err, sql.ErrNoRows) {
		return &models.VerificationRecord{}, nil
	}
	return rec, err
}

func (s *VerificationStore) Update(ctx context.Context, kind models.VerificationKind, identity string, fn repository.UpdateFunc) (*models.VerificationRecord, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// make sure a row exists so there is something to lock
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO verification_records (kind, identity) VALUES ($1, $2)
		ON CONFLICT (kind, identity) DO NOTHING`, string(kind), identity); err != nil {
		return nil, fmt.Errorf("failed to initialise verification record: %w", err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` FOR UPDATE`, string(kind), identity))
	if err != nil {
		return nil, err
	}

	changed, fnErr := fn(rec)
	if !changed {
		return rec, fnErr
	}

	rec.Version++
	_, err = tx.ExecContext(ctx, `
		UPDATE verification_records
		SET secret = $3, expires_at = $4, code_attempts = $5, last_attempt_at = $6, resend_count = $7,
		    last_resend_at = $8, reset_window_start = $9, blocked_until = $10, confirmed_at = $11, version = $12
		WHERE kind = $1 AND identity = $2`,
		string(kind), identity,
		rec.Secret, nullTime(rec.ExpiresAt), rec.CodeAttempts, nullTime(rec.LastAttemptAt), rec.ResendCount,
		nullTime(rec.LastResendAt), nullTime(rec.ResetWindowStart), nullTime(rec.BlockedUntil),
		nullTime(rec.ConfirmedAt), rec.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to save verification record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit verification record: %w", err)
	}
	return rec, fnErr
}

func (s *VerificationStore) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, s.DB)
}

func scanRecord(row rowScanner) (*models.VerificationRecord, error) {
	rec := &models.VerificationRecord{}
	var expiresAt, lastAttemptAt, lastResendAt, windowStart, blockedUntil, confirmedAt sql.NullTime
	err := row.Scan(&rec.Secret, &expiresAt, &rec.CodeAttempts, &lastAttemptAt, &rec.ResendCount,
		&lastResendAt, &windowStart, &blockedUntil, &confirmedAt, &rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load verification record: %w", err)
	}
	rec.ExpiresAt = timePtr(expiresAt)
	rec.LastAttemptAt = timePtr(lastAttemptAt)
	rec.LastResendAt = timePtr(lastResendAt)
	rec.ResetWindowStart = timePtr(windowStart)
	rec.BlockedUntil = timePtr(blockedUntil)
	rec.ConfirmedAt = timePtr(confirmedAt)
	return rec, nil
}
