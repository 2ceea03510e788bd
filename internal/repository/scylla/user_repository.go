package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// UserRepository stores users in users_by_id with a users_by_email lookup
// table. Email uniqueness is enforced with a lightweight transaction.
type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	if err := r.reserveEmail(ctx, user.Email, user.UserID, now); err != nil {
		return err
	}

	if err := r.upsert(ctx, user); err != nil {
		r.releaseEmail(ctx, user.Email, user.UserID)
		util.Error("Failed to create user",
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created successfully", zap.String("user_id", user.UserID))
	return nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var userID string
	q := r.client.Query(ctx, r.client.Statements.LookupEmail, email)
	if err := r.client.ScanWithRetry(q, &userID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return r.GetByID(ctx, userID)
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	user := &models.User{}

	q := r.client.Query(ctx, r.client.Statements.GetUserByID, userID)
	err := r.client.ScanWithRetry(q,
		&user.UserID, &user.Email, &user.Name, &user.CompanyName, &user.PlanID,
		&user.Role, &user.PasswordHash, &user.EmailVerified, &user.IsActive,
		&user.VerifiedAt, &user.LastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get user by ID", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	existing, err := r.GetByID(ctx, user.UserID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if existing.Email != user.Email {
		if err := r.reserveEmail(ctx, user.Email, user.UserID, now); err != nil {
			return err
		}
	}

	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = now
	if err := r.upsert(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	if existing.Email != user.Email {
		r.releaseEmail(ctx, existing.Email, user.UserID)
	}
	return nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *UserRepository) reserveEmail(ctx context.Context, email, userID string, now time.Time) error {
	applied, err := r.client.Query(ctx, r.client.Statements.ReserveEmail, email, userID, now).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to reserve email: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}
	return nil
}

func (r *UserRepository) releaseEmail(ctx context.Context, email, userID string) {
	if _, err := r.client.Query(ctx, r.client.Statements.ReleaseEmail, email, userID).
		MapScanCAS(map[string]interface{}{}); err != nil {
		util.Warn("Failed to release email reservation",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (r *UserRepository) upsert(ctx context.Context, user *models.User) error {
	return r.client.Query(ctx, r.client.Statements.UpsertUser,
		user.UserID, user.Email, user.Name, user.CompanyName, user.PlanID,
		user.Role, user.PasswordHash, user.EmailVerified, user.IsActive,
		user.VerifiedAt, user.LastLogin, user.CreatedAt, user.UpdatedAt,
	).Exec()
}
