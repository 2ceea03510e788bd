package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

type UserRepository struct {
	DB *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{DB: db}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	const q = `
		INSERT INTO users (user_id, email, name, company_name, plan_id, role, password_hash,
		                   email_verified, is_active, verified_at, last_login, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.DB.ExecContext(ctx, q,
		user.UserID, user.Email, user.Name, user.CompanyName, user.PlanID, user.Role, user.PasswordHash,
		user.EmailVerified, user.IsActive, nullTime(user.VerifiedAt), nullTime(user.LastLogin),
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const selectUser = `
	SELECT user_id, email, name, company_name, plan_id, role, password_hash,
	       email_verified, is_active, verified_at, last_login, created_at, updated_at
	FROM users
`

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx, selectUser+`WHERE email = $1`, email))
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx, selectUser+`WHERE user_id = $1`, userID))
}

func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	const q = `
		UPDATE users
		SET email = $2, name = $3, company_name = $4, plan_id = $5, role = $6, password_hash = $7,
		    email_verified = $8, is_active = $9, verified_at = $10, last_login = $11, updated_at = $12
		WHERE user_id = $1
	`
	user.UpdatedAt = time.Now().UTC()
	res, err := r.DB.ExecContext(ctx, q,
		user.UserID, user.Email, user.Name, user.CompanyName, user.PlanID, user.Role, user.PasswordHash,
		user.EmailVerified, user.IsActive, nullTime(user.VerifiedAt), nullTime(user.LastLogin), user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, r.DB)
}

func (r *UserRepository) scanOne(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	var verifiedAt, lastLogin sql.NullTime
	err := row.Scan(&u.UserID, &u.Email, &u.Name, &u.CompanyName, &u.PlanID, &u.Role, &u.PasswordHash,
		&u.EmailVerified, &u.IsActive, &verifiedAt, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.VerifiedAt = timePtr(verifiedAt)
	u.LastLogin = timePtr(lastLogin)
	return u, nil
}
