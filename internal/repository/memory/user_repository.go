package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

// UserRepository keeps users in process memory, indexed by id and email.
type UserRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.User
	byEmail map[string]string
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]string),
	}
}

func (r *UserRepository) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[user.Email]; ok {
		return repository.ErrAlreadyExists
	}
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	u := *user
	r.byID[u.UserID] = &u
	r.byEmail[u.Email] = u.UserID
	return nil
}

func (r *UserRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u := *r.byID[id]
	return &u, nil
}

func (r *UserRepository) GetByID(_ context.Context, userID string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.byID[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u := *stored
	return &u, nil
}

func (r *UserRepository) Update(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[user.UserID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Email != user.Email {
		if _, taken := r.byEmail[user.Email]; taken {
			return repository.ErrAlreadyExists
		}
		delete(r.byEmail, stored.Email)
		r.byEmail[user.Email] = user.UserID
	}

	user.UpdatedAt = time.Now().UTC()
	u := *user
	r.byID[u.UserID] = &u
	return nil
}

func (r *UserRepository) HealthCheck(_ context.Context) error {
	return nil
}
