package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// ErrTokenReused marks a refresh token presented after it was rotated.
var ErrTokenReused = errors.New("refresh token already used")

// UserLookup is the part of the user repository refresh needs.
type UserLookup interface {
	GetByID(ctx context.Context, userID string) (*models.User, error)
}

// Service combines the signer with the revocation list: it rotates refresh
// tokens and revokes tokens on logout.
type Service struct {
	*Manager
	revocations repository.RevocationStore
	users       UserLookup
	clock       util.Clock
}

func NewService(m *Manager, revocations repository.RevocationStore, users UserLookup, clock util.Clock) *Service {
	return &Service{Manager: m, revocations: revocations, users: users, clock: clock}
}

// IssuePair mints a fresh access and refresh token for subject.
func (s *Service) IssuePair(subject, role string) (*models.TokenPair, error) {
	access, ap, err := s.IssueAccessToken(subject, role)
	if err != nil {
		return nil, err
	}
	refresh, rp, err := s.IssueRefreshToken(subject, role)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  ap.ExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: rp.ExpiresAt,
	}, nil
}

// Refresh trades a refresh token for a new pair. The presented token is
// revoked first, so of two concurrent calls with the same token only one
// succeeds. The account is re-read so a deactivated user cannot refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, *models.User, error) {
	payload, err := s.Verify(refreshToken, models.TokenRefresh)
	if err != nil {
		return nil, nil, err
	}

	revoked, err := s.revocations.IsRevoked(ctx, refreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenReused)
	}

	fresh, err := s.revocations.Revoke(ctx, refreshToken, payload.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if !fresh {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenReused)
	}

	user, err := s.users.GetByID(ctx, payload.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsActive || !user.EmailVerified {
		return nil, nil, ErrInvalidToken
	}

	pair, err := s.IssuePair(user.UserID, user.Role)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Revoke adds token to the revocation list until its own expiry. The expiry
// is read without signature verification, so it is capped at the longest
// lifetime this service issues.
func (s *Service) Revoke(ctx context.Context, tokenStr string) error {
	exp, err := s.ExpiryOf(tokenStr)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	if ceiling := now.Add(s.MaxTTL()); exp.After(ceiling) {
		exp = ceiling
	}
	if !exp.After(now) {
		return nil
	}

	if _, err := s.revocations.Revoke(ctx, tokenStr, exp); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token has been revoked.
func (s *Service) IsRevoked(ctx context.Context, tokenStr string) (bool, error) {
	return s.revocations.IsRevoked(ctx, tokenStr)
}

// RemainingTTL is how long a token with the given expiry stays valid.
func (s *Service) RemainingTTL(expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}
