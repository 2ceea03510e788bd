package service

import (
	"context"
	"errors"

	"identity-service/internal/models"
	"identity-service/internal/token"
)

// Gate authenticates bearer tokens for protected routes.
type Gate struct {
	tokens *token.Service
}

func NewGate(tokens *token.Service) *Gate {
	return &Gate{tokens: tokens}
}

// Authenticate verifies an access token and checks it has not been revoked.
func (g *Gate) Authenticate(ctx context.Context, bearer string) (*models.TokenPayload, error) {
	if bearer == "" {
		return nil, ErrInvalidToken
	}
	payload, err := g.tokens.Verify(bearer, models.TokenAccess)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	revoked, err := g.tokens.IsRevoked(ctx, bearer)
	if err != nil {
		return nil, internalError("check revocation", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	return payload, nil
}
