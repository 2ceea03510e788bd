package models

import "time"

// TokenKind discriminates tokens that share one signing scheme.
type TokenKind string

const (
	TokenAccess   TokenKind = "access"
	TokenRefresh  TokenKind = "refresh"
	TokenCheckout TokenKind = "checkout"
)

// TokenPayload is the verified content of a signed token. It is never mutated
// after signing; rotation produces a new payload.
type TokenPayload struct {
	ID        string    `json:"jti"`
	Subject   string    `json:"sub"`
	Role      string    `json:"role,omitempty"`
	Kind      TokenKind `json:"knd"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// RevocationEntry tracks a revoked token until its natural expiry.
type RevocationEntry struct {
	TokenDigest string    `json:"token_digest"`
	ExpiresAt   time.Time `json:"expires_at"`
}
