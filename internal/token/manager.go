// Package token signs and verifies the access, refresh and checkout tokens.
// All three share one HS256 scheme and are told apart by the "knd" claim.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"identity-service/internal/encryption"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Config struct {
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	CheckoutTTL time.Duration
}

type claims struct {
	Role string           `json:"role,omitempty"`
	Kind models.TokenKind `json:"knd"`
	jwt.RegisteredClaims
}

// Manager issues and verifies signed tokens.
type Manager struct {
	cfg   Config
	keys  *encryption.KeySet
	clock util.Clock
}

func NewManager(cfg Config, keys *encryption.KeySet, clock util.Clock) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.CheckoutTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if keys == nil || len(keys.CurrentKey()) == 0 {
		return nil, encryption.ErrNoSigningKey
	}
	return &Manager{cfg: cfg, keys: keys, clock: clock}, nil
}

func (m *Manager) IssueAccessToken(subject, role string) (string, *models.TokenPayload, error) {
	return m.issue(subject, role, models.TokenAccess, m.cfg.AccessTTL)
}

func (m *Manager) IssueRefreshToken(subject, role string) (string, *models.TokenPayload, error) {
	return m.issue(subject, role, models.TokenRefresh, m.cfg.RefreshTTL)
}

// IssueCheckoutToken mints the short-lived token that only authorises plan
// selection for a verified but not yet active account.
func (m *Manager) IssueCheckoutToken(subject string) (string, *models.TokenPayload, error) {
	return m.issue(subject, "", models.TokenCheckout, m.cfg.CheckoutTTL)
}

// MaxTTL is the longest lifetime of any token this manager signs.
func (m *Manager) MaxTTL() time.Duration {
	longest := m.cfg.AccessTTL
	for _, d := range []time.Duration{m.cfg.RefreshTTL, m.cfg.CheckoutTTL} {
		if d > longest {
			longest = d
		}
	}
	return longest
}

func (m *Manager) issue(subject, role string, kind models.TokenKind, ttl time.Duration) (string, *models.TokenPayload, error) {
	if subject == "" {
		return "", nil, errors.New("token subject is required")
	}
	now := m.clock.Now()

	c := claims{
		Role: role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	t.Header["kid"] = m.keys.Current

	signed, err := t.SignedString(m.keys.CurrentKey())
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, c.payload(), nil
}

// Verify checks signature, issuer, expiry and kind. Expired but otherwise
// authentic tokens yield ErrTokenExpired; every other failure is ErrInvalidToken.
func (m *Manager) Verify(tokenStr string, expected models.TokenKind) (*models.TokenPayload, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.clock.Now),
	)

	c := &claims{}
	t, err := parser.ParseWithClaims(tokenStr, c, m.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !t.Valid || c.Kind != expected || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return c.payload(), nil
}

// ExpiryOf reads the exp claim without checking the signature. Callers must
// not trust anything else from an unverified token.
func (m *Manager) ExpiryOf(tokenStr string) (time.Time, error) {
	c := &claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, c); err != nil {
		return time.Time{}, ErrInvalidToken
	}
	if c.ExpiresAt == nil {
		return time.Time{}, ErrInvalidToken
	}
	return c.ExpiresAt.Time, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	key, ok := m.keys.Keys[kid]
	if !ok {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

func (c *claims) payload() *models.TokenPayload {
	p := &models.TokenPayload{
		ID:      c.ID,
		Subject: c.Subject,
		Role:    c.Role,
		Kind:    c.Kind,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}
