package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/encryption"
	"identity-service/internal/models"
	"identity-service/internal/repository/memory"
	"identity-service/internal/token"
)

type authFixture struct {
	*verificationFixture
	auth   *AuthService
	gate   *Gate
	users  *memory.UserRepository
	tokens *token.Service
}

func newAuthFixture(t *testing.T, activateOnVerify bool) *authFixture {
	t.Helper()
	vf := newVerificationFixture()
	users := memory.NewUserRepository()

	keys := &encryption.KeySet{Current: "primary", Keys: map[string][]byte{"primary": []byte("test-signing-secret-0123456789abcdef")}}
	m, err := token.NewManager(token.Config{
		Issuer:      "identity-service",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  7 * 24 * time.Hour,
		CheckoutTTL: 15 * time.Minute,
	}, keys, vf.clock)
	require.NoError(t, err)
	tokens := token.NewService(m, memory.NewRevocationStore(vf.clock, 0), users, vf.clock)

	return &authFixture{
		verificationFixture: vf,
		auth:                NewAuthService(users, vf.svc, tokens, testHasher(), vf.events, vf.clock, activateOnVerify, zap.NewNop()),
		gate:                NewGate(tokens),
		users:               users,
		tokens:              tokens,
	}
}

func registration() RegisterRequest {
	return RegisterRequest{
		Email:       " Jane@Example.com ",
		Password:    "correct-horse",
		Name:        "Jane",
		CompanyName: "Acme",
		PlanID:      "pro",
	}
}

// activeUser registers and verifies jane and returns her.
func (f *authFixture) activeUser(t *testing.T) *models.User {
	t.Helper()
	ctx := context.Background()
	_, err := f.auth.Register(ctx, registration(), meta)
	require.NoError(t, err)
	_, err = f.auth.ConfirmEmail(ctx, "jane@example.com", f.outbox.lastCode(t), meta)
	require.NoError(t, err)
	user, err := f.users.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	return user
}

func TestRegisterValidates(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()

	cases := map[string]func(r *RegisterRequest){
		"email":    func(r *RegisterRequest) { r.Email = "not-an-email" },
		"password": func(r *RegisterRequest) { r.Password = "short" },
		"name":     func(r *RegisterRequest) { r.Name = " " },
		"company":  func(r *RegisterRequest) { r.CompanyName = "" },
		"plan":     func(r *RegisterRequest) { r.PlanID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := registration()
			mutate(&req)
			_, err := f.auth.Register(ctx, req, meta)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, 0, f.outbox.count())
}

func TestRegisterAndConfirm(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()

	user, err := f.auth.Register(ctx, registration(), meta)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", user.Email)
	assert.Equal(t, models.RoleOwner, user.Role)
	assert.False(t, user.EmailVerified)
	assert.False(t, user.IsActive)
	require.Equal(t, 1, f.outbox.count())

	_, err = f.auth.ConfirmEmail(ctx, "jane@example.com", wrongCode(f.outbox.lastCode(t)), meta)
	require.ErrorIs(t, err, ErrInvalidCode)

	grant, err := f.auth.ConfirmEmail(ctx, "JANE@example.com", f.outbox.lastCode(t), meta)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), grant.ExpiresAt)

	stored, err := f.users.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.True(t, stored.EmailVerified)
	assert.True(t, stored.IsActive)
	require.NotNil(t, stored.VerifiedAt)

	// the checkout token only opens checkout
	checkoutUser, err := f.auth.CheckoutContext(ctx, grant.Token)
	require.NoError(t, err)
	assert.Equal(t, "pro", checkoutUser.PlanID)
	_, err = f.gate.Authenticate(ctx, grant.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.auth.Register(ctx, registration(), meta)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegisterAgainWhilePendingResends(t *testing.T) {
	f := newAuthFixture(t, false)
	ctx := context.Background()

	first, err := f.auth.Register(ctx, registration(), meta)
	require.NoError(t, err)

	req := registration()
	req.Name = "Jane Doe"
	again, err := f.auth.Register(ctx, req, meta)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, again.UserID)
	assert.Equal(t, "Jane Doe", again.Name)
	assert.Equal(t, 2, f.outbox.count())
}

func TestThrottledRegisterLeavesPendingAccountUntouched(t *testing.T) {
	f := newAuthFixture(t, false)
	ctx := context.Background()

	_, err := f.auth.Register(ctx, registration(), meta)
	require.NoError(t, err)
	_, err = f.auth.Register(ctx, registration(), meta)
	require.NoError(t, err, "second code is immediate")
	before, err := f.users.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)

	req := registration()
	req.Name = "Mallory"
	req.Password = "another-password"
	_, err = f.auth.Register(ctx, req, meta)
	require.ErrorIs(t, err, ErrCooldownActive)

	after, err := f.users.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Jane", after.Name)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
	assert.Equal(t, 2, f.outbox.count())
}

func TestConfirmUnknownIdentity(t *testing.T) {
	f := newAuthFixture(t, true)

	_, err := f.auth.ConfirmEmail(context.Background(), "ghost@example.com", "123456", meta)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	err = f.auth.ConfirmPasswordReset(context.Background(), "ghost@example.com", "123456", "new-password", meta)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestUnknownIdentitiesLookFresh(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()

	st, err := f.auth.ResendVerification(ctx, "ghost@example.com", meta)
	require.NoError(t, err)
	assert.Equal(t, 4, st.RemainingResendAttempts)

	st, err = f.auth.PasswordResetStatus(ctx, "ghost@example.com", meta)
	require.NoError(t, err)
	assert.Equal(t, 4, st.RemainingResendAttempts)
	assert.NotNil(t, st.CodeExpiresAt)

	st, err = f.auth.ResendStatus(ctx, "ghost@example.com", meta)
	require.NoError(t, err)
	assert.True(t, st.CanResend)

	assert.Equal(t, 0, f.outbox.count())

	_, err = f.auth.ValidateEmailForReset(ctx, "ghost@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPasswordResetFlow(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()
	f.activeUser(t)
	sent := f.outbox.count()

	email, err := f.auth.ValidateEmailForReset(ctx, "Jane@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", email)
	assert.Equal(t, sent, f.outbox.count())

	st, err := f.auth.PasswordResetStatus(ctx, email, meta)
	require.NoError(t, err)
	require.NotNil(t, st.CodeExpiresAt)
	assert.Equal(t, sent+1, f.outbox.count())

	_, err = f.auth.ResendPasswordReset(ctx, email, meta)
	require.ErrorIs(t, err, ErrCooldownActive)

	err = f.auth.ConfirmPasswordReset(ctx, email, f.outbox.lastCode(t), "short", meta)
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, f.auth.ConfirmPasswordReset(ctx, email, f.outbox.lastCode(t), "a-brand-new-secret", meta))

	_, _, err = f.auth.Login(ctx, email, "correct-horse", meta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = f.auth.Login(ctx, email, "a-brand-new-secret", meta)
	assert.NoError(t, err)
	assert.Contains(t, f.events.types(), models.EventPasswordChanged)
}

func TestLogin(t *testing.T) {
	f := newAuthFixture(t, false)
	ctx := context.Background()

	_, err := f.auth.Register(ctx, registration(), meta)
	require.NoError(t, err)

	_, _, err = f.auth.Login(ctx, "jane@example.com", "correct-horse", meta)
	require.ErrorIs(t, err, ErrEmailNotVerified)

	_, err = f.auth.ConfirmEmail(ctx, "jane@example.com", f.outbox.lastCode(t), meta)
	require.NoError(t, err)
	_, _, err = f.auth.Login(ctx, "jane@example.com", "correct-horse", meta)
	require.ErrorIs(t, err, ErrAccountInactive, "activation is left to checkout")

	user, err := f.users.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	user.IsActive = true
	require.NoError(t, f.users.Update(ctx, user))

	_, _, err = f.auth.Login(ctx, "jane@example.com", "wrong-password", meta)
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = f.auth.Login(ctx, "nobody@example.com", "wrong-password", meta)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	pair, logged, err := f.auth.Login(ctx, "jane@example.com", "correct-horse", meta)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, user.UserID, logged.UserID)

	me, err := f.auth.Me(ctx, logged.UserID)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", me.Email)
}

func TestRefreshRejectsDeactivatedAccount(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()
	user := f.activeUser(t)

	pair, _, err := f.auth.Login(ctx, user.Email, "correct-horse", meta)
	require.NoError(t, err)

	rotated, err := f.auth.Refresh(ctx, pair.RefreshToken, meta)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	_, err = f.auth.Refresh(ctx, pair.RefreshToken, meta)
	require.ErrorIs(t, err, ErrInvalidToken, "rotated refresh tokens are single use")
	assert.Contains(t, f.events.types(), models.EventRefreshReuse)

	user.IsActive = false
	require.NoError(t, f.users.Update(ctx, user))
	_, err = f.auth.Refresh(ctx, rotated.RefreshToken, meta)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()
	user := f.activeUser(t)

	pair, _, err := f.auth.Login(ctx, user.Email, "correct-horse", meta)
	require.NoError(t, err)

	f.auth.Logout(ctx, pair.AccessToken, pair.RefreshToken, meta)
	f.auth.Logout(ctx, pair.AccessToken, pair.RefreshToken, meta)
	f.auth.Logout(ctx, "", "", meta)
	f.auth.Logout(ctx, "garbage", "garbage", meta)

	_, err = f.gate.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.auth.Refresh(ctx, pair.RefreshToken, meta)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGateRejectsOnlyRevokedToken(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()
	user := f.activeUser(t)

	first, _, err := f.auth.Login(ctx, user.Email, "correct-horse", meta)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, _, err := f.auth.Login(ctx, user.Email, "correct-horse", meta)
	require.NoError(t, err)

	require.NoError(t, f.tokens.Revoke(ctx, first.AccessToken))

	_, err = f.gate.Authenticate(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	payload, err := f.gate.Authenticate(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, payload.Subject)
}

func TestGateExpiryAndKinds(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()
	user := f.activeUser(t)

	pair, _, err := f.auth.Login(ctx, user.Email, "correct-horse", meta)
	require.NoError(t, err)

	_, err = f.gate.Authenticate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.gate.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	f.clock.Advance(15 * time.Minute)
	_, err = f.gate.Authenticate(ctx, pair.AccessToken)
	assert.True(t, errors.Is(err, ErrTokenExpired))
}
