package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

const minPasswordLength = 8

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Name        string `json:"name"`
	CompanyName string `json:"companyName"`
	PlanID      string `json:"planId"`
}

type CheckoutGrant struct {
	Token     string
	ExpiresAt time.Time
}

// AuthService implements the account flows on top of the verification
// engine and the token service.
type AuthService struct {
	users            repository.UserRepository
	verification     *VerificationService
	tokens           *token.Service
	hasher           *hashing.Hasher
	recorder         EventRecorder
	clock            util.Clock
	activateOnVerify bool
	logger           *zap.Logger

	dummyOnce sync.Once
	dummyHash string
}

func NewAuthService(
	users repository.UserRepository,
	verification *VerificationService,
	tokens *token.Service,
	hasher *hashing.Hasher,
	recorder EventRecorder,
	clock util.Clock,
	activateOnVerify bool,
	logger *zap.Logger,
) *AuthService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &AuthService{
		users:            users,
		verification:     verification,
		tokens:           tokens,
		hasher:           hasher,
		recorder:         recorder,
		clock:            clock,
		activateOnVerify: activateOnVerify,
		logger:           logger,
	}
}

// Register creates an unverified account, or refreshes a pending one, and
// sends the email verification code.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, meta RequestMeta) (*models.User, error) {
	email := util.NormalizeEmail(req.Email)
	req.Name = util.SanitizeInput(req.Name)
	req.CompanyName = util.SanitizeInput(req.CompanyName)
	req.PlanID = strings.TrimSpace(req.PlanID)

	switch {
	case !util.ValidEmail(email):
		return nil, validationError("a valid email is required")
	case len(req.Password) < minPasswordLength:
		return nil, validationError("password must be at least 8 characters")
	case req.Name == "":
		return nil, validationError("name is required")
	case req.CompanyName == "":
		return nil, validationError("companyName is required")
	case req.PlanID == "":
		return nil, validationError("planId is required")
	}

	existing, err := s.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.EmailVerified {
		return nil, ErrConflict
	}

	hash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, internalError("hash password", err)
	}

	if existing == nil {
		user := &models.User{
			UserID:        uuid.NewString(),
			Email:         email,
			Name:          req.Name,
			CompanyName:   req.CompanyName,
			PlanID:        req.PlanID,
			PasswordHash:  hash,
			Role:          models.RoleOwner,
			EmailVerified: false,
			IsActive:      false,
		}
		if err := s.users.Create(ctx, user); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return nil, ErrConflict
			}
			return nil, s.repoFailure("create user", err)
		}
		s.logger.Info("User registered", zap.String("user_id", user.UserID), zap.String("email", util.MaskEmail(email)))

		if _, err := s.verification.IssueOrResend(ctx, models.KindEmailVerification, subjectOf(user), meta); err != nil {
			return nil, err
		}
		return user, nil
	}

	// A pending account is only rewritten once a new code is admitted, so a
	// throttled registration leaves it untouched.
	subj := Subject{Email: existing.Email, Name: req.Name, UserID: existing.UserID}
	if _, err := s.verification.IssueOrResend(ctx, models.KindEmailVerification, subj, meta); err != nil {
		return nil, err
	}

	existing.Name = req.Name
	existing.CompanyName = req.CompanyName
	existing.PlanID = req.PlanID
	existing.PasswordHash = hash
	if err := s.users.Update(ctx, existing); err != nil {
		return nil, s.repoFailure("update pending user", err)
	}
	return existing, nil
}

// ConfirmEmail verifies the registration code and returns a checkout token
// for completing plan selection.
func (s *AuthService) ConfirmEmail(ctx context.Context, email, code string, meta RequestMeta) (*CheckoutGrant, error) {
	email = util.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return nil, validationError("email and code are required")
	}

	user, err := s.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.Join(ErrInvalidCode, ErrUnknownIdentity)
	}

	if err := s.verification.Confirm(ctx, models.KindEmailVerification, subjectOf(user), code, meta); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	user.EmailVerified = true
	user.VerifiedAt = models.TimePtr(now)
	if s.activateOnVerify && !user.IsActive {
		user.IsActive = true
		s.record(models.EventAccountActivated, user, meta)
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, s.repoFailure("mark email verified", err)
	}

	tok, payload, err := s.tokens.IssueCheckoutToken(user.UserID)
	if err != nil {
		return nil, internalError("issue checkout token", err)
	}
	return &CheckoutGrant{Token: tok, ExpiresAt: payload.ExpiresAt}, nil
}

// ResendVerification issues another registration code. Unknown and already
// verified addresses get the answer a fresh pending account would get.
func (s *AuthService) ResendVerification(ctx context.Context, email string, meta RequestMeta) (*Status, error) {
	user, err := s.pendingUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return s.verification.PreviewIssued(models.KindEmailVerification), nil
	}
	return s.verification.IssueOrResend(ctx, models.KindEmailVerification, subjectOf(user), meta)
}

func (s *AuthService) ResendStatus(ctx context.Context, email string, meta RequestMeta) (*Status, error) {
	user, err := s.pendingUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return s.verification.PreviewFresh(models.KindEmailVerification), nil
	}
	return s.verification.GetStatus(ctx, models.KindEmailVerification, subjectOf(user), meta)
}

// ValidateEmailForReset is the one deliberate existence check: it reports
// whether a verified account exists for email. It sends nothing.
func (s *AuthService) ValidateEmailForReset(ctx context.Context, email string) (string, error) {
	email = util.NormalizeEmail(email)
	if !util.ValidEmail(email) {
		return "", validationError("a valid email is required")
	}
	user, err := s.lookup(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil || !user.EmailVerified {
		return "", ErrNotFound
	}
	return user.Email, nil
}

// PasswordResetStatus reports reset throttle state; the first call of an
// episode also issues the first code.
func (s *AuthService) PasswordResetStatus(ctx context.Context, email string, meta RequestMeta) (*Status, error) {
	user, err := s.resettableUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return s.verification.PreviewIssued(models.KindPasswordReset), nil
	}
	return s.verification.GetStatus(ctx, models.KindPasswordReset, subjectOf(user), meta)
}

func (s *AuthService) ResendPasswordReset(ctx context.Context, email string, meta RequestMeta) (*Status, error) {
	user, err := s.resettableUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return s.verification.PreviewIssued(models.KindPasswordReset), nil
	}
	return s.verification.IssueOrResend(ctx, models.KindPasswordReset, subjectOf(user), meta)
}

func (s *AuthService) ConfirmPasswordReset(ctx context.Context, email, code, newPassword string, meta RequestMeta) error {
	email = util.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return validationError("email and code are required")
	}
	if len(newPassword) < minPasswordLength {
		return validationError("password must be at least 8 characters")
	}

	user, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}
	if user == nil || !user.EmailVerified {
		return errors.Join(ErrInvalidCode, ErrUnknownIdentity)
	}

	if err := s.verification.Confirm(ctx, models.KindPasswordReset, subjectOf(user), code, meta); err != nil {
		return err
	}

	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return internalError("hash password", err)
	}
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		return s.repoFailure("update password", err)
	}

	s.record(models.EventPasswordChanged, user, meta)
	s.logger.Info("Password reset completed", zap.String("user_id", user.UserID))
	return nil
}

// Login checks credentials and opens a session.
func (s *AuthService) Login(ctx context.Context, email, password string, meta RequestMeta) (*models.TokenPair, *models.User, error) {
	email = util.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, nil, validationError("email and password are required")
	}

	user, err := s.lookup(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		// spend the same time as a real check
		_, _ = s.hasher.VerifyPassword(password, s.dummyPasswordHash())
		s.recordFor(models.EventLoginFailed, email, "", meta)
		return nil, nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		s.record(models.EventLoginFailed, user, meta)
		return nil, nil, ErrInvalidCredentials
	}
	if !user.EmailVerified {
		return nil, nil, ErrEmailNotVerified
	}
	if !user.IsActive {
		return nil, nil, ErrAccountInactive
	}

	pair, err := s.tokens.IssuePair(user.UserID, user.Role)
	if err != nil {
		return nil, nil, internalError("issue tokens", err)
	}

	user.LastLogin = models.TimePtr(s.clock.Now())
	if err := s.users.Update(ctx, user); err != nil {
		s.logger.Warn("Failed to record last login", zap.String("user_id", user.UserID), zap.Error(err))
	}
	s.record(models.EventLogin, user, meta)
	return pair, user, nil
}

// Refresh rotates a refresh token into a new pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*models.TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}
	pair, user, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenReused):
			s.logger.Warn("Refresh token reuse detected", zap.String("request_id", meta.RequestID))
			s.recordFor(models.EventRefreshReuse, "", "", meta)
			return nil, err
		case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
			return nil, err
		default:
			return nil, s.repoFailure("refresh session", err)
		}
	}
	s.record(models.EventRefreshRotated, user, meta)
	return pair, nil
}

// Logout revokes whatever tokens were presented. It never fails: an absent
// or invalid session is already logged out.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string, meta RequestMeta) {
	var subject string
	if accessToken != "" {
		if payload, err := s.tokens.Verify(accessToken, models.TokenAccess); err == nil {
			subject = payload.Subject
			if err := s.tokens.Revoke(ctx, accessToken); err != nil {
				s.logger.Error("Failed to revoke access token", zap.Error(err))
			}
		}
	}
	if refreshToken != "" {
		if err := s.tokens.Revoke(ctx, refreshToken); err != nil && !errors.Is(err, ErrInvalidToken) {
			s.logger.Error("Failed to revoke refresh token", zap.Error(err))
		}
	}
	if subject != "" {
		s.recordFor(models.EventLogout, "", subject, meta)
	}
}

// Me returns the account behind an authenticated principal.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, s.repoFailure("load user", err)
	}
	return user, nil
}

// CheckoutContext resolves a checkout token to the account completing plan
// selection. Access and refresh tokens are refused.
func (s *AuthService) CheckoutContext(ctx context.Context, checkoutToken string) (*models.User, error) {
	payload, err := s.tokens.Verify(checkoutToken, models.TokenCheckout)
	if err != nil {
		return nil, err
	}
	return s.Me(ctx, payload.Subject)
}

func (s *AuthService) lookup(ctx context.Context, email string) (*models.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, s.repoFailure("load user", err)
	}
	return user, nil
}

// pendingUser returns the account awaiting email verification, or nil.
func (s *AuthService) pendingUser(ctx context.Context, email string) (*models.User, error) {
	email = util.NormalizeEmail(email)
	if !util.ValidEmail(email) {
		return nil, validationError("a valid email is required")
	}
	user, err := s.lookup(ctx, email)
	if err != nil || user == nil || user.EmailVerified {
		return nil, err
	}
	return user, nil
}

// resettableUser returns the verified account for a password reset, or nil.
func (s *AuthService) resettableUser(ctx context.Context, email string) (*models.User, error) {
	email = util.NormalizeEmail(email)
	if !util.ValidEmail(email) {
		return nil, validationError("a valid email is required")
	}
	user, err := s.lookup(ctx, email)
	if err != nil || user == nil || !user.EmailVerified {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.HashPassword(uuid.NewString())
	})
	return s.dummyHash
}

func (s *AuthService) record(eventType string, user *models.User, meta RequestMeta) {
	s.recordFor(eventType, user.Email, user.UserID, meta)
}

func (s *AuthService) recordFor(eventType, email, userID string, meta RequestMeta) {
	ev := models.SecurityEvent{
		EventType: eventType,
		UserID:    userID,
		IPAddress: meta.IPAddress,
		RequestID: meta.RequestID,
	}
	if email != "" {
		ev.Identity = util.Fingerprint(email)
	} else {
		ev.Identity = userID
	}
	s.recorder.Record(ev)
}

func (s *AuthService) repoFailure(op string, err error) error {
	s.logger.Error("User repository failure", zap.String("op", op), zap.Error(err))
	return internalError(op, err)
}

func subjectOf(user *models.User) Subject {
	return Subject{Email: user.Email, Name: user.Name, UserID: user.UserID}
}
