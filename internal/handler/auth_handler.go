package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/service"
)

type CookieOptions struct {
	Name   string
	Secure bool
	Domain string
}

// AuthHandler serves the /auth routes.
type AuthHandler struct {
	auth   *service.AuthService
	gate   Authenticator
	cookie CookieOptions
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, gate Authenticator, cookie CookieOptions, logger *zap.Logger) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "refresh_token"
	}
	return &AuthHandler{auth: auth, gate: gate, cookie: cookie, logger: logger}
}

func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/register", h.Register)
	r.Post("/confirm-email", h.ConfirmEmail)
	r.Post("/resend-verification-code", h.ResendVerificationCode)
	r.Post("/resend-status", h.ResendStatus)

	r.Post("/validate-email-for-reset", h.ValidateEmailForReset)
	r.Get("/password-reset-status", h.PasswordResetStatus)
	r.Post("/resend-password-reset-code", h.ResendPasswordResetCode)
	r.Post("/confirm-password-reset", h.ConfirmPasswordReset)

	r.Post("/login", h.Login)
	r.Post("/refresh", h.Refresh)
	r.Post("/logout", h.Logout)
	r.Get("/checkout", h.Checkout)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.gate, h.logger))
		r.Get("/me", h.Me)
	})
}

type emailRequest struct {
	Email string `json:"email"`
}

type codeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type passwordResetRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	user, err := h.auth.Register(r.Context(), req, requestMeta(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Registration successful. Check your email for the verification code.",
		"data": map[string]interface{}{
			"user": map[string]string{"email": user.Email, "name": user.Name},
		},
	})
}

func (h *AuthHandler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	grant, err := h.auth.ConfirmEmail(r.Context(), req.Email, req.Code, requestMeta(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":           "Email verified",
		"checkoutToken":     grant.Token,
		"checkoutExpiresAt": grant.ExpiresAt,
	})
}

func (h *AuthHandler) ResendVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	st, err := h.auth.ResendVerification(r.Context(), req.Email, requestMeta(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"message":           "If the address is awaiting verification, a new code has been sent.",
		"remainingAttempts": st.RemainingResendAttempts,
		"canResendAt":       st.CanResendAt,
		"isBlocked":         st.IsResendBlocked,
		"blockedUntil":      st.ResendBlockedUntil,
	})
}

func (h *AuthHandler) ResendStatus(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	st, err := h.auth.ResendStatus(r.Context(), req.Email, requestMeta(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"remainingAttempts": st.RemainingResendAttempts,
		"canResendAt":       st.CanResendAt,
		"canResend":         st.CanResend,
		"isBlocked":         st.IsResendBlocked,
		"blockedUntil":      st.ResendBlockedUntil,
	})
}

func (h *AuthHandler) ValidateEmailForReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	email, err := h.auth.ValidateEmailForReset(r.Context(), req.Email)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

// PasswordResetStatus issues the first reset code when none is pending.
func (h *AuthHandler) PasswordResetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.auth.PasswordResetStatus(r.Context(), r.URL.Query().Get("email"), requestMeta(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *AuthHandler) ResendPasswordResetCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	st, err := h.auth.ResendPasswordReset(r.Context(), req.Email, requestMeta(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"remainingResendAttempts": st.RemainingResendAttempts,
		"canResendAt":             st.CanResendAt,
		"codeExpiresAt":           st.CodeExpiresAt,
	})
}

func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	if err := h.auth.ConfirmPasswordReset(r.Context(), req.Email, req.Code, req.NewPassword, requestMeta(r)); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Password has been reset",
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	pair, user, err := h.auth.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	h.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accessToken":     pair.AccessToken,
		"accessExpiresAt": pair.AccessExpiresAt,
		"user":            publicUser(user),
	})
}

// Refresh reads the refresh token from the cookie, falling back to the body.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.refreshFromCookie(r)
	if refreshToken == "" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if r.ContentLength != 0 {
			_ = decodeJSON(r, &body)
		}
		refreshToken = body.RefreshToken
	}

	pair, err := h.auth.Refresh(r.Context(), refreshToken, requestMeta(r))
	if err != nil {
		h.clearRefreshCookie(w)
		respondWithError(w, h.logger, err)
		return
	}

	h.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accessToken":     pair.AccessToken,
		"accessExpiresAt": pair.AccessExpiresAt,
	})
}

// Logout always succeeds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.auth.Logout(r.Context(), bearerToken(r), h.refreshFromCookie(r), requestMeta(r))
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Logged out",
	})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		respondWithError(w, h.logger, service.ErrInvalidToken)
		return
	}

	user, err := h.auth.Me(r.Context(), principal.Subject)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, publicUser(user))
}

// Checkout accepts only checkout tokens.
func (h *AuthHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.CheckoutContext(r.Context(), bearerToken(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"email":  user.Email,
		"planId": user.PlanID,
	})
}

func (h *AuthHandler) refreshFromCookie(r *http.Request) string {
	c, err := r.Cookie(h.cookie.Name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, pair *models.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		Domain:   h.cookie.Domain,
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/auth",
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func publicUser(u *models.User) map[string]string {
	return map[string]string{
		"id":    u.UserID,
		"email": u.Email,
		"name":  u.Name,
		"role":  u.Role,
	}
}
