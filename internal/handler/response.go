package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

// errorBody is the uniform error shape. The optional fields are set for
// throttle and code errors.
type errorBody struct {
	Type              string     `json:"type"`
	Message           string     `json:"message"`
	Code              int        `json:"code"`
	RemainingAttempts *int       `json:"remainingAttempts,omitempty"`
	BlockedUntil      *time.Time `json:"blockedUntil,omitempty"`
	RetryAt           *time.Time `json:"retryAt,omitempty"`
}

type errorMapping struct {
	err    error
	kind   string
	status int
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{service.ErrUnknownIdentity, "InvalidCodeError", http.StatusUnauthorized},
	{service.ErrBlocked, "BlockedError", http.StatusTooManyRequests},
	{service.ErrTooManyAttempts, "TooManyAttemptsError", http.StatusTooManyRequests},
	{service.ErrCooldownActive, "CooldownActiveError", http.StatusTooManyRequests},
	{service.ErrInvalidCode, "InvalidCodeError", http.StatusBadRequest},
	{service.ErrExpiredCode, "ExpiredCodeError", http.StatusBadRequest},
	{service.ErrValidation, "ValidationError", http.StatusBadRequest},
	{service.ErrTokenExpired, "TokenExpiredError", http.StatusUnauthorized},
	{service.ErrInvalidToken, "InvalidTokenError", http.StatusUnauthorized},
	{service.ErrInvalidCredentials, "InvalidCredentialsError", http.StatusUnauthorized},
	{service.ErrEmailNotVerified, "EmailNotVerifiedError", http.StatusForbidden},
	{service.ErrAccountInactive, "AccountInactiveError", http.StatusForbidden},
	{service.ErrNotFound, "NotFoundError", http.StatusNotFound},
	{service.ErrConflict, "ConflictError", http.StatusConflict},
}

func classify(err error) errorBody {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			body := errorBody{Type: m.kind, Message: publicMessage(m.err, err), Code: m.status}
			var te *service.ThrottleError
			if errors.As(err, &te) {
				body.RemainingAttempts = te.RemainingAttempts
				body.BlockedUntil = te.BlockedUntil
				body.RetryAt = te.RetryAt
			}
			return body
		}
	}
	return errorBody{Type: "InternalError", Message: "an internal error occurred", Code: http.StatusInternalServerError}
}

// publicMessage keeps validation detail but otherwise answers with the
// sentinel text only.
func publicMessage(sentinel, err error) string {
	if sentinel == service.ErrValidation || sentinel == service.ErrConflict {
		return err.Error()
	}
	if sentinel == service.ErrUnknownIdentity {
		return service.ErrInvalidCode.Error()
	}
	return sentinel.Error()
}

func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error) {
	body := classify(err)
	switch {
	case body.Code >= http.StatusInternalServerError:
		logger.Error("Request failed", util.ErrorField(err))
	default:
		logger.Debug("Request rejected", util.String("type", body.Type), util.ErrorField(err))
	}

	var te *service.ThrottleError
	if body.Code == http.StatusTooManyRequests && errors.As(err, &te) {
		if d, ok := te.RetryAfter(); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeJSON(w, body.Code, body)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", service.ErrValidation)
	}
	return nil
}
