package handler

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/repository/redis"
	"identity-service/internal/service"
)

type contextKey string

const principalKey contextKey = "principal"

// Authenticator is satisfied by *service.Gate.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*models.TokenPayload, error)
}

// RateLimiter is satisfied by *redis.SlidingWindowLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitDecision, error)
}

// AuthMiddleware admits requests carrying a valid, unrevoked access token
// and attaches its payload to the request context.
func AuthMiddleware(gate Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload, err := gate.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				respondWithError(w, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, payload)))
		})
	}
}

// PrincipalFrom returns the authenticated token payload, if any.
func PrincipalFrom(ctx context.Context) (*models.TokenPayload, bool) {
	p, ok := ctx.Value(principalKey).(*models.TokenPayload)
	return p, ok
}

// RateLimitMiddleware caps requests per client IP. Limiter failures let the
// request through.
func RateLimitMiddleware(limiter RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				logger.Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Type:    "RateLimitError",
					Message: "too many requests",
					Code:    http.StatusTooManyRequests,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// clientIP expects middleware.RealIP to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		RequestID: middleware.GetReqID(r.Context()),
		IPAddress: clientIP(r),
	}
}
