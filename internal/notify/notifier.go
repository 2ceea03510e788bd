// Package notify delivers one-time codes to users. Delivery runs off the
// request path through a Dispatcher; a failed delivery never invalidates the
// issued code.
package notify

import (
	"context"
	"time"

	"identity-service/internal/models"
)

// Notification is one code delivery.
type Notification struct {
	Kind      models.VerificationKind `json:"kind"`
	Email     string                  `json:"email"`
	Name      string                  `json:"name,omitempty"`
	Code      string                  `json:"code"`
	ExpiresAt time.Time               `json:"expires_at"`
	RequestID string                  `json:"request_id,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}
