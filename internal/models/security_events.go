package models

import "time"

// Security event types emitted by the verification and token flows.
const (
	EventCodeIssued       = "code_issued"
	EventCooldownActive   = "cooldown_active"
	EventBlocked          = "blocked"
	EventInvalidCode      = "invalid_code"
	EventTooManyAttempts  = "too_many_attempts"
	EventCodeConfirmed    = "code_confirmed"
	EventLogin            = "login"
	EventLoginFailed      = "login_failed"
	EventLogout           = "logout"
	EventRefreshRotated   = "refresh_rotated"
	EventRefreshReuse     = "refresh_reuse"
	EventNotifyFailed     = "notify_failed"
	EventPasswordChanged  = "password_changed"
	EventAccountActivated = "account_activated"
)

type SecurityEvent struct {
	EventID     string    `json:"event_id" db:"event_id"`
	EventBucket int       `json:"event_bucket" db:"event_bucket"`
	EventDate   string    `json:"event_date" db:"event_date"`
	EventTime   time.Time `json:"event_time" db:"event_time"`
	EventType   string    `json:"event_type" db:"event_type"`
	Flow        string    `json:"flow,omitempty" db:"flow"`
	Identity    string    `json:"identity" db:"identity"`
	UserID      string    `json:"user_id,omitempty" db:"user_id"`
	IPAddress   string    `json:"ip_address,omitempty" db:"ip_address"`
	RequestID   string    `json:"request_id,omitempty" db:"request_id"`
	Details     string    `json:"details,omitempty" db:"details"`
}
