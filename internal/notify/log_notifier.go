package notify

import (
	"context"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

// LogNotifier writes deliveries to the log instead of sending them. The code
// itself is only logged when revealCodes is set, which is meant for local
// development.
type LogNotifier struct {
	logger      *zap.Logger
	revealCodes bool
}

func NewLogNotifier(logger *zap.Logger, revealCodes bool) *LogNotifier {
	return &LogNotifier{logger: logger, revealCodes: revealCodes}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, msg Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(msg.Kind)),
		zap.String("email", util.MaskEmail(msg.Email)),
		zap.Time("expires_at", msg.ExpiresAt),
	}
	if n.revealCodes {
		fields = append(fields, zap.String("code", msg.Code))
	}
	n.logger.Info("Verification code issued", fields...)
	return nil
}
