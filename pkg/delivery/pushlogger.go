package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/models"
)

// PushLogger consumes the push topic in place of a real mobile-push
// connector. It logs each notification it would have sent, which is enough
// to exercise the fallback path end to end.
type PushLogger struct {
	logger *slog.Logger
}

// NewPushLogger creates a push-logging consumer.
func NewPushLogger(logger *slog.Logger) *PushLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushLogger{logger: logger}
}

// Handle logs one push notification.
func (p *PushLogger) Handle(ctx context.Context, msg bus.Message) error {
	var notification models.PushNotification
	if err := json.Unmarshal(msg.Value, &notification); err != nil {
		return bus.Permanent(fmt.Errorf("decoding push notification: %w", err))
	}
	p.logger.Info("would send push notification",
		slog.String("notification_id", notification.NotificationID),
		slog.String("user_id", notification.UserID),
		slog.String("title", notification.Title),
		slog.String("body", notification.Body))
	return nil
}
