// Package status implements the receipt stage: it consumes delivery and
// read receipts, applies them to the message log, and notifies the original
// sender over the ephemeral pub/sub.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/models"
	"github.com/chat4all/backbone/pkg/realtime"
)

// Updater applies a status transition to one message in the log.
type Updater interface {
	UpdateStatus(ctx context.Context, conversationID string, sequenceNumber int64, status models.MessageStatus) error
}

// Notifier publishes a payload to an ephemeral channel.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// Worker handles records from the status topic.
type Worker struct {
	log      Updater
	notifier Notifier
	logger   *slog.Logger
}

// New creates a status worker.
func New(log Updater, notifier Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{log: log, notifier: notifier, logger: logger}
}

// Handle applies one receipt. Receipts for one conversation arrive in
// partition order, so applying them as they come preserves the
// SENT → DELIVERED → READ progression.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) error {
	var event models.StatusEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return bus.Permanent(fmt.Errorf("decoding status event: %w", err))
	}
	if err := event.Validate(); err != nil {
		return bus.Permanent(fmt.Errorf("invalid status event: %w", err))
	}

	if err := w.log.UpdateStatus(ctx, event.ConversationID, event.SequenceNumber, event.Status); err != nil {
		return fmt.Errorf("updating status of %s: %w", event.MessageID, err)
	}
	w.logger.Info("status updated",
		slog.String("message_id", event.MessageID),
		slog.String("conversation_id", event.ConversationID),
		slog.String("status", string(event.Status)))

	// A user's own receipt is not news to them.
	if event.SenderID == "" || event.SenderID == event.UserID {
		return nil
	}

	notice := models.StatusUpdateNotice{
		Type:           models.NoticeTypeStatusUpdate,
		ConversationID: event.ConversationID,
		MessageID:      event.MessageID,
		Status:         event.Status,
		ReadBy:         event.UserID,
		Timestamp:      event.Timestamp,
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return bus.Permanent(fmt.Errorf("encoding status notice: %w", err))
	}
	if _, err := w.notifier.Publish(ctx, realtime.UserChannel(event.SenderID), payload); err != nil {
		// The durable update already happened; a missed live notice is
		// recoverable the next time the sender reads the conversation.
		w.logger.Error("status notice publish failed",
			slog.String("message_id", event.MessageID),
			slog.String("sender_id", event.SenderID),
			slog.String("error", err.Error()))
	}
	return nil
}
