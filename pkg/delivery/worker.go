// Package delivery implements the final stage of the message pipeline: it
// consumes per-recipient delivery jobs, writes the write-ahead inbox copy,
// attempts live delivery over the ephemeral pub/sub, and falls back to a
// push notification when nobody is listening.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/models"
	"github.com/chat4all/backbone/pkg/realtime"
)

// pushBodyLimit caps the preview text carried in a push notification.
const pushBodyLimit = 100

// Inbox stores the per-recipient write-ahead copy of a message.
type Inbox interface {
	PushInbox(ctx context.Context, entry models.InboxEntry) error
}

// Notifier publishes a payload to an ephemeral channel and reports how many
// subscribers received it.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// Publisher publishes one record to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Worker handles records from the delivery topic.
type Worker struct {
	inbox    Inbox
	notifier Notifier
	producer Publisher

	pushTopic      string
	publishTimeout time.Duration

	logger *slog.Logger
}

// New creates a delivery worker publishing push fallbacks to pushTopic.
func New(inbox Inbox, notifier Notifier, producer Publisher, pushTopic string, publishTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		inbox:          inbox,
		notifier:       notifier,
		producer:       producer,
		pushTopic:      pushTopic,
		publishTimeout: publishTimeout,
		logger:         logger,
	}
}

// Handle processes one delivery job. The inbox write is the durability
// floor: if it fails the job is redelivered. Live delivery and the push
// fallback are best-effort beyond that point.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) error {
	var job models.DeliveryJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return bus.Permanent(fmt.Errorf("decoding delivery job: %w", err))
	}
	if job.JobID == "" || job.RecipientID == "" {
		return bus.Permanent(fmt.Errorf("delivery job missing job_id or recipient_id"))
	}

	entry := models.InboxEntry{
		UserID:         job.RecipientID,
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		SequenceNumber: job.Payload.SequenceNumber,
		Content:        job.Payload.Content,
		SenderID:       job.Payload.SenderID,
		Status:         models.InboxStatusPending,
	}
	if err := w.inbox.PushInbox(ctx, entry); err != nil {
		return fmt.Errorf("writing inbox entry for %s: %w", job.RecipientID, err)
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return bus.Permanent(fmt.Errorf("encoding live payload: %w", err))
	}
	subscribers, err := w.notifier.Publish(ctx, realtime.UserChannel(job.RecipientID), payload)
	if err != nil {
		w.logger.Error("live delivery failed, falling back to push",
			slog.String("job_id", job.JobID),
			slog.String("recipient_id", job.RecipientID),
			slog.String("error", err.Error()))
		subscribers = 0
	}
	if subscribers > 0 {
		w.logger.Info("message delivered live",
			slog.String("job_id", job.JobID),
			slog.String("recipient_id", job.RecipientID),
			slog.Int64("subscribers", subscribers))
		return nil
	}

	if err := w.publishPush(ctx, job); err != nil {
		// The message is already safe in the inbox; a lost push is an
		// acceptable degradation, not a reason to redeliver the job.
		w.logger.Error("push fallback failed",
			slog.String("job_id", job.JobID),
			slog.String("recipient_id", job.RecipientID),
			slog.String("error", err.Error()))
		return nil
	}
	w.logger.Info("recipient offline, push queued",
		slog.String("job_id", job.JobID),
		slog.String("recipient_id", job.RecipientID))
	return nil
}

func (w *Worker) publishPush(ctx context.Context, job models.DeliveryJob) error {
	notification := models.PushNotification{
		NotificationID: uuid.NewString(),
		UserID:         job.RecipientID,
		Title:          "New message from " + job.Payload.SenderID,
		Body:           pushBody(job.Payload),
		Data: map[string]string{
			"conversation_id": job.ConversationID,
			"message_id":      job.MessageID,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	value, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	defer cancel()
	return w.producer.Publish(pubCtx, w.pushTopic, job.RecipientID, value)
}

// pushBody renders the notification preview: the first 100 characters of
// the content, or a generic label when there is none (file messages may
// carry a caption, which previews like text).
func pushBody(event models.MessageEvent) string {
	if event.Content == "" {
		return "New file"
	}
	runes := []rune(event.Content)
	if len(runes) > pushBodyLimit {
		return string(runes[:pushBodyLimit])
	}
	return event.Content
}
