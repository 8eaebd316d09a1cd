// Package ingest implements the sequencing stage of the pipeline: it
// consumes submitted messages, assigns the per-conversation sequence
// number, appends the message to the durable log, and republishes the
// enriched event for fan-out.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/metadata"
	"github.com/chat4all/backbone/pkg/models"
)

// dedupCapacity bounds the in-memory set of recently sequenced message ids.
const dedupCapacity = 10000

// Sequencer assigns the next sequence number for a conversation. Repeated
// calls with the same messageID return the originally assigned number.
type Sequencer interface {
	NextSequence(ctx context.Context, conversationID, messageID string) (int64, error)
}

// Appender persists one row of the conversation message log.
type Appender interface {
	Append(ctx context.Context, row models.MessageRow) error
}

// Publisher publishes one record to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Worker handles records from the submit topic.
type Worker struct {
	sequencer Sequencer
	log       Appender
	producer  Publisher

	persistedTopic  string
	metadataTimeout time.Duration
	publishTimeout  time.Duration

	seen   *dedupSet
	logger *slog.Logger
}

// New creates an ingestion worker publishing enriched events to
// persistedTopic.
func New(sequencer Sequencer, log Appender, producer Publisher, persistedTopic string, metadataTimeout, publishTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sequencer:       sequencer,
		log:             log,
		producer:        producer,
		persistedTopic:  persistedTopic,
		metadataTimeout: metadataTimeout,
		publishTimeout:  publishTimeout,
		seen:            newDedupSet(dedupCapacity),
		logger:          logger,
	}
}

// Handle processes one submitted message. Malformed payloads and references
// to unknown conversations are permanent failures; everything else is
// retried by the consumer.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) error {
	var event models.MessageEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return bus.Permanent(fmt.Errorf("decoding submit event: %w", err))
	}
	if event.Status == "" {
		event.Status = models.StatusSent
	}
	if err := event.Validate(); err != nil {
		return bus.Permanent(fmt.Errorf("invalid submit event: %w", err))
	}

	if w.seen.Contains(event.MessageID) {
		w.logger.Info("skipping duplicate message",
			slog.String("message_id", event.MessageID),
			slog.String("conversation_id", event.ConversationID))
		return nil
	}

	seqCtx, cancel := context.WithTimeout(ctx, w.metadataTimeout)
	seq, err := w.sequencer.NextSequence(seqCtx, event.ConversationID, event.MessageID)
	cancel()
	if err != nil {
		if errors.Is(err, metadata.ErrConversationNotFound) {
			return bus.Permanent(fmt.Errorf("sequencing message %s: %w", event.MessageID, err))
		}
		return fmt.Errorf("sequencing message %s: %w", event.MessageID, err)
	}
	event.SequenceNumber = seq

	if err := w.log.Append(ctx, rowFromEvent(event)); err != nil {
		return fmt.Errorf("appending message %s to log: %w", event.MessageID, err)
	}

	enriched, err := json.Marshal(event)
	if err != nil {
		return bus.Permanent(fmt.Errorf("encoding persisted event: %w", err))
	}
	pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	err = w.producer.Publish(pubCtx, w.persistedTopic, event.ConversationID, enriched)
	cancel()
	if err != nil {
		return fmt.Errorf("publishing persisted event for %s: %w", event.MessageID, err)
	}

	w.seen.Add(event.MessageID)
	w.logger.Info("message sequenced",
		slog.String("message_id", event.MessageID),
		slog.String("conversation_id", event.ConversationID),
		slog.Int64("sequence_number", seq))
	return nil
}

// rowFromEvent translates the wire event into a message-log row. Timestamps
// that fail to parse fall back to the ingestion time rather than failing a
// message that has already been assigned a sequence number.
func rowFromEvent(event models.MessageEvent) models.MessageRow {
	ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return models.MessageRow{
		ConversationID: event.ConversationID,
		SequenceNumber: event.SequenceNumber,
		MessageID:      event.MessageID,
		SenderID:       event.SenderID,
		Content:        event.Content,
		MessageType:    event.MessageType,
		Status:         event.Status,
		Timestamp:      ts,
		Attachments:    event.Attachments,
	}
}
