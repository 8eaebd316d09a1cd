// Package fanout implements the dispatch stage: it consumes persisted
// messages, expands conversation membership into per-recipient delivery
// jobs, and publishes each job to the delivery topic keyed by recipient so
// one recipient's traffic stays ordered.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/models"
)

// Membership resolves conversation members and the channels a user has
// linked.
type Membership interface {
	GetMembers(ctx context.Context, conversationID string) ([]string, error)
	GetIdentities(ctx context.Context, userID string) (map[string]string, error)
}

// Publisher publishes one record to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Worker handles records from the persisted topic.
type Worker struct {
	metadata Membership
	producer Publisher

	deliveryTopic   string
	metadataTimeout time.Duration
	publishTimeout  time.Duration

	logger *slog.Logger
}

// New creates a fan-out worker publishing jobs to deliveryTopic.
func New(metadata Membership, producer Publisher, deliveryTopic string, metadataTimeout, publishTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		metadata:        metadata,
		producer:        producer,
		deliveryTopic:   deliveryTopic,
		metadataTimeout: metadataTimeout,
		publishTimeout:  publishTimeout,
		logger:          logger,
	}
}

// Handle expands one persisted message into delivery jobs. A conversation
// with no members besides the sender produces zero jobs and is still
// committed.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) error {
	var event models.MessageEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return bus.Permanent(fmt.Errorf("decoding persisted event: %w", err))
	}
	if err := event.Validate(); err != nil {
		return bus.Permanent(fmt.Errorf("invalid persisted event: %w", err))
	}

	memCtx, cancel := context.WithTimeout(ctx, w.metadataTimeout)
	members, err := w.metadata.GetMembers(memCtx, event.ConversationID)
	cancel()
	if err != nil {
		return fmt.Errorf("resolving members of %s: %w", event.ConversationID, err)
	}

	jobs := 0
	for _, recipient := range members {
		if recipient == event.SenderID {
			continue
		}
		channels, err := w.resolveChannels(ctx, recipient, event.TargetChannels)
		if err != nil {
			return fmt.Errorf("resolving channels for %s: %w", recipient, err)
		}
		for _, channel := range channels {
			job := models.DeliveryJob{
				JobID:          models.DeliveryJobID(event.MessageID, recipient, channel),
				MessageID:      event.MessageID,
				ConversationID: event.ConversationID,
				RecipientID:    recipient,
				Channel:        channel,
				Payload:        event,
			}
			value, err := json.Marshal(job)
			if err != nil {
				return bus.Permanent(fmt.Errorf("encoding delivery job: %w", err))
			}
			pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
			err = w.producer.Publish(pubCtx, w.deliveryTopic, recipient, value)
			cancel()
			if err != nil {
				return fmt.Errorf("publishing job %s: %w", job.JobID, err)
			}
			jobs++
		}
	}

	w.logger.Info("message dispatched",
		slog.String("message_id", event.MessageID),
		slog.String("conversation_id", event.ConversationID),
		slog.Int("jobs", jobs))
	return nil
}

// resolveChannels maps the event's target channels onto the channels the
// recipient has actually linked. An empty target list means the internal
// socket channel only; "all" selects every linked channel. Requested
// channels the recipient has not linked are dropped with a warning.
func (w *Worker) resolveChannels(ctx context.Context, recipient string, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return []string{models.ChannelDelivery}, nil
	}

	idCtx, cancel := context.WithTimeout(ctx, w.metadataTimeout)
	identities, err := w.metadata.GetIdentities(idCtx, recipient)
	cancel()
	if err != nil {
		return nil, err
	}

	all := false
	for _, t := range targets {
		if t == models.ChannelAll {
			all = true
			break
		}
	}
	if all {
		channels := make([]string, 0, len(identities))
		for channel := range identities {
			channels = append(channels, channel)
		}
		sort.Strings(channels)
		return channels, nil
	}

	channels := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := identities[t]; !ok {
			w.logger.Warn("dropping unlinked channel",
				slog.String("recipient_id", recipient),
				slog.String("channel", t))
			continue
		}
		channels = append(channels, t)
	}
	return channels, nil
}
