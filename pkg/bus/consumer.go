package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// DeadLetterPublisher publishes a poison message to its dead-letter topic.
// Satisfied by *Producer.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Consumer runs one handler against one topic within a consumer group.
// Partition assignment and rebalancing come from the group protocol, so
// running more replicas spreads partitions across them.
type Consumer struct {
	group        sarama.ConsumerGroup
	groupID      string
	dlq          DeadLetterPublisher
	maxAttempts  int
	retryBackoff time.Duration
}

// NewConsumer joins the consumer group identified by groupID.
func NewConsumer(cfg Config, groupID string, dlq DeadLetterPublisher) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Version = sarama.V3_6_0_0
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = false

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to join group %s: %w", groupID, err)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Consumer{
		group:        group,
		groupID:      groupID,
		dlq:          dlq,
		maxAttempts:  maxAttempts,
		retryBackoff: backoff,
	}, nil
}

// Run consumes the topic until ctx is cancelled, then returns nil. Session
// errors (rebalances, broker restarts) are logged and the group rejoins.
func (c *Consumer) Run(ctx context.Context, topic string, handler Handler) error {
	log := slog.With("group", c.groupID, "topic", topic)
	log.Info("Consumer started")

	claimed := &claimHandler{consumer: c, handler: handler, log: log}
	for {
		if err := c.group.Consume(ctx, []string{topic}, claimed); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("Consumer session error", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.retryBackoff):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	log.Info("Consumer stopped")
	return nil
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// claimHandler adapts a Handler to sarama's group protocol.
type claimHandler struct {
	consumer *Consumer
	handler  Handler
	log      *slog.Logger
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes one partition's messages in order. The offset is
// marked only after the handler succeeds or the message is dead-lettered,
// so a crash mid-handler causes redelivery (at-least-once).
func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if h.process(session.Context(), msg) {
				session.MarkMessage(msg, "")
			} else {
				// Not committed: stop consuming this claim so the message
				// is redelivered after the session ends.
				return nil
			}
		}
	}
}

// process runs the handler with bounded retries. It reports whether the
// offset may be committed: true on success or after dead-lettering, false
// when the message must be redelivered.
func (h *claimHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	m := Message{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}

	var lastErr error
	for attempt := 1; attempt <= h.consumer.maxAttempts; attempt++ {
		lastErr = h.handler(ctx, m)
		if lastErr == nil {
			return true
		}
		if IsPermanent(lastErr) {
			h.log.Warn("Permanent handler failure",
				"offset", m.Offset, "partition", m.Partition, "error", lastErr)
			return h.deadLetter(ctx, m)
		}
		h.log.Warn("Handler failed, retrying",
			"offset", m.Offset, "partition", m.Partition,
			"attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.consumer.retryBackoff):
		}
	}

	h.log.Error("Handler exhausted retries, dead-lettering",
		"offset", m.Offset, "partition", m.Partition, "error", lastErr)
	return h.deadLetter(ctx, m)
}

// deadLetter publishes the raw payload to <topic>.dlq. Only a successful
// DLQ publish releases the offset; otherwise the message is redelivered
// rather than dropped.
func (h *claimHandler) deadLetter(ctx context.Context, m Message) bool {
	if h.consumer.dlq == nil {
		h.log.Error("No dead-letter publisher configured, message will be redelivered",
			"offset", m.Offset, "partition", m.Partition)
		return false
	}
	if err := h.consumer.dlq.Publish(ctx, DLQTopic(m.Topic), m.Key, m.Value); err != nil {
		h.log.Error("Dead-letter publish failed",
			"offset", m.Offset, "partition", m.Partition, "error", err)
		return false
	}
	return true
}
