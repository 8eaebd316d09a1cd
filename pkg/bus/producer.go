package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// Producer publishes records to the bus. One Producer per process; writes
// are acknowledged by all in-sync replicas before SendMessage returns.
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer connects a synchronous producer to the brokers.
func NewProducer(cfg Config) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Version = sarama.V3_6_0_0
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	slog.Info("Bus producer connected", "brokers", cfg.Brokers)
	return &Producer{producer: producer}, nil
}

// Publish sends one record keyed for partition ordering. The context bounds
// the wait: publishing continues in the client on cancellation, but the
// caller's pipeline step is treated as failed.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type sendResult struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan sendResult, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(value),
		})
		done <- sendResult{partition: partition, offset: offset, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish to %s timed out: %w", topic, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, res.err)
		}
		slog.Debug("Published",
			"topic", topic, "key", key, "partition", res.partition, "offset", res.offset)
		return nil
	}
}

// Close flushes and shuts down the producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
