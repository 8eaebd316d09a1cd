// Package bus provides the durable event transport: a Kafka producer and
// consumer-group runner with manual offset commit, bounded retries, and
// per-topic dead-letter routing.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Message is one record consumed from a topic. Key is the UTF-8 partition
// key; records sharing a key are delivered to one group member in publish
// order.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
}

// Handler processes one message. Returning nil commits the offset. A plain
// error triggers in-place retries and redelivery; wrap with Permanent to
// skip retries and route the message straight to the dead-letter topic.
type Handler func(ctx context.Context, msg Message) error

// PermanentError marks a failure that retrying cannot fix, such as a
// malformed payload or a reference to a conversation that does not exist.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the consumer sends the message to the DLQ without
// retrying. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DLQTopic names the dead-letter topic for a source topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// Config holds broker connection settings shared by producers and consumers.
type Config struct {
	Brokers  []string
	ClientID string

	// MaxAttempts is how many times a handler runs for one message before
	// the message is dead-lettered.
	MaxAttempts int
	// RetryBackoff is the delay between handler attempts.
	RetryBackoff time.Duration
}

// LoadConfigFromEnv loads bus configuration from environment variables.
func LoadConfigFromEnv() Config {
	brokers := os.Getenv("KAFKA_BOOTSTRAP_SERVERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}
	clientID := os.Getenv("KAFKA_CLIENT_ID")
	if clientID == "" {
		clientID = "chat-backbone"
	}
	return Config{
		Brokers:      strings.Split(brokers, ","),
		ClientID:     clientID,
		MaxAttempts:  5,
		RetryBackoff: time.Second,
	}
}
