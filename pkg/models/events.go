package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageEvent is the payload of both the submit and persisted topics.
// A submitted event has SequenceNumber == 0; the ingestion worker enriches
// it with the assigned sequence before republishing.
type MessageEvent struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Timestamp      string          `json:"timestamp"`
	MessageType    MessageType     `json:"message_type"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	Status         MessageStatus   `json:"status"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
	TargetChannels []string        `json:"target_channels,omitempty"`
}

// Validate checks the fields every consumer requires.
func (e *MessageEvent) Validate() error {
	switch {
	case e.MessageID == "":
		return fmt.Errorf("message_id is required")
	case e.ConversationID == "":
		return fmt.Errorf("conversation_id is required")
	case e.SenderID == "":
		return fmt.Errorf("sender_id is required")
	case !e.Status.Valid():
		return fmt.Errorf("unknown status %q", e.Status)
	}
	return nil
}

// DeliveryJob is one planned transmission to one (recipient, channel) pair.
// JobID is deterministic so that replayed fan-out produces identical jobs.
type DeliveryJob struct {
	JobID          string       `json:"job_id"`
	MessageID      string       `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	RecipientID    string       `json:"recipient_id"`
	Channel        string       `json:"channel"`
	Payload        MessageEvent `json:"payload"`
}

// DeliveryJobID derives the deterministic job identifier:
// uuidv5(DNS, "<message-id>:<recipient-id>:<channel>").
func DeliveryJobID(messageID, recipientID, channel string) string {
	name := messageID + ":" + recipientID + ":" + channel
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

// StatusEvent reports a delivery or read receipt back through the pipeline.
type StatusEvent struct {
	EventID        string        `json:"event_id"`
	MessageID      string        `json:"message_id"`
	SequenceNumber int64         `json:"sequence_number"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`   // who recorded the receipt
	SenderID       string        `json:"sender_id"` // original author, notified over the socket
	Status         MessageStatus `json:"status"`
	Timestamp      string        `json:"timestamp"`
}

// Validate checks the fields the status processor requires. Only receipt
// statuses are accepted; SENT never flows through the status topic.
func (e *StatusEvent) Validate() error {
	switch {
	case e.MessageID == "":
		return fmt.Errorf("message_id is required")
	case e.ConversationID == "":
		return fmt.Errorf("conversation_id is required")
	case e.SequenceNumber <= 0:
		return fmt.Errorf("sequence_number must be positive")
	case e.Status != StatusDelivered && e.Status != StatusRead:
		return fmt.Errorf("status must be DELIVERED or READ, got %q", e.Status)
	}
	return nil
}

// NoticeTypeStatusUpdate is the Type of a StatusUpdateNotice.
const NoticeTypeStatusUpdate = "STATUS_UPDATE"

// StatusUpdateNotice is the JSON object the status processor publishes to
// the original sender's pub/sub channel. The gateway forwards it verbatim.
type StatusUpdateNotice struct {
	Type           string        `json:"type"` // always NoticeTypeStatusUpdate
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	Status         MessageStatus `json:"status"`
	ReadBy         string        `json:"read_by"`
	Timestamp      string        `json:"timestamp"`
}

// PushNotification is the payload of the push topic, consumed by the
// mobile-push connector when the recipient has no live socket.
type PushNotification struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	Timestamp      string            `json:"timestamp"`
}
