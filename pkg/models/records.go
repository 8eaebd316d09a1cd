package models

import (
	"encoding/json"
	"time"
)

// ConversationSummary is what the metadata store returns when listing a
// user's conversations.
type ConversationSummary struct {
	ID           string           `json:"conversation_id"`
	Kind         ConversationKind `json:"kind"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	LastSequence int64            `json:"last_sequence_number"`
}

// MessageRow is one row of the per-conversation message log.
type MessageRow struct {
	ConversationID string          `json:"conversation_id"`
	SequenceNumber int64           `json:"sequence_number"`
	MessageID      string          `json:"message_id"`
	SenderID       string          `json:"sender_id"`
	Content        string          `json:"content"`
	MessageType    MessageType     `json:"message_type"`
	Status         MessageStatus   `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
}

// InboxEntry is one per-recipient copy in the user inbox, ordered by
// arrival time descending.
type InboxEntry struct {
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Content        string    `json:"content"`
	SenderID       string    `json:"sender_id"`
	Status         string    `json:"status"`
}

// InboxStatusPending marks an inbox row written ahead of any live delivery
// attempt. It is not part of the message lifecycle statuses.
const InboxStatusPending = "PENDING"
