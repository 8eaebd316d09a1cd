// Package models defines the event payloads and enums shared by every
// pipeline stage. All bus and pub/sub payloads are field-tagged JSON with
// snake_case keys; partition keys are the raw ID strings.
package models

// MessageType classifies message content.
type MessageType string

// Message type constants.
const (
	MessageTypeText     MessageType = "text"
	MessageTypeFile     MessageType = "file"
	MessageTypeLocation MessageType = "location"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

// Message status constants, ordered SENT < DELIVERED < READ.
const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// statusRank orders statuses for monotonicity checks.
var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Valid reports whether s is a known lifecycle status.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// AtLeast reports whether s is equal to or later than other in the
// SENT → DELIVERED → READ order. Unknown statuses rank lowest.
func (s MessageStatus) AtLeast(other MessageStatus) bool {
	return statusRank[s] >= statusRank[other]
}

// ConversationKind distinguishes one-to-one chats from group chats.
type ConversationKind string

// Conversation kinds.
const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// ChannelDelivery is the internal socket channel every user is implicitly
// bound to (external-id = user-id). External channels such as "whatsapp"
// are bound explicitly.
const ChannelDelivery = "delivery"

// ChannelAll is the sentinel requesting every channel the recipient has linked.
const ChannelAll = "all"
