package metadata

import "errors"

var (
	// ErrConversationNotFound is returned when an operation references a
	// conversation that does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNoMembers is returned when creating a conversation with an empty
	// member list.
	ErrNoMembers = errors.New("conversation must have at least one member")
)
