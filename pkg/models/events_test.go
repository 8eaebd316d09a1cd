package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryJobID(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		a := DeliveryJobID("msg-1", "user-b", "delivery")
		b := DeliveryJobID("msg-1", "user-b", "delivery")
		assert.Equal(t, a, b)
	})

	t.Run("differs per recipient and channel", func(t *testing.T) {
		base := DeliveryJobID("msg-1", "user-b", "delivery")
		assert.NotEqual(t, base, DeliveryJobID("msg-1", "user-c", "delivery"))
		assert.NotEqual(t, base, DeliveryJobID("msg-1", "user-b", "whatsapp"))
		assert.NotEqual(t, base, DeliveryJobID("msg-2", "user-b", "delivery"))
	})

	t.Run("is a valid uuid", func(t *testing.T) {
		id := DeliveryJobID("msg-1", "user-b", "delivery")
		require.Len(t, id, 36)
	})
}

func TestMessageEventValidate(t *testing.T) {
	valid := MessageEvent{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		SenderID:       "user-a",
		Status:         StatusSent,
	}

	t.Run("accepts a complete event", func(t *testing.T) {
		event := valid
		require.NoError(t, event.Validate())
	})

	t.Run("rejects missing identifiers", func(t *testing.T) {
		for _, mutate := range []func(*MessageEvent){
			func(e *MessageEvent) { e.MessageID = "" },
			func(e *MessageEvent) { e.ConversationID = "" },
			func(e *MessageEvent) { e.SenderID = "" },
		} {
			event := valid
			mutate(&event)
			assert.Error(t, event.Validate())
		}
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		event := valid
		event.Status = "SHOUTED"
		assert.Error(t, event.Validate())
	})
}

func TestStatusEventValidate(t *testing.T) {
	valid := StatusEvent{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		SequenceNumber: 7,
		UserID:         "user-b",
		SenderID:       "user-a",
		Status:         StatusDelivered,
	}

	t.Run("accepts delivered and read", func(t *testing.T) {
		for _, s := range []MessageStatus{StatusDelivered, StatusRead} {
			event := valid
			event.Status = s
			require.NoError(t, event.Validate())
		}
	})

	t.Run("rejects sent", func(t *testing.T) {
		event := valid
		event.Status = StatusSent
		assert.Error(t, event.Validate())
	})

	t.Run("rejects non-positive sequence", func(t *testing.T) {
		event := valid
		event.SequenceNumber = 0
		assert.Error(t, event.Validate())
	})
}

func TestMessageStatusOrdering(t *testing.T) {
	assert.True(t, StatusRead.AtLeast(StatusDelivered))
	assert.True(t, StatusDelivered.AtLeast(StatusDelivered))
	assert.False(t, StatusSent.AtLeast(StatusDelivered))
	assert.False(t, MessageStatus("BOGUS").AtLeast(StatusDelivered))
	assert.False(t, MessageStatus("BOGUS").Valid())
}
