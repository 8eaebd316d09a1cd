package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/models"
)

type fakeInbox struct {
	entries []models.InboxEntry
	err     error
}

func (f *fakeInbox) PushInbox(ctx context.Context, entry models.InboxEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type fakeNotifier struct {
	channels    []string
	payloads    [][]byte
	subscribers int64
	err         error
}

func (f *fakeNotifier) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, payload)
	return f.subscribers, nil
}

type fakeProducer struct {
	topics []string
	keys   []string
	values [][]byte
	err    error
}

func (f *fakeProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return nil
}

func newTestWorker(inbox *fakeInbox, notifier *fakeNotifier, producer *fakeProducer) *Worker {
	return New(inbox, notifier, producer, "chat.message.push.v1", time.Second, nil)
}

func testJob() models.DeliveryJob {
	payload := models.MessageEvent{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		SenderID:       "user-a",
		MessageType:    models.MessageTypeText,
		Content:        "hello there",
		Status:         models.StatusSent,
		SequenceNumber: 5,
	}
	return models.DeliveryJob{
		JobID:          models.DeliveryJobID("msg-1", "user-b", models.ChannelDelivery),
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		RecipientID:    "user-b",
		Channel:        models.ChannelDelivery,
		Payload:        payload,
	}
}

func jobMessage(t *testing.T, job models.DeliveryJob) bus.Message {
	t.Helper()
	value, err := json.Marshal(job)
	require.NoError(t, err)
	return bus.Message{Topic: "chat.message.delivery.v1", Key: job.RecipientID, Value: value}
}

func TestWorkerHandle(t *testing.T) {
	t.Run("writes the inbox before anything else", func(t *testing.T) {
		inbox := &fakeInbox{}
		notifier := &fakeNotifier{subscribers: 1}
		w := newTestWorker(inbox, notifier, &fakeProducer{})

		require.NoError(t, w.Handle(context.Background(), jobMessage(t, testJob())))

		require.Len(t, inbox.entries, 1)
		entry := inbox.entries[0]
		assert.Equal(t, "user-b", entry.UserID)
		assert.Equal(t, models.InboxStatusPending, entry.Status)
		assert.Equal(t, int64(5), entry.SequenceNumber)
	})

	t.Run("inbox failure forces redelivery", func(t *testing.T) {
		inbox := &fakeInbox{err: errors.New("scylla down")}
		notifier := &fakeNotifier{subscribers: 1}
		w := newTestWorker(inbox, notifier, &fakeProducer{})

		err := w.Handle(context.Background(), jobMessage(t, testJob()))
		require.Error(t, err)
		assert.False(t, bus.IsPermanent(err))
		assert.Empty(t, notifier.channels, "no live delivery before the inbox write")
	})

	t.Run("live subscriber suppresses the push fallback", func(t *testing.T) {
		notifier := &fakeNotifier{subscribers: 1}
		producer := &fakeProducer{}
		w := newTestWorker(&fakeInbox{}, notifier, producer)

		require.NoError(t, w.Handle(context.Background(), jobMessage(t, testJob())))

		require.Len(t, notifier.channels, 1)
		assert.Equal(t, "user:user-b", notifier.channels[0])
		assert.Empty(t, producer.values)

		var event models.MessageEvent
		require.NoError(t, json.Unmarshal(notifier.payloads[0], &event))
		assert.Equal(t, "msg-1", event.MessageID)
		assert.Equal(t, int64(5), event.SequenceNumber)
	})

	t.Run("zero subscribers triggers a push", func(t *testing.T) {
		notifier := &fakeNotifier{subscribers: 0}
		producer := &fakeProducer{}
		w := newTestWorker(&fakeInbox{}, notifier, producer)

		require.NoError(t, w.Handle(context.Background(), jobMessage(t, testJob())))

		require.Len(t, producer.values, 1)
		assert.Equal(t, "chat.message.push.v1", producer.topics[0])
		assert.Equal(t, "user-b", producer.keys[0])

		var push models.PushNotification
		require.NoError(t, json.Unmarshal(producer.values[0], &push))
		assert.Equal(t, "user-b", push.UserID)
		assert.Equal(t, "New message from user-a", push.Title)
		assert.Equal(t, "hello there", push.Body)
		assert.Equal(t, "conv-1", push.Data["conversation_id"])
		assert.Equal(t, "msg-1", push.Data["message_id"])
		assert.NotEmpty(t, push.NotificationID)
	})

	t.Run("notifier failure falls back to push", func(t *testing.T) {
		notifier := &fakeNotifier{err: errors.New("redis down")}
		producer := &fakeProducer{}
		w := newTestWorker(&fakeInbox{}, notifier, producer)

		require.NoError(t, w.Handle(context.Background(), jobMessage(t, testJob())))
		assert.Len(t, producer.values, 1)
	})

	t.Run("push publish failure is swallowed", func(t *testing.T) {
		notifier := &fakeNotifier{subscribers: 0}
		producer := &fakeProducer{err: errors.New("broker down")}
		inbox := &fakeInbox{}
		w := newTestWorker(inbox, notifier, producer)

		require.NoError(t, w.Handle(context.Background(), jobMessage(t, testJob())))
		assert.Len(t, inbox.entries, 1)
	})

	t.Run("malformed job is permanent", func(t *testing.T) {
		w := newTestWorker(&fakeInbox{}, &fakeNotifier{}, &fakeProducer{})
		err := w.Handle(context.Background(), bus.Message{Value: []byte("nope")})
		require.Error(t, err)
		assert.True(t, bus.IsPermanent(err))
	})

	t.Run("job without identifiers is permanent", func(t *testing.T) {
		w := newTestWorker(&fakeInbox{}, &fakeNotifier{}, &fakeProducer{})
		err := w.Handle(context.Background(), bus.Message{Value: []byte("{}")})
		require.Error(t, err)
		assert.True(t, bus.IsPermanent(err))
	})
}

func TestPushBody(t *testing.T) {
	t.Run("passes short text through", func(t *testing.T) {
		event := models.MessageEvent{MessageType: models.MessageTypeText, Content: "hi"}
		assert.Equal(t, "hi", pushBody(event))
	})

	t.Run("truncates long text to 100 characters", func(t *testing.T) {
		event := models.MessageEvent{
			MessageType: models.MessageTypeText,
			Content:     strings.Repeat("x", 250),
		}
		assert.Equal(t, strings.Repeat("x", 100), pushBody(event))
	})

	t.Run("counts runes, not bytes", func(t *testing.T) {
		event := models.MessageEvent{
			MessageType: models.MessageTypeText,
			Content:     strings.Repeat("ü", 150),
		}
		assert.Equal(t, strings.Repeat("ü", 100), pushBody(event))
	})

	t.Run("previews file captions like text", func(t *testing.T) {
		event := models.MessageEvent{MessageType: models.MessageTypeFile, Content: "photo.jpg"}
		assert.Equal(t, "photo.jpg", pushBody(event))
	})

	t.Run("labels messages without content", func(t *testing.T) {
		event := models.MessageEvent{MessageType: models.MessageTypeFile}
		assert.Equal(t, "New file", pushBody(event))
	})
}

func TestPushLogger(t *testing.T) {
	logger := NewPushLogger(nil)

	t.Run("accepts a notification", func(t *testing.T) {
		value, err := json.Marshal(models.PushNotification{
			NotificationID: "n-1",
			UserID:         "user-b",
			Title:          "New message from user-a",
			Body:           "hello",
		})
		require.NoError(t, err)
		assert.NoError(t, logger.Handle(context.Background(), bus.Message{Value: value}))
	})

	t.Run("malformed notification is permanent", func(t *testing.T) {
		err := logger.Handle(context.Background(), bus.Message{Value: []byte("nope")})
		require.Error(t, err)
		assert.True(t, bus.IsPermanent(err))
	})
}
