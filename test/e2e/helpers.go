// Package e2e exercises the full message pipeline over in-memory
// infrastructure: a synchronous bus routes each published record straight
// into the next stage's handler, so one submit call runs ingestion, fan-out,
// and delivery end to end.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/config"
	"github.com/chat4all/backbone/pkg/delivery"
	"github.com/chat4all/backbone/pkg/fanout"
	"github.com/chat4all/backbone/pkg/ingest"
	"github.com/chat4all/backbone/pkg/metadata"
	"github.com/chat4all/backbone/pkg/models"
	"github.com/chat4all/backbone/pkg/realtime"
	"github.com/chat4all/backbone/pkg/status"
)

// memoryBus routes published records synchronously into registered handlers
// and keeps every record for assertions.
type memoryBus struct {
	mu        sync.Mutex
	handlers  map[string]bus.Handler
	published map[string][]bus.Message
}

func newMemoryBus() *memoryBus {
	return &memoryBus{
		handlers:  make(map[string]bus.Handler),
		published: make(map[string][]bus.Message),
	}
}

func (b *memoryBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := bus.Message{Topic: topic, Key: key, Value: value}
	b.mu.Lock()
	b.published[topic] = append(b.published[topic], msg)
	handler := b.handlers[topic]
	b.mu.Unlock()

	if handler != nil {
		return handler(ctx, msg)
	}
	return nil
}

func (b *memoryBus) messages(topic string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Message(nil), b.published[topic]...)
}

// memoryMetadata mirrors the metadata store contracts in memory: idempotent
// private-pair creation and idempotent sequence assignment.
type memoryMetadata struct {
	mu            sync.Mutex
	members       map[string][]string
	lastSequence  map[string]int64
	sequenceLog   map[string]int64 // message_id → assigned sequence
	identities    map[string]map[string]string
	privatePairs  map[string]string // "a|b" → conversation_id
	conversations map[string]models.ConversationKind
}

func newMemoryMetadata() *memoryMetadata {
	return &memoryMetadata{
		members:       make(map[string][]string),
		lastSequence:  make(map[string]int64),
		sequenceLog:   make(map[string]int64),
		identities:    make(map[string]map[string]string),
		privatePairs:  make(map[string]string),
		conversations: make(map[string]models.ConversationKind),
	}
}

func (m *memoryMetadata) CreateConversation(kind models.ConversationKind, members []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == models.ConversationPrivate && len(members) == 2 {
		key := members[0] + "|" + members[1]
		if members[1] < members[0] {
			key = members[1] + "|" + members[0]
		}
		if id, ok := m.privatePairs[key]; ok {
			return id
		}
		id := uuid.New().String()
		m.privatePairs[key] = id
		m.members[id] = append([]string(nil), members...)
		m.conversations[id] = kind
		return id
	}
	id := uuid.New().String()
	m.members[id] = append([]string(nil), members...)
	m.conversations[id] = kind
	return id
}

func (m *memoryMetadata) NextSequence(ctx context.Context, conversationID, messageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return 0, metadata.ErrConversationNotFound
	}
	if seq, ok := m.sequenceLog[messageID]; ok {
		return seq, nil
	}
	m.lastSequence[conversationID]++
	seq := m.lastSequence[conversationID]
	m.sequenceLog[messageID] = seq
	return seq, nil
}

func (m *memoryMetadata) GetMembers(ctx context.Context, conversationID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.members[conversationID]...), nil
}

func (m *memoryMetadata) GetIdentities(ctx context.Context, userID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := map[string]string{models.ChannelDelivery: userID}
	for channel, ext := range m.identities[userID] {
		ids[channel] = ext
	}
	return ids, nil
}

func (m *memoryMetadata) AddIdentity(userID, channel, externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identities[userID] == nil {
		m.identities[userID] = make(map[string]string)
	}
	m.identities[userID][channel] = externalID
}

func (m *memoryMetadata) LastSequence(conversationID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSequence[conversationID]
}

// memoryLog keeps message rows and inbox entries in memory.
type memoryLog struct {
	mu    sync.Mutex
	rows  map[string]map[int64]models.MessageRow // conversation_id → sequence → row
	inbox map[string][]models.InboxEntry
}

func newMemoryLog() *memoryLog {
	return &memoryLog{
		rows:  make(map[string]map[int64]models.MessageRow),
		inbox: make(map[string][]models.InboxEntry),
	}
}

func (l *memoryLog) Append(ctx context.Context, row models.MessageRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows[row.ConversationID] == nil {
		l.rows[row.ConversationID] = make(map[int64]models.MessageRow)
	}
	l.rows[row.ConversationID][row.SequenceNumber] = row
	return nil
}

func (l *memoryLog) PushInbox(ctx context.Context, entry models.InboxEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.inbox[entry.UserID] {
		if existing.MessageID == entry.MessageID {
			// Replayed job: the inbox copy is keyed by message, one per user.
			return nil
		}
	}
	l.inbox[entry.UserID] = append(l.inbox[entry.UserID], entry)
	return nil
}

func (l *memoryLog) UpdateStatus(ctx context.Context, conversationID string, sequenceNumber int64, st models.MessageStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv, ok := l.rows[conversationID]
	if !ok {
		return fmt.Errorf("no rows for conversation %s", conversationID)
	}
	row, ok := conv[sequenceNumber]
	if !ok {
		return fmt.Errorf("no row at sequence %d", sequenceNumber)
	}
	row.Status = st
	conv[sequenceNumber] = row
	return nil
}

func (l *memoryLog) Row(conversationID string, seq int64) (models.MessageRow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[conversationID][seq]
	return row, ok
}

func (l *memoryLog) RowCount(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows[conversationID])
}

func (l *memoryLog) Inbox(userID string) []models.InboxEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.InboxEntry(nil), l.inbox[userID]...)
}

// memoryPubSub is an in-process stand-in for the ephemeral pub/sub.
type memoryPubSub struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newMemoryPubSub() *memoryPubSub {
	return &memoryPubSub{subs: make(map[string][]chan []byte)}
}

func (p *memoryPubSub) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[channel] {
		ch <- append([]byte(nil), payload...)
	}
	return int64(len(p.subs[channel])), nil
}

// Subscribe registers a live channel, like a connected gateway session.
func (p *memoryPubSub) Subscribe(channel string) <-chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan []byte, 64)
	p.subs[channel] = append(p.subs[channel], ch)
	return ch
}

// pipelineEnv wires all four workers over the in-memory infrastructure.
type pipelineEnv struct {
	topics   config.Topics
	bus      *memoryBus
	metadata *memoryMetadata
	log      *memoryLog
	pubsub   *memoryPubSub
}

func newPipeline(t *testing.T) *pipelineEnv {
	t.Helper()
	topics := config.Topics{
		Submit:    "chat.message.submit.v1",
		Persisted: "chat.message.persisted.v1",
		Delivery:  "chat.message.delivery.v1",
		Status:    "chat.message.status.v1",
		Push:      "chat.message.push.v1",
	}
	env := &pipelineEnv{
		topics:   topics,
		bus:      newMemoryBus(),
		metadata: newMemoryMetadata(),
		log:      newMemoryLog(),
		pubsub:   newMemoryPubSub(),
	}

	timeout := 5 * time.Second
	ingestWorker := ingest.New(env.metadata, env.log, env.bus, topics.Persisted, timeout, timeout, nil)
	fanoutWorker := fanout.New(env.metadata, env.bus, topics.Delivery, timeout, timeout, nil)
	deliveryWorker := delivery.New(env.log, env.pubsub, env.bus, topics.Push, timeout, nil)
	statusWorker := status.New(env.log, env.pubsub, nil)

	env.bus.handlers[topics.Submit] = ingestWorker.Handle
	env.bus.handlers[topics.Persisted] = fanoutWorker.Handle
	env.bus.handlers[topics.Delivery] = deliveryWorker.Handle
	env.bus.handlers[topics.Status] = statusWorker.Handle
	return env
}

// submit publishes a message event on the submit topic and lets it run
// through the whole pipeline.
func (env *pipelineEnv) submit(t *testing.T, event models.MessageEvent) {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, env.bus.Publish(context.Background(), env.topics.Submit, event.ConversationID, value))
}

// emitStatus publishes a receipt on the status topic.
func (env *pipelineEnv) emitStatus(t *testing.T, event models.StatusEvent) {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, env.bus.Publish(context.Background(), env.topics.Status, event.ConversationID, value))
}

// subscribe opens a live user channel, like a connected socket.
func (env *pipelineEnv) subscribe(userID string) <-chan []byte {
	return env.pubsub.Subscribe(realtime.UserChannel(userID))
}

// deliveryJobs decodes every job published on the delivery topic.
func (env *pipelineEnv) deliveryJobs(t *testing.T) []models.DeliveryJob {
	t.Helper()
	msgs := env.bus.messages(env.topics.Delivery)
	jobs := make([]models.DeliveryJob, 0, len(msgs))
	for _, msg := range msgs {
		var job models.DeliveryJob
		require.NoError(t, json.Unmarshal(msg.Value, &job))
		jobs = append(jobs, job)
	}
	return jobs
}

// pushNotifications decodes every notification published on the push topic.
func (env *pipelineEnv) pushNotifications(t *testing.T) []models.PushNotification {
	t.Helper()
	msgs := env.bus.messages(env.topics.Push)
	out := make([]models.PushNotification, 0, len(msgs))
	for _, msg := range msgs {
		var push models.PushNotification
		require.NoError(t, json.Unmarshal(msg.Value, &push))
		out = append(out, push)
	}
	return out
}
