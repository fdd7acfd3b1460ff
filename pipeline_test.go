package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPersister wraps a MemoryPersister and can fail or hold requests.
type scriptedPersister struct {
	*MemoryPersister

	mu    sync.Mutex
	calls int
	errs  []error
	gate  chan struct{}
	reads []string
}

func (p *scriptedPersister) SendMessage(ctx context.Context, req PersistRequest) (*PersistAck, error) {
	p.mu.Lock()
	p.calls++
	var err error
	if len(p.errs) > 0 {
		err = p.errs[0]
		if len(p.errs) > 1 {
			p.errs = p.errs[1:]
		}
	}
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return p.MemoryPersister.SendMessage(ctx, req)
}

func (p *scriptedPersister) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	p.mu.Lock()
	p.reads = append(p.reads, conversationID+"/"+userID)
	p.mu.Unlock()
	return p.MemoryPersister.MarkAsRead(ctx, conversationID, userID)
}

func (p *scriptedPersister) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type pipelineFixture struct {
	pipeline  *Pipeline
	sender    *fakeSender
	store     *MemoryStore
	persister *scriptedPersister
	metrics   *Metrics
	events    *eventLog
}

func newTestPipeline(t *testing.T, connected bool) *pipelineFixture {
	t.Helper()
	cfg := testConfig()
	cfg.PersistRetryDelay = time.Millisecond
	f := &pipelineFixture{
		sender:    &fakeSender{connected: connected, userID: "me"},
		store:     NewMemoryStore(),
		persister: &scriptedPersister{MemoryPersister: NewMemoryPersister()},
		metrics:   NewMetrics(),
	}
	d := NewDispatcher(zerolog.Nop())
	f.events = recordEvents(d, EventMessageOptimistic, EventMessageUpdated, EventMessageFailed, EventMessageReceived)
	f.pipeline = newPipeline(cfg, f.sender, f.store, f.persister, d, f.metrics, zerolog.Nop())
	t.Cleanup(f.pipeline.Close)
	return f
}

func TestPipeline_SendEchoesThenPersists(t *testing.T) {
	f := newTestPipeline(t, true)

	msg := f.pipeline.Send("42", "Hello")
	assert.NotEmpty(t, msg.LocalID)
	assert.Equal(t, "me", msg.SenderID)
	assert.Equal(t, DeliveryOptimistic, msg.DeliveryState)

	frames := f.sender.framesOf(wireSend)
	require.Len(t, frames, 1)
	var p sendPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &p))
	assert.Equal(t, "42", p.ConversationID)
	assert.Equal(t, msg.LocalID, p.Message.LocalID)
	assert.Equal(t, "Hello", p.Message.Text)

	f.pipeline.Wait()

	got := f.events.all()
	require.Len(t, got, 2)
	assert.Equal(t, MessageOptimistic{Message: msg}, got[0])
	updated := got[1].(MessageUpdated).Message
	assert.Equal(t, DeliveryPersisted, updated.DeliveryState)
	assert.Equal(t, "m1", updated.ID)

	msgs, err := f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryPersisted, msgs[0].DeliveryState)
}

func TestPipeline_LocalIDsAreUnique(t *testing.T) {
	f := newTestPipeline(t, true)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := f.pipeline.nextLocalID()
		assert.False(t, seen[id], "duplicate local id %s", id)
		seen[id] = true
	}
}

func TestPipeline_SendWhileDisconnectedStillPersists(t *testing.T) {
	f := newTestPipeline(t, false)

	f.pipeline.Send("42", "offline hello")
	f.pipeline.Wait()

	assert.Empty(t, f.sender.names(), "no frame is queued while disconnected")
	assert.Equal(t, 1, f.persister.callCount())
	stored, err := f.persister.GetMessages(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "offline hello", stored[0].Text)
}

func TestPipeline_PersistFailureKeepsEcho(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.errs = []error{&APIError{StatusCode: 503, Message: "unavailable"}}

	msg := f.pipeline.Send("42", "doomed")
	f.pipeline.Wait()

	assert.Equal(t, 3, f.persister.callCount(), "retryable errors use the whole budget")
	require.Equal(t, 1, f.events.count(EventMessageFailed))

	var failed MessageFailed
	for _, ev := range f.events.all() {
		if v, ok := ev.(MessageFailed); ok {
			failed = v
		}
	}
	assert.Equal(t, msg.LocalID, failed.Message.LocalID)
	assert.Equal(t, DeliveryFailed, failed.Message.DeliveryState)

	var perr *PersistenceError
	require.True(t, errors.As(failed.Err, &perr))
	assert.Equal(t, 3, perr.Attempts)

	msgs, err := f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the optimistic entry is never rolled back")
	assert.Equal(t, DeliveryFailed, msgs[0].DeliveryState)
	assert.Contains(t, metricsBody(t, f.metrics), "chatsync_persist_failures_total 1")
}

func TestPipeline_NonRetryableFailureStopsEarly(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.errs = []error{&APIError{StatusCode: 400, Message: "bad request"}}

	f.pipeline.Send("42", "rejected")
	f.pipeline.Wait()

	assert.Equal(t, 1, f.persister.callCount())
	assert.Equal(t, 1, f.events.count(EventMessageFailed))
}

func TestPipeline_RetryRecovers(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.errs = []error{&APIError{StatusCode: 502}, nil}

	f.pipeline.Send("42", "eventually")
	f.pipeline.Wait()

	assert.Equal(t, 2, f.persister.callCount())
	assert.Equal(t, 0, f.events.count(EventMessageFailed))
	assert.Equal(t, 1, f.events.count(EventMessageUpdated))
}

func TestPipeline_EchoWithLocalIDIsDeduplicated(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.gate = make(chan struct{})

	msg := f.pipeline.Send("42", "Hello")
	f.pipeline.Reconcile(Message{
		ID:             "srv-9",
		LocalID:        msg.LocalID,
		ConversationID: "42",
		SenderID:       "me",
		Text:           "Hello",
		Timestamp:      time.Now().UTC(),
		DeliveryState:  DeliveryPersisted,
	})

	assert.Equal(t, 0, f.events.count(EventMessageReceived))
	msgs, err := f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-9", msgs[0].ID)
	assert.Contains(t, metricsBody(t, f.metrics), "chatsync_messages_deduplicated_total 1")

	close(f.persister.gate)
	f.pipeline.Wait()
	msgs, err = f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-9", msgs[0].ID, "the first server id is kept")
	assert.Equal(t, DeliveryPersisted, msgs[0].DeliveryState)
}

func TestPipeline_EchoWithoutLocalIDMatchesOldestSameText(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.gate = make(chan struct{})
	defer close(f.persister.gate)

	first := f.pipeline.Send("42", "ok")
	second := f.pipeline.Send("42", "ok")

	echo := Message{ConversationID: "42", SenderID: "me", Text: "ok", Timestamp: time.Now().UTC()}
	echo.ID = "s1"
	f.pipeline.Reconcile(echo)

	msgs, err := f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	byLocal := map[string]Message{}
	for _, m := range msgs {
		byLocal[m.LocalID] = m
	}
	assert.Equal(t, "s1", byLocal[first.LocalID].ID)
	assert.Empty(t, byLocal[second.LocalID].ID)

	echo.ID = "s2"
	f.pipeline.Reconcile(echo)
	assert.Equal(t, 0, f.events.count(EventMessageReceived))

	echo.ID = "s3"
	f.pipeline.Reconcile(echo)
	assert.Equal(t, 1, f.events.count(EventMessageReceived), "a third copy has no optimistic entry left")
}

func TestPipeline_ReconcileForeignMessage(t *testing.T) {
	f := newTestPipeline(t, true)

	in := Message{ID: "7", ConversationID: "42", SenderID: "u2", Text: "hey", Timestamp: time.Now().UTC(), DeliveryState: DeliveryPersisted}
	f.pipeline.Reconcile(in)
	f.pipeline.Reconcile(in)

	assert.Equal(t, 1, f.events.count(EventMessageReceived), "a repeated server id is dropped")
	msgs, err := f.store.Messages("42")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Contains(t, metricsBody(t, f.metrics), "chatsync_messages_received_total 1")
}

func TestPipeline_SameTextFromPeerIsNotAnEcho(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.gate = make(chan struct{})
	defer close(f.persister.gate)

	f.pipeline.Send("42", "ok")
	f.pipeline.Reconcile(Message{ID: "p1", ConversationID: "42", SenderID: "u2", Text: "ok", Timestamp: time.Now().UTC()})

	assert.Equal(t, 1, f.events.count(EventMessageReceived))
}

func TestPipeline_MarkRead(t *testing.T) {
	f := newTestPipeline(t, true)

	f.pipeline.MarkRead("42", "m7")
	f.pipeline.Wait()

	frames := f.sender.framesOf(wireRead)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"conversationId":"42","messageId":"m7"}`, string(frames[0].Payload))
	_, ok := f.persister.ReadAt("42", "me")
	assert.True(t, ok)
}

func TestPipeline_LoadHistoryMergesOldestFirst(t *testing.T) {
	f := newTestPipeline(t, true)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mp := f.persister.MemoryPersister
	for i, text := range []string{"one", "two", "three"} {
		mp.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, err := mp.SendMessage(ctx, PersistRequest{ConversationID: "42", SenderID: "u2", Text: text})
		require.NoError(t, err)
	}

	msgs, err := f.pipeline.LoadHistory(ctx, "42")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Text, msgs[1].Text, msgs[2].Text})

	msgs, err = f.pipeline.LoadHistory(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "loading twice does not duplicate")
}

func TestPipeline_CloseCancelsInFlight(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.gate = make(chan struct{})

	f.pipeline.Send("42", "stuck")
	f.pipeline.Close()

	assert.Equal(t, 0, f.events.count(EventMessageFailed), "shutdown is not a delivery failure")
	f.pipeline.Send("42", "after close")
	assert.Equal(t, 1, f.persister.callCount())
}

func TestPipeline_EchoConfirmedMessageNeverFails(t *testing.T) {
	f := newTestPipeline(t, true)
	f.persister.gate = make(chan struct{})
	f.persister.errs = []error{&APIError{StatusCode: 400, Message: "bad request"}}

	msg := f.pipeline.Send("42", "Hello")
	f.pipeline.Reconcile(Message{
		ID:             "srv-9",
		LocalID:        msg.LocalID,
		ConversationID: "42",
		SenderID:       "me",
		Text:           "Hello",
		Timestamp:      time.Now().UTC(),
	})

	msgs, err := f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryPersisted, msgs[0].DeliveryState, "the echo confirms delivery")

	close(f.persister.gate)
	f.pipeline.Wait()

	assert.Equal(t, 0, f.events.count(EventMessageFailed))
	msgs, err = f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-9", msgs[0].ID)
	assert.Equal(t, DeliveryPersisted, msgs[0].DeliveryState)
	assert.NotContains(t, metricsBody(t, f.metrics), "chatsync_persist_failures_total 1")
}

func TestPipeline_SendBeforeHandshakeMatchesConfirmedUser(t *testing.T) {
	f := newTestPipeline(t, false)
	f.sender.userID = ""

	msg := f.pipeline.Send("42", "early")
	assert.Empty(t, msg.SenderID)
	f.pipeline.Wait()

	f.sender.mu.Lock()
	f.sender.userID = "me"
	f.sender.mu.Unlock()

	f.pipeline.Reconcile(Message{ID: "s1", ConversationID: "42", SenderID: "me", Text: "early", Timestamp: time.Now().UTC()})
	assert.Equal(t, 0, f.events.count(EventMessageReceived), "the echo matches the entry composed before the handshake")

	msgs, err := f.store.Messages("42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.LocalID, msgs[0].LocalID)
}
