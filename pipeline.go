package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxPendingEchoes bounds the per-conversation list of optimistic entries
// awaiting their fan-out echo. Backends that never echo to the sender would
// otherwise grow it forever; the oldest entry is evicted first.
const maxPendingEchoes = 256

type pendingEcho struct {
	localID  string
	senderID string
	text     string
}

// Pipeline turns outgoing messages into an optimistic local echo, a
// best-effort transport frame and an independent durable persistence
// request, and reconciles inbound messages against the optimistic entries.
type Pipeline struct {
	session    frameSender
	store      Store
	persister  Persister
	dispatcher *Dispatcher
	metrics    *Metrics
	logger     zerolog.Logger
	policy     retryPolicy
	timeout    time.Duration
	now        func() time.Time

	prefix  string
	counter atomic.Uint64

	mu      sync.Mutex
	pending map[string][]pendingEcho
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPipeline(cfg *Config, session frameSender, store Store, persister Persister, d *Dispatcher, m *Metrics, logger zerolog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		session:    session,
		store:      store,
		persister:  persister,
		dispatcher: d,
		metrics:    m,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		policy:     retryPolicy{attempts: cfg.PersistAttempts, delay: cfg.PersistRetryDelay},
		timeout:    cfg.PersistTimeout,
		now:        func() time.Time { return time.Now().UTC() },
		prefix:     uuid.NewString()[:8],
		pending:    make(map[string][]pendingEcho),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// nextLocalID returns an id unique for the life of the process.
func (p *Pipeline) nextLocalID() string {
	return fmt.Sprintf("%s-%d", p.prefix, p.counter.Add(1))
}

// Send echoes the message locally, emits it over the session and requests
// durable persistence. It returns the optimistic entry without waiting for
// either path. A failed persistence request never removes the echo.
// Before the first handshake the sender is empty; the persistence request
// and echo matching fall back to the handshake's user id.
func (p *Pipeline) Send(conversationID, text string) Message {
	msg := Message{
		LocalID:        p.nextLocalID(),
		ConversationID: conversationID,
		SenderID:       p.session.UserID(),
		Text:           text,
		Timestamp:      p.now(),
		DeliveryState:  DeliveryOptimistic,
	}

	if err := p.store.Append(msg); err != nil {
		p.logger.Error().Err(err).Str("local_id", msg.LocalID).Msg("append optimistic message")
	}
	p.trackEcho(msg)
	p.dispatcher.Emit(MessageOptimistic{Message: msg})

	p.session.Send(wireSend, sendPayload{
		ConversationID: conversationID,
		Message:        sendMessage{LocalID: msg.LocalID, Text: text, Timestamp: msg.Timestamp},
	})
	p.persist(msg)
	return msg
}

func (p *Pipeline) trackEcho(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := append(p.pending[msg.ConversationID], pendingEcho{
		localID:  msg.LocalID,
		senderID: msg.SenderID,
		text:     msg.Text,
	})
	if len(q) > maxPendingEchoes {
		q = q[len(q)-maxPendingEchoes:]
	}
	p.pending[msg.ConversationID] = q
}

// matchEcho removes and returns the optimistic entry an inbound message
// confirms. The echoed local id wins; without one, the oldest entry with
// the same sender and text is taken. Entries composed before the first
// handshake have no sender and match the handshake's user id.
func (p *Pipeline) matchEcho(msg Message) (string, bool) {
	self := p.session.UserID()
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.pending[msg.ConversationID]
	for i, e := range q {
		var hit bool
		if msg.LocalID != "" {
			hit = e.localID == msg.LocalID
		} else {
			sender := e.senderID
			if sender == "" {
				sender = self
			}
			hit = sender != "" && sender == msg.SenderID && e.text == msg.Text
		}
		if !hit {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(p.pending, msg.ConversationID)
		} else {
			p.pending[msg.ConversationID] = q
		}
		return e.localID, true
	}
	return "", false
}

// Reconcile handles an inbound message. An echo of one of our optimistic
// entries updates that entry instead of appending a duplicate; a message
// already in the timeline is ignored.
func (p *Pipeline) Reconcile(msg Message) {
	if localID, ok := p.matchEcho(msg); ok {
		p.metrics.MessagesDeduplicated.Inc()
		var changed bool
		updated, found, err := p.store.UpdateLocal(msg.ConversationID, localID, func(m *Message) {
			if m.ID == "" && msg.ID != "" {
				m.ID = msg.ID
				changed = true
			}
			if m.DeliveryState != DeliveryPersisted {
				m.DeliveryState = DeliveryPersisted
				changed = true
			}
		})
		if err != nil {
			p.logger.Error().Err(err).Str("local_id", localID).Msg("update echoed message")
			return
		}
		if found && changed {
			p.dispatcher.Emit(MessageUpdated{Message: updated})
		}
		return
	}

	if msg.ID != "" {
		added, err := p.store.Merge([]Message{msg})
		if err != nil {
			p.logger.Error().Err(err).Str("id", msg.ID).Msg("store inbound message")
		} else if added == 0 {
			p.metrics.MessagesDeduplicated.Inc()
			return
		}
	} else if err := p.store.Append(msg); err != nil {
		p.logger.Error().Err(err).Msg("store inbound message")
	}

	p.metrics.MessagesReceived.Inc()
	p.dispatcher.Emit(MessageReceived{Message: msg})
}

func (p *Pipeline) persist(msg Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		sender := msg.SenderID
		if sender == "" {
			sender = p.session.UserID()
		}
		req := PersistRequest{
			ConversationID: msg.ConversationID,
			SenderID:       sender,
			Text:           msg.Text,
			LocalID:        msg.LocalID,
		}
		var ack *PersistAck
		attempts, err := p.policy.do(p.ctx, func(ctx context.Context) error {
			rctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			a, err := p.persister.SendMessage(rctx, req)
			if err != nil {
				return err
			}
			ack = a
			return nil
		})
		if err != nil {
			if p.ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return
			}
			p.fail(msg, &PersistenceError{
				ConversationID: msg.ConversationID,
				LocalID:        msg.LocalID,
				Attempts:       attempts,
				Err:            err,
			})
			return
		}

		updated, found, err := p.store.UpdateLocal(msg.ConversationID, msg.LocalID, func(m *Message) {
			if m.ID == "" && ack != nil {
				m.ID = ack.ID
			}
			m.DeliveryState = DeliveryPersisted
		})
		if err != nil {
			p.logger.Error().Err(err).Str("local_id", msg.LocalID).Msg("mark message persisted")
			return
		}
		if found {
			p.dispatcher.Emit(MessageUpdated{Message: updated})
		}
	}()
}

// fail marks the entry failed unless the server already confirmed it
// through its fan-out echo.
func (p *Pipeline) fail(msg Message, perr *PersistenceError) {
	var confirmed bool
	updated, found, err := p.store.UpdateLocal(msg.ConversationID, msg.LocalID, func(m *Message) {
		if m.ID != "" || m.DeliveryState == DeliveryPersisted {
			confirmed = true
			return
		}
		m.DeliveryState = DeliveryFailed
	})
	if err != nil {
		p.logger.Error().Err(err).Str("local_id", msg.LocalID).Msg("mark message failed")
		return
	}
	if confirmed {
		p.logger.Debug().Err(perr.Err).
			Str("local_id", msg.LocalID).
			Msg("persist request failed for a message the server already confirmed")
		return
	}

	p.metrics.PersistFailures.Inc()
	p.logger.Warn().Err(perr.Err).
		Str("conversation_id", msg.ConversationID).
		Str("local_id", msg.LocalID).
		Int("attempts", perr.Attempts).
		Msg("message not persisted")
	if found {
		p.dispatcher.Emit(MessageFailed{Message: updated, Err: perr})
	}
}

// SendTyping emits a typing frame. It is never persisted.
func (p *Pipeline) SendTyping(conversationID string, isTyping bool) {
	p.session.Send(wireTyping, typingPayload{ConversationID: flexID(conversationID), IsTyping: isTyping})
}

// MarkRead emits a read receipt and records it through the persister in the
// background. Failures are logged.
func (p *Pipeline) MarkRead(conversationID, messageID string) {
	p.session.Send(wireRead, readPayload{ConversationID: flexID(conversationID), MessageID: flexID(messageID)})

	userID := p.session.UserID()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		_, err := p.policy.do(p.ctx, func(ctx context.Context) error {
			rctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			return p.persister.MarkAsRead(rctx, conversationID, userID)
		})
		if err != nil && p.ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark as read failed")
		}
	}()
}

// LoadHistory merges the durable history into the local timeline and returns
// the timeline oldest-first.
func (p *Pipeline) LoadHistory(ctx context.Context, conversationID string) ([]Message, error) {
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msgs, err := p.persister.GetMessages(rctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
		msgs[i].DeliveryState = DeliveryPersisted
	}
	if _, err := p.store.Merge(msgs); err != nil {
		return nil, fmt.Errorf("merge history: %w", err)
	}
	return p.store.Messages(conversationID)
}

// Forget drops the outstanding echo bookkeeping.
func (p *Pipeline) Forget() {
	p.mu.Lock()
	p.pending = make(map[string][]pendingEcho)
	p.mu.Unlock()
}

// Close cancels in-flight persistence requests and waits for them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

// Wait blocks until in-flight persistence requests have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
