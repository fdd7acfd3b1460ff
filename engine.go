// Package chatsync keeps a client's conversations in sync with a messaging
// backend over one real-time WebSocket session.
//
// An Engine owns the session and the components built on it: the room
// registry, the message send pipeline, the typing coordinator and the
// reconnection controller. Public calls never block on the network;
// outcomes arrive as typed events through the engine's Dispatcher.
//
// Usage:
//
//	engine, _ := chatsync.New(chatsync.Config{BaseURL: "https://chat.example.com"})
//	defer engine.Close()
//
//	sub := chatsync.Subscribe(engine.Events(), func(ev chatsync.MessageReceived) {
//		fmt.Println(ev.Message.Text)
//	})
//	defer engine.Events().Off(sub)
//
//	if err := engine.Connect(ctx, token); err != nil { ... }
//	engine.JoinConversation("42")
//	engine.SendMessage("42", "Hello")
package chatsync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Engine is the real-time conversation synchronization engine. Construct one
// per process and share it by reference.
type Engine struct {
	cfg        Config
	logger     zerolog.Logger
	metrics    *Metrics
	dispatcher *Dispatcher
	session    *Session
	rooms      *Rooms
	pipeline   *Pipeline
	typing     *Typing
	store      Store
	persister  Persister
	presence   *presence

	closeOnce sync.Once
	closed    atomic.Bool
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger      zerolog.Logger
	store       Store
	persister   Persister
	metrics     *Metrics
	dialOptions *websocket.DialOptions
	schedule    scheduleFunc
}

// WithLogger sets the engine's logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithStore replaces the timeline store selected by Config.StorePath.
func WithStore(s Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithPersister replaces the HTTP persistence client.
func WithPersister(p Persister) Option {
	return func(o *engineOptions) { o.persister = p }
}

// WithMetrics shares a metrics set, e.g. to expose it on an existing server.
func WithMetrics(m *Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithDialOptions passes options to the WebSocket dialer.
func WithDialOptions(d *websocket.DialOptions) Option {
	return func(o *engineOptions) { o.dialOptions = d }
}

// New builds an engine. It does not connect.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := engineOptions{logger: zerolog.Nop(), schedule: realSchedule}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if o.store == nil {
		if cfg.StorePath != "" {
			bs, err := OpenBoltStore(cfg.StorePath)
			if err != nil {
				return nil, err
			}
			o.store = bs
		} else {
			o.store = NewMemoryStore()
		}
	}
	if o.persister == nil {
		o.persister = NewHTTPPersister(cfg.BaseURL, WithTimeout(cfg.RequestTimeout))
	}

	e := &Engine{
		cfg:       cfg,
		logger:    o.logger.With().Str("module", "chatsync").Logger(),
		metrics:   o.metrics,
		store:     o.store,
		persister: o.persister,
		presence:  newPresence(),
	}
	e.dispatcher = NewDispatcher(e.logger)
	e.session = newSession(&e.cfg, e.dispatcher, e.metrics, e.logger)
	e.session.dialOptions = o.dialOptions
	e.pipeline = newPipeline(&e.cfg, e.session, e.store, e.persister, e.dispatcher, e.metrics, e.logger)
	e.typing = newTyping(&e.cfg, e.dispatcher, e.pipeline.SendTyping, e.session.UserID, e.logger)
	e.typing.schedule = o.schedule
	e.rooms = newRooms(e.session, e.typing, e.metrics)

	e.session.route = e.route
	e.session.onConnect = e.rooms.Replay
	return e, nil
}

// route receives inbound events on the session's read goroutine, in
// transport order.
func (e *Engine) route(ev Event) {
	switch v := ev.(type) {
	case MessageReceived:
		e.pipeline.Reconcile(v.Message)
	case UserTyping:
		e.dispatcher.Emit(v)
		e.typing.ApplyRemote(v.ConversationID, v.UserID, v.IsTyping)
	case UserOnline:
		e.presence.set(v.UserID, true)
		e.dispatcher.Emit(v)
	case UserOffline:
		e.presence.set(v.UserID, false)
		e.dispatcher.Emit(v)
	default:
		e.dispatcher.Emit(ev)
	}
}

// Events returns the dispatcher listeners subscribe on. Every On must be
// paired with an Off when the listener's owner goes away.
func (e *Engine) Events() *Dispatcher { return e.dispatcher }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Connect opens the session with credential. It fails with ErrAuthentication
// when credential is empty, with ErrClosed after Close, and is a no-op while
// already connected. Rooms
// joined before connecting are joined on the wire once connected.
func (e *Engine) Connect(ctx context.Context, credential string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if credential == "" {
		return ErrAuthentication
	}
	if ts, ok := e.persister.(tokenSetter); ok {
		ts.SetToken(credential)
	}
	return e.session.Connect(ctx, credential)
}

// Disconnect closes the session, forgets every room, stops every typing
// timer and removes every listener. Persistence requests already in flight
// keep running.
func (e *Engine) Disconnect() {
	e.session.Disconnect()
	e.rooms.Clear()
	e.typing.CancelAll()
	e.pipeline.Forget()
	e.presence.clear()
	e.dispatcher.Reset()
}

// Close disconnects, waits for in-flight persistence requests and closes
// the store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.Disconnect()
		e.pipeline.Close()
		err = e.store.Close()
	})
	return err
}

// Connected is the connectivity flag behind a connection banner.
func (e *Engine) Connected() bool { return e.session.Connected() }

// State returns the detailed session state.
func (e *Engine) State() SessionState { return e.session.State() }

// UserID returns the local user id.
func (e *Engine) UserID() string { return e.session.UserID() }

// JoinConversation tracks the room and joins it on the wire when connected.
func (e *Engine) JoinConversation(conversationID string) {
	e.rooms.Join(conversationID)
}

// LeaveConversation leaves the room and cancels its typing timers.
func (e *Engine) LeaveConversation(conversationID string) {
	e.rooms.Leave(conversationID)
}

// Rooms returns the tracked rooms, sorted.
func (e *Engine) Rooms() []string { return e.rooms.List() }

// SendMessage sends text to a conversation and returns the optimistic entry.
// It also ends the local typing signal for the conversation.
func (e *Engine) SendMessage(conversationID, text string) Message {
	e.typing.StopTyping(conversationID)
	return e.pipeline.Send(conversationID, text)
}

// SendTyping emits a raw typing frame, bypassing the debounce.
func (e *Engine) SendTyping(conversationID string, isTyping bool) {
	e.pipeline.SendTyping(conversationID, isTyping)
}

// InputChanged feeds composer text to the typing debounce.
func (e *Engine) InputChanged(conversationID, text string) {
	e.typing.InputChanged(conversationID, text)
}

// TypingUsers returns the peers currently shown as typing.
func (e *Engine) TypingUsers(conversationID string) []string {
	return e.typing.Typers(conversationID)
}

// MarkRead sends a read receipt and records it durably in the background.
func (e *Engine) MarkRead(conversationID, messageID string) {
	e.pipeline.MarkRead(conversationID, messageID)
}

// LoadHistory pulls stored history into the local timeline and returns the
// timeline oldest-first. Unlike the other calls it blocks on the network.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) ([]Message, error) {
	return e.pipeline.LoadHistory(ctx, conversationID)
}

// Messages returns the local timeline oldest-first.
func (e *Engine) Messages(conversationID string) ([]Message, error) {
	return e.store.Messages(conversationID)
}

// Online reports the last presence seen for userID.
func (e *Engine) Online(userID string) bool {
	return e.presence.online(userID)
}

// ============================================================================
// Presence
// ============================================================================

type presence struct {
	mu    sync.RWMutex
	users map[string]bool
}

func newPresence() *presence {
	return &presence{users: make(map[string]bool)}
}

func (p *presence) set(userID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if online {
		p.users[userID] = true
		return
	}
	delete(p.users, userID)
}

func (p *presence) online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.users[userID]
}

func (p *presence) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = make(map[string]bool)
}
