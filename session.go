package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// SessionState represents the connection state.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
)

var errSessionClosed = errors.New("session closed during connect")

// Session owns the single physical real-time connection. It is created once
// per Engine and shared by reference with the room registry, the send
// pipeline and the typing coordinator.
type Session struct {
	cfg         *Config
	dispatcher  *Dispatcher
	metrics     *Metrics
	logger      zerolog.Logger
	dialOptions *websocket.DialOptions

	// route receives decoded inbound events in transport order. It defaults
	// to dispatcher.Emit; the Engine installs its own router.
	route func(Event)
	// onConnect runs after every ConnectionSuccess, including reconnects.
	onConnect func()

	mu               sync.Mutex
	state            SessionState
	conn             *websocket.Conn
	sendCh           chan []byte
	cancelFn         context.CancelFunc
	gen              uint64
	epoch            uint64
	credential       string
	userID           string
	intentionalClose bool
	stopReconnect    context.CancelFunc

	recon *reconnector
}

func newSession(cfg *Config, d *Dispatcher, m *Metrics, logger zerolog.Logger) *Session {
	s := &Session{
		cfg:        cfg,
		dispatcher: d,
		metrics:    m,
		logger:     logger.With().Str("component", "session").Logger(),
		state:      StateDisconnected,
		userID:     cfg.UserID,
		recon:      newReconnector(cfg),
	}
	s.route = d.Emit
	return s
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// UserID returns the local user id, as confirmed by the last handshake.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Connect dials the backend and performs the handshake. It returns
// ErrAuthentication without dialing when credential is empty. Calling it
// while connected, connecting or reconnecting is a no-op; the credential is
// still remembered for the next attempt.
func (s *Session) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrAuthentication
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected, StateConnecting, StateReconnecting:
		s.credential = credential
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.credential = credential
	s.intentionalClose = false
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	if err := s.establish(ctx, epoch); err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("connect failed")
		s.dispatcher.Emit(ConnectionError{Err: err})
		return err
	}
	return nil
}

// Disconnect closes the connection and stops any pending reconnect. No
// ConnectionLost event is emitted for an intentional disconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.intentionalClose = true
	s.epoch++
	if s.stopReconnect != nil {
		s.stopReconnect()
		s.stopReconnect = nil
	}
	conn, cancel := s.releaseLocked()
	s.state = StateDisconnected
	s.mu.Unlock()

	s.metrics.setConnected(false)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
}

// Send queues a frame for the connection. It never blocks: when the session
// is not connected, or the write queue is full, the frame is dropped and
// Send reports false. Nothing is buffered across connections.
func (s *Session) Send(name string, payload any) bool {
	data, err := encodeFrame(name, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", name).Msg("encode frame")
		return false
	}

	s.mu.Lock()
	ch := s.sendCh
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || ch == nil {
		s.metrics.FramesDropped.WithLabelValues(name, dropNotConnected).Inc()
		s.logger.Debug().Err(ErrNotConnected).Str("type", name).Msg("dropping frame")
		return false
	}

	select {
	case ch <- data:
		s.metrics.FramesSent.WithLabelValues(name).Inc()
		return true
	default:
		s.metrics.FramesDropped.WithLabelValues(name, dropQueueFull).Inc()
		s.logger.Warn().Str("type", name).Msg("write queue full, dropping frame")
		return false
	}
}

func (s *Session) wsURL(credential string) string {
	base := strings.Replace(s.cfg.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return strings.TrimRight(base, "/") + s.cfg.WSPath + "?token=" + url.QueryEscape(credential)
}

// establish dials, waits for the "authenticated" frame and starts the
// connection goroutines. The attempt is abandoned if ctx is done or the
// session moved on to another epoch (Disconnect or a later Connect) while
// it was dialing.
func (s *Session) establish(ctx context.Context, epoch uint64) error {
	s.mu.Lock()
	credential := s.credential
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, s.wsURL(credential), s.dialOptions)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return &TransportError{Op: "handshake", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return &TransportError{Op: "handshake", Err: fmt.Errorf("decode: %w", err)}
	}
	switch env.Type {
	case wireAuth:
	case wireError:
		var p errorPayload
		_ = json.Unmarshal(env.Payload, &p)
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return &AuthenticationError{Message: p.Message}
	default:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return &TransportError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", wireAuth, env.Type)}
	}

	var auth authenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancelConn := context.WithCancel(context.Background())
	sendCh := make(chan []byte, s.cfg.SendQueueSize)

	s.mu.Lock()
	if s.intentionalClose || epoch != s.epoch || ctx.Err() != nil {
		s.mu.Unlock()
		cancelConn()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		cause := errSessionClosed
		if err := ctx.Err(); err != nil {
			cause = err
		}
		return &TransportError{Op: "dial", Err: cause}
	}
	oldConn, oldCancel := s.releaseLocked()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.sendCh = sendCh
	s.cancelFn = cancelConn
	s.state = StateConnected
	s.stopReconnect = nil
	if auth.UserID != "" {
		s.userID = string(auth.UserID)
	}
	userID := s.userID
	s.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close(websocket.StatusNormalClosure, "replaced")
	}
	if oldCancel != nil {
		oldCancel()
	}

	s.metrics.setConnected(true)
	go s.writeLoop(connCtx, conn, sendCh)
	go s.heartbeatLoop(connCtx, conn)

	s.logger.Info().Str("user_id", userID).Msg("connected")
	s.dispatcher.Emit(ConnectionSuccess{UserID: userID})
	if s.onConnect != nil {
		s.onConnect()
	}

	go s.readLoop(connCtx, conn, gen)
	return nil
}

// releaseLocked detaches the live connection. The caller closes the
// returned conn and then calls cancel.
func (s *Session) releaseLocked() (*websocket.Conn, context.CancelFunc) {
	conn, cancel := s.conn, s.cancelFn
	s.conn = nil
	s.sendCh = nil
	s.cancelFn = nil
	return conn, cancel
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleDrop(gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug().Err(err).Msg("discarding undecodable frame")
			continue
		}
		ev, ok := s.decodeInbound(env)
		if !ok {
			continue
		}
		s.route(ev)
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ch:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("write failed")
					_ = conn.Close(websocket.StatusInternalError, "write failed")
				}
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed")
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop runs on the read goroutine of connection gen when it fails.
func (s *Session) handleDrop(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.intentionalClose || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	_, cancel := s.releaseLocked()
	s.state = StateDisconnected

	epoch := s.epoch
	var rctx context.Context
	var stop context.CancelFunc
	reconnect := !s.cfg.DisableReconnect && s.cfg.MaxReconnectAttempts > 0
	if reconnect {
		rctx, stop = context.WithCancel(context.Background())
		s.stopReconnect = stop
		s.state = StateReconnecting
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	reason := dropReason(err)
	s.metrics.setConnected(false)
	s.logger.Warn().Str("reason", reason).Msg("connection lost")
	s.dispatcher.Emit(ConnectionLost{Reason: reason})

	if reconnect {
		s.reconnectLoop(rctx, epoch)
		stop()
	}
}

func dropReason(err error) string {
	if status := websocket.CloseStatus(err); status != -1 {
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Reason != "" {
			return fmt.Sprintf("closed (%d): %s", status, ce.Reason)
		}
		return fmt.Sprintf("closed (%d)", status)
	}
	return err.Error()
}

func encodeFrame(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: name, Payload: raw})
}

// decodeInbound maps one wire frame onto its dispatcher event.
func (s *Session) decodeInbound(env Envelope) (Event, bool) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case wireReceived:
		var p receivedPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ts := p.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			ev = MessageReceived{Message: Message{
				ID:             string(p.Message.ID),
				LocalID:        p.Message.LocalID,
				ConversationID: string(p.ConversationID),
				SenderID:       string(p.Sender.ID),
				Text:           p.Message.Text,
				Timestamp:      ts,
				DeliveryState:  DeliveryPersisted,
			}}
		}
	case wireUserTyping:
		var p typingPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev = UserTyping{ConversationID: string(p.ConversationID), UserID: string(p.UserID), IsTyping: p.IsTyping}
		}
	case wireRead:
		var p readPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev = MessageRead{ConversationID: string(p.ConversationID), MessageID: string(p.MessageID), UserID: string(p.UserID)}
		}
	case wireUserOnline, wireUserOffline:
		var p presencePayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			if env.Type == wireUserOnline {
				ev = UserOnline{UserID: string(p.UserID)}
			} else {
				ev = UserOffline{UserID: string(p.UserID)}
			}
		}
	case wireError:
		var p errorPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev = ServerError{Message: p.Message}
		}
	default:
		s.logger.Debug().Str("type", env.Type).Msg("ignoring unknown frame")
		return nil, false
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("type", env.Type).Msg("discarding malformed frame")
		return nil, false
	}
	return ev, true
}
