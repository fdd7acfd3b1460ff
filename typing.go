package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// timer is a cancellable scheduled callback.
type timer interface {
	Stop() bool
}

// scheduleFunc runs f once after d. time.AfterFunc satisfies it.
type scheduleFunc func(d time.Duration, f func()) timer

func realSchedule(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

type localTyping struct {
	timer timer
	seq   uint64
}

type remoteKey struct {
	conversationID string
	userID         string
}

type remoteTyping struct {
	timer timer
	seq   uint64
}

// Typing debounces the local typing signal and expires remote indicators.
// Every timer is held by handle so leave and disconnect can stop them.
type Typing struct {
	send       func(conversationID string, isTyping bool)
	self       func() string
	dispatcher *Dispatcher
	schedule   scheduleFunc
	debounce   time.Duration
	expiry     time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	local  map[string]*localTyping
	remote map[remoteKey]*remoteTyping
}

func newTyping(cfg *Config, d *Dispatcher, send func(string, bool), self func() string, logger zerolog.Logger) *Typing {
	return &Typing{
		send:       send,
		self:       self,
		dispatcher: d,
		schedule:   realSchedule,
		debounce:   cfg.TypingDebounce,
		expiry:     cfg.TypingExpiry,
		logger:     logger.With().Str("component", "typing").Logger(),
		local:      make(map[string]*localTyping),
		remote:     make(map[remoteKey]*remoteTyping),
	}
}

// InputChanged feeds the composer's current text. Non-empty text starts the
// typing signal if it is not already on and pushes the idle deadline back;
// empty text stops the signal at once.
func (t *Typing) InputChanged(conversationID, text string) {
	if text == "" {
		t.StopTyping(conversationID)
		return
	}

	t.mu.Lock()
	st, active := t.local[conversationID]
	if active {
		st.timer.Stop()
	} else {
		st = &localTyping{}
		t.local[conversationID] = st
	}
	t.seq++
	seq := t.seq
	st.seq = seq
	st.timer = t.schedule(t.debounce, func() { t.localIdle(conversationID, seq) })
	t.mu.Unlock()

	if !active {
		t.send(conversationID, true)
	}
}

// StopTyping ends the local typing signal, if one is on.
func (t *Typing) StopTyping(conversationID string) {
	t.mu.Lock()
	st, active := t.local[conversationID]
	if active {
		st.timer.Stop()
		delete(t.local, conversationID)
	}
	t.mu.Unlock()

	if active {
		t.send(conversationID, false)
	}
}

// Active reports whether the local typing signal is on for the conversation.
func (t *Typing) Active(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[conversationID]
	return ok
}

func (t *Typing) localIdle(conversationID string, seq uint64) {
	t.mu.Lock()
	st, ok := t.local[conversationID]
	if !ok || st.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.send(conversationID, false)
}

// ApplyRemote handles a peer's typing frame. A start shows the indicator and
// arms the auto-clear; a stop clears it immediately.
func (t *Typing) ApplyRemote(conversationID, userID string, isTyping bool) {
	if userID == "" || userID == t.self() {
		return
	}
	key := remoteKey{conversationID: conversationID, userID: userID}

	t.mu.Lock()
	st, visible := t.remote[key]
	if !isTyping {
		if visible {
			st.timer.Stop()
			delete(t.remote, key)
		}
		t.mu.Unlock()
		if visible {
			t.dispatcher.Emit(TypingChanged{ConversationID: conversationID, UserID: userID})
		}
		return
	}

	if visible {
		st.timer.Stop()
	} else {
		st = &remoteTyping{}
		t.remote[key] = st
	}
	t.seq++
	seq := t.seq
	st.seq = seq
	st.timer = t.schedule(t.expiry, func() { t.remoteExpired(key, seq) })
	t.mu.Unlock()

	if !visible {
		t.dispatcher.Emit(TypingChanged{ConversationID: conversationID, UserID: userID, Visible: true})
	}
}

func (t *Typing) remoteExpired(key remoteKey, seq uint64) {
	t.mu.Lock()
	st, ok := t.remote[key]
	if !ok || st.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.remote, key)
	t.mu.Unlock()

	t.logger.Debug().Str("conversation_id", key.conversationID).Str("user_id", key.userID).Msg("typing indicator expired")
	t.dispatcher.Emit(TypingChanged{ConversationID: key.conversationID, UserID: key.userID, Expired: true})
}

// Typers returns the peers currently shown as typing in a conversation.
func (t *Typing) Typers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k := range t.remote {
		if k.conversationID == conversationID {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out
}

// CancelConversation stops every timer scoped to the conversation without
// sending or emitting anything.
func (t *Typing) CancelConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.local[conversationID]; ok {
		st.timer.Stop()
		delete(t.local, conversationID)
	}
	for k, st := range t.remote {
		if k.conversationID == conversationID {
			st.timer.Stop()
			delete(t.remote, k)
		}
	}
}

// CancelAll stops every timer.
func (t *Typing) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.local {
		st.timer.Stop()
	}
	for _, st := range t.remote {
		st.timer.Stop()
	}
	t.local = make(map[string]*localTyping)
	t.remote = make(map[remoteKey]*remoteTyping)
}

// pending returns the number of live timers.
func (t *Typing) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.local) + len(t.remote)
}
