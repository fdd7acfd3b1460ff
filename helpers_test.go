package chatsync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeClock is a manual scheduler. Timers fire only from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) schedule(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now + d, seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that comes due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at != due[j].at {
				return due[i].at < due[j].at
			}
			return due[i].seq < due[j].seq
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

// live returns the number of timers that are armed.
func (c *fakeClock) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type sentFrame struct {
	Name    string
	Payload json.RawMessage
}

// fakeSender records frames instead of writing them to a connection.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	userID    string
	frames    []sentFrame
}

func (f *fakeSender) Send(name string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	raw, _ := json.Marshal(payload)
	f.frames = append(f.frames, sentFrame{Name: name, Payload: raw})
	return true
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

func (f *fakeSender) setConnected(on bool) {
	f.mu.Lock()
	f.connected = on
	f.mu.Unlock()
}

func (f *fakeSender) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.Name
	}
	return out
}

func (f *fakeSender) framesOf(name string) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, fr := range f.frames {
		if fr.Name == name {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

// eventLog collects every event of the given names.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(d *Dispatcher, names ...EventName) *eventLog {
	l := &eventLog{}
	for _, n := range names {
		d.On(n, func(ev Event) {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(name EventName) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

func testConfig() *Config {
	cfg := &Config{BaseURL: "http://chat.test"}
	cfg.defaults()
	return cfg
}
