package chatsync

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingSignal struct {
	conversationID string
	isTyping       bool
}

func newTestTyping(t *testing.T) (*Typing, *fakeClock, *[]typingSignal, *eventLog) {
	t.Helper()
	clock := &fakeClock{}
	d := NewDispatcher(zerolog.Nop())
	events := recordEvents(d, EventTypingChanged)
	var sent []typingSignal
	ty := newTyping(testConfig(), d, func(conv string, on bool) {
		sent = append(sent, typingSignal{conv, on})
	}, func() string { return "me" }, zerolog.Nop())
	ty.schedule = clock.schedule
	return ty, clock, &sent, events
}

func TestTyping_DebounceSendsStartOnceAndStopAfterIdle(t *testing.T) {
	ty, clock, sent, _ := newTestTyping(t)

	ty.InputChanged("c1", "h")
	clock.Advance(time.Second)
	ty.InputChanged("c1", "he")
	ty.InputChanged("c1", "hel")
	assert.Equal(t, []typingSignal{{"c1", true}}, *sent, "start is sent once per burst")

	clock.Advance(1900 * time.Millisecond)
	assert.Len(t, *sent, 1, "idle deadline is measured from the last keystroke")

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []typingSignal{{"c1", true}, {"c1", false}}, *sent)
	assert.False(t, ty.Active("c1"))

	ty.InputChanged("c1", "hello")
	assert.Equal(t, typingSignal{"c1", true}, (*sent)[2], "a new burst starts again")
}

func TestTyping_StopBeforeDebounceCancelsTimer(t *testing.T) {
	ty, clock, sent, _ := newTestTyping(t)

	ty.InputChanged("c1", "h")
	clock.Advance(500 * time.Millisecond)
	ty.StopTyping("c1")
	assert.Equal(t, []typingSignal{{"c1", true}, {"c1", false}}, *sent)

	clock.Advance(5 * time.Second)
	assert.Len(t, *sent, 2, "the cancelled idle timer must not fire")
	assert.Equal(t, 0, clock.live())
}

func TestTyping_EmptyTextStops(t *testing.T) {
	ty, _, sent, _ := newTestTyping(t)

	ty.InputChanged("c1", "h")
	ty.InputChanged("c1", "")
	assert.Equal(t, []typingSignal{{"c1", true}, {"c1", false}}, *sent)

	ty.InputChanged("c1", "")
	ty.StopTyping("c1")
	assert.Len(t, *sent, 2, "stopping an idle composer sends nothing")
}

func TestTyping_ConversationsAreIndependent(t *testing.T) {
	ty, clock, sent, _ := newTestTyping(t)

	ty.InputChanged("c1", "a")
	clock.Advance(time.Second)
	ty.InputChanged("c2", "b")
	clock.Advance(time.Second)

	assert.Equal(t, []typingSignal{{"c1", true}, {"c2", true}, {"c1", false}}, *sent)
	assert.True(t, ty.Active("c2"))
}

func TestTyping_RemoteIndicatorExpires(t *testing.T) {
	ty, clock, _, events := newTestTyping(t)

	ty.ApplyRemote("c1", "u2", true)
	assert.Equal(t, []string{"u2"}, ty.Typers("c1"))

	clock.Advance(2999 * time.Millisecond)
	assert.Equal(t, []string{"u2"}, ty.Typers("c1"))

	clock.Advance(time.Millisecond)
	assert.Empty(t, ty.Typers("c1"))

	got := events.all()
	require.Len(t, got, 2)
	assert.Equal(t, TypingChanged{ConversationID: "c1", UserID: "u2", Visible: true}, got[0])
	assert.Equal(t, TypingChanged{ConversationID: "c1", UserID: "u2", Expired: true}, got[1])
}

func TestTyping_RemoteRefreshPushesExpiryBack(t *testing.T) {
	ty, clock, _, events := newTestTyping(t)

	ty.ApplyRemote("c1", "u2", true)
	clock.Advance(2 * time.Second)
	ty.ApplyRemote("c1", "u2", true)
	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"u2"}, ty.Typers("c1"))
	assert.Equal(t, 1, events.count(EventTypingChanged), "a refresh does not re-announce")

	clock.Advance(time.Second)
	assert.Empty(t, ty.Typers("c1"))
}

func TestTyping_RemoteStopClearsAndCancels(t *testing.T) {
	ty, clock, _, events := newTestTyping(t)

	ty.ApplyRemote("c1", "u2", true)
	ty.ApplyRemote("c1", "u2", false)
	assert.Empty(t, ty.Typers("c1"))
	assert.Equal(t, 0, clock.live())

	clock.Advance(5 * time.Second)
	got := events.all()
	require.Len(t, got, 2)
	assert.Equal(t, TypingChanged{ConversationID: "c1", UserID: "u2"}, got[1])

	ty.ApplyRemote("c1", "u3", false)
	assert.Len(t, events.all(), 2, "stop for a hidden indicator emits nothing")
}

func TestTyping_IgnoresSelf(t *testing.T) {
	ty, clock, _, events := newTestTyping(t)

	ty.ApplyRemote("c1", "me", true)
	ty.ApplyRemote("c1", "", true)
	assert.Empty(t, ty.Typers("c1"))
	assert.Empty(t, events.all())
	assert.Equal(t, 0, clock.live())
}

func TestTyping_CancelConversation(t *testing.T) {
	ty, clock, sent, events := newTestTyping(t)

	ty.InputChanged("c1", "h")
	ty.ApplyRemote("c1", "u2", true)
	ty.ApplyRemote("c2", "u3", true)
	require.Equal(t, 3, ty.pending())

	ty.CancelConversation("c1")
	assert.Equal(t, 1, ty.pending())
	assert.Equal(t, 1, clock.live())

	clock.Advance(10 * time.Second)
	assert.Equal(t, []typingSignal{{"c1", true}}, *sent, "cancelled timers send nothing")
	assert.Equal(t, 3, events.count(EventTypingChanged), "two shows and one expiry for c2")
}

func TestTyping_CancelAll(t *testing.T) {
	ty, clock, _, _ := newTestTyping(t)

	ty.InputChanged("c1", "h")
	ty.InputChanged("c2", "h")
	ty.ApplyRemote("c3", "u2", true)

	ty.CancelAll()
	assert.Equal(t, 0, ty.pending())
	assert.Equal(t, 0, clock.live())
}
