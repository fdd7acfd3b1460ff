package chatsync

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDispatcher_EmitInSubscriptionOrder(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	var order []string
	d.On(EventServerError, func(Event) { order = append(order, "a") })
	d.On(EventServerError, func(Event) { order = append(order, "b") })
	d.On(EventServerError, func(Event) { order = append(order, "c") })

	d.Emit(ServerError{Message: "boom"})
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDispatcher_SameHandlerTwiceRunsTwice(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	calls := 0
	h := func(Event) { calls++ }
	d.On(EventUserOnline, h)
	d.On(EventUserOnline, h)

	d.Emit(UserOnline{UserID: "7"})
	assert.Equal(t, 2, calls)
}

func TestDispatcher_NoSubscriberDropsEvent(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	assert.NotPanics(t, func() { d.Emit(UserOffline{UserID: "7"}) })
	assert.Equal(t, 0, d.Count(EventUserOffline))
}

func TestDispatcher_Off(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	var got []string
	first := d.On(EventServerError, func(Event) { got = append(got, "first") })
	d.On(EventServerError, func(Event) { got = append(got, "second") })

	assert.True(t, d.Off(first))
	assert.False(t, d.Off(first), "second Off is a no-op")

	d.Emit(ServerError{})
	assert.Equal(t, []string{"second"}, got)
	assert.Equal(t, 1, d.Count(EventServerError))
}

func TestDispatcher_OffDuringEmit(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	var got []string
	var second Subscription
	d.On(EventServerError, func(Event) {
		got = append(got, "first")
		d.Off(second)
	})
	second = d.On(EventServerError, func(Event) { got = append(got, "second") })

	d.Emit(ServerError{})
	assert.Equal(t, []string{"first", "second"}, got, "emit uses the snapshot taken when it started")

	got = nil
	d.Emit(ServerError{})
	assert.Equal(t, []string{"first"}, got)
}

func TestDispatcher_Reset(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	called := false
	d.On(EventConnectionLost, func(Event) { called = true })
	d.On(EventMessageReceived, func(Event) { called = true })

	d.Reset()
	d.Emit(ConnectionLost{Reason: "x"})
	d.Emit(MessageReceived{})

	assert.False(t, called)
	assert.Equal(t, 0, d.Count(EventConnectionLost))
}

func TestDispatcher_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	called := false
	d.On(EventServerError, func(Event) { panic("handler bug") })
	d.On(EventServerError, func(Event) { called = true })

	assert.NotPanics(t, func() { d.Emit(ServerError{}) })
	assert.True(t, called)
}

func TestSubscribe_Typed(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	var got UserTyping
	sub := Subscribe(d, func(ev UserTyping) { got = ev })
	assert.Equal(t, EventUserTyping, sub.Name())

	d.Emit(UserTyping{ConversationID: "1", UserID: "2", IsTyping: true})
	assert.Equal(t, UserTyping{ConversationID: "1", UserID: "2", IsTyping: true}, got)

	assert.True(t, d.Off(sub))
	d.Emit(UserTyping{ConversationID: "9"})
	assert.Equal(t, "1", got.ConversationID)
}
