package chatsync

import "time"

// EventName identifies one variant of Event.
type EventName string

// Session lifecycle events are local; the rest mirror wire frames or report
// send-pipeline and typing state changes.
const (
	EventConnectionSuccess EventName = "connection:success"
	EventConnectionLost    EventName = "connection:lost"
	EventConnectionError   EventName = "connection:error"
	EventReconnecting      EventName = "connection:reconnecting"

	EventMessageReceived   EventName = "message:received"
	EventMessageRead       EventName = "message:read"
	EventUserTyping        EventName = "user:typing"
	EventUserOnline        EventName = "user:online"
	EventUserOffline       EventName = "user:offline"
	EventServerError       EventName = "server:error"
	EventMessageOptimistic EventName = "message:optimistic"
	EventMessageUpdated    EventName = "message:updated"
	EventMessageFailed     EventName = "message:failed"
	EventTypingChanged     EventName = "typing:changed"
)

// Event is the closed set of values the Dispatcher delivers. Only types in
// this package implement it.
type Event interface {
	Name() EventName
	isEvent()
}

// ConnectionSuccess fires once per established connection.
type ConnectionSuccess struct {
	UserID string
}

// ConnectionLost fires when an established connection drops. Terminal is
// set once the reconnect budget is spent; only Connect recovers from it.
type ConnectionLost struct {
	Reason   string
	Terminal bool
}

// ConnectionError fires when a connect attempt fails.
type ConnectionError struct {
	Err error
}

// Reconnecting fires before each automatic reconnect attempt.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// MessageReceived carries a message from another participant, or one of
// ours that was not matched to an optimistic entry.
type MessageReceived struct {
	Message Message
}

// MessageRead is a read receipt.
type MessageRead struct {
	ConversationID string
	MessageID      string
	UserID         string
}

// UserTyping is the raw typing frame from a peer.
type UserTyping struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

// UserOnline reports a peer coming online.
type UserOnline struct {
	UserID string
}

// UserOffline reports a peer going offline.
type UserOffline struct {
	UserID string
}

// ServerError is an error frame pushed by the backend.
type ServerError struct {
	Message string
}

// MessageOptimistic is the local echo of an outgoing message.
type MessageOptimistic struct {
	Message Message
}

// MessageUpdated fires when a local entry gains a server id or changes
// delivery state.
type MessageUpdated struct {
	Message Message
}

// MessageFailed fires once the durable store has rejected a message for good.
// The optimistic entry stays in the timeline, marked failed.
type MessageFailed struct {
	Message Message
	Err     error
}

// TypingChanged reports a peer's typing indicator turning on or off.
// Expired is set when the indicator was cleared by the auto-clear timer.
type TypingChanged struct {
	ConversationID string
	UserID         string
	Visible        bool
	Expired        bool
}

func (ConnectionSuccess) Name() EventName { return EventConnectionSuccess }
func (ConnectionLost) Name() EventName    { return EventConnectionLost }
func (ConnectionError) Name() EventName   { return EventConnectionError }
func (Reconnecting) Name() EventName      { return EventReconnecting }
func (MessageReceived) Name() EventName   { return EventMessageReceived }
func (MessageRead) Name() EventName       { return EventMessageRead }
func (UserTyping) Name() EventName        { return EventUserTyping }
func (UserOnline) Name() EventName        { return EventUserOnline }
func (UserOffline) Name() EventName       { return EventUserOffline }
func (ServerError) Name() EventName       { return EventServerError }
func (MessageOptimistic) Name() EventName { return EventMessageOptimistic }
func (MessageUpdated) Name() EventName    { return EventMessageUpdated }
func (MessageFailed) Name() EventName     { return EventMessageFailed }
func (TypingChanged) Name() EventName     { return EventTypingChanged }

func (ConnectionSuccess) isEvent() {}
func (ConnectionLost) isEvent()    {}
func (ConnectionError) isEvent()   {}
func (Reconnecting) isEvent()      {}
func (MessageReceived) isEvent()   {}
func (MessageRead) isEvent()       {}
func (UserTyping) isEvent()        {}
func (UserOnline) isEvent()        {}
func (UserOffline) isEvent()       {}
func (ServerError) isEvent()       {}
func (MessageOptimistic) isEvent() {}
func (MessageUpdated) isEvent()    {}
func (MessageFailed) isEvent()     {}
func (TypingChanged) isEvent()     {}
