package chatsync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks where a message is in the send pipeline.
type DeliveryState string

const (
	// DeliveryOptimistic marks a locally echoed message that no durable store
	// has acknowledged yet.
	DeliveryOptimistic DeliveryState = "optimistic"
	// DeliveryPersisted marks a message the backend has stored.
	DeliveryPersisted DeliveryState = "persisted"
	// DeliveryFailed marks a message whose persistence request was given up on.
	DeliveryFailed DeliveryState = "failed"
)

// Message is one entry of a conversation timeline.
type Message struct {
	ID             string        `json:"id,omitempty"`
	LocalID        string        `json:"localId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text"`
	Timestamp      time.Time     `json:"timestamp"`
	DeliveryState  DeliveryState `json:"deliveryState"`
}

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for every real-time frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound frame names.
const (
	wireJoin        = "join:conversation"
	wireLeave       = "leave:conversation"
	wireSend        = "message:send"
	wireTyping      = "message:typing"
	wireRead        = "message:read"
	wireReceived    = "message:received"
	wireUserTyping  = "user:typing"
	wireUserOnline  = "user:online"
	wireUserOffline = "user:offline"
	wireAuth        = "authenticated"
	wireError       = "error"
)

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendPayload struct {
	ConversationID string      `json:"conversationId"`
	Message        sendMessage `json:"message"`
}

type sendMessage struct {
	LocalID   string    `json:"localId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type typingPayload struct {
	ConversationID flexID `json:"conversationId"`
	UserID         flexID `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type readPayload struct {
	ConversationID flexID `json:"conversationId"`
	MessageID      flexID `json:"messageId"`
	UserID         flexID `json:"userId,omitempty"`
}

type receivedPayload struct {
	ConversationID flexID `json:"conversationId"`
	Sender         struct {
		ID flexID `json:"id"`
	} `json:"sender"`
	Message struct {
		ID      flexID `json:"id,omitempty"`
		LocalID string `json:"localId,omitempty"`
		Text    string `json:"text"`
	} `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type presencePayload struct {
	UserID flexID `json:"userId"`
}

type authenticatedPayload struct {
	UserID   flexID `json:"userId"`
	Username string `json:"username"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// flexID accepts identifiers encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// ============================================================================
// Fallback persistence channel
// ============================================================================

// PersistRequest asks the durable store to keep a message.
type PersistRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	LocalID        string `json:"localId,omitempty"`
}

// PersistAck is the durable store's answer to a PersistRequest.
type PersistAck struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// APIResult is the envelope every REST response is wrapped in.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
