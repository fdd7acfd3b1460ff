package chatsync

import (
	"sort"
	"sync"
)

// frameSender is the slice of Session the other components depend on.
type frameSender interface {
	Send(name string, payload any) bool
	Connected() bool
	UserID() string
}

// Rooms tracks the conversations this client has joined. Membership is a
// local record used to replay joins after a reconnect; the backend decides
// what actually fans out to this client.
type Rooms struct {
	session frameSender
	typing  *Typing
	metrics *Metrics

	mu      sync.Mutex
	members map[string]struct{}
}

func newRooms(session frameSender, typing *Typing, m *Metrics) *Rooms {
	return &Rooms{
		session: session,
		typing:  typing,
		metrics: m,
		members: make(map[string]struct{}),
	}
}

// Join records membership and sends a join frame when connected. Joining a
// room twice is a no-op.
func (r *Rooms) Join(conversationID string) {
	r.mu.Lock()
	if _, ok := r.members[conversationID]; ok {
		r.mu.Unlock()
		return
	}
	r.members[conversationID] = struct{}{}
	r.metrics.RoomsJoined.Set(float64(len(r.members)))
	r.mu.Unlock()

	if r.session.Connected() {
		r.session.Send(wireJoin, roomPayload{ConversationID: conversationID})
	}
}

// Leave sends a leave frame, forgets the room and cancels its typing timers.
func (r *Rooms) Leave(conversationID string) {
	r.mu.Lock()
	_, ok := r.members[conversationID]
	delete(r.members, conversationID)
	r.metrics.RoomsJoined.Set(float64(len(r.members)))
	r.mu.Unlock()

	r.typing.CancelConversation(conversationID)
	if ok {
		r.session.Send(wireLeave, roomPayload{ConversationID: conversationID})
	}
}

// Has reports whether the room is tracked.
func (r *Rooms) Has(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[conversationID]
	return ok
}

// List returns the tracked rooms, sorted.
func (r *Rooms) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Replay re-sends a join frame for every tracked room.
func (r *Rooms) Replay() {
	for _, id := range r.List() {
		r.session.Send(wireJoin, roomPayload{ConversationID: id})
	}
}

// Clear forgets every room without sending leave frames.
func (r *Rooms) Clear() {
	r.mu.Lock()
	r.members = make(map[string]struct{})
	r.metrics.RoomsJoined.Set(0)
	r.mu.Unlock()
}
