package chatsync

import (
	"sort"
	"sync"
)

// Store holds conversation timelines on the client.
type Store interface {
	// Append adds a message to the end of its conversation.
	Append(msg Message) error
	// UpdateLocal applies fn to the entry with the given local id.
	UpdateLocal(conversationID, localID string, fn func(*Message)) (Message, bool, error)
	// Merge upserts server-confirmed messages by server id (or local id when
	// the server echoes it) and reports how many of them were new.
	Merge(msgs []Message) (int, error)
	// Messages returns a conversation oldest-first.
	Messages(conversationID string) ([]Message, error)
	Close() error
}

type storedEntry struct {
	seq uint64
	msg Message
}

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	seq   uint64
	convs map[string][]*storedEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string][]*storedEntry)}
}

func (s *MemoryStore) Append(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg)
	return nil
}

func (s *MemoryStore) appendLocked(msg Message) {
	s.seq++
	s.convs[msg.ConversationID] = append(s.convs[msg.ConversationID], &storedEntry{seq: s.seq, msg: msg})
}

func (s *MemoryStore) UpdateLocal(conversationID, localID string, fn func(*Message)) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.convs[conversationID] {
		if e.msg.LocalID == localID {
			fn(&e.msg)
			return e.msg, true, nil
		}
	}
	return Message{}, false, nil
}

func (s *MemoryStore) Merge(msgs []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		found := false
		for _, e := range s.convs[m.ConversationID] {
			if e.msg.ID == m.ID || (m.LocalID != "" && e.msg.LocalID == m.LocalID) {
				mergeInto(&e.msg, m)
				found = true
				break
			}
		}
		if !found {
			s.appendLocked(m)
			added++
		}
	}
	return added, nil
}

func (s *MemoryStore) Messages(conversationID string) ([]Message, error) {
	s.mu.RLock()
	entries := append([]*storedEntry(nil), s.convs[conversationID]...)
	s.mu.RUnlock()
	return sortEntries(entries), nil
}

func (s *MemoryStore) Close() error { return nil }

// mergeInto copies server fields over an existing entry, keeping its local id.
func mergeInto(dst *Message, src Message) {
	localID := dst.LocalID
	*dst = src
	if dst.LocalID == "" {
		dst.LocalID = localID
	}
}

func sortEntries(entries []*storedEntry) []Message {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
			return a.msg.Timestamp.Before(b.msg.Timestamp)
		}
		return a.seq < b.seq
	})
	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}
