package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is a Store backed by a bbolt file, so timelines survive restarts.
// Each conversation lives in its own bucket.
type BoltStore struct {
	db *bolt.DB
}

type boltRecord struct {
	Seq     uint64  `json:"seq"`
	Message Message `json:"message"`
}

// OpenBoltStore opens (or creates) the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open timeline store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func convBucket(conversationID string) []byte {
	return []byte("conv:" + conversationID)
}

// Record keys: "l:<localId>" for our own messages, "s:<id>" for server
// messages, "q:<seq>" for messages with neither. "i:<id>" entries index a
// server id to the record key when the record is not stored under "s:<id>".
const idIndexPrefix = "i:"

func recordKey(b *bolt.Bucket, msg Message) ([]byte, error) {
	switch {
	case msg.LocalID != "":
		return []byte("l:" + msg.LocalID), nil
	case msg.ID != "":
		return []byte("s:" + msg.ID), nil
	}
	seq, err := b.NextSequence()
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("q:%020d", seq)), nil
}

func indexID(b *bolt.Bucket, id string, key []byte) error {
	if id == "" || string(key) == "s:"+id {
		return nil
	}
	return b.Put([]byte(idIndexPrefix+id), key)
}

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, []byte(idIndexPrefix))
}

func (s *BoltStore) Append(msg Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(convBucket(msg.ConversationID))
		if err != nil {
			return err
		}
		return putRecord(b, msg)
	})
}

func putRecord(b *bolt.Bucket, msg Message) error {
	key, err := recordKey(b, msg)
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return writeRecord(b, key, boltRecord{Seq: seq, Message: msg})
}

func writeRecord(b *bolt.Bucket, key []byte, rec boltRecord) error {
	enc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.Put(key, enc); err != nil {
		return err
	}
	return indexID(b, rec.Message.ID, key)
}

func readRecord(b *bolt.Bucket, key []byte) (boltRecord, bool, error) {
	v := b.Get(key)
	if v == nil {
		return boltRecord{}, false, nil
	}
	var rec boltRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return boltRecord{}, false, err
	}
	return rec, true, nil
}

func (s *BoltStore) UpdateLocal(conversationID, localID string, fn func(*Message)) (Message, bool, error) {
	var (
		out   Message
		found bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(convBucket(conversationID))
		if b == nil {
			return nil
		}
		key := []byte("l:" + localID)
		rec, ok, err := readRecord(b, key)
		if err != nil || !ok {
			return err
		}
		fn(&rec.Message)
		out, found = rec.Message, true
		return writeRecord(b, key, rec)
	})
	return out, found, err
}

func (s *BoltStore) Merge(msgs []Message) (int, error) {
	added := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		added = 0
		for _, m := range msgs {
			if m.ID == "" {
				continue
			}
			b, err := tx.CreateBucketIfNotExists(convBucket(m.ConversationID))
			if err != nil {
				return err
			}
			key, rec, err := findExisting(b, m)
			if err != nil {
				return err
			}
			if key == nil {
				if err := putRecord(b, m); err != nil {
					return err
				}
				added++
				continue
			}
			mergeInto(&rec.Message, m)
			if err := writeRecord(b, key, rec); err != nil {
				return err
			}
		}
		return nil
	})
	return added, err
}

// findExisting looks a message up by local id, then by server id through
// its own key or the id index.
func findExisting(b *bolt.Bucket, m Message) ([]byte, boltRecord, error) {
	keys := make([][]byte, 0, 3)
	if m.LocalID != "" {
		keys = append(keys, []byte("l:"+m.LocalID))
	}
	keys = append(keys, []byte("s:"+m.ID))
	if k := b.Get([]byte(idIndexPrefix + m.ID)); k != nil {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, key := range keys {
		rec, ok, err := readRecord(b, key)
		if err != nil {
			return nil, boltRecord{}, err
		}
		if ok {
			return key, rec, nil
		}
	}
	return nil, boltRecord{}, nil
}

func (s *BoltStore) Messages(conversationID string) ([]Message, error) {
	var entries []*storedEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convBucket(conversationID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			entries = append(entries, &storedEntry{seq: rec.Seq, msg: rec.Message})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sortEntries(entries), nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
