package recording

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/boltdb/bolt"
)

// MemoryStore keeps entries in memory; used by tests and diskless members.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(e Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(i int, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.entries) {
		return fmt.Errorf("recording: index %d out of range", i)
	}
	s.entries[i] = e
	return nil
}

func (s *MemoryStore) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...), nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

var entriesBucket = []byte("entries")

// entry layout: type i8, serviceID i32, then five i64 fields.
const entryEncodedLength = 1 + 4 + 5*8

// BoltStore persists entries in a bolt file, keyed by append index.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the recording log at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func encodeEntry(e Entry) []byte {
	b := make([]byte, entryEncodedLength)
	b[0] = byte(e.Type)
	binary.LittleEndian.PutUint32(b[1:], uint32(e.ServiceID))
	binary.LittleEndian.PutUint64(b[5:], uint64(e.RecordingID))
	binary.LittleEndian.PutUint64(b[13:], uint64(e.LeadershipTermID))
	binary.LittleEndian.PutUint64(b[21:], uint64(e.TermBaseLogPosition))
	binary.LittleEndian.PutUint64(b[29:], uint64(e.LogPosition))
	binary.LittleEndian.PutUint64(b[37:], uint64(e.Timestamp))
	return b
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < entryEncodedLength {
		return Entry{}, fmt.Errorf("recording: corrupt entry of %d bytes", len(b))
	}
	return Entry{
		Type:                EntryType(b[0]),
		ServiceID:           int32(binary.LittleEndian.Uint32(b[1:])),
		RecordingID:         int64(binary.LittleEndian.Uint64(b[5:])),
		LeadershipTermID:    int64(binary.LittleEndian.Uint64(b[13:])),
		TermBaseLogPosition: int64(binary.LittleEndian.Uint64(b[21:])),
		LogPosition:         int64(binary.LittleEndian.Uint64(b[29:])),
		Timestamp:           int64(binary.LittleEndian.Uint64(b[37:])),
	}, nil
}

func indexKey(i uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, i)
	return k
}

func (s *BoltStore) Append(e Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(indexKey(seq-1), encodeEntry(e))
	})
}

func (s *BoltStore) Update(i int, e Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		k := indexKey(uint64(i))
		if b.Get(k) == nil {
			return fmt.Errorf("recording: no entry at index %d", i)
		}
		return b.Put(k, encodeEntry(e))
	})
}

func (s *BoltStore) Entries() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

var _ Store = (*BoltStore)(nil)
