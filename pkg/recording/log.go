// Package recording maintains the consensus module's recording log: an
// append-only index of leadership-term boundaries and snapshot markers from
// which recovery plans are derived. Entries are persisted through a Store;
// BoltStore keeps them in a bolt file under the data dir, MemoryStore backs
// tests.
package recording

import (
	"fmt"
)

// EntryType tags a recording-log entry.
type EntryType int8

const (
	EntryTerm EntryType = iota
	EntrySnapshot
)

// NullPosition marks an unset position in an entry.
const NullPosition int64 = -1

// Entry is one recording-log record. Term entries mark where a leadership
// term starts in the log recording; snapshot entries mark a snapshot taken
// by one service (or the consensus module itself, ServiceID -1) at a log
// position.
type Entry struct {
	Type                EntryType
	RecordingID         int64
	LeadershipTermID    int64
	TermBaseLogPosition int64
	LogPosition         int64
	Timestamp           int64
	ServiceID           int32
}

// Store persists recording-log entries in append order.
type Store interface {
	Append(e Entry) error
	// Update rewrites the entry at index i (used to close a term's
	// log position when it is superseded).
	Update(i int, e Entry) error
	Entries() ([]Entry, error)
	Close() error
}

// Log is the in-agent view over a Store.
type Log struct {
	store   Store
	entries []Entry
}

// Load reads all entries from the store and validates the term sequence.
func Load(store Store) (*Log, error) {
	entries, err := store.Entries()
	if err != nil {
		return nil, err
	}
	lastTerm := int64(-1)
	for _, e := range entries {
		if e.Type == EntryTerm {
			if e.LeadershipTermID <= lastTerm {
				return nil, fmt.Errorf("recording: term entries not strictly increasing: %d after %d", e.LeadershipTermID, lastTerm)
			}
			lastTerm = e.LeadershipTermID
		}
	}
	return &Log{store: store, entries: entries}, nil
}

// Entries returns the current view. The slice must not be mutated.
func (l *Log) Entries() []Entry { return l.entries }

// AppendTerm records the start of a leadership term.
func (l *Log) AppendTerm(recordingID, leadershipTermID, termBaseLogPosition, timestamp int64) error {
	if last, ok := l.lastTerm(); ok && leadershipTermID <= last.LeadershipTermID {
		return fmt.Errorf("recording: term %d not greater than %d", leadershipTermID, last.LeadershipTermID)
	}
	e := Entry{
		Type:                EntryTerm,
		RecordingID:         recordingID,
		LeadershipTermID:    leadershipTermID,
		TermBaseLogPosition: termBaseLogPosition,
		LogPosition:         NullPosition,
		Timestamp:           timestamp,
		ServiceID:           0,
	}
	if err := l.store.Append(e); err != nil {
		return err
	}
	l.entries = append(l.entries, e)
	return nil
}

// AppendSnapshot records a snapshot for one service at a log position.
func (l *Log) AppendSnapshot(recordingID, leadershipTermID, termBaseLogPosition, logPosition, timestamp int64, serviceID int32) error {
	e := Entry{
		Type:                EntrySnapshot,
		RecordingID:         recordingID,
		LeadershipTermID:    leadershipTermID,
		TermBaseLogPosition: termBaseLogPosition,
		LogPosition:         logPosition,
		Timestamp:           timestamp,
		ServiceID:           serviceID,
	}
	if err := l.store.Append(e); err != nil {
		return err
	}
	l.entries = append(l.entries, e)
	return nil
}

// CommitTermLogPosition closes a term entry with the position at which it
// was superseded.
func (l *Log) CommitTermLogPosition(leadershipTermID, logPosition int64) error {
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Type == EntryTerm && e.LeadershipTermID == leadershipTermID {
			e.LogPosition = logPosition
			if err := l.store.Update(i, e); err != nil {
				return err
			}
			l.entries[i] = e
			return nil
		}
	}
	return fmt.Errorf("recording: no term entry for %d", leadershipTermID)
}

func (l *Log) lastTerm() (Entry, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Type == EntryTerm {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// LastLeadershipTermID returns the highest recorded term, or -1.
func (l *Log) LastLeadershipTermID() int64 {
	if e, ok := l.lastTerm(); ok {
		return e.LeadershipTermID
	}
	return -1
}
