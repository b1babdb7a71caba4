package oplog

import (
	"fmt"
	"time"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

type Entry struct {
	Version   uint64
	Op        Operation
	AppliedAt time.Time
}

// Log holds the operations accepted since the last compaction point, keyed by
// the room version each one produced. It is owned by a single room worker and
// is not safe for concurrent use.
type Log struct {
	floor   uint64
	entries []Entry
}

// NewLog starts an empty log whose history begins after version base,
// typically the version of the snapshot the room was loaded from.
func NewLog(base uint64) *Log {
	return &Log{floor: base}
}

// Floor is the newest version whose entry is no longer retained.
func (l *Log) Floor() uint64 {
	return l.floor
}

// Last is the newest version in the log, or Floor when the log is empty.
func (l *Log) Last() uint64 {
	if len(l.entries) == 0 {
		return l.floor
	}
	return l.entries[len(l.entries)-1].Version
}

func (l *Log) Len() int {
	return len(l.entries)
}

func (l *Log) Append(version uint64, op Operation) error {
	if want := l.Last() + 1; version != want {
		return fmt.Errorf("append version %d: expected %d", version, want)
	}
	l.entries = append(l.entries, Entry{Version: version, Op: op, AppliedAt: time.Now()})
	return nil
}

// EntriesSince returns every entry newer than version, oldest first. A version
// older than the compaction floor cannot be served and yields STALE_SUBMIT.
func (l *Log) EntriesSince(version uint64) ([]Entry, error) {
	if version < l.floor {
		return nil, syncerr.New(syncerr.ErrStaleSubmit,
			fmt.Sprintf("version %d was compacted (floor %d)", version, l.floor))
	}
	if version > l.Last() {
		return nil, syncerr.New(syncerr.ErrStaleSubmit,
			fmt.Sprintf("version %d is ahead of the room (last %d)", version, l.Last()))
	}
	start := int(version - l.floor)
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out, nil
}

// Compact discards entries up to upto, but never past minAcked: entries not
// yet acknowledged by every connected or resumable replica are kept. It
// returns the new floor.
func (l *Log) Compact(upto, minAcked uint64) uint64 {
	target := upto
	if minAcked < target {
		target = minAcked
	}
	if last := l.Last(); target > last {
		target = last
	}
	if target <= l.floor {
		return l.floor
	}
	drop := int(target - l.floor)
	kept := make([]Entry, len(l.entries)-drop)
	copy(kept, l.entries[drop:])
	l.entries = kept
	l.floor = target
	return l.floor
}
