package crdt

import (
	"encoding/json"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
)

// markKey identifies a formatting register: a mark type over an element range.
type markKey struct {
	start oplog.OpID
	end   oplog.OpID
	mark  string
}

type markEntry struct {
	value   json.RawMessage
	lamport uint64
	replica string
	seq     uint64
}

func (e markEntry) removes() bool {
	return len(e.value) == 0 || string(e.value) == "null"
}

// wins orders concurrent writes to the same mark: higher Lamport, then the
// lower replica id, then the later sequence number.
func (e markEntry) wins(other markEntry) bool {
	if e.lamport != other.lamport {
		return e.lamport > other.lamport
	}
	if e.replica != other.replica {
		return e.replica < other.replica
	}
	return e.seq > other.seq
}

func (d *Document) setMark(key markKey, entry markEntry) {
	if current, ok := d.marks[key]; ok && !entry.wins(current) {
		return
	}
	d.marks[key] = entry
}

// paint resolves every mark register onto the element slice. Overlapping
// ranges of the same mark type resolve per element by the same LWW order, so
// the result does not depend on map iteration.
func (d *Document) paint() []map[string]markEntry {
	if len(d.marks) == 0 {
		return nil
	}
	index := make(map[oplog.OpID]int, len(d.elems))
	for i, e := range d.elems {
		index[e.id] = i
	}
	painted := make([]map[string]markEntry, len(d.elems))
	for key, entry := range d.marks {
		start, okStart := index[key.start]
		end, okEnd := index[key.end]
		if !okStart || !okEnd {
			continue
		}
		if start > end {
			start, end = end, start
		}
		for i := start; i <= end; i++ {
			if painted[i] == nil {
				painted[i] = make(map[string]markEntry)
			}
			if current, ok := painted[i][key.mark]; ok && !entry.wins(current) {
				continue
			}
			painted[i][key.mark] = entry
		}
	}
	return painted
}
