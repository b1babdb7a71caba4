package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
)

// SchemaVersion tags the snapshot layout.
const SchemaVersion = 1

// RunState is a chain of elements written by one insert: element i has id
// ID+i, Lamport+i, and follows element i-1 (the first follows Origin).
type RunState struct {
	ID      oplog.OpID `json:"id"`
	Origin  oplog.OpID `json:"origin"`
	Lamport uint64     `json:"lamport"`
	Text    string     `json:"text"`
	Deleted bool       `json:"deleted,omitempty"`
}

type MarkState struct {
	Start   oplog.OpID      `json:"start"`
	End     oplog.OpID      `json:"end"`
	Mark    string          `json:"mark"`
	Value   json.RawMessage `json:"value,omitempty"`
	Lamport uint64          `json:"lamport"`
	Replica string          `json:"replica"`
	Seq     uint64          `json:"seq"`
}

// State is the durable form of a document, tombstones included, so that a
// reloaded replica integrates late operations exactly like a live one.
type State struct {
	Schema  int                   `json:"schema"`
	Version uint64                `json:"version"`
	Clock   uint64                `json:"clock"`
	Applied map[string][]SeqRange `json:"applied"`
	Runs    []RunState            `json:"runs"`
	Marks   []MarkState           `json:"marks,omitempty"`
}

func (d *Document) Snapshot() State {
	st := State{
		Schema:  SchemaVersion,
		Version: d.version,
		Clock:   d.clock,
		Applied: make(map[string][]SeqRange, len(d.applied)),
		Runs:    []RunState{},
	}
	for replica, set := range d.applied {
		st.Applied[replica] = append([]SeqRange(nil), set...)
	}

	var run *RunState
	var prev *element
	for _, e := range d.elems {
		continues := run != nil &&
			e.id == prev.id.Offset(1) &&
			e.origin == prev.id &&
			e.lamport == prev.lamport+1 &&
			e.deleted == run.Deleted
		if continues {
			run.Text += string(e.value)
		} else {
			st.Runs = append(st.Runs, RunState{
				ID:      e.id,
				Origin:  e.origin,
				Lamport: e.lamport,
				Text:    string(e.value),
				Deleted: e.deleted,
			})
			run = &st.Runs[len(st.Runs)-1]
		}
		prev = e
	}

	for key, entry := range d.marks {
		st.Marks = append(st.Marks, MarkState{
			Start:   key.start,
			End:     key.end,
			Mark:    key.mark,
			Value:   entry.value,
			Lamport: entry.lamport,
			Replica: entry.replica,
			Seq:     entry.seq,
		})
	}
	sort.Slice(st.Marks, func(i, j int) bool {
		a, b := st.Marks[i], st.Marks[j]
		if a.Start != b.Start {
			return a.Start.String() < b.Start.String()
		}
		if a.End != b.End {
			return a.End.String() < b.End.String()
		}
		return a.Mark < b.Mark
	})
	return st
}

// LoadSnapshot replaces the replica's content with st. Operations whose ids
// fall inside st.Applied are treated as applied; any other id, including one
// below a replica's highest applied sequence, still integrates.
func (d *Document) LoadSnapshot(st State) error {
	if st.Schema != SchemaVersion {
		return fmt.Errorf("load snapshot: unsupported schema %d", st.Schema)
	}
	elems := make([]*element, 0, len(st.Runs))
	byID := make(map[oplog.OpID]*element, len(st.Runs))
	for _, run := range st.Runs {
		if run.ID.IsZero() || run.Text == "" || !utf8.ValidString(run.Text) {
			return fmt.Errorf("load snapshot: invalid run %s", run.ID)
		}
		i := 0
		for _, r := range run.Text {
			e := &element{
				id:      run.ID.Offset(i),
				origin:  run.Origin,
				lamport: run.Lamport + uint64(i),
				value:   r,
				deleted: run.Deleted,
			}
			if i > 0 {
				e.origin = run.ID.Offset(i - 1)
			}
			if _, dup := byID[e.id]; dup {
				return fmt.Errorf("load snapshot: duplicate element %s", e.id)
			}
			elems = append(elems, e)
			byID[e.id] = e
			i++
		}
	}

	marks := make(map[markKey]markEntry, len(st.Marks))
	for _, m := range st.Marks {
		marks[markKey{start: m.Start, end: m.End, mark: m.Mark}] = markEntry{
			value:   m.Value,
			lamport: m.Lamport,
			replica: m.Replica,
			seq:     m.Seq,
		}
	}

	applied := make(map[string]seqSet, len(st.Applied))
	for replica, ranges := range st.Applied {
		var set seqSet
		for _, r := range ranges {
			if r.From == 0 || r.To < r.From {
				return fmt.Errorf("load snapshot: invalid range %d-%d for replica %q", r.From, r.To, replica)
			}
			set = set.add(r.From, r.To)
		}
		applied[replica] = set
	}

	d.elems = elems
	d.byID = byID
	d.marks = marks
	d.applied = applied
	d.pending = nil
	d.clock = st.Clock
	d.version = st.Version
	return nil
}

// Restore builds a document from a snapshot.
func Restore(id string, st State) (*Document, error) {
	doc := NewDocument(id)
	if err := doc.LoadSnapshot(st); err != nil {
		return nil, err
	}
	return doc, nil
}
