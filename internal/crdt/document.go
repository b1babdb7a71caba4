// Package crdt implements the replicated rich-text document: a Replicated
// Growable Array of runes with tombstones, plus last-writer-wins formatting
// marks. Replicas that applied the same set of operations render identical
// content regardless of delivery order.
package crdt

import (
	"fmt"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

type element struct {
	id      oplog.OpID
	origin  oplog.OpID
	lamport uint64
	value   rune
	deleted bool
}

// Document is a single replica. It is not safe for concurrent use; the room
// worker that owns it serializes every call.
type Document struct {
	id    string
	elems []*element
	byID  map[oplog.OpID]*element

	// applied holds every integrated sequence number per replica. It may
	// have gaps below the highest one.
	applied map[string]seqSet
	marks   map[markKey]markEntry
	clock   uint64
	version uint64
	pending []oplog.Operation
}

// Delta is the result of applying an operation: every operation that took
// effect, in application order, and the resulting version.
type Delta struct {
	Applied []oplog.Operation
	Version uint64
}

func (d Delta) Empty() bool {
	return len(d.Applied) == 0
}

func NewDocument(id string) *Document {
	return &Document{
		id:      id,
		byID:    make(map[oplog.OpID]*element),
		applied: make(map[string]seqSet),
		marks:   make(map[markKey]markEntry),
	}
}

// SeedReplica authors the initial value of a document created without a snapshot.
const SeedReplica = "seed"

// Seed creates a document whose content is text, written as one insert by SeedReplica.
func Seed(id, text string) *Document {
	doc := NewDocument(id)
	if text == "" {
		return doc
	}
	doc.Apply(oplog.Operation{
		ID:         oplog.OpID{Replica: SeedReplica, Seq: 1},
		DocumentID: id,
		Kind:       oplog.KindInsert,
		Lamport:    1,
		Text:       text,
	})
	return doc
}

func (d *Document) ID() string { return d.id }

// Version counts the operations integrated into this replica.
func (d *Document) Version() uint64 { return d.version }

// Clock is the highest Lamport timestamp observed.
func (d *Document) Clock() uint64 { return d.clock }

// PendingLen is the number of operations parked on missing dependencies.
func (d *Document) PendingLen() int { return len(d.pending) }

// HighWater is the highest sequence number applied from replica.
func (d *Document) HighWater(replica string) uint64 {
	return d.applied[replica].max()
}

// Has reports whether the operation with this id was already applied.
func (d *Document) Has(id oplog.OpID) bool {
	return d.applied[id.Replica].contains(id.Seq)
}

func (d *Document) known(id oplog.OpID) bool {
	if _, ok := d.byID[id]; ok {
		return true
	}
	return d.Has(id)
}

// Missing lists the dependencies of op that this replica has not integrated yet.
func (d *Document) Missing(op oplog.Operation) []oplog.OpID {
	var missing []oplog.OpID
	for _, dep := range op.Dependencies() {
		if !d.known(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// Validate checks op against the current replica. It is the boundary check
// applied before an operation from a client reaches Apply; dependencies are
// assumed present (see Missing).
func (d *Document) Validate(op oplog.Operation) error {
	if err := oplog.Validate(op); err != nil {
		return err
	}
	if op.DocumentID != d.id {
		return syncerr.New(syncerr.ErrMalformedOperation,
			fmt.Sprintf("operation targets document %q, not %q", op.DocumentID, d.id))
	}
	switch op.Kind {
	case oplog.KindInsert:
		if op.Origin.IsZero() {
			return nil
		}
		origin, ok := d.byID[op.Origin]
		if !ok {
			return syncerr.New(syncerr.ErrMalformedOperation, fmt.Sprintf("origin %s is not an element", op.Origin))
		}
		if op.Lamport <= origin.lamport {
			return syncerr.New(syncerr.ErrMalformedOperation,
				fmt.Sprintf("lamport %d does not follow origin %s (%d)", op.Lamport, op.Origin, origin.lamport))
		}
	case oplog.KindDelete:
		for _, target := range op.Targets {
			if _, ok := d.byID[target]; !ok {
				return syncerr.New(syncerr.ErrMalformedOperation, fmt.Sprintf("target %s is not an element", target))
			}
		}
	case oplog.KindFormat:
		start := d.indexOf(op.Span.Start)
		end := d.indexOf(op.Span.End)
		if start < 0 || end < 0 {
			return syncerr.New(syncerr.ErrMalformedOperation, "format span is outside the document")
		}
		if start > end {
			return syncerr.New(syncerr.ErrMalformedOperation, "format span is reversed")
		}
	}
	return nil
}

// Apply integrates a local or remote operation. Already-applied ids are
// no-ops; operations with unknown dependencies are held back and released
// once the dependencies arrive.
func (d *Document) Apply(op oplog.Operation) Delta {
	if d.Has(op.ID) {
		return Delta{Version: d.version}
	}
	if len(d.Missing(op)) > 0 {
		d.park(op)
		return Delta{Version: d.version}
	}

	applied := []oplog.Operation{op}
	d.integrate(op)
	for {
		released := d.releasePending()
		if len(released) == 0 {
			break
		}
		applied = append(applied, released...)
	}
	return Delta{Applied: applied, Version: d.version}
}

func (d *Document) park(op oplog.Operation) {
	for _, p := range d.pending {
		if p.ID == op.ID {
			return
		}
	}
	d.pending = append(d.pending, op)
}

func (d *Document) releasePending() []oplog.Operation {
	var released []oplog.Operation
	kept := d.pending[:0]
	for _, op := range d.pending {
		switch {
		case d.Has(op.ID):
		case len(d.Missing(op)) == 0:
			d.integrate(op)
			released = append(released, op)
		default:
			kept = append(kept, op)
		}
	}
	d.pending = kept
	return released
}

func (d *Document) integrate(op oplog.Operation) {
	d.applied[op.ID.Replica] = d.applied[op.ID.Replica].add(op.ID.Seq, op.LastID().Seq)
	if top := op.Lamport + uint64(op.Width()) - 1; top > d.clock {
		d.clock = top
	}
	d.version++

	switch op.Kind {
	case oplog.KindInsert:
		i := 0
		for _, r := range op.Text {
			id := op.ID.Offset(i)
			origin := op.Origin
			if i > 0 {
				origin = op.ID.Offset(i - 1)
			}
			if _, exists := d.byID[id]; !exists {
				d.insertElement(&element{id: id, origin: origin, lamport: op.Lamport + uint64(i), value: r})
			}
			i++
		}
	case oplog.KindDelete:
		for _, target := range op.Targets {
			if e, ok := d.byID[target]; ok {
				e.deleted = true
			}
		}
	case oplog.KindFormat:
		d.setMark(markKey{start: op.Span.Start, end: op.Span.End, mark: op.Mark}, markEntry{
			value:   op.Value,
			lamport: op.Lamport,
			replica: op.ID.Replica,
			seq:     op.ID.Seq,
		})
	}
}

// insertElement places e after its origin, skipping concurrent siblings that
// take priority over it (and, transitively, their descendants).
func (d *Document) insertElement(e *element) {
	idx := 0
	if !e.origin.IsZero() {
		idx = d.indexOf(e.origin) + 1
	}
	for idx < len(d.elems) && precedes(d.elems[idx], e) {
		idx++
	}
	d.elems = append(d.elems, nil)
	copy(d.elems[idx+1:], d.elems[idx:])
	d.elems[idx] = e
	d.byID[e.id] = e
}

// precedes orders concurrent inserts at the same position: higher Lamport
// first, then the lower replica id.
func precedes(a, b *element) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	if a.id.Replica != b.id.Replica {
		return a.id.Replica < b.id.Replica
	}
	return a.id.Seq > b.id.Seq
}

func (d *Document) indexOf(id oplog.OpID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// visibleIDs returns the ids of live elements in document order.
func (d *Document) visibleIDs() []oplog.OpID {
	ids := make([]oplog.OpID, 0, len(d.elems))
	for _, e := range d.elems {
		if !e.deleted {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Len is the number of visible runes.
func (d *Document) Len() int {
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Text is the visible text without formatting.
func (d *Document) Text() string {
	runes := make([]rune, 0, len(d.elems))
	for _, e := range d.elems {
		if !e.deleted {
			runes = append(runes, e.value)
		}
	}
	return string(runes)
}
