package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
)

var ErrOutOfRange = errors.New("position outside the document")

// Replica authors operations against a local document, translating editor
// offsets into element ids. Every authored operation is applied locally
// before it is returned.
type Replica struct {
	id  string
	seq uint64
	doc *Document
}

func NewReplica(id string, doc *Document) *Replica {
	return &Replica{id: id, seq: doc.HighWater(id), doc: doc}
}

func (r *Replica) ID() string          { return r.id }
func (r *Replica) Document() *Document { return r.doc }

func (r *Replica) next(width int) oplog.OpID {
	id := oplog.OpID{Replica: r.id, Seq: r.seq + 1}
	r.seq += uint64(width)
	return id
}

func (r *Replica) stamp(op oplog.Operation) oplog.Operation {
	op.DocumentID = r.doc.ID()
	op.Lamport = r.doc.Clock() + 1
	op.BaseVersion = r.doc.Version()
	return op
}

// Insert places text before the rune at pos (pos == Len appends).
func (r *Replica) Insert(pos int, text string) (oplog.Operation, error) {
	ids := r.doc.visibleIDs()
	if pos < 0 || pos > len(ids) {
		return oplog.Operation{}, fmt.Errorf("insert at %d of %d: %w", pos, len(ids), ErrOutOfRange)
	}
	op := r.stamp(oplog.Operation{Kind: oplog.KindInsert, Text: text})
	if pos > 0 {
		op.Origin = ids[pos-1]
	}
	op.ID = r.next(op.Width())
	return r.commit(op)
}

// Delete removes n runes starting at pos.
func (r *Replica) Delete(pos, n int) (oplog.Operation, error) {
	ids := r.doc.visibleIDs()
	if pos < 0 || n <= 0 || pos+n > len(ids) {
		return oplog.Operation{}, fmt.Errorf("delete %d at %d of %d: %w", n, pos, len(ids), ErrOutOfRange)
	}
	op := r.stamp(oplog.Operation{Kind: oplog.KindDelete})
	op.Targets = append([]oplog.OpID(nil), ids[pos:pos+n]...)
	op.ID = r.next(1)
	return r.commit(op)
}

// Format sets mark over n runes starting at pos. A nil or JSON null value
// removes the mark.
func (r *Replica) Format(pos, n int, mark string, value json.RawMessage) (oplog.Operation, error) {
	ids := r.doc.visibleIDs()
	if pos < 0 || n <= 0 || pos+n > len(ids) {
		return oplog.Operation{}, fmt.Errorf("format %d at %d of %d: %w", n, pos, len(ids), ErrOutOfRange)
	}
	value, err := oplog.CompactValue(value)
	if err != nil {
		return oplog.Operation{}, err
	}
	op := r.stamp(oplog.Operation{Kind: oplog.KindFormat, Mark: mark, Value: value})
	op.Span = &oplog.Span{Start: ids[pos], End: ids[pos+n-1]}
	op.ID = r.next(1)
	return r.commit(op)
}

// Retain authors a content-free operation.
func (r *Replica) Retain() (oplog.Operation, error) {
	op := r.stamp(oplog.Operation{Kind: oplog.KindRetain})
	op.ID = r.next(1)
	return r.commit(op)
}

func (r *Replica) commit(op oplog.Operation) (oplog.Operation, error) {
	if err := r.doc.Validate(op); err != nil {
		r.seq -= uint64(op.Width())
		return oplog.Operation{}, err
	}
	r.doc.Apply(op)
	return op, nil
}

// Apply integrates a remote operation.
func (r *Replica) Apply(op oplog.Operation) Delta {
	return r.doc.Apply(op)
}
