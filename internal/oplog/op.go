// Package oplog defines the edit operation exchanged between replicas,
// its versioned wire encoding, and the per-room operation log.
package oplog

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindFormat Kind = "format"
	KindRetain Kind = "retain"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindFormat, KindRetain:
		return true
	}
	return false
}

// OpID identifies an operation, and for inserts the first inserted element.
// An insert of n runes owns ids Seq..Seq+n-1 of its replica.
type OpID struct {
	Replica string `json:"r"`
	Seq     uint64 `json:"s"`
}

func (id OpID) IsZero() bool {
	return id.Replica == "" && id.Seq == 0
}

func (id OpID) String() string {
	return fmt.Sprintf("%s:%d", id.Replica, id.Seq)
}

// Offset returns the id of the i-th element of a multi-rune insert.
func (id OpID) Offset(i int) OpID {
	return OpID{Replica: id.Replica, Seq: id.Seq + uint64(i)}
}

// Span is an inclusive range of element ids.
type Span struct {
	Start OpID `json:"start"`
	End   OpID `json:"end"`
}

type Operation struct {
	ID          OpID            `json:"id"`
	DocumentID  string          `json:"doc"`
	Kind        Kind            `json:"kind"`
	Lamport     uint64          `json:"lamport"`
	Origin      OpID            `json:"origin"`
	Text        string          `json:"text,omitempty"`
	Targets     []OpID          `json:"targets,omitempty"`
	Span        *Span           `json:"span,omitempty"`
	Mark        string          `json:"mark,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Deps        []OpID          `json:"deps,omitempty"`
	BaseVersion uint64          `json:"base,omitempty"`
}

// Width is the number of replica sequence numbers the operation consumes.
func (op Operation) Width() int {
	if op.Kind == KindInsert {
		if n := utf8.RuneCountInString(op.Text); n > 0 {
			return n
		}
	}
	return 1
}

// LastID is the highest sequence number owned by the operation.
func (op Operation) LastID() OpID {
	return op.ID.Offset(op.Width() - 1)
}

// Dependencies lists every element or operation that must be known before op
// can be integrated: structural references first, then explicit deps.
func (op Operation) Dependencies() []OpID {
	var deps []OpID
	switch op.Kind {
	case KindInsert:
		if !op.Origin.IsZero() {
			deps = append(deps, op.Origin)
		}
	case KindDelete:
		deps = append(deps, op.Targets...)
	case KindFormat:
		if op.Span != nil {
			deps = append(deps, op.Span.Start)
			if op.Span.End != op.Span.Start {
				deps = append(deps, op.Span.End)
			}
		}
	}
	return append(deps, op.Deps...)
}

// Removes reports whether a format operation clears its mark.
func (op Operation) Removes() bool {
	return len(op.Value) == 0 || string(op.Value) == "null"
}
