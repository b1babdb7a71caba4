package oplog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

// FormatV1 is the only encoding understood by this build. The tag is the
// first member of every encoded operation.
const FormatV1 = 1

type wireOp struct {
	V           int             `json:"v"`
	ID          OpID            `json:"id"`
	DocumentID  string          `json:"doc"`
	Kind        Kind            `json:"kind"`
	Lamport     uint64          `json:"lamport,omitempty"`
	Origin      *OpID           `json:"origin,omitempty"`
	Text        string          `json:"text,omitempty"`
	Targets     []OpID          `json:"targets,omitempty"`
	Span        *Span           `json:"span,omitempty"`
	Mark        string          `json:"mark,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Deps        []OpID          `json:"deps,omitempty"`
	BaseVersion uint64          `json:"base,omitempty"`
}

// Encode serializes a valid operation. Decode(Encode(op)) equals op for
// every op that passes Validate.
func Encode(op Operation) ([]byte, error) {
	if err := Validate(op); err != nil {
		return nil, err
	}
	w := wireOp{
		V:           FormatV1,
		ID:          op.ID,
		DocumentID:  op.DocumentID,
		Kind:        op.Kind,
		Lamport:     op.Lamport,
		Text:        op.Text,
		Targets:     op.Targets,
		Span:        op.Span,
		Mark:        op.Mark,
		Value:       op.Value,
		Deps:        op.Deps,
		BaseVersion: op.BaseVersion,
	}
	if !op.Origin.IsZero() {
		origin := op.Origin
		w.Origin = &origin
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// CompactValue returns a mark value in the form operations carry it:
// compact JSON without insignificant whitespace, or nil when empty.
func CompactValue(v json.RawMessage) (json.RawMessage, error) {
	if len(v) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return nil, malformed("value is not valid json", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Decode parses bytes produced by Encode. It never returns a partial
// operation: any failure is a MALFORMED_OPERATION error.
func Decode(data []byte) (Operation, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Operation{}, malformed("empty payload", nil)
	}

	var probe struct {
		V int `json:"v"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Operation{}, malformed("invalid json", err)
	}
	if probe.V != FormatV1 {
		return Operation{}, malformed(fmt.Sprintf("unsupported format version %d", probe.V), nil)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w wireOp
	if err := dec.Decode(&w); err != nil {
		return Operation{}, malformed("invalid operation body", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Operation{}, malformed("trailing data after operation", nil)
	}

	op := Operation{
		ID:          w.ID,
		DocumentID:  w.DocumentID,
		Kind:        w.Kind,
		Lamport:     w.Lamport,
		Text:        w.Text,
		Targets:     w.Targets,
		Span:        w.Span,
		Mark:        w.Mark,
		Deps:        w.Deps,
		BaseVersion: w.BaseVersion,
	}
	if w.Origin != nil {
		op.Origin = *w.Origin
	}
	value, err := CompactValue(w.Value)
	if err != nil {
		return Operation{}, err
	}
	op.Value = value
	if err := Validate(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Validate checks the shape of an operation without any document context.
func Validate(op Operation) error {
	if op.ID.Replica == "" || op.ID.Seq == 0 {
		return malformed("operation id is required", nil)
	}
	if op.DocumentID == "" {
		return malformed("document id is required", nil)
	}
	for _, dep := range op.Deps {
		if dep.IsZero() {
			return malformed("empty dependency", nil)
		}
	}
	if len(op.Value) > 0 {
		compact, err := CompactValue(op.Value)
		if err != nil {
			return err
		}
		if !bytes.Equal(compact, op.Value) {
			return malformed("value is not compact json", nil)
		}
	}

	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return malformed("insert without text", nil)
		}
		if !utf8.ValidString(op.Text) {
			return malformed("insert text is not valid utf-8", nil)
		}
		if op.Lamport == 0 {
			return malformed("insert without lamport timestamp", nil)
		}
		if len(op.Targets) > 0 || op.Span != nil || op.Mark != "" || len(op.Value) > 0 {
			return malformed("insert carries fields of another kind", nil)
		}
	case KindDelete:
		if len(op.Targets) == 0 {
			return malformed("delete without targets", nil)
		}
		for _, target := range op.Targets {
			if target.IsZero() {
				return malformed("delete of empty element id", nil)
			}
		}
		if op.Text != "" || op.Span != nil || op.Mark != "" {
			return malformed("delete carries fields of another kind", nil)
		}
	case KindFormat:
		if op.Span == nil || op.Span.Start.IsZero() || op.Span.End.IsZero() {
			return malformed("format without span", nil)
		}
		if op.Mark == "" {
			return malformed("format without mark type", nil)
		}
		if op.Lamport == 0 {
			return malformed("format without lamport timestamp", nil)
		}
		if op.Text != "" || len(op.Targets) > 0 {
			return malformed("format carries fields of another kind", nil)
		}
	case KindRetain:
		if op.Text != "" || len(op.Targets) > 0 || op.Span != nil {
			return malformed("retain carries content", nil)
		}
	default:
		return malformed(fmt.Sprintf("unknown kind %q", op.Kind), nil)
	}
	return nil
}

func malformed(message string, cause error) error {
	if cause != nil {
		return syncerr.Wrap(syncerr.ErrMalformedOperation, cause, message)
	}
	return syncerr.New(syncerr.ErrMalformedOperation, message)
}
