package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/presence"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/room"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

const (
	FrameJoin     = "join"
	FrameOp       = "op"
	FramePresence = "presence"
	FrameAck      = "ack"
	FrameLeave    = "leave"
	FrameSync     = "sync"
	FrameDelta    = "delta"
	FrameError    = "error"

	// PresenceSnapshot lists everyone already in the room right after join.
	PresenceSnapshot = "snapshot"
)

// ClientFrame is any frame a client sends. Op holds an operation in the
// oplog wire encoding.
type ClientFrame struct {
	Type         string                     `json:"type"`
	Version      *uint64                    `json:"version,omitempty"`
	Initial      string                     `json:"initial,omitempty"`
	ConnectionID string                     `json:"connectionId,omitempty"`
	Op           json.RawMessage            `json:"op,omitempty"`
	State        map[string]json.RawMessage `json:"state,omitempty"`
}

type ServerFrame struct {
	Type         string            `json:"type"`
	Mode         string            `json:"mode,omitempty"`
	Version      *uint64           `json:"version,omitempty"`
	Ops          []json.RawMessage `json:"ops,omitempty"`
	State        *crdt.State       `json:"state,omitempty"`
	Content      crdt.Content      `json:"content,omitempty"`
	OpID         *oplog.OpID       `json:"opId,omitempty"`
	From         string            `json:"from,omitempty"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Event        string            `json:"event,omitempty"`
	Entry        *presence.Entry   `json:"entry,omitempty"`
	Entries      []presence.Entry  `json:"entries,omitempty"`
	Code         syncerr.Code      `json:"code,omitempty"`
	Message      string            `json:"message,omitempty"`
	Retryable    bool              `json:"retryable,omitempty"`
	Details      any               `json:"details,omitempty"`
}

func roomFrame(msg room.Message, connID string) (ServerFrame, error) {
	version := msg.Version
	f := ServerFrame{Type: msg.Type, Version: &version}
	switch msg.Type {
	case room.MessageSync:
		f.Mode = msg.Mode
		f.State = msg.State
		f.Content = msg.Content
		f.ConnectionID = connID
	case room.MessageDelta:
		f.From = msg.From
	case room.MessageAck:
		id := msg.OpID
		f.OpID = &id
	case room.MessageError:
		if msg.Err == nil {
			return errorFrame(nil), nil
		}
		return errorFrame(msg.Err), nil
	}
	if len(msg.Ops) > 0 {
		f.Ops = make([]json.RawMessage, len(msg.Ops))
		for i, op := range msg.Ops {
			data, err := oplog.Encode(op)
			if err != nil {
				return ServerFrame{}, fmt.Errorf("encode %s: %w", op.ID, err)
			}
			f.Ops[i] = data
		}
	}
	return f, nil
}

func presenceFrame(ev presence.Event) ServerFrame {
	return ServerFrame{Type: FramePresence, Event: ev.Type, ConnectionID: ev.ConnectionID, Entry: ev.Entry}
}

// errorFrame reports err to one client. Errors outside the taxonomy are not
// described beyond their code.
func errorFrame(err error) ServerFrame {
	var e *syncerr.Error
	if errors.As(err, &e) && e != nil {
		return ServerFrame{Type: FrameError, Code: e.Code, Message: e.Message, Retryable: e.Retryable, Details: e.Details}
	}
	return ServerFrame{Type: FrameError, Code: "SERVER_ERROR", Message: "internal error", Retryable: true}
}
