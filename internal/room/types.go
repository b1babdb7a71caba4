package room

import (
	"context"
	"fmt"
	"time"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/store"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

type State int

const (
	Cold State = iota
	Loading
	Active
	Draining
	Destroyed
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := Cold; candidate <= Destroyed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown room state %q", text)
}

const (
	MessageSync  = "sync"
	MessageDelta = "delta"
	MessageAck   = "ack"
	MessageError = "error"

	SyncFull   = "full"
	SyncReplay = "replay"
)

// Message is what a room sends to a peer. The transport turns it into a
// wire frame.
type Message struct {
	Type    string
	Mode    string
	Version uint64
	// Ops carries a delta or a replay, oldest first.
	Ops     []oplog.Operation
	State   *crdt.State
	Content crdt.Content
	OpID    oplog.OpID
	From    string
	Err     *syncerr.Error
}

// Peer is one connection as seen by a room. Send must not block: it returns
// false when the peer's outbound queue is full. Close must not block either.
type Peer interface {
	ConnectionID() string
	Send(Message) bool
	Close(err error)
}

// Bridge loads and flushes documents. *persist.Bridge satisfies it.
type Bridge interface {
	Load(ctx context.Context, documentID string) (*crdt.Document, error)
	Flush(ctx context.Context, snap store.Snapshot) error
}

type JoinRequest struct {
	DocumentID string
	Peer       Peer
	UserID     string
	// Version is the last version the client saw, for resumption. Nil asks
	// for a full sync.
	Version *uint64
	// Initial seeds a document that has never been stored.
	Initial string
}

// Info describes a room for operators.
type Info struct {
	DocumentID       string    `json:"documentId"`
	State            State     `json:"state"`
	Members          int       `json:"members"`
	Version          uint64    `json:"version"`
	PersistedVersion uint64    `json:"persistedVersion"`
	LogFloor         uint64    `json:"logFloor"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
}

// View is a read-only copy of a document's content.
type View struct {
	DocumentID string       `json:"documentId"`
	Version    uint64       `json:"version"`
	Content    crdt.Content `json:"content"`
	Live       bool         `json:"live"`
}

type Options struct {
	LoadTimeout   time.Duration
	FlushDebounce time.Duration
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	DrainGrace    time.Duration
	DrainTimeout  time.Duration
	ResumeWindow  time.Duration
	InboxSize     int
}

func (o Options) withDefaults() Options {
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 10 * time.Second
	}
	if o.FlushDebounce <= 0 {
		o.FlushDebounce = 2 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.DrainGrace < 0 {
		o.DrainGrace = 0
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = 2 * time.Minute
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	return o
}
