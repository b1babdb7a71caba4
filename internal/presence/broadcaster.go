// Package presence tracks who is in a room and where their cursor is.
//
// Presence never goes through the room actor: it has its own lock and its
// own outbound queue per connection, so cursor traffic and document edits
// cannot delay each other. Nothing here is persisted.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

const (
	EventUpdate = "update"
	EventRemove = "remove"
)

// Meta is the display information supplied by the identity collaborator.
type Meta struct {
	UserID    string
	Name      string
	AvatarURL string
	Color     string
}

// Entry is one connection's presence in a room. State holds free-form
// top-level fields such as "cursor" and "selection".
type Entry struct {
	ConnectionID string                     `json:"connectionId"`
	UserID       string                     `json:"userId"`
	Name         string                     `json:"name,omitempty"`
	AvatarURL    string                     `json:"avatarUrl,omitempty"`
	Color        string                     `json:"color,omitempty"`
	State        map[string]json.RawMessage `json:"state"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

type Event struct {
	Type         string `json:"event"`
	DocumentID   string `json:"documentId"`
	ConnectionID string `json:"connectionId"`
	Entry        *Entry `json:"entry,omitempty"`
}

// Sink delivers presence events to one connection. SendPresence must not
// block; it reports false when the event was dropped.
type Sink interface {
	ConnectionID() string
	SendPresence(Event) bool
}

// Mirror copies presence to shared storage so other nodes can read it.
type Mirror interface {
	Put(ctx context.Context, documentID string, entry Entry) error
	Remove(ctx context.Context, documentID, connectionID string) error
}

type member struct {
	sink   Sink
	entry  Entry
	active bool
}

type mirrorWrite struct {
	documentID   string
	connectionID string
	entry        *Entry
}

type Broadcaster struct {
	mu      sync.Mutex
	rooms   map[string]map[string]*member
	timeout time.Duration
	mirror  Mirror
	writes  chan mirrorWrite
	log     *zap.Logger
	now     func() time.Time
}

// NewBroadcaster creates a broadcaster. mirror may be nil.
func NewBroadcaster(timeout time.Duration, mirror Mirror, log *zap.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Broadcaster{
		rooms:   make(map[string]map[string]*member),
		timeout: timeout,
		mirror:  mirror,
		writes:  make(chan mirrorWrite, 1024),
		log:     log.Named("presence"),
		now:     time.Now,
	}
}

// Join registers sink in the room and returns the entries of everyone else
// already present. The new entry is announced to the other members.
func (b *Broadcaster) Join(documentID string, sink Sink, meta Meta) []Entry {
	connID := sink.ConnectionID()
	entry := Entry{
		ConnectionID: connID,
		UserID:       meta.UserID,
		Name:         meta.Name,
		AvatarURL:    meta.AvatarURL,
		Color:        meta.Color,
		State:        map[string]json.RawMessage{},
		UpdatedAt:    b.now(),
	}

	b.mu.Lock()
	room, ok := b.rooms[documentID]
	if !ok {
		room = make(map[string]*member)
		b.rooms[documentID] = room
	}
	room[connID] = &member{sink: sink, entry: entry, active: true}
	others := activeEntries(room, connID)
	targets := sinksExcept(room, connID)
	b.mu.Unlock()

	b.fanOut(targets, Event{Type: EventUpdate, DocumentID: documentID, ConnectionID: connID, Entry: cloneEntry(&entry)})
	b.queueMirror(mirrorWrite{documentID: documentID, connectionID: connID, entry: cloneEntry(&entry)})
	return others
}

// Update merges partial into the connection's state field by field. A JSON
// null removes the field.
func (b *Broadcaster) Update(documentID, connectionID string, partial map[string]json.RawMessage) (Entry, error) {
	b.mu.Lock()
	m, ok := b.rooms[documentID][connectionID]
	if !ok {
		b.mu.Unlock()
		return Entry{}, syncerr.New(syncerr.ErrNotFound, "connection is not present in this room")
	}
	for field, value := range partial {
		if isNull(value) {
			delete(m.entry.State, field)
			continue
		}
		m.entry.State[field] = append(json.RawMessage(nil), value...)
	}
	m.entry.UpdatedAt = b.now()
	m.active = true
	entry := cloneEntry(&m.entry)
	targets := sinksExcept(b.rooms[documentID], connectionID)
	b.mu.Unlock()

	b.fanOut(targets, Event{Type: EventUpdate, DocumentID: documentID, ConnectionID: connectionID, Entry: entry})
	b.queueMirror(mirrorWrite{documentID: documentID, connectionID: connectionID, entry: cloneEntry(entry)})
	return *entry, nil
}

// Leave removes sink's entry and broadcasts the removal immediately. It does
// nothing when the connection id has since been taken over by another sink.
func (b *Broadcaster) Leave(documentID string, sink Sink) {
	connectionID := sink.ConnectionID()
	b.mu.Lock()
	room := b.rooms[documentID]
	if m, ok := room[connectionID]; !ok || m.sink != sink {
		b.mu.Unlock()
		return
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(b.rooms, documentID)
	}
	targets := sinksExcept(room, connectionID)
	b.mu.Unlock()

	b.fanOut(targets, Event{Type: EventRemove, DocumentID: documentID, ConnectionID: connectionID})
	b.queueMirror(mirrorWrite{documentID: documentID, connectionID: connectionID})
}

// List returns the active entries of a room ordered by connection id.
func (b *Broadcaster) List(documentID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return activeEntries(b.rooms[documentID], "")
}

// Sweep hides entries that have not been updated within the timeout and
// broadcasts their removal. The connection stays registered; its next
// update makes it visible again.
func (b *Broadcaster) Sweep(now time.Time) int {
	type removal struct {
		documentID   string
		connectionID string
		targets      []Sink
	}
	var removals []removal

	b.mu.Lock()
	for docID, room := range b.rooms {
		for connID, m := range room {
			if !m.active || now.Sub(m.entry.UpdatedAt) < b.timeout {
				continue
			}
			m.active = false
			removals = append(removals, removal{documentID: docID, connectionID: connID, targets: sinksExcept(room, connID)})
		}
	}
	b.mu.Unlock()

	for _, r := range removals {
		b.fanOut(r.targets, Event{Type: EventRemove, DocumentID: r.documentID, ConnectionID: r.connectionID})
		b.queueMirror(mirrorWrite{documentID: r.documentID, connectionID: r.connectionID})
	}
	if len(removals) > 0 {
		b.log.Debug("idle presence swept", zap.Int("count", len(removals)))
	}
	return len(removals)
}

// Run sweeps idle entries and drains mirror writes until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	interval := b.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Sweep(now)
		case w := <-b.writes:
			b.writeMirror(ctx, w)
		}
	}
}

func (b *Broadcaster) queueMirror(w mirrorWrite) {
	if b.mirror == nil {
		return
	}
	select {
	case b.writes <- w:
	default:
		b.log.Warn("presence mirror queue full, dropping write", zap.String("documentId", w.documentID))
	}
}

func (b *Broadcaster) writeMirror(ctx context.Context, w mirrorWrite) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	if w.entry != nil {
		err = b.mirror.Put(ctx, w.documentID, *w.entry)
	} else {
		err = b.mirror.Remove(ctx, w.documentID, w.connectionID)
	}
	if err != nil {
		b.log.Warn("presence mirror write failed",
			zap.String("documentId", w.documentID),
			zap.String("connectionId", w.connectionID),
			zap.Error(err))
	}
}

func (b *Broadcaster) fanOut(targets []Sink, ev Event) {
	for _, s := range targets {
		if !s.SendPresence(ev) {
			b.log.Debug("presence frame dropped",
				zap.String("documentId", ev.DocumentID),
				zap.String("to", s.ConnectionID()))
		}
	}
}

func sinksExcept(room map[string]*member, connectionID string) []Sink {
	out := make([]Sink, 0, len(room))
	for id, m := range room {
		if id != connectionID {
			out = append(out, m.sink)
		}
	}
	return out
}

func activeEntries(room map[string]*member, skip string) []Entry {
	out := make([]Entry, 0, len(room))
	for id, m := range room {
		if id == skip || !m.active {
			continue
		}
		out = append(out, *cloneEntry(&m.entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	c.State = make(map[string]json.RawMessage, len(e.State))
	for k, v := range e.State {
		c.State[k] = append(json.RawMessage(nil), v...)
	}
	return &c
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
