// Package room runs one goroutine per open document. The goroutine owns the
// document replica, its operation log and its member table, so nothing inside
// a room needs a lock. Rooms load on first join and flush when they drain.
package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/util"
)

type Manager struct {
	bridge Bridge
	lease  Lease
	opts   Options
	log    *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	rooms   map[string]*room
	loading map[string]time.Time
	closed  bool
}

// NewManager creates a room manager. lease may be nil for a single node.
func NewManager(bridge Bridge, lease Lease, opts Options, log *zap.Logger) *Manager {
	return &Manager{
		bridge:  bridge,
		lease:   lease,
		opts:    opts.withDefaults(),
		log:     log.Named("room"),
		rooms:   make(map[string]*room),
		loading: make(map[string]time.Time),
	}
}

// Handle is a member's link to its room.
type Handle struct {
	room   *room
	peer   Peer
	connID string
}

func (h *Handle) DocumentID() string { return h.room.id }

// Submit applies op in the room. On success the submitter receives an ack
// and every other member a delta.
func (h *Handle) Submit(ctx context.Context, op oplog.Operation) error {
	return h.room.call(ctx, func() error { return h.room.submit(h.connID, op) })
}

// Ack records that the member has applied everything up to version.
func (h *Handle) Ack(version uint64) {
	h.room.post(func() { h.room.ack(h.connID, version) })
}

func (h *Handle) Leave() {
	h.room.post(func() {
		if m, ok := h.room.members[h.connID]; ok && m.peer == h.peer {
			h.room.remove(h.connID)
		}
	})
}

// Join admits a peer, loading the room first when it is not in memory. The
// peer receives a sync message before any delta.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (*Handle, error) {
	if !util.ValidID(req.DocumentID) {
		return nil, syncerr.New(syncerr.ErrNotFound, "invalid document id")
	}
	for attempt := 0; attempt < 3; attempt++ {
		r, err := m.room(ctx, req.DocumentID, req.Initial)
		if err != nil {
			return nil, err
		}
		err = r.call(ctx, func() error { return r.admit(req) })
		if err == nil {
			return &Handle{room: r, peer: req.Peer, connID: req.Peer.ConnectionID()}, nil
		}
		if !errors.Is(err, syncerr.ErrRoomClosed) || m.isClosed() {
			return nil, err
		}
		// The room is shutting down; wait for it and load a fresh one.
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, syncerr.ErrRoomClosed
}

func (m *Manager) Leave(documentID, connectionID string) {
	if r := m.lookup(documentID); r != nil {
		r.post(func() { r.remove(connectionID) })
	}
}

func (m *Manager) Submit(ctx context.Context, documentID, connectionID string, op oplog.Operation) error {
	r := m.lookup(documentID)
	if r == nil {
		return syncerr.ErrRoomClosed
	}
	return r.call(ctx, func() error { return r.submit(connectionID, op) })
}

// Document returns the live content when the room is open and the stored
// snapshot otherwise. It never opens a room.
func (m *Manager) Document(ctx context.Context, documentID string) (View, error) {
	if r := m.lookup(documentID); r != nil {
		var v View
		err := r.call(ctx, func() error {
			v = r.view()
			return nil
		})
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, syncerr.ErrRoomClosed) {
			return View{}, err
		}
	}
	doc, err := m.bridge.Load(ctx, documentID)
	if err != nil {
		return View{}, err
	}
	return View{DocumentID: documentID, Version: doc.Version(), Content: doc.Content()}, nil
}

// Rooms lists rooms in memory, including rooms still loading.
func (m *Manager) Rooms() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.rooms)+len(m.loading))
	for id, since := range m.loading {
		if _, ok := m.rooms[id]; !ok {
			out = append(out, Info{DocumentID: id, State: Loading, CreatedAt: since, LastActivityAt: since})
		}
	}
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		out = append(out, r.snapshotInfo())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

func (m *Manager) State(documentID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[documentID]; ok {
		return r.snapshotInfo().State
	}
	if _, ok := m.loading[documentID]; ok {
		return Loading
	}
	return Cold
}

// Shutdown disconnects every member, flushes every room and waits for the
// rooms to stop. No room can be opened afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	reason := syncerr.New(syncerr.ErrRoomClosed, "server shutting down")
	for _, r := range rooms {
		r.post(func() { r.shutdown(reason) })
	}
	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.log.Info("all rooms stopped", zap.Int("rooms", len(rooms)))
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) lookup(documentID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[documentID]
}

func (m *Manager) forget(r *room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
}

// room returns the in-memory room, loading it at most once no matter how
// many joins arrive while the load is running.
func (m *Manager) room(ctx context.Context, documentID, initial string) (*room, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, syncerr.New(syncerr.ErrRoomClosed, "server shutting down")
	}
	if r, ok := m.rooms[documentID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan(documentID, func() (any, error) {
		return m.load(documentID, initial)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) load(documentID, initial string) (*room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[documentID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.loading[documentID] = time.Now()
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.loading, documentID)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.LoadTimeout)
	defer cancel()
	log := m.log.With(zap.String("documentId", documentID))

	if m.lease != nil {
		owner, err := m.lease.Acquire(ctx, documentID)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrRoomLoadFailure, err, "room lease unavailable")
		}
		if owner != m.lease.NodeID() {
			return nil, syncerr.New(syncerr.ErrRoomOwnedElsewhere, "room is open on node "+owner).
				WithDetails(map[string]string{"owner": owner})
		}
	}

	started := time.Now()
	doc, stored, err := m.fetch(ctx, documentID, initial)
	if err != nil {
		log.Warn("room load failed", zap.Error(err))
		if m.lease != nil {
			if rerr := m.lease.Release(context.Background(), documentID); rerr != nil {
				log.Warn("lease release failed", zap.Error(rerr))
			}
		}
		return nil, err
	}

	r := newRoom(m, doc, stored)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if m.lease != nil {
			_ = m.lease.Release(context.Background(), documentID)
		}
		return nil, syncerr.New(syncerr.ErrRoomClosed, "server shutting down")
	}
	m.rooms[documentID] = r
	m.mu.Unlock()
	go r.loop()

	log.Info("room loaded", zap.Bool("stored", stored), zap.Uint64("version", doc.Version()),
		zap.Duration("took", time.Since(started)))
	return r, nil
}

// fetch loads the stored document, or seeds a new one when nothing is
// stored. A store that does not answer within ctx fails the load.
func (m *Manager) fetch(ctx context.Context, documentID, initial string) (*crdt.Document, bool, error) {
	type loaded struct {
		doc *crdt.Document
		err error
	}
	ch := make(chan loaded, 1)
	go func() {
		doc, err := m.bridge.Load(ctx, documentID)
		ch <- loaded{doc: doc, err: err}
	}()

	select {
	case res := <-ch:
		switch {
		case errors.Is(res.err, syncerr.ErrNotFound):
			if initial != "" {
				return crdt.Seed(documentID, initial), false, nil
			}
			return crdt.NewDocument(documentID), false, nil
		case res.err != nil:
			return nil, false, res.err
		default:
			return res.doc, true, nil
		}
	case <-ctx.Done():
		return nil, false, syncerr.Wrap(syncerr.ErrRoomLoadFailure, ctx.Err(), "room load timed out")
	}
}
