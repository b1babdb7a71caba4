package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/persist"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

type member struct {
	peer     Peer
	userID   string
	acked    uint64
	joinedAt time.Time
}

// resumeKey scopes a resume mark to the user that owned the connection.
type resumeKey struct {
	userID string
	connID string
}

// resumeMark keeps log history for a departed connection until it expires.
type resumeMark struct {
	version uint64
	expires time.Time
}

// room is owned by the goroutine running loop. Every field below the inbox
// is touched only from that goroutine.
type room struct {
	id    string
	mgr   *Manager
	log   *zap.Logger
	inbox chan func()
	done  chan struct{}

	infoMu sync.Mutex
	info   Info

	state     State
	doc       *crdt.Document
	oplog     *oplog.Log
	members   map[string]*member
	resume    map[resumeKey]resumeMark
	persisted uint64
	stored    bool
	createdAt time.Time
	lastSeen  time.Time

	flushing      bool
	flushQueued   bool
	drainFlush    bool
	closing       bool
	debounce      *time.Timer
	drainGrace    *time.Timer
	drainDeadline *time.Timer
}

func newRoom(mgr *Manager, doc *crdt.Document, stored bool) *room {
	now := time.Now()
	r := &room{
		id:            doc.ID(),
		mgr:           mgr,
		log:           mgr.log.With(zap.String("documentId", doc.ID())),
		inbox:         make(chan func(), mgr.opts.InboxSize),
		done:          make(chan struct{}),
		state:         Active,
		doc:           doc,
		oplog:         oplog.NewLog(doc.Version()),
		members:       make(map[string]*member),
		resume:        make(map[resumeKey]resumeMark),
		stored:        stored,
		createdAt:     now,
		lastSeen:      now,
		debounce:      stoppedTimer(),
		drainGrace:    stoppedTimer(),
		drainDeadline: stoppedTimer(),
	}
	if stored {
		r.persisted = doc.Version()
	}
	r.publish()
	return r
}

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func (r *room) loop() {
	interval := time.NewTicker(r.mgr.opts.FlushInterval)
	defer interval.Stop()

	var renewC <-chan time.Time
	if r.mgr.lease != nil {
		renew := time.NewTicker(r.mgr.lease.TTL() / 3)
		defer renew.Stop()
		renewC = renew.C
	}

	for r.state != Destroyed {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.debounce.C:
			r.requestFlush()
		case <-interval.C:
			r.expireResumeMarks(time.Now())
			if r.needsFlush() {
				r.requestFlush()
			}
		case <-renewC:
			r.renewLease()
		case <-r.drainGrace.C:
			r.startDrainFlush()
		case <-r.drainDeadline.C:
			if r.needsFlush() {
				r.log.Error("drain timed out with unflushed edits",
					zap.Uint64("version", r.doc.Version()), zap.Uint64("persistedVersion", r.persisted))
			}
			r.destroy()
		}
		r.publish()
	}
}

// post queues fn for the room goroutine. It reports false once the room is
// gone.
func (r *room) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// call runs fn on the room goroutine and waits for its result.
func (r *room) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !r.post(func() { result <- fn() }) {
		return syncerr.ErrRoomClosed
	}
	select {
	case err := <-result:
		return err
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
			return syncerr.ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *room) publish() {
	info := Info{
		DocumentID:       r.id,
		State:            r.state,
		Members:          len(r.members),
		Version:          r.doc.Version(),
		PersistedVersion: r.persisted,
		LogFloor:         r.oplog.Floor(),
		CreatedAt:        r.createdAt,
		LastActivityAt:   r.lastSeen,
	}
	r.infoMu.Lock()
	r.info = info
	r.infoMu.Unlock()
}

func (r *room) snapshotInfo() Info {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	return r.info
}

func (r *room) admit(req JoinRequest) error {
	if r.state == Destroyed || r.closing {
		return syncerr.ErrRoomClosed
	}
	if r.state == Draining {
		r.state = Active
		r.drainFlush = false
		r.drainGrace.Stop()
		r.drainDeadline.Stop()
		r.log.Debug("room reactivated")
	}

	connID := req.Peer.ConnectionID()
	old, taken := r.members[connID]
	if taken && old.userID != req.UserID {
		r.log.Warn("connection id claimed by another user", zap.String("connectionId", connID),
			zap.String("userId", req.UserID), zap.String("ownerId", old.userID))
		return syncerr.New(syncerr.ErrUnauthorized, "connection id belongs to another user")
	}
	if taken && old.peer != req.Peer {
		old.peer.Close(syncerr.New(syncerr.ErrRoomClosed, "connection replaced"))
	}

	if !req.Peer.Send(r.syncMessage(req.Version)) {
		return syncerr.ErrConnectionOverflow
	}
	r.members[connID] = &member{peer: req.Peer, userID: req.UserID, acked: r.doc.Version(), joinedAt: time.Now()}
	delete(r.resume, resumeKey{userID: req.UserID, connID: connID})
	r.lastSeen = time.Now()
	r.log.Info("member joined", zap.String("connectionId", connID), zap.String("userId", req.UserID),
		zap.Int("members", len(r.members)), zap.Uint64("version", r.doc.Version()))
	return nil
}

// syncMessage replays the log from version when it still reaches back that
// far, and sends the whole document otherwise.
func (r *room) syncMessage(version *uint64) Message {
	current := r.doc.Version()
	if version != nil {
		entries, err := r.oplog.EntriesSince(*version)
		if err == nil {
			ops := make([]oplog.Operation, len(entries))
			for i, e := range entries {
				ops[i] = e.Op
			}
			return Message{Type: MessageSync, Mode: SyncReplay, Version: current, Ops: ops}
		}
		r.log.Debug("resume not possible, sending full sync", zap.Uint64("clientVersion", *version), zap.Error(err))
	}
	state := r.doc.Snapshot()
	return Message{Type: MessageSync, Mode: SyncFull, Version: current, State: &state, Content: r.doc.Content()}
}

func (r *room) submit(connID string, op oplog.Operation) error {
	sender, ok := r.members[connID]
	if !ok {
		return syncerr.New(syncerr.ErrNotFound, "connection is not a member of this room")
	}
	r.lastSeen = time.Now()

	if r.doc.Has(op.ID) {
		r.send(sender, Message{Type: MessageAck, OpID: op.ID, Version: r.doc.Version()})
		return nil
	}
	if missing := r.doc.Missing(op); len(missing) > 0 {
		return syncerr.New(syncerr.ErrStaleSubmit, "operation depends on history this room does not have").
			WithDetails(map[string]any{"missing": missing, "version": r.doc.Version()})
	}
	if err := r.doc.Validate(op); err != nil {
		return err
	}

	delta := r.doc.Apply(op)
	base := delta.Version - uint64(len(delta.Applied))
	for i, applied := range delta.Applied {
		if err := r.oplog.Append(base+uint64(i)+1, applied); err != nil {
			r.log.Error("operation log out of step with document", zap.Error(err))
		}
	}

	msg := Message{Type: MessageDelta, Version: delta.Version, Ops: delta.Applied, From: connID}
	for id, m := range r.members {
		if id != connID {
			r.send(m, msg)
		}
	}
	if _, still := r.members[connID]; still {
		r.send(sender, Message{Type: MessageAck, OpID: op.ID, Version: delta.Version})
	}
	r.debounce.Reset(r.mgr.opts.FlushDebounce)
	return nil
}

// send delivers msg or drops the member when its queue is full.
func (r *room) send(m *member, msg Message) {
	if m.peer.Send(msg) {
		return
	}
	connID := m.peer.ConnectionID()
	r.log.Warn("outbound queue overflow, dropping connection", zap.String("connectionId", connID))
	m.peer.Close(syncerr.ErrConnectionOverflow)
	r.remove(connID)
}

func (r *room) ack(connID string, version uint64) {
	m, ok := r.members[connID]
	if !ok {
		return
	}
	if version > r.doc.Version() {
		version = r.doc.Version()
	}
	if version > m.acked {
		m.acked = version
		r.compact()
	}
}

func (r *room) remove(connID string) {
	m, ok := r.members[connID]
	if !ok {
		return
	}
	delete(r.members, connID)
	r.resume[resumeKey{userID: m.userID, connID: connID}] = resumeMark{version: m.acked, expires: time.Now().Add(r.mgr.opts.ResumeWindow)}
	r.lastSeen = time.Now()
	r.log.Info("member left", zap.String("connectionId", connID), zap.Int("members", len(r.members)))
	if len(r.members) == 0 && r.state == Active {
		r.startDraining()
	}
}

func (r *room) startDraining() {
	r.state = Draining
	r.log.Debug("room draining", zap.Duration("grace", r.mgr.opts.DrainGrace))
	if r.mgr.opts.DrainGrace == 0 {
		r.startDrainFlush()
		return
	}
	r.drainGrace.Reset(r.mgr.opts.DrainGrace)
}

func (r *room) startDrainFlush() {
	if r.state != Draining || r.drainFlush {
		return
	}
	r.drainFlush = true
	r.drainDeadline.Reset(r.mgr.opts.DrainTimeout)
	r.requestFlush()
	r.maybeFinishDrain()
}

func (r *room) maybeFinishDrain() {
	if r.state == Draining && r.drainFlush && !r.flushing && !r.needsFlush() {
		r.destroy()
	}
}

func (r *room) needsFlush() bool {
	v := r.doc.Version()
	if v == 0 {
		return false
	}
	return !r.stored || v > r.persisted
}

// requestFlush starts a flush unless one is in flight, in which case one more
// flush runs after it completes.
func (r *room) requestFlush() {
	if r.flushing {
		r.flushQueued = true
		return
	}
	if !r.needsFlush() {
		return
	}
	snap, err := persist.Encode(r.doc)
	if err != nil {
		r.log.Error("encode snapshot", zap.Error(err))
		return
	}
	r.flushing = true
	r.flushQueued = false
	r.debounce.Stop()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.mgr.opts.FlushTimeout)
		defer cancel()
		err := r.mgr.bridge.Flush(ctx, snap)
		var newer *crdt.Document
		if errors.Is(err, syncerr.ErrVersionConflict) {
			var loadErr error
			newer, loadErr = r.mgr.bridge.Load(ctx, r.id)
			if loadErr != nil {
				r.log.Error("reload after version conflict", zap.Error(loadErr))
			}
		}
		r.post(func() { r.flushDone(snap.Version, err, newer) })
	}()
}

func (r *room) flushDone(version uint64, err error, newer *crdt.Document) {
	r.flushing = false
	switch {
	case err == nil:
		if version > r.persisted {
			r.persisted = version
		}
		r.stored = true
		r.log.Debug("snapshot flushed", zap.Uint64("version", version))
		r.compact()
	case newer != nil:
		r.log.Warn("flush lost a version race, rebasing on the stored snapshot",
			zap.Uint64("version", version), zap.Uint64("storedVersion", newer.Version()))
		r.rebase(newer)
		r.flushQueued = true
	default:
		r.log.Error("snapshot flush failed", zap.Uint64("version", version), zap.Error(err))
		r.debounce.Reset(r.mgr.opts.FlushDebounce)
		return
	}

	if r.flushQueued || (r.drainFlush && r.needsFlush()) {
		r.requestFlush()
	}
	r.maybeFinishDrain()
}

// rebase adopts a newer stored document and re-applies every operation this
// room accepted since its last successful flush. Members get a full sync
// because their replicas no longer match.
func (r *room) rebase(newer *crdt.Document) {
	storedVersion := newer.Version()
	entries, err := r.oplog.EntriesSince(r.persisted)
	if err != nil {
		r.log.Error("unflushed history unavailable for rebase", zap.Error(err))
	}
	for _, e := range entries {
		if newer.Has(e.Op.ID) {
			continue
		}
		if len(newer.Missing(e.Op)) > 0 {
			r.log.Error("dropping operation that does not fit the stored snapshot", zap.String("opId", e.Op.ID.String()))
			continue
		}
		newer.Apply(e.Op)
	}

	r.doc = newer
	r.oplog = oplog.NewLog(newer.Version())
	r.persisted = storedVersion
	r.stored = true
	r.resume = make(map[resumeKey]resumeMark)
	for _, m := range r.members {
		m.acked = newer.Version()
		r.send(m, r.syncMessage(nil))
	}
}

// compact drops log entries that are persisted and that no connected or
// resumable client still needs.
func (r *room) compact() {
	if !r.stored {
		return
	}
	r.expireResumeMarks(time.Now())
	floor := r.doc.Version()
	for _, m := range r.members {
		if m.acked < floor {
			floor = m.acked
		}
	}
	for _, mark := range r.resume {
		if mark.version < floor {
			floor = mark.version
		}
	}
	r.oplog.Compact(r.persisted, floor)
}

func (r *room) expireResumeMarks(now time.Time) {
	for key, mark := range r.resume {
		if now.After(mark.expires) {
			delete(r.resume, key)
		}
	}
}

func (r *room) renewLease() {
	lease := r.mgr.lease
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lease.TTL()/3)
		defer cancel()
		ok, err := lease.Renew(ctx, r.id)
		if err != nil {
			r.log.Warn("lease renewal failed", zap.Error(err))
			return
		}
		if !ok {
			r.post(r.leaseLost)
		}
	}()
}

func (r *room) leaseLost() {
	if r.state == Destroyed {
		return
	}
	r.log.Error("room lease lost to another node, closing room")
	r.shutdown(syncerr.New(syncerr.ErrRoomOwnedElsewhere, "room moved to another node"))
}

// shutdown disconnects every member and drains immediately.
func (r *room) shutdown(reason error) {
	r.closing = true
	for id, m := range r.members {
		m.peer.Close(reason)
		delete(r.members, id)
	}
	r.drainGrace.Stop()
	r.state = Draining
	r.startDrainFlush()
}

func (r *room) view() View {
	return View{DocumentID: r.id, Version: r.doc.Version(), Content: r.doc.Content(), Live: true}
}

func (r *room) destroy() {
	r.state = Destroyed
	r.debounce.Stop()
	r.drainGrace.Stop()
	r.drainDeadline.Stop()
	if lease := r.mgr.lease; lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := lease.Release(ctx, r.id); err != nil {
			r.log.Warn("lease release failed", zap.Error(err))
		}
		cancel()
	}
	r.mgr.forget(r)
	r.publish()
	close(r.done)
	r.log.Info("room destroyed", zap.Uint64("version", r.doc.Version()), zap.Uint64("persistedVersion", r.persisted))
}
