// Package persist moves documents between live rooms and durable storage.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/store"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

type Store interface {
	GetSnapshot(ctx context.Context, documentID string) (store.Snapshot, error)
	PutSnapshot(ctx context.Context, snap store.Snapshot) error
}

// Observer is told about every snapshot that reached the store. Observers
// run outside the flush path; their failures are logged and never undo a
// flush.
type Observer interface {
	Name() string
	SnapshotFlushed(ctx context.Context, snap store.Snapshot) error
}

type Options struct {
	// RetryInitial and RetryMax shape the exponential backoff between store
	// attempts. The caller's context bounds the total time.
	RetryInitial    time.Duration
	RetryMax        time.Duration
	ObserverTimeout time.Duration
}

type Bridge struct {
	store     Store
	observers []Observer
	opts      Options
	log       *zap.Logger
}

func NewBridge(s Store, opts Options, log *zap.Logger, observers ...Observer) *Bridge {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 100 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2 * time.Second
	}
	if opts.ObserverTimeout <= 0 {
		opts.ObserverTimeout = 30 * time.Second
	}
	return &Bridge{store: s, observers: observers, opts: opts, log: log.Named("persist")}
}

func (b *Bridge) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.RetryInitial
	bo.MaxInterval = b.opts.RetryMax
	bo.MaxElapsedTime = 0
	return backoff.WithContext(bo, ctx)
}

// Load returns the stored document. A document that was never flushed yields
// a NOT_FOUND error so the caller can seed it; any other failure is retried
// until ctx expires and then reported as ROOM_LOAD_FAILURE.
func (b *Bridge) Load(ctx context.Context, documentID string) (*crdt.Document, error) {
	var snap store.Snapshot
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		snap, err = b.store.GetSnapshot(ctx, documentID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syncerr.ErrNotFound):
			return backoff.Permanent(err)
		default:
			b.log.Warn("snapshot load failed",
				zap.String("documentId", documentID), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
	}, b.retryPolicy(ctx))
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrRoomLoadFailure, err, fmt.Sprintf("load document %s", documentID))
	}

	doc, err := Decode(snap)
	if err != nil {
		// A corrupt snapshot will not decode on retry either.
		loadErr := syncerr.Wrap(syncerr.ErrRoomLoadFailure, err, fmt.Sprintf("decode document %s", documentID))
		loadErr.Retryable = false
		return nil, loadErr
	}
	return doc, nil
}

// Flush writes snap, retrying transient store failures until ctx expires.
// A VERSION_CONFLICT is returned immediately.
func (b *Bridge) Flush(ctx context.Context, snap store.Snapshot) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := b.store.PutSnapshot(ctx, snap)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syncerr.ErrVersionConflict):
			return backoff.Permanent(err)
		default:
			b.log.Warn("snapshot flush failed",
				zap.String("documentId", snap.DocumentID), zap.Uint64("version", snap.Version),
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
	}, b.retryPolicy(ctx))
	if err != nil {
		return err
	}
	b.notify(snap)
	return nil
}

func (b *Bridge) notify(snap store.Snapshot) {
	for _, o := range b.observers {
		go func(o Observer) {
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.ObserverTimeout)
			defer cancel()
			if err := o.SnapshotFlushed(ctx, snap); err != nil {
				b.log.Warn("flush observer failed",
					zap.String("observer", o.Name()), zap.String("documentId", snap.DocumentID), zap.Error(err))
			}
		}(o)
	}
}

// Encode captures doc for storage. It reads the document and must run on the
// goroutine that owns it.
func Encode(doc *crdt.Document) (store.Snapshot, error) {
	state, err := json.Marshal(doc.Snapshot())
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode state %s: %w", doc.ID(), err)
	}
	rendered := doc.Content()
	content, err := json.Marshal(rendered)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode content %s: %w", doc.ID(), err)
	}
	return store.Snapshot{
		DocumentID:    doc.ID(),
		Version:       doc.Version(),
		SchemaVersion: crdt.SchemaVersion,
		State:         state,
		Content:       content,
		PlainText:     rendered.PlainText(),
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func Decode(snap store.Snapshot) (*crdt.Document, error) {
	var state crdt.State
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", snap.DocumentID, err)
	}
	if state.Version != snap.Version {
		return nil, fmt.Errorf("state version %d does not match row version %d", state.Version, snap.Version)
	}
	return crdt.Restore(snap.DocumentID, state)
}
