package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

type fakeSink struct {
	id     string
	events chan Event
}

func newSink(id string, buffer int) *fakeSink {
	return &fakeSink{id: id, events: make(chan Event, buffer)}
}

func (s *fakeSink) ConnectionID() string { return s.id }

func (s *fakeSink) SendPresence(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *fakeSink) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestJoinAnnouncesToOthersOnly(t *testing.T) {
	b := NewBroadcaster(time.Minute, nil, zap.NewNop())
	alice := newSink("conn_a", 8)
	bob := newSink("conn_b", 8)

	if others := b.Join("doc_1", alice, Meta{UserID: "u_alice", Name: "Alice"}); len(others) != 0 {
		t.Fatalf("first joiner should see nobody, got %+v", others)
	}
	others := b.Join("doc_1", bob, Meta{UserID: "u_bob", Name: "Bob", Color: "#0af"})
	if len(others) != 1 || others[0].UserID != "u_alice" {
		t.Fatalf("bob should see alice, got %+v", others)
	}

	if got := bob.drain(); len(got) != 0 {
		t.Fatalf("joiner must not receive its own announcement, got %+v", got)
	}
	got := alice.drain()
	if len(got) != 1 || got[0].Type != EventUpdate || got[0].Entry.Name != "Bob" || got[0].Entry.Color != "#0af" {
		t.Fatalf("alice should see bob join, got %+v", got)
	}
}

func TestUpdateMergesPerField(t *testing.T) {
	b := NewBroadcaster(time.Minute, nil, zap.NewNop())
	alice := newSink("conn_a", 8)
	bob := newSink("conn_b", 8)
	b.Join("doc_1", alice, Meta{UserID: "u_alice"})
	b.Join("doc_1", bob, Meta{UserID: "u_bob"})
	alice.drain()

	if _, err := b.Update("doc_1", "conn_b", map[string]json.RawMessage{
		"cursor":    json.RawMessage(`{"anchor":"bob:3"}`),
		"selection": json.RawMessage(`{"from":1,"to":4}`),
	}); err != nil {
		t.Fatal(err)
	}
	entry, err := b.Update("doc_1", "conn_b", map[string]json.RawMessage{
		"cursor":    json.RawMessage(`{"anchor":"bob:9"}`),
		"selection": json.RawMessage(`null`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.State["cursor"]) != `{"anchor":"bob:9"}` {
		t.Fatalf("cursor = %s", entry.State["cursor"])
	}
	if _, ok := entry.State["selection"]; ok {
		t.Fatal("null should remove the selection field")
	}

	events := alice.drain()
	if len(events) != 2 {
		t.Fatalf("alice should receive both updates, got %d", len(events))
	}
	if got := bob.drain(); len(got) != 0 {
		t.Fatalf("updates must not echo to the sender, got %+v", got)
	}

	if _, err := b.Update("doc_1", "conn_missing", nil); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected not found for unknown connection, got %v", err)
	}
}

func TestLeaveBroadcastsRemoval(t *testing.T) {
	b := NewBroadcaster(time.Minute, nil, zap.NewNop())
	alice := newSink("conn_a", 8)
	bob := newSink("conn_b", 8)
	b.Join("doc_1", alice, Meta{UserID: "u_alice"})
	b.Join("doc_1", bob, Meta{UserID: "u_bob"})
	alice.drain()

	b.Leave("doc_1", bob)
	got := alice.drain()
	if len(got) != 1 || got[0].Type != EventRemove || got[0].ConnectionID != "conn_b" || got[0].Entry != nil {
		t.Fatalf("expected removal of conn_b, got %+v", got)
	}
	if list := b.List("doc_1"); len(list) != 1 || list[0].ConnectionID != "conn_a" {
		t.Fatalf("unexpected list after leave %+v", list)
	}

	b.Leave("doc_1", bob)
	if got := alice.drain(); len(got) != 0 {
		t.Fatalf("second leave should be silent, got %+v", got)
	}
}

func TestStaleLeaveKeepsReplacementEntry(t *testing.T) {
	b := NewBroadcaster(time.Minute, nil, zap.NewNop())
	watcher := newSink("conn_w", 8)
	b.Join("doc_1", watcher, Meta{UserID: "u_watch"})
	old := newSink("conn_1", 8)
	b.Join("doc_1", old, Meta{UserID: "u_alice"})
	replacement := newSink("conn_1", 8)
	b.Join("doc_1", replacement, Meta{UserID: "u_alice"})
	watcher.drain()

	b.Leave("doc_1", old)
	if got := watcher.drain(); len(got) != 0 {
		t.Fatalf("stale leave must not broadcast, got %+v", got)
	}
	if list := b.List("doc_1"); len(list) != 2 {
		t.Fatalf("replacement entry was removed, list %+v", list)
	}
	if _, err := b.Update("doc_1", "conn_1", map[string]json.RawMessage{"cursor": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("update on the live connection: %v", err)
	}

	b.Leave("doc_1", replacement)
	if list := b.List("doc_1"); len(list) != 1 || list[0].ConnectionID != "conn_w" {
		t.Fatalf("unexpected list after leave %+v", list)
	}
}

func TestFullSinkDropsFrameOnly(t *testing.T) {
	b := NewBroadcaster(time.Minute, nil, zap.NewNop())
	slow := newSink("conn_slow", 1)
	fast := newSink("conn_fast", 16)
	b.Join("doc_1", slow, Meta{UserID: "u_slow"})
	b.Join("doc_1", fast, Meta{UserID: "u_fast"})

	for i := 0; i < 5; i++ {
		if _, err := b.Update("doc_1", "conn_fast", map[string]json.RawMessage{"cursor": json.RawMessage(`1`)}); err != nil {
			t.Fatal(err)
		}
	}
	if got := slow.drain(); len(got) != 1 {
		t.Fatalf("slow sink keeps only what fits, got %d", len(got))
	}
	if list := b.List("doc_1"); len(list) != 2 {
		t.Fatalf("dropping frames must not remove members, got %+v", list)
	}
}

func TestSweepHidesIdleEntries(t *testing.T) {
	b := NewBroadcaster(30*time.Second, nil, zap.NewNop())
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return start }

	alice := newSink("conn_a", 8)
	bob := newSink("conn_b", 8)
	b.Join("doc_1", alice, Meta{UserID: "u_alice"})
	b.now = func() time.Time { return start.Add(20 * time.Second) }
	b.Join("doc_1", bob, Meta{UserID: "u_bob"})
	alice.drain()

	if n := b.Sweep(start.Add(40 * time.Second)); n != 1 {
		t.Fatalf("expected alice to be swept, swept %d", n)
	}
	if got := bob.drain(); len(got) != 1 || got[0].Type != EventRemove || got[0].ConnectionID != "conn_a" {
		t.Fatalf("bob should see alice removed, got %+v", got)
	}
	if list := b.List("doc_1"); len(list) != 1 || list[0].ConnectionID != "conn_b" {
		t.Fatalf("unexpected list after sweep %+v", list)
	}
	if n := b.Sweep(start.Add(41 * time.Second)); n != 0 {
		t.Fatalf("already swept entries must not be swept twice, swept %d", n)
	}

	b.now = func() time.Time { return start.Add(45 * time.Second) }
	if _, err := b.Update("doc_1", "conn_a", map[string]json.RawMessage{"cursor": json.RawMessage(`2`)}); err != nil {
		t.Fatal(err)
	}
	if list := b.List("doc_1"); len(list) != 2 {
		t.Fatalf("update should make alice visible again, got %+v", list)
	}
}

func TestRedisMirror(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	m := NewRedisMirror(client, time.Minute)
	entry := Entry{ConnectionID: "conn_a", UserID: "u_alice", State: map[string]json.RawMessage{"cursor": json.RawMessage(`3`)}}
	if err := m.Put(ctx, "doc_1", entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ttl := s.TTL("presence:doc_1"); ttl != time.Minute {
		t.Fatalf("TTL = %v", ttl)
	}

	list, err := m.List(ctx, "doc_1")
	if err != nil || len(list) != 1 || list[0].UserID != "u_alice" || string(list[0].State["cursor"]) != "3" {
		t.Fatalf("List = %+v, %v", list, err)
	}

	if err := m.Remove(ctx, "doc_1", "conn_a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	list, err = m.List(ctx, "doc_1")
	if err != nil || len(list) != 0 {
		t.Fatalf("List after remove = %+v, %v", list, err)
	}

	m.Put(ctx, "doc_2", entry)
	s.FastForward(2 * time.Minute)
	if list, _ := m.List(ctx, "doc_2"); len(list) != 0 {
		t.Fatalf("mirrored presence should expire, got %+v", list)
	}
}

func TestRunWritesThroughMirror(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, time.Minute)
	b := NewBroadcaster(time.Minute, mirror, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	alice := newSink("conn_a", 4)
	b.Join("doc_1", alice, Meta{UserID: "u_alice"})
	b.Join("doc_1", newSink("conn_b", 4), Meta{UserID: "u_bob"})
	b.Leave("doc_1", alice)

	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := mirror.List(ctx, "doc_1")
		if err == nil && len(list) == 1 && list[0].ConnectionID == "conn_b" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror never converged, last %+v, %v", list, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
