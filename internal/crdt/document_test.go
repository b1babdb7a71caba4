package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/oplog"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

const docID = "chat_notes_1"

// clone copies doc through its serialized snapshot, the way a replica is
// bootstrapped from a sync message.
func clone(t *testing.T, doc *Document) *Document {
	t.Helper()
	data, err := json.Marshal(doc.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	out, err := Restore(doc.ID(), st)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	return out
}

func contentJSON(t *testing.T, doc *Document) string {
	t.Helper()
	data, err := json.Marshal(doc.Content())
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return string(data)
}

func must(t *testing.T, op oplog.Operation, err error) oplog.Operation {
	t.Helper()
	if err != nil {
		t.Fatalf("authoring operation: %v", err)
	}
	return op
}

func TestConcurrentInsertAtSamePosition(t *testing.T) {
	base := Seed(docID, "ac")
	alice := NewReplica("alice", clone(t, base))
	bob := NewReplica("bob", clone(t, base))

	x, err := alice.Insert(1, "X")
	x = must(t, x, err)
	y, err := bob.Insert(1, "Y")
	y = must(t, y, err)
	if x.Lamport != y.Lamport {
		t.Fatalf("expected equal lamports, got %d and %d", x.Lamport, y.Lamport)
	}

	alice.Apply(y)
	bob.Apply(x)

	for _, r := range []*Replica{alice, bob} {
		if got := r.Document().Text(); got != "aXYc" {
			t.Fatalf("%s: Text() = %q, want %q", r.ID(), got, "aXYc")
		}
	}
}

func TestHigherLamportSortsFirst(t *testing.T) {
	base := Seed(docID, "ac")
	alice := NewReplica("alice", clone(t, base))
	bob := NewReplica("bob", clone(t, base))

	bang, err := bob.Insert(2, "!")
	bang = must(t, bang, err)
	y, err := bob.Insert(1, "Y")
	y = must(t, y, err)
	x, err := alice.Insert(1, "X")
	x = must(t, x, err)
	if y.Lamport <= x.Lamport {
		t.Fatalf("expected bob's insert to carry the higher lamport: %d vs %d", y.Lamport, x.Lamport)
	}

	alice.Apply(bang)
	alice.Apply(y)
	bob.Apply(x)

	for _, r := range []*Replica{alice, bob} {
		if got := r.Document().Text(); got != "aYXc!" {
			t.Fatalf("%s: Text() = %q, want %q", r.ID(), got, "aYXc!")
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	doc := Seed(docID, "hello")
	r := NewReplica("alice", doc)
	op, err := r.Insert(5, " world")
	op = must(t, op, err)

	before := contentJSON(t, doc)
	version := doc.Version()
	delta := doc.Apply(op)
	if !delta.Empty() {
		t.Fatalf("duplicate apply produced delta %+v", delta)
	}
	if doc.Version() != version || contentJSON(t, doc) != before {
		t.Fatal("duplicate apply changed the document")
	}
}

func TestDeleteRangeKeepsConcurrentInsert(t *testing.T) {
	base := Seed(docID, "hello world")
	alice := NewReplica("alice", clone(t, base))
	bob := NewReplica("bob", clone(t, base))

	del, err := alice.Delete(5, 6)
	del = must(t, del, err)
	inside, err := bob.Insert(8, "X")
	inside = must(t, inside, err)
	tail, err := bob.Insert(12, "!")
	tail = must(t, tail, err)

	alice.Apply(inside)
	alice.Apply(tail)
	bob.Apply(del)

	for _, r := range []*Replica{alice, bob} {
		if got := r.Document().Text(); got != "helloX!" {
			t.Fatalf("%s: Text() = %q, want %q", r.ID(), got, "helloX!")
		}
	}
}

func TestConcurrentMarksLastWriterWins(t *testing.T) {
	base := Seed(docID, "hello")
	alice := NewReplica("alice", clone(t, base))
	bob := NewReplica("bob", clone(t, base))

	set, err := alice.Format(0, 5, "bold", json.RawMessage(`true`))
	set = must(t, set, err)
	unset, err := bob.Format(0, 5, "bold", nil)
	unset = must(t, unset, err)
	if set.Lamport != unset.Lamport {
		t.Fatalf("expected concurrent lamports, got %d and %d", set.Lamport, unset.Lamport)
	}

	alice.Apply(unset)
	bob.Apply(set)

	want := `[{"text":"hello","marks":{"bold":true}}]`
	for _, r := range []*Replica{alice, bob} {
		if got := contentJSON(t, r.Document()); got != want {
			t.Fatalf("%s: content = %s, want %s", r.ID(), got, want)
		}
	}

	// A causally later removal wins on both sides.
	later, err := bob.Format(0, 5, "bold", json.RawMessage(`null`))
	later = must(t, later, err)
	alice.Apply(later)
	want = `[{"text":"hello"}]`
	for _, r := range []*Replica{alice, bob} {
		if got := contentJSON(t, r.Document()); got != want {
			t.Fatalf("%s: content = %s, want %s", r.ID(), got, want)
		}
	}
}

func TestOverlappingMarksSplitSpans(t *testing.T) {
	doc := Seed(docID, "abcdef")
	r := NewReplica("alice", doc)
	_, err := r.Format(0, 4, "bold", json.RawMessage(`true`))
	must(t, oplog.Operation{}, err)
	_, err = r.Format(2, 4, "italic", json.RawMessage(`true`))
	must(t, oplog.Operation{}, err)

	want := `[{"text":"ab","marks":{"bold":true}},{"text":"cd","marks":{"bold":true,"italic":true}},{"text":"ef","marks":{"italic":true}}]`
	if got := contentJSON(t, doc); got != want {
		t.Fatalf("content = %s\nwant %s", got, want)
	}
}

func TestPendingOperationsReleaseInOrder(t *testing.T) {
	base := Seed(docID, "ab")
	author := NewReplica("alice", clone(t, base))
	first, err := author.Insert(2, "c")
	first = must(t, first, err)
	second, err := author.Insert(3, "d")
	second = must(t, second, err)

	remote := clone(t, base)
	if delta := remote.Apply(second); !delta.Empty() {
		t.Fatalf("operation with a missing origin must be held back, got %+v", delta)
	}
	if remote.PendingLen() != 1 {
		t.Fatalf("PendingLen() = %d, want 1", remote.PendingLen())
	}

	delta := remote.Apply(first)
	if len(delta.Applied) != 2 || delta.Applied[0].ID != first.ID || delta.Applied[1].ID != second.ID {
		t.Fatalf("unexpected delta %+v", delta)
	}
	if remote.Text() != "abcd" || remote.PendingLen() != 0 {
		t.Fatalf("Text() = %q pending=%d", remote.Text(), remote.PendingLen())
	}
}

func TestValidateRejectsBadOperations(t *testing.T) {
	doc := Seed(docID, "abc")
	seedFirst := oplog.OpID{Replica: SeedReplica, Seq: 1}

	cases := []struct {
		name string
		op   oplog.Operation
	}{
		{
			name: "lamport not after origin",
			op: oplog.Operation{
				ID: oplog.OpID{Replica: "alice", Seq: 1}, DocumentID: docID,
				Kind: oplog.KindInsert, Lamport: 1, Origin: seedFirst, Text: "x",
			},
		},
		{
			name: "other document",
			op: oplog.Operation{
				ID: oplog.OpID{Replica: "alice", Seq: 1}, DocumentID: "elsewhere",
				Kind: oplog.KindInsert, Lamport: 9, Text: "x",
			},
		},
		{
			name: "reversed span",
			op: oplog.Operation{
				ID: oplog.OpID{Replica: "alice", Seq: 1}, DocumentID: docID, Kind: oplog.KindFormat,
				Lamport: 9, Mark: "bold", Value: json.RawMessage(`true`),
				Span: &oplog.Span{Start: seedFirst.Offset(2), End: seedFirst},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := doc.Validate(tc.op); !errors.Is(err, syncerr.ErrMalformedOperation) {
				t.Fatalf("Validate() error = %v, want MALFORMED_OPERATION", err)
			}
		})
	}

	unknown := oplog.Operation{
		ID: oplog.OpID{Replica: "alice", Seq: 2}, DocumentID: docID,
		Kind: oplog.KindDelete, Targets: []oplog.OpID{{Replica: "bob", Seq: 4}},
	}
	if missing := doc.Missing(unknown); len(missing) != 1 || missing[0].Replica != "bob" {
		t.Fatalf("Missing() = %v", missing)
	}
}

func TestSnapshotReloadKeepsIdempotence(t *testing.T) {
	base := Seed(docID, "notes")
	alice := NewReplica("alice", clone(t, base))
	var ops []oplog.Operation
	for _, step := range []func() (oplog.Operation, error){
		func() (oplog.Operation, error) { return alice.Insert(5, " on chapter 3") },
		func() (oplog.Operation, error) { return alice.Format(0, 5, "bold", json.RawMessage(`true`)) },
		func() (oplog.Operation, error) { return alice.Delete(6, 3) },
	} {
		op, err := step()
		ops = append(ops, must(t, op, err))
	}

	reloaded := clone(t, alice.Document())
	before := contentJSON(t, reloaded)
	for _, op := range ops {
		if delta := reloaded.Apply(op); !delta.Empty() {
			t.Fatalf("redelivered %s after reload produced a delta", op.ID)
		}
	}
	if got := contentJSON(t, reloaded); got != before {
		t.Fatalf("content changed after redelivery: %s -> %s", before, got)
	}
	if reloaded.Version() != alice.Document().Version() {
		t.Fatalf("version = %d, want %d", reloaded.Version(), alice.Document().Version())
	}

	// A replica restored from the snapshot keeps authoring fresh ids.
	again := NewReplica("alice", reloaded)
	op, err := again.Insert(0, ">")
	op = must(t, op, err)
	if op.ID.Seq <= ops[len(ops)-1].LastID().Seq {
		t.Fatalf("restored replica reused id %s", op.ID)
	}
}

func TestLoadSnapshotRejectsUnknownSchema(t *testing.T) {
	doc := NewDocument(docID)
	if err := doc.LoadSnapshot(State{Schema: 2}); err == nil {
		t.Fatal("expected unknown schema to be rejected")
	}
}

func TestSnapshotReloadKeepsSequenceGaps(t *testing.T) {
	live := Seed(docID, "ab")
	late := oplog.Operation{
		ID: oplog.OpID{Replica: "alice", Seq: 3}, DocumentID: docID, Kind: oplog.KindInsert,
		Lamport: 2, Origin: oplog.OpID{Replica: SeedReplica, Seq: 1}, Text: "X",
	}
	early := oplog.Operation{
		ID: oplog.OpID{Replica: "alice", Seq: 5}, DocumentID: docID, Kind: oplog.KindInsert,
		Lamport: 3, Origin: oplog.OpID{Replica: SeedReplica, Seq: 2}, Text: "Z",
	}
	live.Apply(early)

	reloaded := clone(t, live)
	if reloaded.Has(late.ID) {
		t.Fatalf("reloaded replica claims %s although only %s was applied", late.ID, early.ID)
	}
	if !reloaded.Has(early.ID) {
		t.Fatalf("reloaded replica lost %s", early.ID)
	}

	for name, doc := range map[string]*Document{"live": live, "reloaded": reloaded} {
		if delta := doc.Apply(late); len(delta.Applied) != 1 {
			t.Fatalf("%s: late operation applied %d ops, want 1", name, len(delta.Applied))
		}
		if got := doc.Text(); got != "aXbZ" {
			t.Fatalf("%s: text = %q, want %q", name, got, "aXbZ")
		}
	}
	if got, want := contentJSON(t, reloaded), contentJSON(t, live); got != want {
		t.Fatalf("replicas diverged: %s vs %s", got, want)
	}
	if reloaded.HighWater("alice") != 5 {
		t.Fatalf("high water = %d, want 5", reloaded.HighWater("alice"))
	}
}

func TestSeqSetMergesRanges(t *testing.T) {
	tests := []struct {
		name string
		adds [][2]uint64
		want seqSet
	}{
		{"single", [][2]uint64{{3, 3}}, seqSet{{3, 3}}},
		{"gap kept", [][2]uint64{{1, 2}, {5, 5}}, seqSet{{1, 2}, {5, 5}}},
		{"adjacent joined", [][2]uint64{{1, 2}, {3, 4}}, seqSet{{1, 4}}},
		{"out of order fills gap", [][2]uint64{{5, 5}, {1, 2}, {3, 4}}, seqSet{{1, 5}}},
		{"overlap", [][2]uint64{{2, 6}, {4, 9}, {1, 1}}, seqSet{{1, 9}}},
		{"insert between", [][2]uint64{{1, 1}, {10, 12}, {5, 6}}, seqSet{{1, 1}, {5, 6}, {10, 12}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var set seqSet
			for _, a := range tt.adds {
				set = set.add(a[0], a[1])
			}
			if fmt.Sprint(set) != fmt.Sprint(tt.want) {
				t.Fatalf("set = %v, want %v", set, tt.want)
			}
			for _, r := range tt.want {
				if !set.contains(r.From) || !set.contains(r.To) {
					t.Fatalf("%v does not contain %v", set, r)
				}
			}
		})
	}
	if (seqSet{{1, 2}, {5, 5}}).contains(3) {
		t.Fatal("gap reported as applied")
	}
}

// TestConvergenceUnderReordering drives three replicas through random
// concurrent edits and then delivers the full operation set to fresh
// replicas in many different orders.
func TestConvergenceUnderReordering(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := Seed(docID, "shared notes")
	replicas := []*Replica{
		NewReplica("alice", clone(t, base)),
		NewReplica("bob", clone(t, base)),
		NewReplica("carol", clone(t, base)),
	}
	var all []oplog.Operation
	words := []string{"a", "pdf", " ", "日本", "\n", "🙂", "chat"}

	for step := 0; step < 120; step++ {
		r := replicas[rng.Intn(len(replicas))]
		n := r.Document().Len()
		var (
			op  oplog.Operation
			err error
		)
		switch choice := rng.Intn(10); {
		case choice < 5 || n < 2:
			op, err = r.Insert(rng.Intn(n+1), words[rng.Intn(len(words))])
		case choice < 8:
			pos := rng.Intn(n - 1)
			op, err = r.Delete(pos, 1+rng.Intn(min(3, n-pos)))
		default:
			pos := rng.Intn(n - 1)
			value := json.RawMessage(`true`)
			if rng.Intn(3) == 0 {
				value = nil
			}
			op, err = r.Format(pos, 1+rng.Intn(n-pos), []string{"bold", "italic"}[rng.Intn(2)], value)
		}
		all = append(all, must(t, op, err))

		if rng.Intn(8) == 0 {
			for _, peer := range replicas {
				for _, o := range all {
					peer.Apply(o)
				}
			}
		}
	}

	for _, r := range replicas {
		for _, o := range all {
			r.Apply(o)
		}
	}
	want := contentJSON(t, replicas[0].Document())
	for _, r := range replicas[1:] {
		if got := contentJSON(t, r.Document()); got != want {
			t.Fatalf("%s diverged:\n got %s\nwant %s", r.ID(), got, want)
		}
	}

	for round := 0; round < 25; round++ {
		t.Run(fmt.Sprintf("order-%d", round), func(t *testing.T) {
			shuffled := append([]oplog.Operation(nil), all...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			fresh := clone(t, base)
			for _, o := range shuffled {
				fresh.Apply(o)
			}
			if fresh.PendingLen() != 0 {
				t.Fatalf("%d operations still pending", fresh.PendingLen())
			}
			if got := contentJSON(t, fresh); got != want {
				t.Fatalf("diverged:\n got %s\nwant %s", got, want)
			}
		})
	}
}
