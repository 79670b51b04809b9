// Package storetest holds conformance tests shared by all event log and
// snapshot store backends.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
)

// evtOpts compares events ignoring the backend assigned timestamp.
var evtOpts = cmp.Options{
	cmpopts.IgnoreFields(store.Evt{}, "Timestamp"),
	cmpopts.EquateEmpty(),
}

// Batch builds n events of type typ with payloads "<typ>-<i>".
func Batch(typ string, n int) []store.EvtData {
	evts := make([]store.EvtData, n)
	for i := range evts {
		evts[i] = store.EvtData{Type: typ, Payload: fmt.Appendf(nil, "%s-%d", typ, i)}
	}
	return evts
}

func want(id uuid.UUID, first store.SeqNo, evts ...store.EvtData) []store.Evt {
	res := make([]store.Evt, len(evts))
	for i, e := range evts {
		res[i] = store.Evt{ID: id, Seq: first + store.SeqNo(i), Type: e.Type, Payload: e.Payload}
	}
	return res
}

func mustPersist(t *testing.T, l store.EvtLog, id uuid.UUID, evts []store.EvtData, expected store.SeqNo) store.SeqNo {
	t.Helper()
	last, err := l.Persist(context.Background(), id, evts, expected)
	if err != nil {
		t.Fatalf("persist %d events after %d: %v", len(evts), expected, err)
	}
	return last
}

func mustCollect(t *testing.T, l store.EvtLog, id uuid.UUID, from, to store.SeqNo) []store.Evt {
	t.Helper()
	got, err := store.Collect(l.EvtsByID(context.Background(), id, from, to))
	if err != nil {
		t.Fatalf("read %s [%d,%d]: %v", id, from, to, err)
	}
	return got
}

// RunEvtLog runs the event log conformance tests. newLog is called once per
// subtest and may return a shared log: every subtest uses fresh entity ids.
func RunEvtLog(t *testing.T, newLog func(t *testing.T) store.EvtLog) {
	t.Run("PersistConflictRead", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		id := uuid.New()
		e1 := store.EvtData{Type: "E1", Payload: []byte("one")}
		e2 := store.EvtData{Type: "E2", Payload: []byte("two")}
		e3 := store.EvtData{Type: "E3", Payload: []byte("three")}

		if last := mustPersist(t, l, id, []store.EvtData{e1, e2}, store.NoSeqNo); last != 2 {
			t.Fatalf("last=%d want 2", last)
		}
		if _, err := l.Persist(ctx, id, []store.EvtData{e3}, 1); !errors.Is(err, errmodel.ErrConflict) {
			t.Fatalf("persist with stale expected: err=%v want conflict", err)
		}
		if last := mustPersist(t, l, id, []store.EvtData{e3}, 2); last != 3 {
			t.Fatalf("last=%d want 3", last)
		}
		got := mustCollect(t, l, id, 2, store.NoSeqNo)
		if diff := cmp.Diff(want(id, 2, e2, e3), got, evtOpts); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
		for _, e := range got {
			if e.Timestamp.IsZero() {
				t.Fatalf("event %d has no timestamp", e.Seq)
			}
		}
	})

	t.Run("ConflictWritesNothing", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		id := uuid.New()
		mustPersist(t, l, id, Batch("a", 3), store.NoSeqNo)
		for _, expected := range []store.SeqNo{0, 1, 2, 4, 100} {
			_, err := l.Persist(ctx, id, Batch("b", 2), expected)
			if !errors.Is(err, errmodel.ErrConflict) {
				t.Fatalf("expected=%d: err=%v want conflict", expected, err)
			}
		}
		last, err := l.LastSeq(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if last != 3 {
			t.Fatalf("last=%d want 3", last)
		}
		if got := mustCollect(t, l, id, 0, 0); len(got) != 3 {
			t.Fatalf("len=%d want 3", len(got))
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		l := newLog(t)
		_, err := l.Persist(context.Background(), uuid.New(), nil, store.NoSeqNo)
		if !errors.Is(err, errmodel.ErrValidation) {
			t.Fatalf("err=%v want validation", err)
		}
	})

	t.Run("SeqPastMax", func(t *testing.T) {
		l := newLog(t)
		_, err := l.Persist(context.Background(), uuid.New(), Batch("e", 1), store.MaxSeqNo)
		if !errors.Is(err, errmodel.ErrValidation) {
			t.Fatalf("err=%v want validation", err)
		}
	})

	t.Run("UnknownEntity", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		last, err := l.LastSeq(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if last != store.NoSeqNo {
			t.Fatalf("last=%d want none", last)
		}
		if got := mustCollect(t, l, id, 0, 0); len(got) != 0 {
			t.Fatalf("len=%d want 0", len(got))
		}
	})

	t.Run("Ranges", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		evts := Batch("r", 10)
		mustPersist(t, l, id, evts[:4], store.NoSeqNo)
		mustPersist(t, l, id, evts[4:], 4)

		cases := []struct {
			from, to store.SeqNo
			first    store.SeqNo
			n        int
		}{
			{0, 0, 1, 10},
			{1, 0, 1, 10},
			{3, 7, 3, 5},
			{5, 5, 5, 1},
			{8, 100, 8, 3},
			{10, 0, 10, 1},
			{11, 0, 0, 0},
			{7, 3, 0, 0},
		}
		for _, tc := range cases {
			got := mustCollect(t, l, id, tc.from, tc.to)
			var exp []store.Evt
			if tc.n > 0 {
				i := int(tc.first) - 1
				exp = want(id, tc.first, evts[i:i+tc.n]...)
			}
			if diff := cmp.Diff(exp, got, evtOpts); diff != "" {
				t.Fatalf("[%d,%d] mismatch (-want +got):\n%s", tc.from, tc.to, diff)
			}
		}
	})

	t.Run("EntitiesAreIndependent", func(t *testing.T) {
		l := newLog(t)
		a, b := uuid.New(), uuid.New()
		mustPersist(t, l, a, Batch("a", 2), store.NoSeqNo)
		mustPersist(t, l, b, Batch("b", 3), store.NoSeqNo)
		mustPersist(t, l, a, Batch("a2", 1), 2)

		if got := mustCollect(t, l, a, 0, 0); len(got) != 3 {
			t.Fatalf("a: len=%d want 3", len(got))
		}
		got := mustCollect(t, l, b, 0, 0)
		if diff := cmp.Diff(want(b, 1, Batch("b", 3)...), got, evtOpts); diff != "" {
			t.Fatalf("b mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Payloads", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		bin := make([]byte, 256)
		for i := range bin {
			bin[i] = byte(i)
		}
		evts := []store.EvtData{
			{Type: "binary", Payload: bin},
			{Type: "empty"},
			{Type: "unicode ✓", Payload: []byte(`{"k":"v"}`)},
		}
		mustPersist(t, l, id, evts, store.NoSeqNo)
		got := mustCollect(t, l, id, 0, 0)
		if diff := cmp.Diff(want(id, 1, evts...), got, evtOpts); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("LargeBatch", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		evts := Batch("big", 1200)
		if last := mustPersist(t, l, id, evts, store.NoSeqNo); last != 1200 {
			t.Fatalf("last=%d want 1200", last)
		}
		got := mustCollect(t, l, id, 0, 0)
		if len(got) != len(evts) {
			t.Fatalf("len=%d want %d", len(got), len(evts))
		}
		for i, e := range got {
			if e.Seq != store.SeqNo(i+1) || !bytes.Equal(e.Payload, evts[i].Payload) {
				t.Fatalf("event %d: seq=%d payload=%q", i, e.Seq, e.Payload)
			}
		}
	})

	t.Run("BoundedReadEndsAtStartingLast", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		mustPersist(t, l, id, Batch("a", 2), store.NoSeqNo)
		var seqs []store.SeqNo
		for evt, err := range l.EvtsByID(context.Background(), id, 0, 0) {
			if err != nil {
				t.Fatal(err)
			}
			if evt.Seq == 1 {
				mustPersist(t, l, id, Batch("b", 2), 2)
			}
			seqs = append(seqs, evt.Seq)
		}
		if diff := cmp.Diff([]store.SeqNo{1, 2}, seqs); diff != "" {
			t.Fatalf("seqs mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("EarlyBreak", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		mustPersist(t, l, id, Batch("a", 5), store.NoSeqNo)
		n := 0
		for _, err := range l.EvtsByID(context.Background(), id, 0, 0) {
			if err != nil {
				t.Fatal(err)
			}
			n++
			if n == 2 {
				break
			}
		}
		if n != 2 {
			t.Fatalf("n=%d want 2", n)
		}
	})

	t.Run("CanceledBoundedRead", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		mustPersist(t, l, id, Batch("a", 2), store.NoSeqNo)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.Collect(l.EvtsByID(ctx, id, 0, 0))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	})

	t.Run("Tail", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		mustPersist(t, l, id, Batch("a", 2), store.NoSeqNo)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		tailCtx, stop := context.WithCancel(ctx)
		defer stop()

		type result struct {
			seqs []store.SeqNo
			err  error
		}
		done := make(chan result, 1)
		go func() {
			var r result
			for evt, err := range l.TailByID(tailCtx, id, 2) {
				if err != nil {
					r.err = err
					break
				}
				r.seqs = append(r.seqs, evt.Seq)
				if evt.Seq == 4 {
					stop()
				}
			}
			done <- r
		}()

		time.Sleep(50 * time.Millisecond)
		mustPersist(t, l, id, Batch("b", 2), 2)

		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("tail: %v", r.err)
			}
			if diff := cmp.Diff([]store.SeqNo{2, 3, 4}, r.seqs); diff != "" {
				t.Fatalf("seqs mismatch (-want +got):\n%s", diff)
			}
		case <-ctx.Done():
			t.Fatal("tail did not deliver appended events")
		}
	})

	t.Run("TailEndsOnCancel", func(t *testing.T) {
		l := newLog(t)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)
		for _, err := range l.TailByID(ctx, uuid.New(), 0) {
			if err != nil {
				t.Fatalf("tail: %v", err)
			}
			t.Fatal("unexpected event")
		}
	})

	t.Run("ConcurrentPersist", func(t *testing.T) {
		l := newLog(t)
		id := uuid.New()
		const writers = 8
		var ok, conflicts atomic.Int32
		var g errgroup.Group
		for i := range writers {
			g.Go(func() error {
				_, err := l.Persist(context.Background(), id, Batch(fmt.Sprintf("w%d", i), 3), store.NoSeqNo)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, errmodel.ErrConflict):
					conflicts.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		if ok.Load() != 1 || conflicts.Load() != writers-1 {
			t.Fatalf("ok=%d conflicts=%d", ok.Load(), conflicts.Load())
		}
		got := mustCollect(t, l, id, 0, 0)
		if len(got) != 3 {
			t.Fatalf("len=%d want 3", len(got))
		}
		for _, e := range got[1:] {
			if e.Type != got[0].Type {
				t.Fatalf("events of different batches interleaved: %q %q", got[0].Type, e.Type)
			}
		}
	})
}

// RunSnapshotStore runs the snapshot store conformance tests.
func RunSnapshotStore(t *testing.T, newStore func(t *testing.T) store.SnapshotStore) {
	load := func(t *testing.T, s store.SnapshotStore, id uuid.UUID) (store.Snapshot, bool) {
		t.Helper()
		snap, ok, err := s.Load(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		return snap, ok
	}

	t.Run("Missing", func(t *testing.T) {
		CheckMissing(t, newStore(t))
	})

	t.Run("SaveLoad", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		if err := s.Save(context.Background(), id, 3, []byte("S1")); err != nil {
			t.Fatal(err)
		}
		snap, ok := load(t, s, id)
		if !ok {
			t.Fatal("snapshot not found")
		}
		if snap.ID != id || snap.Seq != 3 || string(snap.Payload) != "S1" {
			t.Fatalf("snapshot=%+v", snap)
		}
		if snap.Timestamp.IsZero() {
			t.Fatal("snapshot has no timestamp")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		for _, step := range []struct {
			seq     store.SeqNo
			payload string
		}{{2, "a"}, {5, "b"}, {5, "c"}} {
			if err := s.Save(ctx, id, step.seq, []byte(step.payload)); err != nil {
				t.Fatalf("save %d: %v", step.seq, err)
			}
			snap, _ := load(t, s, id)
			if snap.Seq != step.seq || string(snap.Payload) != step.payload {
				t.Fatalf("after save %d: snapshot=%+v", step.seq, snap)
			}
		}
	})

	t.Run("StaleRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		if err := s.Save(ctx, id, 5, []byte("new")); err != nil {
			t.Fatal(err)
		}
		err := s.Save(ctx, id, 4, []byte("old"))
		if !errors.Is(err, errmodel.ErrConflict) {
			t.Fatalf("err=%v want conflict", err)
		}
		snap, _ := load(t, s, id)
		if snap.Seq != 5 || string(snap.Payload) != "new" {
			t.Fatalf("snapshot=%+v", snap)
		}
	})

	t.Run("ConcurrentSave", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		const writers = 12
		var g errgroup.Group
		for i := 1; i <= writers; i++ {
			g.Go(func() error {
				err := s.Save(ctx, id, store.SeqNo(i), fmt.Appendf(nil, "s-%d", i))
				if err != nil && !errors.Is(err, errmodel.ErrConflict) {
					return fmt.Errorf("save %d: %w", i, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		snap, ok := load(t, s, id)
		if !ok || snap.Seq != writers || string(snap.Payload) != fmt.Sprintf("s-%d", writers) {
			t.Fatalf("snapshot=%+v ok=%v want seq %d", snap, ok, writers)
		}
	})

	t.Run("SeqPastMax", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		err := s.Save(ctx, id, store.MaxSeqNo+1, []byte("x"))
		if !errors.Is(err, errmodel.ErrValidation) {
			t.Fatalf("err=%v want validation", err)
		}
		if _, ok := load(t, s, id); ok {
			t.Fatal("rejected snapshot was stored")
		}
	})

	t.Run("ZeroSeq", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(context.Background(), uuid.New(), store.NoSeqNo, []byte("x"))
		if !errors.Is(err, errmodel.ErrValidation) {
			t.Fatalf("err=%v want validation", err)
		}
	})

	t.Run("EntitiesAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uuid.New(), uuid.New()
		if err := s.Save(ctx, a, 1, []byte("a")); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, b, 9, []byte("b")); err != nil {
			t.Fatal(err)
		}
		if snap, _ := load(t, s, a); snap.Seq != 1 || string(snap.Payload) != "a" {
			t.Fatalf("a=%+v", snap)
		}
		if snap, _ := load(t, s, b); snap.Seq != 9 || string(snap.Payload) != "b" {
			t.Fatalf("b=%+v", snap)
		}
	})
}

// CheckMissing checks that s has no snapshot for an unknown entity.
func CheckMissing(t *testing.T, s store.SnapshotStore) {
	t.Helper()
	snap, ok, err := s.Load(context.Background(), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("found snapshot for unknown entity: %+v", snap)
	}
}
