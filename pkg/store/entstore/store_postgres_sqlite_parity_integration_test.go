//go:build integration

package entstore

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/wilhg/eventsourced/pkg/store"
	"github.com/wilhg/eventsourced/pkg/store/storetest"
)

// Appends the same batches to SQLite and Postgres and compares what both
// return, including conflicts.
func TestParity_SQLite_vs_Postgres(t *testing.T) {
	ctx := context.Background()
	sqlite, err := NewEvtLog(ctx, openSQLite(t), EvtLogConfig{Setup: true})
	if err != nil {
		t.Fatal(err)
	}
	pg, err := NewEvtLog(ctx, openPostgres(t), EvtLogConfig{})
	if err != nil {
		t.Fatal(err)
	}

	id := uuid.New()
	steps := []struct {
		evts     []store.EvtData
		expected store.SeqNo
	}{
		{storetest.Batch("a", 2), 0},
		{storetest.Batch("b", 1), 1},
		{storetest.Batch("c", 3), 2},
		{storetest.Batch("d", 1), 5},
	}
	for i, step := range steps {
		lastA, errA := sqlite.Persist(ctx, id, step.evts, step.expected)
		lastB, errB := pg.Persist(ctx, id, step.evts, step.expected)
		if lastA != lastB || (errA == nil) != (errB == nil) {
			t.Fatalf("step %d: sqlite=(%d,%v) postgres=(%d,%v)", i, lastA, errA, lastB, errB)
		}
	}

	a, err := store.Collect(sqlite.EvtsByID(ctx, id, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Collect(pg.EvtsByID(ctx, id, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(store.Evt{}, "Timestamp"), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("sqlite and postgres differ (-sqlite +postgres):\n%s", diff)
	}
}
