//go:build integration

package entstore

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wilhg/eventsourced/pkg/store"
	"github.com/wilhg/eventsourced/pkg/store/storetest"
)

func openPostgres(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("evts"),
		tcpostgres.WithUsername("evts"),
		tcpostgres.WithPassword("evts"),
		tcpostgres.WithSQLDriver("pgx"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	db, err := Open(ctx, Config{DatabaseURL: dsn, PoolSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestPostgresEvtLog(t *testing.T) {
	db := openPostgres(t)
	l, err := NewEvtLog(context.Background(), db, EvtLogConfig{PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	storetest.RunEvtLog(t, func(*testing.T) store.EvtLog { return l })
}

func TestPostgresSnapshotStore(t *testing.T) {
	db := openPostgres(t)
	s, err := NewSnapshotStore(context.Background(), db, SnapshotStoreConfig{})
	if err != nil {
		t.Fatal(err)
	}
	storetest.RunSnapshotStore(t, func(*testing.T) store.SnapshotStore { return s })
}
