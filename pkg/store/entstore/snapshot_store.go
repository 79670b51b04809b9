package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
)

// SnapshotStoreConfig configures a SnapshotStore.
type SnapshotStoreConfig struct {
	// SnapshotsTable is the name of the snapshots table.
	SnapshotsTable string

	// Setup creates the snapshots table if needed.
	Setup bool
}

// DefaultSnapshotStoreConfig returns the default configuration.
func DefaultSnapshotStoreConfig() SnapshotStoreConfig {
	return SnapshotStoreConfig{SnapshotsTable: "snapshots"}
}

// SnapshotStore keeps the latest snapshot per entity in a relational table.
type SnapshotStore struct {
	db     *DB
	cfg    SnapshotStoreConfig
	log    logrus.FieldLogger
	tracer trace.Tracer
}

var _ store.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a snapshot store on db, creating its table if
// cfg.Setup is set.
func NewSnapshotStore(ctx context.Context, db *DB, cfg SnapshotStoreConfig, opts ...Option) (*SnapshotStore, error) {
	if cfg.SnapshotsTable == "" {
		cfg.SnapshotsTable = DefaultSnapshotStoreConfig().SnapshotsTable
	}
	if err := validTableName(cfg.SnapshotsTable); err != nil {
		return nil, err
	}
	if cfg.Setup {
		if err := db.migrate(ctx, snapshotsTable(cfg.SnapshotsTable)); err != nil {
			return nil, err
		}
	}
	o := newOptions(opts)
	return &SnapshotStore{
		db:     db,
		cfg:    cfg,
		log:    o.log.WithField("table", cfg.SnapshotsTable),
		tracer: otel.Tracer("store/entstore"),
	}, nil
}

// Save upserts the snapshot of id. The stored row is only replaced by a
// snapshot with an equal or higher sequence number; a lower one is rejected
// with a conflict.
func (s *SnapshotStore) Save(ctx context.Context, id uuid.UUID, seq store.SeqNo, payload []byte) error {
	ctx, span := s.tracer.Start(ctx, "entstore.save_snapshot", trace.WithAttributes(
		attribute.String("entity.id", id.String()),
		attribute.Int64("seq", int64(seq)),
	))
	defer span.End()

	if err := store.ValidateSnapshot(id, seq); err != nil {
		errmodel.RecordSpan(span, err)
		return err
	}
	if err := s.save(ctx, id, seq, payload); err != nil {
		errmodel.RecordSpan(span, err)
		s.log.WithError(err).WithField("id", id).Debug("save snapshot failed")
		return err
	}
	s.log.WithFields(logrus.Fields{"id": id, "seq": seq}).Debug("saved snapshot")
	return nil
}

func (s *SnapshotStore) save(ctx context.Context, id uuid.UUID, seq store.SeqNo, payload []byte) error {
	errCtx := map[string]any{"id": id.String(), "seq": uint64(seq)}
	table := s.cfg.SnapshotsTable
	q, args := s.db.builder().Insert(table).
		Columns(colID, colSeq, colPayload, colTimestamp).
		Values(id, int64(seq), payloadOrEmpty(payload), time.Now().UTC()).
		OnConflict(
			entsql.ConflictColumns(colID),
			entsql.ResolveWithNewValues(),
			entsql.UpdateWhere(entsql.ExprP(fmt.Sprintf("%s.%s <= excluded.%s", table, colSeq, colSeq))),
		).
		Query()
	res, err := s.db.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isWriteRace(err) {
			return errmodel.Conflict("snapshot_race", "concurrent snapshot save", errCtx, err)
		}
		return classify("save_snapshot", errCtx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("save_snapshot", errCtx, err)
	}
	if n > 0 {
		return nil
	}
	stored, _, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return store.StaleSnapshot(id, seq, stored.Seq)
}

// Load returns the snapshot of id; ok is false if none was saved.
func (s *SnapshotStore) Load(ctx context.Context, id uuid.UUID) (store.Snapshot, bool, error) {
	ctx, span := s.tracer.Start(ctx, "entstore.load_snapshot", trace.WithAttributes(attribute.String("entity.id", id.String())))
	defer span.End()
	snap, ok, err := s.load(ctx, id)
	if err != nil {
		errmodel.RecordSpan(span, err)
		return store.Snapshot{}, false, err
	}
	span.SetAttributes(attribute.Bool("found", ok))
	return snap, ok, nil
}

func (s *SnapshotStore) load(ctx context.Context, id uuid.UUID) (store.Snapshot, bool, error) {
	q, args := s.db.builder().
		Select(colSeq, colPayload, colTimestamp).
		From(entsql.Table(s.cfg.SnapshotsTable)).
		Where(entsql.EQ(colID, id)).
		Query()
	var (
		seq  int64
		snap = store.Snapshot{ID: id}
	)
	err := s.db.db.QueryRowContext(ctx, q, args...).Scan(&seq, &snap.Payload, &snap.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, classify("load_snapshot", map[string]any{"id": id.String()}, err)
	}
	if seq <= 0 {
		return store.Snapshot{}, false, errmodel.Backend("invalid_seq", "stored snapshot sequence number is not positive", map[string]any{"id": id.String()}, nil)
	}
	snap.Seq = store.SeqNo(seq)
	return snap, true, nil
}
