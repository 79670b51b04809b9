package entstore

import (
	"context"
	"database/sql"
	"iter"
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

// maxInsertRows bounds the rows of a single INSERT statement, keeping the
// parameter count below PostgreSQL's limit of 65535.
const maxInsertRows = 1000

// EvtLogConfig configures an EvtLog.
type EvtLogConfig struct {
	// EventsTable is the name of the events table.
	EventsTable string

	// PollInterval is how often TailByID checks for new events.
	PollInterval time.Duration

	// ReadBatchSize is the number of rows fetched per query when reading.
	ReadBatchSize int

	// Setup creates the events table if needed.
	Setup bool
}

// DefaultEvtLogConfig returns the default configuration.
func DefaultEvtLogConfig() EvtLogConfig {
	return EvtLogConfig{
		EventsTable:   "events",
		PollInterval:  250 * time.Millisecond,
		ReadBatchSize: 256,
	}
}

// EvtLog is an event log stored in a relational table.
type EvtLog struct {
	db     *DB
	cfg    EvtLogConfig
	log    logrus.FieldLogger
	tracer trace.Tracer
}

var _ store.EvtLog = (*EvtLog)(nil)

// NewEvtLog creates an event log on db, creating its table if cfg.Setup is
// set. Zero config fields take their defaults.
func NewEvtLog(ctx context.Context, db *DB, cfg EvtLogConfig, opts ...Option) (*EvtLog, error) {
	def := DefaultEvtLogConfig()
	if cfg.EventsTable == "" {
		cfg.EventsTable = def.EventsTable
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = def.ReadBatchSize
	}
	if err := validTableName(cfg.EventsTable); err != nil {
		return nil, err
	}
	if cfg.Setup {
		if err := db.migrate(ctx, eventsTable(cfg.EventsTable)); err != nil {
			return nil, err
		}
	}
	o := newOptions(opts)
	return &EvtLog{
		db:     db,
		cfg:    cfg,
		log:    o.log.WithField("table", cfg.EventsTable),
		tracer: otel.Tracer("store/entstore"),
	}, nil
}

// Persist appends evts within a single transaction. The last sequence number
// is read first and compared to expected; if a concurrent transaction
// appends in between, the primary key rejects this one.
func (l *EvtLog) Persist(ctx context.Context, id uuid.UUID, evts []store.EvtData, expected store.SeqNo) (store.SeqNo, error) {
	ctx, span := l.tracer.Start(ctx, "entstore.persist", trace.WithAttributes(
		attribute.String("entity.id", id.String()),
		attribute.Int("evt.count", len(evts)),
		attribute.Int64("seq.expected", int64(expected)),
	))
	defer span.End()

	if err := store.ValidateBatch(id, evts, expected); err != nil {
		errmodel.RecordSpan(span, err)
		return store.NoSeqNo, err
	}
	last, err := l.persist(ctx, id, evts, expected)
	if err != nil {
		errmodel.RecordSpan(span, err)
		l.log.WithError(err).WithField("id", id).Debug("persist failed")
		return store.NoSeqNo, err
	}
	l.log.WithFields(logrus.Fields{"id": id, "last": last}).Debug("persisted events")
	return last, nil
}

func (l *EvtLog) persist(ctx context.Context, id uuid.UUID, evts []store.EvtData, expected store.SeqNo) (store.SeqNo, error) {
	errCtx := map[string]any{"id": id.String()}
	tx, err := l.db.db.BeginTx(ctx, nil)
	if err != nil {
		return store.NoSeqNo, classify("begin", errCtx, err)
	}
	defer func() { _ = tx.Rollback() }()

	actual, err := l.lastSeq(ctx, tx, id)
	if err != nil {
		if isWriteRace(err) {
			return store.NoSeqNo, store.RaceConflict(id, expected, err)
		}
		return store.NoSeqNo, classify("last_seq", errCtx, err)
	}
	if actual != expected {
		return store.NoSeqNo, store.Conflict(id, expected, actual, nil)
	}

	now := time.Now().UTC()
	for start := 0; start < len(evts); start += maxInsertRows {
		end := min(start+maxInsertRows, len(evts))
		ins := l.db.builder().Insert(l.cfg.EventsTable).
			Columns(colID, colSeq, colType, colPayload, colTimestamp)
		for i := start; i < end; i++ {
			seq := expected + store.SeqNo(i+1)
			ins.Values(id, int64(seq), evts[i].Type, payloadOrEmpty(evts[i].Payload), now)
		}
		q, args := ins.Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			if isWriteRace(err) {
				return store.NoSeqNo, store.RaceConflict(id, expected, err)
			}
			return store.NoSeqNo, classify("insert", errCtx, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isWriteRace(err) {
			return store.NoSeqNo, store.RaceConflict(id, expected, err)
		}
		return store.NoSeqNo, classify("commit", errCtx, err)
	}
	return expected + store.SeqNo(len(evts)), nil
}

// LastSeq returns the sequence number of the last event of id, or NoSeqNo.
func (l *EvtLog) LastSeq(ctx context.Context, id uuid.UUID) (store.SeqNo, error) {
	ctx, span := l.tracer.Start(ctx, "entstore.last_seq", trace.WithAttributes(attribute.String("entity.id", id.String())))
	defer span.End()
	seq, err := l.lastSeq(ctx, l.db.db, id)
	if err != nil {
		err = classify("last_seq", map[string]any{"id": id.String()}, err)
		errmodel.RecordSpan(span, err)
		return store.NoSeqNo, err
	}
	return seq, nil
}

func (l *EvtLog) lastSeq(ctx context.Context, q dbtx, id uuid.UUID) (store.SeqNo, error) {
	query, args := l.db.builder().
		Select(entsql.Max(colSeq)).
		From(entsql.Table(l.cfg.EventsTable)).
		Where(entsql.EQ(colID, id)).
		Query()
	var last sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return store.NoSeqNo, err
	}
	if !last.Valid {
		return store.NoSeqNo, nil
	}
	return store.SeqNo(last.Int64), nil
}

// EvtsByID yields the events of id with sequence numbers in [from, to]. A
// zero from starts at the first event; a zero to reads up to the last event
// present when iteration starts.
func (l *EvtLog) EvtsByID(ctx context.Context, id uuid.UUID, from, to store.SeqNo) iter.Seq2[store.Evt, error] {
	return func(yield func(store.Evt, error) bool) {
		ctx, span := l.tracer.Start(ctx, "entstore.evts_by_id", trace.WithAttributes(
			attribute.String("entity.id", id.String()),
			attribute.Int64("seq.from", int64(from)),
			attribute.Int64("seq.to", int64(to)),
		))
		defer span.End()
		fail := func(err error) {
			errmodel.RecordSpan(span, err)
			yield(store.Evt{}, err)
		}

		last, err := l.lastSeq(ctx, l.db.db, id)
		if err != nil {
			fail(classify("last_seq", map[string]any{"id": id.String()}, err))
			return
		}
		end := last
		if to != store.NoSeqNo && to < end {
			end = to
		}
		next := store.StartSeq(from)
		for next <= end {
			if err := ctx.Err(); err != nil {
				fail(errmodel.Transient("canceled", "read canceled", map[string]any{"id": id.String()}, err))
				return
			}
			evts, err := l.page(ctx, id, next, end)
			if err != nil {
				fail(err)
				return
			}
			if len(evts) == 0 {
				fail(store.ExpectNext(id, next, store.NoSeqNo))
				return
			}
			for _, evt := range evts {
				if err := store.ExpectNext(id, next, evt.Seq); err != nil {
					fail(err)
					return
				}
				if !yield(evt, nil) {
					return
				}
				next++
			}
		}
	}
}

// TailByID yields the events of id from from onwards, polling for new ones.
// The sequence ends without error when ctx is canceled; any other failure is
// yielded once and ends the sequence, which may be restarted after the last
// yielded sequence number.
func (l *EvtLog) TailByID(ctx context.Context, id uuid.UUID, from store.SeqNo) iter.Seq2[store.Evt, error] {
	return func(yield func(store.Evt, error) bool) {
		ctx, span := l.tracer.Start(ctx, "entstore.tail_by_id", trace.WithAttributes(
			attribute.String("entity.id", id.String()),
			attribute.Int64("seq.from", int64(from)),
		))
		defer span.End()

		timer := time.NewTimer(0)
		defer timer.Stop()
		next := store.StartSeq(from)
		for {
			evts, err := l.page(ctx, id, next, store.NoSeqNo)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errmodel.RecordSpan(span, err)
				yield(store.Evt{}, err)
				return
			}
			for _, evt := range evts {
				if err := store.ExpectNext(id, next, evt.Seq); err != nil {
					errmodel.RecordSpan(span, err)
					yield(store.Evt{}, err)
					return
				}
				if !yield(evt, nil) {
					return
				}
				next++
			}
			if len(evts) == l.cfg.ReadBatchSize {
				continue
			}
			timer.Reset(l.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
	}
}

// page reads up to ReadBatchSize events of id starting at from. A zero to
// leaves the range open.
func (l *EvtLog) page(ctx context.Context, id uuid.UUID, from, to store.SeqNo) ([]store.Evt, error) {
	if from > store.MaxSeqNo {
		return nil, nil
	}
	preds := []*entsql.Predicate{
		entsql.EQ(colID, id),
		entsql.GTE(colSeq, int64(from)),
	}
	if to != store.NoSeqNo {
		preds = append(preds, entsql.LTE(colSeq, int64(to)))
	}
	query, args := l.db.builder().
		Select(colSeq, colType, colPayload, colTimestamp).
		From(entsql.Table(l.cfg.EventsTable)).
		Where(entsql.And(preds...)).
		OrderBy(colSeq).
		Limit(l.cfg.ReadBatchSize).
		Query()
	errCtx := map[string]any{"id": id.String(), "from": uint64(from)}
	rows, err := l.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("read", errCtx, err)
	}
	defer rows.Close()

	evts := make([]store.Evt, 0, l.cfg.ReadBatchSize)
	for rows.Next() {
		var (
			seq int64
			evt = store.Evt{ID: id}
		)
		if err := rows.Scan(&seq, &evt.Type, &evt.Payload, &evt.Timestamp); err != nil {
			return nil, classify("scan", errCtx, err)
		}
		if seq <= 0 {
			return nil, errmodel.Backend("invalid_seq", "stored sequence number is not positive", errCtx, nil)
		}
		evt.Seq = store.SeqNo(seq)
		evts = append(evts, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read", errCtx, err)
	}
	return evts, nil
}

// payloadOrEmpty keeps a nil payload from being stored as NULL.
func payloadOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
