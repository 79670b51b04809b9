package natsstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
)

// maxSaveAttempts bounds the compare-and-set loop of Save.
const maxSaveAttempts = 16

// SnapshotStoreConfig configures a SnapshotStore.
type SnapshotStoreConfig struct {
	// Bucket names the key-value bucket.
	Bucket string

	// Setup creates or updates the bucket.
	Setup bool

	// Replicas of the bucket when Setup is set.
	Replicas int
}

// DefaultSnapshotStoreConfig returns the default configuration.
func DefaultSnapshotStoreConfig() SnapshotStoreConfig {
	return SnapshotStoreConfig{Bucket: "snapshots", Setup: true, Replicas: 1}
}

// SnapshotStore keeps the latest snapshot per entity in a key-value bucket.
type SnapshotStore struct {
	kv     jetstream.KeyValue
	log    logrus.FieldLogger
	tracer trace.Tracer
}

var _ store.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore binds a snapshot store to the bucket named in cfg.
func NewSnapshotStore(ctx context.Context, conn *Conn, cfg SnapshotStoreConfig, opts ...Option) (*SnapshotStore, error) {
	if err := validName(cfg.Bucket); err != nil {
		return nil, err
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	var (
		kv  jetstream.KeyValue
		err error
	)
	if cfg.Setup {
		kv, err = conn.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:   cfg.Bucket,
			History:  1,
			Storage:  jetstream.FileStorage,
			Replicas: cfg.Replicas,
		})
	} else {
		kv, err = conn.js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, classify(ctx, "bucket", map[string]any{"bucket": cfg.Bucket}, err)
	}
	o := newOptions(opts)
	return &SnapshotStore{
		kv:     kv,
		log:    o.log.WithField("bucket", cfg.Bucket),
		tracer: otel.Tracer("store/natsstore"),
	}, nil
}

// Save stores the snapshot of id unless a snapshot with a higher sequence
// number is already stored. Concurrent saves are serialized by the bucket's
// per-key revision.
func (s *SnapshotStore) Save(ctx context.Context, id uuid.UUID, seq store.SeqNo, payload []byte) error {
	ctx, span := s.tracer.Start(ctx, "natsstore.save_snapshot", trace.WithAttributes(
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
	key := id.String()
	errCtx := map[string]any{"id": key, "seq": uint64(seq)}
	val := encodeSnapshot(seq, payload, time.Now().UTC())

	for range maxSaveAttempts {
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, err = s.kv.Create(ctx, key, val)
			if errors.Is(err, jetstream.ErrKeyExists) || isWrongLastSeq(err) {
				continue
			}
		case err != nil:
			return classify(ctx, "load_snapshot", errCtx, err)
		default:
			stored, derr := decodeSnapshot(entry.Value())
			if derr != nil {
				return derr
			}
			if seq < stored.Seq {
				return store.StaleSnapshot(id, seq, stored.Seq)
			}
			_, err = s.kv.Update(ctx, key, val, entry.Revision())
			if isWrongLastSeq(err) {
				continue
			}
		}
		return classify(ctx, "save_snapshot", errCtx, err)
	}
	return errmodel.Conflict("snapshot_race", "too many concurrent snapshot saves", errCtx, nil)
}

// Load returns the snapshot of id; ok is false if none was saved.
func (s *SnapshotStore) Load(ctx context.Context, id uuid.UUID) (store.Snapshot, bool, error) {
	ctx, span := s.tracer.Start(ctx, "natsstore.load_snapshot", trace.WithAttributes(attribute.String("entity.id", id.String())))
	defer span.End()

	entry, err := s.kv.Get(ctx, id.String())
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		span.SetAttributes(attribute.Bool("found", false))
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		err = classify(ctx, "load_snapshot", map[string]any{"id": id.String()}, err)
		errmodel.RecordSpan(span, err)
		return store.Snapshot{}, false, err
	}
	snap, err := decodeSnapshot(entry.Value())
	if err != nil {
		errmodel.RecordSpan(span, err)
		return store.Snapshot{}, false, err
	}
	snap.ID = id
	span.SetAttributes(attribute.Bool("found", true))
	return snap, true, nil
}
