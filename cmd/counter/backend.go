package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/wilhg/eventsourced/internal/config"
	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
	"github.com/wilhg/eventsourced/pkg/store/entstore"
	"github.com/wilhg/eventsourced/pkg/store/natsstore"
)

// maxConnectTime bounds the retries of the initial connect.
const maxConnectTime = 30 * time.Second

type backend struct {
	evts  store.EvtLog
	snaps store.SnapshotStore
	close func() error
}

// openBackend connects to the configured backend and prepares its event log
// and snapshot store. Without snapshots configured, the snapshot store is a
// store.NoopSnapshotStore.
func openBackend(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*backend, error) {
	log = log.WithField("backend", cfg.Backend)
	switch cfg.Backend {
	case config.BackendNATS:
		conn, err := connect(ctx, log, func() (*natsstore.Conn, error) {
			return natsstore.Connect(ctx, cfg.NATSConn())
		})
		if err != nil {
			return nil, err
		}
		evts, err := natsstore.NewEvtLog(ctx, conn, cfg.NATSEvtLog(), natsstore.WithLogger(log))
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		var snaps store.SnapshotStore = store.NoopSnapshotStore{}
		if cfg.Counter.SnapshotEvery > 0 {
			if snaps, err = natsstore.NewSnapshotStore(ctx, conn, cfg.NATSSnapshotStore(), natsstore.WithLogger(log)); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return &backend{evts: evts, snaps: snaps, close: conn.Close}, nil

	default:
		db, err := connect(ctx, log, func() (*entstore.DB, error) {
			return entstore.Open(ctx, cfg.SQLDB())
		})
		if err != nil {
			return nil, err
		}
		evts, err := entstore.NewEvtLog(ctx, db, cfg.SQLEvtLog(), entstore.WithLogger(log))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		var snaps store.SnapshotStore = store.NoopSnapshotStore{}
		if cfg.Counter.SnapshotEvery > 0 {
			if snaps, err = entstore.NewSnapshotStore(ctx, db, cfg.SQLSnapshotStore(), entstore.WithLogger(log)); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &backend{evts: evts, snaps: snaps, close: db.Close}, nil
	}
}

// connect retries op with exponential backoff while it fails transiently.
func connect[T any](ctx context.Context, log logrus.FieldLogger, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errmodel.IsCategory(err, errmodel.CategoryTransient) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxConnectTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("connect failed")
		}),
	)
}
