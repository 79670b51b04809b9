package store

import (
	"context"

	"github.com/google/uuid"
)

// NoopSnapshotStore stores nothing: Save succeeds without effect and Load
// never finds a snapshot, so entities always replay their full log.
type NoopSnapshotStore struct{}

var _ SnapshotStore = NoopSnapshotStore{}

func (NoopSnapshotStore) Save(context.Context, uuid.UUID, SeqNo, []byte) error { return nil }

func (NoopSnapshotStore) Load(context.Context, uuid.UUID) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}
