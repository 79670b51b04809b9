// Package store defines persistence interfaces for events and snapshots.
// Implementations must provide identical semantics across backends
// to support deterministic replay and portability.
//
// Every entity (aggregate instance) owns one log. Sequence numbers start at 1
// and are gapless: the persisted sequence numbers of an entity are always
// exactly {1..LastSeq}. Persist is the only write path and its expected
// sequence number is the only concurrency control; the backend, never a local
// lock, decides which of several racing writers wins.
package store

import (
	"context"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SeqNo is a per-entity event sequence number. The first event is 1.
type SeqNo uint64

// NoSeqNo is the "none" sequence number: LastSeq of an entity without events,
// and the expectation to pass to Persist for its first batch.
const NoSeqNo SeqNo = 0

// Next returns the sequence number following s.
func (s SeqNo) Next() SeqNo { return s + 1 }

func (s SeqNo) String() string { return strconv.FormatUint(uint64(s), 10) }

// EvtData is an event to be persisted: a type tag and the encoded payload.
type EvtData struct {
	Type    string
	Payload []byte
}

// Evt is a persisted event.
type Evt struct {
	ID        uuid.UUID
	Seq       SeqNo
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// Snapshot is the persisted state of an entity as of Seq.
type Snapshot struct {
	ID        uuid.UUID
	Seq       SeqNo
	Payload   []byte
	Timestamp time.Time
}

// EvtLog persists and reads the ordered event log of entities.
//
// All errors are *errmodel.Error values. An unknown id is not an error: it
// has LastSeq NoSeqNo and an empty event sequence.
type EvtLog interface {
	// Persist appends evts as one contiguous, all-or-nothing block right after
	// expected and returns the sequence number of the last appended event.
	// It fails with an errmodel conflict, leaving the log unchanged, if the
	// entity's last sequence number is not expected.
	Persist(ctx context.Context, id uuid.UUID, evts []EvtData, expected SeqNo) (SeqNo, error)

	// EvtsByID yields the events of id with from <= seq <= to in ascending,
	// gapless order. A zero to means no upper bound. The sequence is finite: it
	// ends at the last event persisted when iteration starts.
	EvtsByID(ctx context.Context, id uuid.UUID, from, to SeqNo) iter.Seq2[Evt, error]

	// TailByID yields the events of id with from <= seq, then keeps yielding
	// newly persisted events until ctx is cancelled or the caller stops
	// ranging. Cancellation ends the sequence without an error.
	TailByID(ctx context.Context, id uuid.UUID, from SeqNo) iter.Seq2[Evt, error]

	// LastSeq returns the sequence number of the last persisted event of id,
	// or NoSeqNo.
	LastSeq(ctx context.Context, id uuid.UUID) (SeqNo, error)
}

// SnapshotStore persists the latest snapshot per entity.
//
// Save overwrites the stored snapshot when seq is at least the stored
// sequence number and rejects a regressing seq with an errmodel conflict
// (code "stale_snapshot"). Both backends apply this policy.
type SnapshotStore interface {
	Save(ctx context.Context, id uuid.UUID, seq SeqNo, payload []byte) error
	Load(ctx context.Context, id uuid.UUID) (Snapshot, bool, error)
}

// Store aggregates event and snapshot stores.
type Store interface {
	EvtLog
	SnapshotStore
}

// Collect drains a finite event sequence into a slice, stopping at the first
// error.
func Collect(seq iter.Seq2[Evt, error]) ([]Evt, error) {
	var out []Evt
	for evt, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}
