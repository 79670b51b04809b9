package store

import (
	"math"

	"github.com/google/uuid"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

// MaxSeqNo is the largest sequence number every backend can store; relational
// databases keep sequence numbers in signed 64-bit columns.
const MaxSeqNo = SeqNo(math.MaxInt64)

// ValidateBatch rejects empty batches and batches that would go past
// MaxSeqNo.
func ValidateBatch(id uuid.UUID, evts []EvtData, expected SeqNo) error {
	if len(evts) == 0 {
		return errmodel.Validation("empty_batch", "no events to persist", map[string]any{"id": id.String()})
	}
	if expected > MaxSeqNo || uint64(len(evts)) > uint64(MaxSeqNo-expected) {
		return errmodel.Validation("seq_overflow", "sequence number overflow", map[string]any{
			"id":       id.String(),
			"expected": uint64(expected),
		})
	}
	return nil
}

// ValidateSnapshot rejects snapshots without a sequence number or beyond
// MaxSeqNo.
func ValidateSnapshot(id uuid.UUID, seq SeqNo) error {
	if seq == NoSeqNo {
		return errmodel.Validation("zero_seq", "snapshot sequence number must be positive", map[string]any{"id": id.String()})
	}
	if seq > MaxSeqNo {
		return errmodel.Validation("seq_overflow", "snapshot sequence number exceeds the maximum", map[string]any{
			"id":  id.String(),
			"seq": uint64(seq),
		})
	}
	return nil
}

// StartSeq normalizes a read lower bound.
func StartSeq(from SeqNo) SeqNo {
	if from == NoSeqNo {
		return 1
	}
	return from
}

// ExpectNext checks that a read yields got right after the previously yielded
// sequence number.
func ExpectNext(id uuid.UUID, want, got SeqNo) error {
	if got == want {
		return nil
	}
	return errmodel.Backend("seq_gap", "event sequence is not contiguous", map[string]any{
		"id":   id.String(),
		"want": uint64(want),
		"got":  uint64(got),
	}, nil)
}

// Conflict builds the error returned when expected does not match the actual
// last sequence number.
func Conflict(id uuid.UUID, expected, actual SeqNo, cause error) error {
	return errmodel.Conflict("seq_mismatch", "expected sequence number is stale", map[string]any{
		"id":       id.String(),
		"expected": uint64(expected),
		"actual":   uint64(actual),
	}, cause)
}

// StaleSnapshot builds the error returned when a save would regress the stored
// snapshot.
func StaleSnapshot(id uuid.UUID, seq, stored SeqNo) error {
	return errmodel.Conflict("stale_snapshot", "snapshot sequence number regresses", map[string]any{
		"id":     id.String(),
		"seq":    uint64(seq),
		"stored": uint64(stored),
	}, nil)
}

// RaceConflict builds the error returned when the backend rejected a write
// because another writer appended first.
func RaceConflict(id uuid.UUID, expected SeqNo, cause error) error {
	return errmodel.Conflict("seq_mismatch", "concurrent append for the same sequence number", map[string]any{
		"id":       id.String(),
		"expected": uint64(expected),
	}, cause)
}
