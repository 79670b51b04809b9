package store

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

func TestValidateBatch(t *testing.T) {
	id := uuid.New()
	if err := ValidateBatch(id, nil, NoSeqNo); !errors.Is(err, errmodel.ErrValidation) {
		t.Fatalf("empty batch err=%v want validation", err)
	}
	if err := ValidateBatch(id, []EvtData{{Type: "a"}}, SeqNo(^uint64(0))); !errors.Is(err, errmodel.ErrValidation) {
		t.Fatalf("overflow err=%v want validation", err)
	}
	if err := ValidateBatch(id, []EvtData{{Type: "a"}}, MaxSeqNo); !errors.Is(err, errmodel.ErrValidation) {
		t.Fatalf("past max err=%v want validation", err)
	}
	if err := ValidateBatch(id, []EvtData{{Type: "a"}, {Type: "b"}}, MaxSeqNo-2); err != nil {
		t.Fatalf("batch ending at max err=%v", err)
	}
	if err := ValidateBatch(id, []EvtData{{Type: "a"}}, 41); err != nil {
		t.Fatalf("valid batch err=%v", err)
	}
}

func TestValidateSnapshot(t *testing.T) {
	if err := ValidateSnapshot(uuid.New(), NoSeqNo); !errors.Is(err, errmodel.ErrValidation) {
		t.Fatalf("zero seq err=%v want validation", err)
	}
	if err := ValidateSnapshot(uuid.New(), MaxSeqNo+1); !errors.Is(err, errmodel.ErrValidation) {
		t.Fatalf("seq past max err=%v want validation", err)
	}
	if err := ValidateSnapshot(uuid.New(), MaxSeqNo); err != nil {
		t.Fatalf("max seq err=%v", err)
	}
}

func TestStartSeqAndExpectNext(t *testing.T) {
	if got := StartSeq(NoSeqNo); got != 1 {
		t.Fatalf("StartSeq(0)=%d want 1", got)
	}
	if got := StartSeq(7); got != 7 {
		t.Fatalf("StartSeq(7)=%d want 7", got)
	}
	if err := ExpectNext(uuid.New(), 3, 4); !errors.Is(err, errmodel.ErrBackend) {
		t.Fatalf("gap err=%v want backend", err)
	}
}

func TestConflictErrors(t *testing.T) {
	id := uuid.New()
	if err := Conflict(id, 1, 2, nil); !errors.Is(err, errmodel.ErrConflict) {
		t.Fatalf("Conflict should be a conflict")
	}
	stale := StaleSnapshot(id, 1, 2)
	if !errors.Is(stale, &errmodel.Error{Category: errmodel.CategoryConflict, Code: "stale_snapshot"}) {
		t.Fatalf("StaleSnapshot code mismatch: %v", stale)
	}
}

func TestCollect_StopsAtError(t *testing.T) {
	boom := errors.New("boom")
	seq := func(yield func(Evt, error) bool) {
		if !yield(Evt{Seq: 1}, nil) {
			return
		}
		if !yield(Evt{}, boom) {
			return
		}
		yield(Evt{Seq: 3}, nil)
	}
	got, err := Collect(seq)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("got=%+v", got)
	}
}
