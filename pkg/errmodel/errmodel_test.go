package errmodel

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestNewAndFrom(t *testing.T) {
	e := Validation("empty_batch", "no events to persist", map[string]any{"id": "a"})
	if e.Category != CategoryValidation || e.Code != "empty_batch" {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
	if got := From(io.EOF); got.Category != CategoryBackend {
		t.Fatalf("From(io.EOF).Category=%q want %q", got.Category, CategoryBackend)
	}
}

func TestIs_MatchesCategorySentinels(t *testing.T) {
	err := fmt.Errorf("persist: %w", Conflict("seq_mismatch", "expected 1, actual 2", nil, nil))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("wrapped conflict should match ErrConflict")
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("conflict must not match ErrTransient")
	}
	if !errors.Is(err, &Error{Category: CategoryConflict, Code: "seq_mismatch"}) {
		t.Fatalf("same category and code should match")
	}
	if errors.Is(err, &Error{Category: CategoryConflict, Code: "stale_snapshot"}) {
		t.Fatalf("different code must not match")
	}
}

func TestUnwrap_KeepsCause(t *testing.T) {
	err := Transient("unreachable", "cannot reach server", nil, io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause should be reachable through Unwrap")
	}
	if !strings.Contains(err.Error(), "unexpected EOF") {
		t.Fatalf("message should include cause: %q", err.Error())
	}
	if len(err.Causes) != 1 || err.Causes[0].Category != CategoryBackend {
		t.Fatalf("causes=%+v", err.Causes)
	}
}

func TestIsCategory(t *testing.T) {
	if !IsCategory(Serialization("decode", "bad bytes", nil, nil), "SERIALIZATION") {
		t.Fatalf("IsCategory should be case-insensitive")
	}
	if IsCategory(nil, CategoryBackend) {
		t.Fatalf("nil error has no category")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 600)
	e := Backend("boom", long, map[string]any{"detail": long}, nil)
	if len(e.Message) != 512 {
		t.Fatalf("message len=%d want 512", len(e.Message))
	}
	if s := e.Context["detail"].(string); len(s) != 256 {
		t.Fatalf("context len=%d want 256", len(s))
	}
}
