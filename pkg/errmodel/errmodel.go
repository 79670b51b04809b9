// Package errmodel defines the compact, categorized errors returned by every
// event log and snapshot store operation.
//
// Callers branch on the category, not on backend specifics:
//
//	_, err := log.Persist(ctx, id, evts, last)
//	switch {
//	case errors.Is(err, errmodel.ErrConflict):
//		// reload LastSeq and resubmit
//	case errors.Is(err, errmodel.ErrTransient):
//		// back off and retry
//	}
package errmodel

import (
	"encoding/json"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryConflict      = "conflict"
	CategoryTransient     = "transient"
	CategorySerialization = "serialization"
	CategoryBackend       = "backend"
	CategoryValidation    = "validation"
)

// Sentinels for errors.Is; they match any *Error of the same category.
var (
	ErrConflict      = &Error{Category: CategoryConflict}
	ErrTransient     = &Error{Category: CategoryTransient}
	ErrSerialization = &Error{Category: CategorySerialization}
	ErrBackend       = &Error{Category: CategoryBackend}
	ErrValidation    = &Error{Category: CategoryValidation}
)

// Error is the compact error payload used by all stores.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the first cause, keeping driver errors reachable via errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is a category sentinel (or an error with the same
// category and code) matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Category != e.Category {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.cause == nil {
			ce.cause = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Unknown errors are opaque substrate failures.
	return &Error{Category: CategoryBackend, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.

// Conflict reports a stale optimistic-concurrency expectation.
func Conflict(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryConflict, code, message, ctx, cause)
}

// Transient reports an unreachable or timed-out substrate.
func Transient(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryTransient, code, message, ctx, cause)
}

// Serialization reports a payload or envelope that failed to encode or decode.
func Serialization(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategorySerialization, code, message, ctx, cause)
}

// Backend reports a substrate failure not classifiable otherwise.
func Backend(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryBackend, code, message, ctx, cause)
}

// Validation reports arguments rejected before reaching the substrate.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

// RecordSpan marks span as failed and tags it with the error category.
// Conflicts are expected outcomes and leave the span status untouched.
func RecordSpan(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	ce := From(err)
	span.SetAttributes(
		attribute.String("error.category", ce.Category),
		attribute.String("error.code", ce.Code),
	)
	if ce.Category == CategoryConflict {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, ce.Category)
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case int, int64, uint64, bool:
			out[k] = t
		default:
			// Keep a compact preview of anything else.
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}
