package natsstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

// isWrongLastSeq reports whether the server rejected a publish or KV update
// because the expected last sequence did not match.
func isWrongLastSeq(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, jetstream.ErrNoStreamResponse):
		return true
	}
	return false
}

// classify maps a client error to the error model. Errors observed after ctx
// ended keep ctx's error reachable through errors.Is.
func classify(ctx context.Context, op string, errCtx map[string]any, err error) error {
	if err == nil {
		return nil
	}
	var e *errmodel.Error
	if errors.As(err, &e) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	if isTransient(err) {
		return errmodel.Transient(op, "broker temporarily unavailable", errCtx, err)
	}
	return errmodel.Backend(op, "broker operation failed", errCtx, err)
}
