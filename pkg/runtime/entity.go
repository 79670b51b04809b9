// Package runtime runs event-sourced entities on top of an event log and a
// snapshot store.
//
// An entity is restored on Spawn from its latest snapshot plus the events
// persisted after it, then processes commands one at a time on its own
// goroutine. Commands are validated by the domain, the resulting events are
// persisted with the entity's last sequence number as expectation, and only
// then applied to the in-memory state.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventsourced/pkg/codec"
	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
)

var (
	// ErrInvalidCommand wraps errors returned by a command handler. Nothing
	// was persisted and the entity keeps running.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrEntityTerminated is returned by an EntityRef whose entity stopped,
	// after a persist failure or Stop. Spawn the entity again to continue.
	ErrEntityTerminated = errors.New("entity terminated")
)

// EventSourced is the domain logic of an entity with commands C, events E and
// snapshot state S.
type EventSourced[C, E, S any] interface {
	// HandleCmd validates cmd against the current state and returns the
	// events to persist. It must not change the state.
	HandleCmd(cmd C) ([]E, error)

	// HandleEvt applies a persisted event. If snapshot is true, state is
	// saved as snapshot at seq.
	HandleEvt(seq store.SeqNo, evt E) (state S, snapshot bool)

	// SetState restores a snapshot state.
	SetState(state S)
}

// Binarizer holds the codecs for the events and the snapshot state of an
// entity.
type Binarizer[E, S any] struct {
	Evt   codec.Codec[E]
	State codec.Codec[S]
}

// Option configures Spawn.
type Option func(*options)

type options struct {
	buffer int
	log    logrus.FieldLogger
}

// WithBuffer sets how many commands may be queued for the entity. Values
// below 1 are ignored.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.buffer = n
		}
	}
}

// WithLogger sets the logger of the entity.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

type entity[C, E, S any] struct {
	id     uuid.UUID
	seq    store.SeqNo
	es     EventSourced[C, E, S]
	evts   store.EvtLog
	snaps  store.SnapshotStore
	bin    Binarizer[E, S]
	log    logrus.FieldLogger
	tracer trace.Tracer
}

// Spawn restores the entity id into es and starts processing its commands.
// The entity runs until a persist fails or Stop is called on the returned
// reference.
func Spawn[C, E, S any](
	ctx context.Context,
	id uuid.UUID,
	es EventSourced[C, E, S],
	evts store.EvtLog,
	snaps store.SnapshotStore,
	bin Binarizer[E, S],
	opts ...Option,
) (*EntityRef[C, E], error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	o := options{buffer: 1, log: discard}
	for _, opt := range opts {
		opt(&o)
	}

	e := &entity[C, E, S]{
		id:     id,
		es:     es,
		evts:   evts,
		snaps:  snaps,
		bin:    bin,
		log:    o.log.WithField("entity", id),
		tracer: otel.Tracer("runtime"),
	}
	if err := e.restore(ctx); err != nil {
		return nil, err
	}

	ref := &EntityRef[C, E]{
		id:   id,
		cmds: make(chan request[C, E], o.buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run(ref)
	e.log.WithField("seq", e.seq).Debug("entity spawned")
	return ref, nil
}

func (e *entity[C, E, S]) restore(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "runtime.spawn", trace.WithAttributes(attribute.String("entity.id", e.id.String())))
	defer span.End()

	snapSeq := store.NoSeqNo
	snap, ok, err := e.snaps.Load(ctx, e.id)
	if err != nil {
		errmodel.RecordSpan(span, err)
		return err
	}
	if ok {
		state, err := e.bin.State.Decode(snap.Payload)
		if err != nil {
			errmodel.RecordSpan(span, err)
			return err
		}
		e.es.SetState(state)
		snapSeq = snap.Seq
		e.log.WithField("seq", snapSeq).Debug("restored snapshot")
	}

	last, err := e.evts.LastSeq(ctx, e.id)
	if err != nil {
		errmodel.RecordSpan(span, err)
		return err
	}
	if snapSeq > last {
		err := errmodel.Backend("snapshot_ahead", "snapshot is newer than the last event", map[string]any{
			"id":       e.id.String(),
			"snapshot": uint64(snapSeq),
			"last":     uint64(last),
		}, nil)
		errmodel.RecordSpan(span, err)
		return err
	}
	if snapSeq < last {
		e.log.WithFields(logrus.Fields{"from": snapSeq + 1, "to": last}).Debug("replaying events")
		for evt, err := range e.evts.EvtsByID(ctx, e.id, snapSeq+1, last) {
			if err != nil {
				errmodel.RecordSpan(span, err)
				return err
			}
			v, err := e.bin.Evt.Decode(evt.Payload)
			if err != nil {
				errmodel.RecordSpan(span, err)
				return err
			}
			e.es.HandleEvt(evt.Seq, v)
		}
	}
	e.seq = last
	span.SetAttributes(attribute.Int64("seq.snapshot", int64(snapSeq)), attribute.Int64("seq.last", int64(last)))
	return nil
}

func (e *entity[C, E, S]) run(ref *EntityRef[C, E]) {
	defer close(ref.done)
	for {
		select {
		case <-ref.quit:
			ref.err = ErrEntityTerminated
			e.log.Debug("entity stopped")
			return
		case req := <-ref.cmds:
			if err := req.ctx.Err(); err != nil {
				req.res <- result[E]{err: err}
				continue
			}
			evts, fatal, err := e.handle(req.ctx, req.cmd)
			req.res <- result[E]{evts: evts, seq: e.seq, err: err}
			if fatal {
				ref.err = fmt.Errorf("%w: %w", ErrEntityTerminated, err)
				e.log.WithError(err).Error("cannot persist events, entity terminated")
				return
			}
		}
	}
}

// handle processes one command. fatal reports a persist failure after which
// the in-memory state can no longer be trusted.
func (e *entity[C, E, S]) handle(ctx context.Context, cmd C) ([]E, bool, error) {
	ctx, span := e.tracer.Start(ctx, "runtime.handle_cmd", trace.WithAttributes(
		attribute.String("entity.id", e.id.String()),
		attribute.Int64("seq.last", int64(e.seq)),
	))
	defer span.End()

	evts, err := e.es.HandleCmd(cmd)
	if err != nil {
		span.SetAttributes(attribute.Bool("cmd.invalid", true))
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if len(evts) == 0 {
		return evts, false, nil
	}

	data := make([]store.EvtData, len(evts))
	for i, evt := range evts {
		b, err := e.bin.Evt.Encode(evt)
		if err != nil {
			errmodel.RecordSpan(span, err)
			return nil, false, err
		}
		data[i] = store.EvtData{Type: codec.TypeName(evt), Payload: b}
	}
	last, err := e.evts.Persist(ctx, e.id, data, e.seq)
	if err != nil {
		errmodel.RecordSpan(span, err)
		return nil, true, err
	}

	var (
		snapState S
		snapSeq   store.SeqNo
	)
	for i, evt := range evts {
		seq := e.seq + store.SeqNo(i+1)
		if state, ok := e.es.HandleEvt(seq, evt); ok {
			snapState, snapSeq = state, seq
		}
	}
	e.seq = last
	span.SetAttributes(attribute.Int64("seq.persisted", int64(last)))

	if snapSeq != store.NoSeqNo {
		e.saveSnapshot(ctx, span, snapSeq, snapState)
	}
	return evts, false, nil
}

// saveSnapshot stores state at seq. The events are already persisted, so a
// failed save only costs replay time on the next spawn and is logged.
func (e *entity[C, E, S]) saveSnapshot(ctx context.Context, span trace.Span, seq store.SeqNo, state S) {
	b, err := e.bin.State.Encode(state)
	if err == nil {
		err = e.snaps.Save(ctx, e.id, seq, b)
	}
	if err != nil {
		errmodel.RecordSpan(span, err)
		e.log.WithError(err).WithField("seq", seq).Error("cannot save snapshot")
		return
	}
	span.SetAttributes(attribute.Int64("seq.snapshot", int64(seq)))
	e.log.WithField("seq", seq).Debug("saved snapshot")
}
