package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/wilhg/eventsourced/pkg/store"
)

type request[C, E any] struct {
	ctx context.Context
	cmd C
	res chan result[E]
}

type result[E any] struct {
	evts []E
	seq  store.SeqNo
	err  error
}

// EntityRef sends commands to a spawned entity. It is safe for concurrent
// use; commands are processed in the order they are received.
type EntityRef[C, E any] struct {
	id   uuid.UUID
	cmds chan request[C, E]
	quit chan struct{}
	done chan struct{}
	stop sync.Once

	// err is written by the entity before done is closed.
	err error
}

// ID returns the id of the entity.
func (r *EntityRef[C, E]) ID() uuid.UUID { return r.id }

// HandleCmd sends cmd to the entity and waits for the persisted events.
// Errors wrapping ErrInvalidCommand come from the command handler; errors
// wrapping ErrEntityTerminated mean the entity must be spawned again. Any
// other error is from persisting, after which the entity terminates.
func (r *EntityRef[C, E]) HandleCmd(ctx context.Context, cmd C) ([]E, error) {
	evts, _, err := r.HandleCmdSeq(ctx, cmd)
	return evts, err
}

// HandleCmdSeq is HandleCmd that also returns the last sequence number of the
// entity right after cmd was handled.
func (r *EntityRef[C, E]) HandleCmdSeq(ctx context.Context, cmd C) ([]E, store.SeqNo, error) {
	res := make(chan result[E], 1)
	select {
	case r.cmds <- request[C, E]{ctx: ctx, cmd: cmd, res: res}:
	case <-r.done:
		return nil, store.NoSeqNo, r.err
	case <-ctx.Done():
		return nil, store.NoSeqNo, ctx.Err()
	}
	select {
	case out := <-res:
		return out.evts, out.seq, out.err
	case <-r.done:
		// The entity may have answered before terminating.
		select {
		case out := <-res:
			return out.evts, out.seq, out.err
		default:
			return nil, store.NoSeqNo, r.err
		}
	case <-ctx.Done():
		return nil, store.NoSeqNo, ctx.Err()
	}
}

// Stop terminates the entity after the command in progress, if any. Queued
// commands are not processed.
func (r *EntityRef[C, E]) Stop() {
	r.stop.Do(func() { close(r.quit) })
	<-r.done
}

// Done is closed when the entity has terminated.
func (r *EntityRef[C, E]) Done() <-chan struct{} { return r.done }

// Err returns why the entity terminated, or nil while it runs.
func (r *EntityRef[C, E]) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}
