package natsstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
)

// EvtLogConfig configures an EvtLog.
type EvtLogConfig struct {
	// StreamName names the stream of one entity type; its subjects are
	// "<StreamName>.<id>".
	StreamName string

	// Setup creates or updates the stream.
	Setup bool

	// Replicas of the stream when Setup is set.
	Replicas int

	// Duplicates is the window in which a republished batch is deduplicated.
	Duplicates time.Duration
}

// DefaultEvtLogConfig returns the default configuration.
func DefaultEvtLogConfig() EvtLogConfig {
	return EvtLogConfig{
		StreamName: "evts",
		Setup:      true,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}
}

// EvtLog is an event log on a JetStream stream.
type EvtLog struct {
	conn       *Conn
	stream     jetstream.Stream
	cfg        EvtLogConfig
	maxPayload int64
	log        logrus.FieldLogger
	tracer     trace.Tracer
}

var _ store.EvtLog = (*EvtLog)(nil)

// NewEvtLog binds an event log to the stream named in cfg.
func NewEvtLog(ctx context.Context, conn *Conn, cfg EvtLogConfig, opts ...Option) (*EvtLog, error) {
	if err := validName(cfg.StreamName); err != nil {
		return nil, err
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = DefaultEvtLogConfig().Duplicates
	}
	errCtx := map[string]any{"stream": cfg.StreamName}

	var (
		stream jetstream.Stream
		err    error
	)
	if cfg.Setup {
		stream, err = conn.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Subjects:    []string{cfg.StreamName + ".*"},
			Storage:     jetstream.FileStorage,
			Replicas:    cfg.Replicas,
			Duplicates:  cfg.Duplicates,
			AllowDirect: true,
		})
	} else {
		stream, err = conn.js.Stream(ctx, cfg.StreamName)
	}
	if err != nil {
		return nil, classify(ctx, "stream", errCtx, err)
	}

	o := newOptions(opts)
	return &EvtLog{
		conn:       conn,
		stream:     stream,
		cfg:        cfg,
		maxPayload: conn.nc.MaxPayload(),
		log:        o.log.WithField("stream", cfg.StreamName),
		tracer:     otel.Tracer("store/natsstore"),
	}, nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, ".*> \t\r\n") {
		return errmodel.Validation("invalid_name", "name must be a single subject token", map[string]any{"name": name})
	}
	return nil
}

func (l *EvtLog) subject(id uuid.UUID) string { return l.cfg.StreamName + "." + id.String() }

// Persist publishes evts as one message on the subject of id.
func (l *EvtLog) Persist(ctx context.Context, id uuid.UUID, evts []store.EvtData, expected store.SeqNo) (store.SeqNo, error) {
	ctx, span := l.tracer.Start(ctx, "natsstore.persist", trace.WithAttributes(
		attribute.String("entity.id", id.String()),
		attribute.Int("evt.count", len(evts)),
		attribute.Int64("seq.expected", int64(expected)),
	))
	defer span.End()

	if err := store.ValidateBatch(id, evts, expected); err != nil {
		errmodel.RecordSpan(span, err)
		return store.NoSeqNo, err
	}
	last, err := l.persist(ctx, id, evts, expected)
	if err != nil {
		errmodel.RecordSpan(span, err)
		l.log.WithError(err).WithField("id", id).Debug("persist failed")
		return store.NoSeqNo, err
	}
	l.log.WithFields(logrus.Fields{"id": id, "last": last}).Debug("persisted events")
	return last, nil
}

func (l *EvtLog) persist(ctx context.Context, id uuid.UUID, evts []store.EvtData, expected store.SeqNo) (store.SeqNo, error) {
	subj := l.subject(id)
	errCtx := map[string]any{"id": id.String()}

	lastMsg, actual, err := l.last(ctx, subj)
	if err != nil {
		return store.NoSeqNo, classify(ctx, "last_seq", errCtx, err)
	}
	if actual != expected {
		return store.NoSeqNo, store.Conflict(id, expected, actual, nil)
	}
	var streamSeq uint64
	if lastMsg != nil {
		streamSeq = lastMsg.Sequence
	}

	first := expected.Next()
	body := encodeBatch(first, evts, time.Now().UTC())
	if l.maxPayload > 0 && int64(len(body)) > l.maxPayload {
		return store.NoSeqNo, errmodel.Validation("batch_too_large", "encoded batch exceeds the server's max payload", map[string]any{
			"id":          id.String(),
			"size":        len(body),
			"max_payload": l.maxPayload,
		})
	}
	msg := nats.NewMsg(subj)
	msg.Data = body
	ack, err := l.conn.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(msgID(id, first, evts)),
		jetstream.WithExpectLastSequencePerSubject(streamSeq),
	)
	if err != nil {
		if isWrongLastSeq(err) {
			return store.NoSeqNo, store.RaceConflict(id, expected, err)
		}
		return store.NoSeqNo, classify(ctx, "publish", errCtx, err)
	}
	if ack.Duplicate {
		l.log.WithFields(logrus.Fields{"id": id, "stream_seq": ack.Sequence}).Debug("batch already published")
	}
	return expected + store.SeqNo(len(evts)), nil
}

// msgID identifies a batch by entity, first sequence number and content, so
// only a republished identical batch is deduplicated by the server.
func msgID(id uuid.UUID, first store.SeqNo, evts []store.EvtData) string {
	h := xxhash.New()
	var n [binary.MaxVarintLen64]byte
	for _, e := range evts {
		_, _ = h.Write(binary.AppendUvarint(n[:0], uint64(len(e.Type))))
		_, _ = h.WriteString(e.Type)
		_, _ = h.Write(binary.AppendUvarint(n[:0], uint64(len(e.Payload))))
		_, _ = h.Write(e.Payload)
	}
	return fmt.Sprintf("%s.%d.%016x", id, first, h.Sum64())
}

// last returns the last message on subj and the sequence number of its last
// event. The message is nil if the subject is empty.
func (l *EvtLog) last(ctx context.Context, subj string) (*jetstream.RawStreamMsg, store.SeqNo, error) {
	msg, err := l.stream.GetLastMsgForSubject(ctx, subj)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, store.NoSeqNo, nil
	}
	if err != nil {
		return nil, store.NoSeqNo, err
	}
	batch, err := decodeBatch(msg.Data)
	if err != nil {
		return nil, store.NoSeqNo, err
	}
	return msg, batch[len(batch)-1].Seq, nil
}

// LastSeq returns the sequence number of the last event of id, or NoSeqNo.
func (l *EvtLog) LastSeq(ctx context.Context, id uuid.UUID) (store.SeqNo, error) {
	ctx, span := l.tracer.Start(ctx, "natsstore.last_seq", trace.WithAttributes(attribute.String("entity.id", id.String())))
	defer span.End()
	_, seq, err := l.last(ctx, l.subject(id))
	if err != nil {
		err = classify(ctx, "last_seq", map[string]any{"id": id.String()}, err)
		errmodel.RecordSpan(span, err)
		return store.NoSeqNo, err
	}
	return seq, nil
}

// locate returns the stream sequence of the message holding event from.
// Messages of a subject hold ascending, contiguous event ranges, so the
// search probes next-by-subject messages between 1 and the last message.
func (l *EvtLog) locate(ctx context.Context, subj string, from store.SeqNo, lastMsg *jetstream.RawStreamMsg) (uint64, error) {
	if from <= 1 {
		return 1, nil
	}
	lo, hi := uint64(1), lastMsg.Sequence
	best := uint64(1)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		msg, err := l.stream.GetMsg(ctx, mid, jetstream.WithGetMsgSubject(subj))
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			hi = mid - 1
			continue
		}
		if err != nil {
			return 0, err
		}
		if msg.Sequence > hi {
			hi = mid - 1
			continue
		}
		batch, err := decodeBatch(msg.Data)
		if err != nil {
			return 0, err
		}
		if batch[0].Seq <= from {
			best = msg.Sequence
			lo = msg.Sequence + 1
		} else {
			hi = mid - 1
		}
	}
	return best, nil
}

// consumerIdle removes consumers left behind by a process that died while
// reading.
const consumerIdle = 30 * time.Second

// consume opens an ordered consumer on subj starting at stream sequence start.
// The returned iterator is stopped when ctx ends; the returned stop func also
// deletes the consumer from the server.
func (l *EvtLog) consume(ctx context.Context, subj string, start uint64) (jetstream.MessagesContext, func(), error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{subj},
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: consumerIdle,
	}
	if start > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start
	}
	cons, err := l.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, it.Stop)
	return it, func() {
		stop()
		it.Stop()
		l.deleteConsumer(ctx, cons)
	}, nil
}

func (l *EvtLog) deleteConsumer(ctx context.Context, cons jetstream.Consumer) {
	info := cons.CachedInfo()
	if info == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := l.stream.DeleteConsumer(ctx, info.Name)
	if err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		l.log.WithError(err).WithField("consumer", info.Name).Debug("cannot delete consumer")
	}
}

// EvtsByID yields the events of id with sequence numbers in [from, to]. A
// zero from starts at the first event; a zero to reads up to the last event
// present when iteration starts.
func (l *EvtLog) EvtsByID(ctx context.Context, id uuid.UUID, from, to store.SeqNo) iter.Seq2[store.Evt, error] {
	return func(yield func(store.Evt, error) bool) {
		ctx, span := l.tracer.Start(ctx, "natsstore.evts_by_id", trace.WithAttributes(
			attribute.String("entity.id", id.String()),
			attribute.Int64("seq.from", int64(from)),
			attribute.Int64("seq.to", int64(to)),
		))
		defer span.End()
		subj := l.subject(id)
		errCtx := map[string]any{"id": id.String(), "from": uint64(from)}
		fail := func(op string, err error) {
			err = classify(ctx, op, errCtx, err)
			errmodel.RecordSpan(span, err)
			yield(store.Evt{}, err)
		}

		lastMsg, end, err := l.last(ctx, subj)
		if err != nil {
			fail("last_seq", err)
			return
		}
		if to != store.NoSeqNo && to < end {
			end = to
		}
		next := store.StartSeq(from)
		if next > end {
			return
		}
		start, err := l.locate(ctx, subj, next, lastMsg)
		if err != nil {
			fail("locate", err)
			return
		}
		it, stop, err := l.consume(ctx, subj, start)
		if err != nil {
			fail("consume", err)
			return
		}
		defer stop()

		for next <= end {
			msg, err := it.Next()
			if err != nil {
				fail("read", err)
				return
			}
			batch, err := decodeBatch(msg.Data())
			if err != nil {
				fail("read", err)
				return
			}
			for _, w := range batch {
				if w.Seq < next {
					continue
				}
				if w.Seq > end {
					return
				}
				if err := store.ExpectNext(id, next, w.Seq); err != nil {
					fail("read", err)
					return
				}
				if !yield(toEvt(id, w), nil) {
					return
				}
				next++
			}
		}
	}
}

// TailByID yields the events of id from from onwards and keeps waiting for
// new ones. The sequence ends without error when ctx is canceled.
func (l *EvtLog) TailByID(ctx context.Context, id uuid.UUID, from store.SeqNo) iter.Seq2[store.Evt, error] {
	return func(yield func(store.Evt, error) bool) {
		ctx, span := l.tracer.Start(ctx, "natsstore.tail_by_id", trace.WithAttributes(
			attribute.String("entity.id", id.String()),
			attribute.Int64("seq.from", int64(from)),
		))
		defer span.End()
		subj := l.subject(id)
		errCtx := map[string]any{"id": id.String(), "from": uint64(from)}
		fail := func(op string, err error) {
			if ctx.Err() != nil {
				return
			}
			err = classify(ctx, op, errCtx, err)
			errmodel.RecordSpan(span, err)
			yield(store.Evt{}, err)
		}

		next := store.StartSeq(from)
		lastMsg, last, err := l.last(ctx, subj)
		if err != nil {
			fail("last_seq", err)
			return
		}
		var start uint64 = 1
		switch {
		case lastMsg == nil:
		case next > last:
			start = lastMsg.Sequence + 1
		default:
			if start, err = l.locate(ctx, subj, next, lastMsg); err != nil {
				fail("locate", err)
				return
			}
		}
		it, stop, err := l.consume(ctx, subj, start)
		if err != nil {
			fail("consume", err)
			return
		}
		defer stop()

		for {
			msg, err := it.Next()
			if err != nil {
				fail("read", err)
				return
			}
			batch, err := decodeBatch(msg.Data())
			if err != nil {
				fail("read", err)
				return
			}
			for _, w := range batch {
				if w.Seq < next {
					continue
				}
				if err := store.ExpectNext(id, next, w.Seq); err != nil {
					fail("read", err)
					return
				}
				if !yield(toEvt(id, w), nil) {
					return
				}
				next++
			}
		}
	}
}

func toEvt(id uuid.UUID, w wireEvt) store.Evt {
	return store.Evt{ID: id, Seq: w.Seq, Type: w.Type, Payload: w.Payload, Timestamp: w.Time}
}
