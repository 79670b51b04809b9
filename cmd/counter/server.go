package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wilhg/eventsourced/examples/counter"
	"github.com/wilhg/eventsourced/internal/config"
	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/runtime"
	"github.com/wilhg/eventsourced/pkg/store"
)

type entity struct {
	ref *runtime.EntityRef[counter.Cmd, counter.Evt]
	c   *counter.Counter
}

// server keeps one running entity per counter id and spawns it again after
// it terminates.
type server struct {
	evts  store.EvtLog
	snaps store.SnapshotStore
	bin   runtime.Binarizer[counter.Evt, counter.State]
	cfg   config.CounterConfig
	log   logrus.FieldLogger

	mu       sync.Mutex
	entities map[uuid.UUID]*entity
}

func newServer(evts store.EvtLog, snaps store.SnapshotStore, bin runtime.Binarizer[counter.Evt, counter.State], cfg config.CounterConfig, log logrus.FieldLogger) *server {
	return &server{
		evts:     evts,
		snaps:    snaps,
		bin:      bin,
		cfg:      cfg,
		log:      log,
		entities: make(map[uuid.UUID]*entity),
	}
}

// entity returns the running entity of id, spawning it if needed. Spawning
// happens outside the lock so a long replay does not hold up other counters;
// if two requests race to spawn the same id, the first registered entity wins.
func (s *server) entity(ctx context.Context, id uuid.UUID) (*entity, error) {
	if e := s.running(id); e != nil {
		return e, nil
	}
	c := counter.New(uint64(s.cfg.SnapshotEvery))
	ref, err := runtime.Spawn(ctx, id, runtime.EventSourced[counter.Cmd, counter.Evt, counter.State](c),
		s.evts, s.snaps, s.bin,
		runtime.WithBuffer(s.cfg.Buffer),
		runtime.WithLogger(s.log),
	)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[id]; ok && !terminated(e) {
		ref.Stop()
		return e, nil
	}
	e := &entity{ref: ref, c: c}
	s.entities[id] = e
	return e, nil
}

func (s *server) running(id uuid.UUID) *entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	if terminated(e) {
		delete(s.entities, id)
		return nil
	}
	return e
}

func terminated(e *entity) bool {
	select {
	case <-e.ref.Done():
		return true
	default:
		return false
	}
}

// handleCmd sends cmd to the entity id and returns the counter state right
// after cmd. An entity that terminated before taking the command is spawned
// again once.
func (s *server) handleCmd(ctx context.Context, id uuid.UUID, cmd counter.Cmd) (counter.State, error) {
	for attempt := 0; ; attempt++ {
		e, err := s.entity(ctx, id)
		if err != nil {
			return counter.State{}, err
		}
		evts, seq, err := e.ref.HandleCmdSeq(ctx, cmd)
		if errors.Is(err, runtime.ErrEntityTerminated) && attempt == 0 {
			continue
		}
		if err != nil {
			return counter.State{}, err
		}
		return counter.State{Value: evts[len(evts)-1].Value, Seq: seq}, nil
	}
}

func (s *server) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entities {
		e.ref.Stop()
		delete(s.entities, id)
	}
}

type counterView struct {
	ID    string `json:"id"`
	Value uint64 `json:"value"`
	Seq   uint64 `json:"seq"`
}

func view(id uuid.UUID, state counter.State) counterView {
	return counterView{ID: id.String(), Value: state.Value, Seq: uint64(state.Seq)}
}

type evtView struct {
	Seq       uint64      `json:"seq"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Evt       counter.Evt `json:"evt"`
}

func buildMux(s *server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /counters/{id}/inc", s.command(counter.OpInc))
	mux.HandleFunc("POST /counters/{id}/dec", s.command(counter.OpDec))
	mux.HandleFunc("GET /counters/{id}", s.get)
	mux.HandleFunc("GET /counters/{id}/events", s.events)
	return mux
}

// command handles {"n": N}; an empty body means N = 1.
func (s *server) command(op counter.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		body := struct {
			N uint64 `json:"n"`
		}{N: 1}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		state, err := s.handleCmd(r.Context(), id, counter.Cmd{Op: op, N: body.N})
		if err != nil {
			s.fail(w, id, err)
			return
		}
		writeJSON(w, view(id, state))
	}
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, err := s.entity(r.Context(), id)
	if err != nil {
		s.fail(w, id, err)
		return
	}
	writeJSON(w, view(id, e.c.Current()))
}

// events lists the events of a counter, optionally limited by the from and
// to query parameters.
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	from, err := seqParam(r, "from")
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := seqParam(r, "to")
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	out := []evtView{}
	for evt, err := range s.evts.EvtsByID(r.Context(), id, from, to) {
		if err != nil {
			s.fail(w, id, err)
			return
		}
		v, err := s.bin.Evt.Decode(evt.Payload)
		if err != nil {
			s.fail(w, id, err)
			return
		}
		out = append(out, evtView{Seq: uint64(evt.Seq), Type: evt.Type, Timestamp: evt.Timestamp, Evt: v})
	}
	writeJSON(w, out)
}

func (s *server) fail(w http.ResponseWriter, id uuid.UUID, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, runtime.ErrInvalidCommand):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errmodel.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errmodel.ErrTransient), errors.Is(err, runtime.ErrEntityTerminated):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errmodel.ErrValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("id", id).Error("request failed")
	}
	http.Error(w, err.Error(), status)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid counter id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func seqParam(r *http.Request, name string) (store.SeqNo, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return store.NoSeqNo, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return store.SeqNo(n), err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
