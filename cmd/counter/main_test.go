package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/eventsourced/examples/counter"
	"github.com/wilhg/eventsourced/internal/config"
	"github.com/wilhg/eventsourced/pkg/codec"
	"github.com/wilhg/eventsourced/pkg/store"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	if got := getEnv("FOO", "default"); got != "bar" {
		t.Fatalf("getEnv returned %q, want %q", got, "bar")
	}
	if got := getEnv("MISSING", "default"); got != "default" {
		t.Fatalf("getEnv returned %q, want %q", got, "default")
	}
}

func TestNewLogger(t *testing.T) {
	log := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level=%v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter=%T", log.Formatter)
	}
	if log := newLogger(config.LogConfig{Level: "nonsense"}); log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level=%v", log.GetLevel())
	}
}

func newTestServer(t *testing.T, snapshotEvery int) (*httptest.Server, *backend) {
	t.Helper()
	cfg := config.Default()
	cfg.SQL.DatabaseURL = fmt.Sprintf("sqlite:file:%s?_txlock=immediate&_pragma=busy_timeout(10000)", filepath.Join(t.TempDir(), "counter.sqlite"))
	cfg.Counter.SnapshotEvery = snapshotEvery
	log := logrus.New()
	log.SetOutput(io.Discard)

	be, err := openBackend(t.Context(), cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = be.close() })
	bin, err := counter.Binarizer(codec.NameJSON)
	if err != nil {
		t.Fatal(err)
	}
	s := newServer(be.evts, be.snaps, bin, cfg.Counter, log)
	srv := httptest.NewServer(buildMux(s))
	t.Cleanup(func() {
		srv.Close()
		s.stopAll()
	})
	return srv, be
}

func post(t *testing.T, url, body string) (*http.Response, counterView) {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var v counterView
	if res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
			t.Fatal(err)
		}
	}
	return res, v
}

func TestCounterAPI_SQLite(t *testing.T) {
	srv, be := newTestServer(t, 2)
	id := uuid.New()
	base := srv.URL + "/counters/" + id.String()

	res, v := post(t, base+"/inc", `{"n":5}`)
	if res.StatusCode != http.StatusOK || v.Value != 5 || v.Seq != 1 {
		t.Fatalf("inc status=%d view=%+v", res.StatusCode, v)
	}
	res, v = post(t, base+"/inc", ``)
	if res.StatusCode != http.StatusOK || v.Value != 6 || v.Seq != 2 {
		t.Fatalf("inc without body status=%d view=%+v", res.StatusCode, v)
	}
	res, v = post(t, base+"/dec", `{"n":2}`)
	if res.StatusCode != http.StatusOK || v.Value != 4 || v.Seq != 3 {
		t.Fatalf("dec status=%d view=%+v", res.StatusCode, v)
	}
	if res, _ := post(t, base+"/dec", `{"n":100}`); res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("underflow status=%d", res.StatusCode)
	}
	if res, _ := post(t, base+"/inc", `{"n":`); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body status=%d", res.StatusCode)
	}

	res, err := http.Get(base)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var got counterView
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(counterView{ID: id.String(), Value: 4, Seq: 3}, got); diff != "" {
		t.Fatalf("view mismatch (-want +got):\n%s", diff)
	}

	res2, err := http.Get(base + "/events?from=2")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	var evts []evtView
	if err := json.NewDecoder(res2.Body).Decode(&evts); err != nil {
		t.Fatal(err)
	}
	var seqs []uint64
	var ops []counter.Op
	for _, e := range evts {
		seqs = append(seqs, e.Seq)
		ops = append(ops, e.Evt.Op)
	}
	if diff := cmp.Diff([]uint64{2, 3}, seqs); diff != "" {
		t.Fatalf("seqs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]counter.Op{counter.OpInc, counter.OpDec}, ops); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}

	snap, ok, err := be.snaps.Load(context.Background(), id)
	if err != nil || !ok || snap.Seq != 2 {
		t.Fatalf("snapshot=%+v ok=%v err=%v", snap, ok, err)
	}
}

func TestCounterAPI_RespawnAfterConcurrentWriter(t *testing.T) {
	srv, be := newTestServer(t, 0)
	id := uuid.New()
	base := srv.URL + "/counters/" + id.String()

	if res, _ := post(t, base+"/inc", `{"n":1}`); res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
	// Another process appends behind the cached entity's back.
	bin, _ := counter.Binarizer(codec.NameJSON)
	payload, err := bin.Evt.Encode(counter.Evt{Op: counter.OpInc, N: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := be.evts.Persist(context.Background(), id, []store.EvtData{{Type: "counter.increased", Payload: payload}}, 1); err != nil {
		t.Fatal(err)
	}

	if res, _ := post(t, base+"/inc", `{"n":1}`); res.StatusCode != http.StatusConflict {
		t.Fatalf("stale entity status=%d, want 409", res.StatusCode)
	}
	res, v := post(t, base+"/inc", `{"n":1}`)
	if res.StatusCode != http.StatusOK || v.Value != 12 || v.Seq != 3 {
		t.Fatalf("respawned status=%d view=%+v", res.StatusCode, v)
	}
}

func TestCounterAPI_ConcurrentIncrements(t *testing.T) {
	srv, _ := newTestServer(t, 5)
	const n = 20
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	views := make([][]counterView, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		views[i] = make([]counterView, n)
		for j := range n {
			g.Go(func() error {
				res, err := http.Post(srv.URL+"/counters/"+id.String()+"/inc", "application/json", bytes.NewBufferString(`{"n":1}`))
				if err != nil {
					return err
				}
				defer res.Body.Close()
				if res.StatusCode != http.StatusOK {
					return fmt.Errorf("status=%d", res.StatusCode)
				}
				return json.NewDecoder(res.Body).Decode(&views[i][j])
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for i := range ids {
		var seqs []uint64
		for _, v := range views[i] {
			// Every increment is by one from zero, so each response must
			// report the value that belongs to its own sequence number.
			if v.Value != v.Seq {
				t.Fatalf("view=%+v: value does not match seq", v)
			}
			seqs = append(seqs, v.Seq)
		}
		slices.Sort(seqs)
		for j, seq := range seqs {
			if seq != uint64(j+1) {
				t.Fatalf("counter %d: seqs=%v want 1..%d", i, seqs, n)
			}
		}
	}
}

func TestCounterAPI_NoSnapshots(t *testing.T) {
	_, be := newTestServer(t, 0)
	if _, ok := be.snaps.(store.NoopSnapshotStore); !ok {
		t.Fatalf("snapshot store=%T want store.NoopSnapshotStore", be.snaps)
	}
}

func TestCounterAPI_InvalidID(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	res, err := http.Get(srv.URL + "/counters/not-a-uuid")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", res.StatusCode)
	}
	res, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", res.StatusCode)
	}
}
