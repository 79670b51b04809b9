package natsstore

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
)

func TestBatchWire(t *testing.T) {
	ts := time.Unix(1700000000, 123456789).UTC()
	evts := []store.EvtData{
		{Type: "Created", Payload: []byte(`{"n":1}`)},
		{Type: "Empty"},
		{Type: "Binary", Payload: []byte{0, 1, 2, 255}},
	}
	got, err := decodeBatch(encodeBatch(7, evts, ts))
	if err != nil {
		t.Fatal(err)
	}
	want := []wireEvt{
		{Seq: 7, Type: "Created", Payload: []byte(`{"n":1}`), Time: ts},
		{Seq: 8, Type: "Empty", Time: ts},
		{Seq: 9, Type: "Binary", Payload: []byte{0, 1, 2, 255}, Time: ts},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("batch mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchWireRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{nil, {0xff}, {0x0a, 0x05, 0x08}} {
		if _, err := decodeBatch(b); !errors.Is(err, errmodel.ErrSerialization) {
			t.Fatalf("decode %x: err=%v want serialization", b, err)
		}
	}
}

func TestSnapshotWire(t *testing.T) {
	ts := time.Unix(1700000000, 42).UTC()
	got, err := decodeSnapshot(encodeSnapshot(12, []byte("state"), ts))
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 12 || string(got.Payload) != "state" || !got.Timestamp.Equal(ts) {
		t.Fatalf("snapshot=%+v", got)
	}
	if _, err := decodeSnapshot([]byte{0x12, 0x00}); !errors.Is(err, errmodel.ErrSerialization) {
		t.Fatalf("err=%v want serialization for missing seq", err)
	}
}

func TestMsgID(t *testing.T) {
	id := uuid.New()
	a := []store.EvtData{{Type: "A", Payload: []byte("x")}}
	b := []store.EvtData{{Type: "A", Payload: []byte("y")}}
	if msgID(id, 1, a) != msgID(id, 1, a) {
		t.Fatal("msg id not deterministic")
	}
	if msgID(id, 1, a) == msgID(id, 1, b) {
		t.Fatal("different batches share a msg id")
	}
	if msgID(id, 1, a) == msgID(id, 2, a) {
		t.Fatal("different positions share a msg id")
	}
	split := []store.EvtData{{Type: "Ax"}, {Type: ""}}
	joined := []store.EvtData{{Type: "A", Payload: []byte("x")}, {Type: ""}}
	if msgID(id, 1, split) == msgID(id, 1, joined) {
		t.Fatal("field boundaries are not part of the msg id")
	}
}
