package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

type increased struct {
	OldValue uint64 `json:"old_value"`
	Inc      uint64 `json:"inc"`
}

type renamed struct{}

func (renamed) EvtType() string { return "counter.Renamed" }

func TestJSON_RoundTrip(t *testing.T) {
	c := JSON[increased]()
	in := increased{OldValue: 41, Inc: 1}
	b, err := c.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestJSON_DecodeErrorIsSerialization(t *testing.T) {
	_, err := JSON[increased]().Decode([]byte("{not json"))
	if !errors.Is(err, errmodel.ErrSerialization) {
		t.Fatalf("err=%v want serialization", err)
	}
}

func TestProto_RoundTrip(t *testing.T) {
	c := Proto[*wrapperspb.UInt64Value]()
	b, err := c.Encode(wrapperspb.UInt64(666))
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.GetValue() != 666 {
		t.Fatalf("value=%d want 666", out.GetValue())
	}

	sc := Proto[*structpb.Struct]()
	in, err := structpb.NewStruct(map[string]any{"name": "a", "n": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	b1, err := sc.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := sc.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("proto encoding must be deterministic")
	}
	got, err := sc.Decode(b1)
	if err != nil {
		t.Fatal(err)
	}
	if !proto.Equal(in, got) {
		t.Fatalf("struct round trip mismatch: %v != %v", in, got)
	}
}

func TestProto_DecodeGarbage(t *testing.T) {
	_, err := Proto[*wrapperspb.StringValue]().Decode([]byte{0xff, 0xff, 0xff})
	if !errors.Is(err, errmodel.ErrSerialization) {
		t.Fatalf("err=%v want serialization", err)
	}
}

func TestZstd_RoundTrip(t *testing.T) {
	c := Zstd(JSON[[]string]())
	in := []string{strings.Repeat("a", 1024), "b"}
	b, err := c.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) >= 1024 {
		t.Fatalf("expected compression, got %d bytes", len(b))
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.Decode([]byte("plain")); !errors.Is(err, errmodel.ErrSerialization) {
		t.Fatalf("err=%v want serialization", err)
	}
}

func TestValidated(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"inc": {"type": "integer", "minimum": 1}},
		"required": ["inc"]
	}`)
	c, err := Validated(JSON[increased](), schema)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encode(increased{Inc: 2})
	if err != nil {
		t.Fatal(err)
	}
	if out, err := c.Decode(b); err != nil || out.Inc != 2 {
		t.Fatalf("decode=%+v err=%v", out, err)
	}
	if _, err := c.Encode(increased{Inc: 0}); !errors.Is(err, errmodel.ErrSerialization) {
		t.Fatalf("err=%v want serialization", err)
	}
	if _, err := c.Decode([]byte(`{"old_value": 1}`)); !errors.Is(err, errmodel.ErrSerialization) {
		t.Fatalf("err=%v want serialization", err)
	}
}

func TestValidatedJSON_InfersSchema(t *testing.T) {
	c, err := ValidatedJSON[increased]()
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encode(increased{OldValue: 1, Inc: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decode(b); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decode([]byte(`{"old_value": "one", "inc": 1}`)); !errors.Is(err, errmodel.ErrSerialization) {
		t.Fatalf("err=%v want serialization", err)
	}
}

func TestTypeName(t *testing.T) {
	cases := []struct {
		v    any
		want string
	}{
		{increased{}, "increased"},
		{&increased{}, "increased"},
		{renamed{}, "counter.Renamed"},
		{wrapperspb.String("x"), "google.protobuf.StringValue"},
		{[]int{1}, "[]int"},
		{nil, ""},
	}
	for _, c := range cases {
		if got := TypeName(c.v); got != c.want {
			t.Errorf("TypeName(%T)=%q want %q", c.v, got, c.want)
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", NameJSON, NameJSONZstd, NameJSONValidated} {
		if _, err := ByName[increased](name); err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName[increased]("xml"); err == nil {
		t.Fatalf("unknown codec should fail")
	}
}
