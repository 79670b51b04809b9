// Package codec converts domain events and snapshot state to and from the
// bytes persisted by an event log or snapshot store.
//
// Codecs must be deterministic and round-trip: Decode(Encode(v)) == v.
package codec

import (
	"encoding/json"
	"reflect"

	"google.golang.org/protobuf/proto"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

// Codec encodes values of type T.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// Typed is implemented by events that name their own type tag.
type Typed interface {
	EvtType() string
}

// TypeName returns the type tag persisted with an event: the EvtType method if
// present, the full name of a protobuf message, or the Go type name.
func TypeName(v any) string {
	switch t := v.(type) {
	case Typed:
		return t.EvtType()
	case proto.Message:
		return string(t.ProtoReflect().Descriptor().FullName())
	}
	rt := reflect.TypeOf(v)
	if rt == nil {
		return ""
	}
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Name() == "" {
		return rt.String()
	}
	return rt.Name()
}

type jsonCodec[T any] struct{}

// JSON returns a codec using encoding/json.
func JSON[T any]() Codec[T] { return jsonCodec[T]{} }

func (jsonCodec[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errmodel.Serialization("json_encode", "cannot encode value as json", map[string]any{"type": TypeName(v)}, err)
	}
	return b, nil
}

func (jsonCodec[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errmodel.Serialization("json_decode", "cannot decode json value", map[string]any{"type": TypeName(v)}, err)
	}
	return v, nil
}

type protoCodec[T proto.Message] struct{}

// Proto returns a codec for protobuf messages. Marshaling is deterministic.
func Proto[T proto.Message]() Codec[T] { return protoCodec[T]{} }

func (protoCodec[T]) Encode(v T) ([]byte, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(v)
	if err != nil {
		return nil, errmodel.Serialization("proto_encode", "cannot encode protobuf message", map[string]any{"type": TypeName(v)}, err)
	}
	return b, nil
}

func (protoCodec[T]) Decode(b []byte) (T, error) {
	var zero T
	v := zero.ProtoReflect().Type().New().Interface().(T)
	if err := proto.Unmarshal(b, v); err != nil {
		return zero, errmodel.Serialization("proto_decode", "cannot decode protobuf message", map[string]any{"type": TypeName(v)}, err)
	}
	return v, nil
}
