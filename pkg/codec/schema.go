package codec

import (
	"bytes"
	"encoding/json"

	googleschema "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

const schemaURL = "mem://codec/schema.json"

// SchemaFor infers a JSON schema from the Go type T.
func SchemaFor[T any]() ([]byte, error) {
	s, err := googleschema.For[T](nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

type validated[T any] struct {
	inner  Codec[T]
	schema *jsonschema.Schema
}

// Validated wraps a codec producing JSON and validates the bytes against
// schema on both Encode and Decode, so nonconforming payloads are neither
// written nor handed to the domain.
func Validated[T any](inner Codec[T], schema []byte) (Codec[T], error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, err
	}
	return &validated[T]{inner: inner, schema: sch}, nil
}

// ValidatedJSON is JSON[T] validated against the schema inferred from T.
func ValidatedJSON[T any]() (Codec[T], error) {
	schema, err := SchemaFor[T]()
	if err != nil {
		return nil, err
	}
	return Validated(JSON[T](), schema)
}

func (c *validated[T]) Encode(v T) ([]byte, error) {
	b, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if err := c.validate(b); err != nil {
		return nil, errmodel.Serialization("schema_violation", "encoded value violates schema", map[string]any{"type": TypeName(v)}, err)
	}
	return b, nil
}

func (c *validated[T]) Decode(b []byte) (T, error) {
	if err := c.validate(b); err != nil {
		var zero T
		return zero, errmodel.Serialization("schema_violation", "stored value violates schema", nil, err)
	}
	return c.inner.Decode(b)
}

func (c *validated[T]) validate(b []byte) error {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return c.schema.Validate(v)
}
