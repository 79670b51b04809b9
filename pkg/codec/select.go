package codec

import "fmt"

// Names accepted by ByName.
const (
	NameJSON          = "json"
	NameJSONZstd      = "json+zstd"
	NameJSONValidated = "json+schema"
)

// ByName selects a JSON based codec by its configuration name.
func ByName[T any](name string) (Codec[T], error) {
	switch name {
	case "", NameJSON:
		return JSON[T](), nil
	case NameJSONZstd:
		return Zstd(JSON[T]()), nil
	case NameJSONValidated:
		return ValidatedJSON[T]()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
