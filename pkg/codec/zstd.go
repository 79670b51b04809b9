package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

// Shared coders; EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

type zstdCodec[T any] struct {
	inner Codec[T]
}

// Zstd compresses the output of inner. Useful for large snapshot states.
func Zstd[T any](inner Codec[T]) Codec[T] { return zstdCodec[T]{inner: inner} }

func (c zstdCodec[T]) Encode(v T) ([]byte, error) {
	b, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	enc, _, err := zstdCoders()
	if err != nil {
		return nil, errmodel.Serialization("zstd_init", "cannot create zstd encoder", nil, err)
	}
	return enc.EncodeAll(b, make([]byte, 0, len(b))), nil
}

func (c zstdCodec[T]) Decode(b []byte) (T, error) {
	var zero T
	_, dec, err := zstdCoders()
	if err != nil {
		return zero, errmodel.Serialization("zstd_init", "cannot create zstd decoder", nil, err)
	}
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return zero, errmodel.Serialization("zstd_decode", "cannot decompress value", nil, err)
	}
	return c.inner.Decode(raw)
}
