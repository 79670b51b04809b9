package entstore

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Option configures an EvtLog or SnapshotStore.
type Option func(*options)

type options struct {
	log logrus.FieldLogger
}

// WithLogger sets the logger used for debug output. Logging is discarded by
// default.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func newOptions(opts []Option) options {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	o := options{log: discard}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
