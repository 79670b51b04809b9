// Package natsstore implements the event log and snapshot store on NATS
// JetStream.
//
// Each entity type is a stream with one subject per entity id. A persisted
// batch is a single message, so a batch is visible entirely or not at all.
// Writers race through the server's expected-last-subject-sequence check;
// no lock or counter is kept on the client. Snapshots live in a key-value
// bucket keyed by entity id.
package natsstore

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wilhg/eventsourced/pkg/errmodel"
)

// ConnConfig configures the connection to the NATS server.
type ConnConfig struct {
	// ServerAddr is a NATS URL or comma-separated list of URLs.
	ServerAddr string

	// Name identifies the connection to the server.
	Name string

	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration
}

// DefaultConnConfig returns values for a local server.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ServerAddr:     nats.DefaultURL,
		Name:           "eventsourced",
		ConnectTimeout: 2 * time.Second,
	}
}

// Conn is a connection shared by every event log and snapshot store of a
// process. It is safe for concurrent use.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials the server and creates the JetStream context.
func Connect(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	if cfg.ServerAddr == "" {
		return nil, errmodel.Validation("empty_addr", "server address is empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, errmodel.Transient("connect", "connect canceled", nil, err)
	}
	opts := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	nc, err := nats.Connect(cfg.ServerAddr, opts...)
	if err != nil {
		return nil, errmodel.Transient("connect", "cannot connect to nats", map[string]any{"addr": cfg.ServerAddr}, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errmodel.Backend("jetstream", "cannot create jetstream context", nil, err)
	}
	return &Conn{nc: nc, js: js}, nil
}

// Close drains the connection, letting in-flight operations finish.
func (c *Conn) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	return c.nc.Drain()
}
