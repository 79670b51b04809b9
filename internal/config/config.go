// Package config loads the configuration of the example host from a JSON or
// YAML file and EVTLOG_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/eventsourced/pkg/codec"
	"github.com/wilhg/eventsourced/pkg/store/entstore"
	"github.com/wilhg/eventsourced/pkg/store/natsstore"
)

// Backends.
const (
	BackendSQL  = "sql"
	BackendNATS = "nats"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Backend string        `json:"backend" yaml:"backend"`
	Codec   string        `json:"codec" yaml:"codec"`
	Addr    string        `json:"addr" yaml:"addr"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	SQL     SQLConfig     `json:"sql" yaml:"sql"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Counter CounterConfig `json:"counter" yaml:"counter"`
}

// NATSConfig configures the broker backend.
type NATSConfig struct {
	URL            string   `json:"url" yaml:"url"`
	Name           string   `json:"name" yaml:"name"`
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connectTimeout"`
	Stream         string   `json:"stream" yaml:"stream"`
	Bucket         string   `json:"bucket" yaml:"bucket"`
	Replicas       int      `json:"replicas" yaml:"replicas"`
}

// SQLConfig configures the relational backend.
type SQLConfig struct {
	DatabaseURL    string   `json:"databaseURL" yaml:"databaseURL"`
	PoolSize       int      `json:"poolSize" yaml:"poolSize"`
	EventsTable    string   `json:"eventsTable" yaml:"eventsTable"`
	SnapshotsTable string   `json:"snapshotsTable" yaml:"snapshotsTable"`
	PollInterval   Duration `json:"pollInterval" yaml:"pollInterval"`
	ReadBatchSize  int      `json:"readBatchSize" yaml:"readBatchSize"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
}

// TracingConfig configures pkg/otel.
type TracingConfig struct {
	Stdout      bool    `json:"stdout" yaml:"stdout"`
	SampleRatio float64 `json:"sampleRatio" yaml:"sampleRatio"`
}

// CounterConfig configures the counter entities of the example host.
type CounterConfig struct {
	SnapshotEvery int `json:"snapshotEvery" yaml:"snapshotEvery"`
	Buffer        int `json:"buffer" yaml:"buffer"`
}

// Duration reads Go duration strings such as "250ms" in JSON and YAML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Default returns built-in defaults.
func Default() Config {
	conn := natsstore.DefaultConnConfig()
	evts := entstore.DefaultEvtLogConfig()
	return Config{
		Backend: BackendSQL,
		Codec:   codec.NameJSON,
		Addr:    ":8080",
		NATS: NATSConfig{
			URL:            conn.ServerAddr,
			Name:           conn.Name,
			ConnectTimeout: Duration(conn.ConnectTimeout),
			Stream:         "counters",
			Bucket:         natsstore.DefaultSnapshotStoreConfig().Bucket,
			Replicas:       1,
		},
		SQL: SQLConfig{
			DatabaseURL:    "sqlite:file:counters.sqlite?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)",
			PoolSize:       entstore.DefaultConfig().PoolSize,
			EventsTable:    evts.EventsTable,
			SnapshotsTable: entstore.DefaultSnapshotStoreConfig().SnapshotsTable,
			PollInterval:   Duration(evts.PollInterval),
			ReadBatchSize:  evts.ReadBatchSize,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Counter: CounterConfig{SnapshotEvery: 100, Buffer: 16},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults, then applies environment overrides. If path is empty, only the
// environment is read.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	FromEnv(&cfg)
	return cfg, cfg.Validate()
}

// Validate checks values the library would otherwise reject late.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQL, BackendNATS:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Codec {
	case codec.NameJSON, codec.NameJSONZstd, codec.NameJSONValidated:
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	if c.Counter.SnapshotEvery < 0 {
		return fmt.Errorf("counter.snapshotEvery must not be negative")
	}
	return nil
}

// NATSConn returns the broker connection settings.
func (c Config) NATSConn() natsstore.ConnConfig {
	return natsstore.ConnConfig{
		ServerAddr:     c.NATS.URL,
		Name:           c.NATS.Name,
		ConnectTimeout: time.Duration(c.NATS.ConnectTimeout),
	}
}

// NATSEvtLog returns the broker event log settings.
func (c Config) NATSEvtLog() natsstore.EvtLogConfig {
	cfg := natsstore.DefaultEvtLogConfig()
	cfg.StreamName = c.NATS.Stream
	cfg.Replicas = c.NATS.Replicas
	return cfg
}

// NATSSnapshotStore returns the broker snapshot store settings.
func (c Config) NATSSnapshotStore() natsstore.SnapshotStoreConfig {
	return natsstore.SnapshotStoreConfig{Bucket: c.NATS.Bucket, Setup: true, Replicas: c.NATS.Replicas}
}

// SQLDB returns the relational pool settings.
func (c Config) SQLDB() entstore.Config {
	cfg := entstore.DefaultConfig()
	cfg.DatabaseURL = c.SQL.DatabaseURL
	cfg.PoolSize = c.SQL.PoolSize
	return cfg
}

// SQLEvtLog returns the relational event log settings.
func (c Config) SQLEvtLog() entstore.EvtLogConfig {
	return entstore.EvtLogConfig{
		EventsTable:   c.SQL.EventsTable,
		PollInterval:  time.Duration(c.SQL.PollInterval),
		ReadBatchSize: c.SQL.ReadBatchSize,
		Setup:         true,
	}
}

// SQLSnapshotStore returns the relational snapshot store settings.
func (c Config) SQLSnapshotStore() entstore.SnapshotStoreConfig {
	return entstore.SnapshotStoreConfig{SnapshotsTable: c.SQL.SnapshotsTable, Setup: true}
}
