package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays EVTLOG_* environment variables onto cfg. Malformed numbers
// and durations are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("EVTLOG_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("EVTLOG_CODEC"); v != "" {
		cfg.Codec = v
	}
	if v := os.Getenv("EVTLOG_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("EVTLOG_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("EVTLOG_NATS_STREAM"); v != "" {
		cfg.NATS.Stream = v
	}
	if v := os.Getenv("EVTLOG_NATS_BUCKET"); v != "" {
		cfg.NATS.Bucket = v
	}
	if v := os.Getenv("EVTLOG_NATS_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NATS.ConnectTimeout = Duration(d)
		}
	}
	// DATABASE_URL is honored as well, as most hosting platforms set it.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.SQL.DatabaseURL = v
	}
	if v := os.Getenv("EVTLOG_DATABASE_URL"); v != "" {
		cfg.SQL.DatabaseURL = v
	}
	if v := os.Getenv("EVTLOG_SQL_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SQL.PoolSize = n
		}
	}
	if v := os.Getenv("EVTLOG_SQL_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SQL.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("EVTLOG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EVTLOG_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("EVTLOG_TRACING_STDOUT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Stdout = b
		}
	}
	if v := os.Getenv("EVTLOG_COUNTER_SNAPSHOT_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Counter.SnapshotEvery = n
		}
	}
}
