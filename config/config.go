// Package config holds the server settings. Every setting is a flag whose
// default can be overridden by a VENUE_* environment variable.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	GRPCAddr    string
	MetricsAddr string
	Development bool // zap development logger

	// Store is "pebble" or "postgres".
	Store       string
	DataDir     string
	PostgresURL string

	JournalDir      string
	SegmentSize     int64
	SegmentDuration time.Duration
	JournalSync     bool

	CheckpointInterval time.Duration

	// Publisher is "sarama", "kafka-go" or "none".
	Publisher      string
	Brokers        []string
	Topic          string
	FlushInterval  time.Duration
	FlushBatchSize int

	ShutdownTimeout time.Duration
}

func Default() Config {
	return Config{
		GRPCAddr:           ":50051",
		MetricsAddr:        ":9090",
		Store:              "pebble",
		DataDir:            "./data/state",
		JournalDir:         "./data/journal",
		SegmentSize:        2 * 1024 * 1024,
		SegmentDuration:    time.Minute,
		JournalSync:        true,
		CheckpointInterval: 30 * time.Second,
		Publisher:          "none",
		Brokers:            []string{"localhost:9092"},
		Topic:              "venue.events",
		FlushInterval:      time.Second,
		FlushBatchSize:     256,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Load parses args on top of the defaults. The lookup function provides
// environment overrides for the defaults; pass os.LookupEnv in production.
func Load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("venue", flag.ContinueOnError)
	env := envReader{lookup: lookup}

	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", env.text("VENUE_GRPC_ADDR", cfg.GRPCAddr), "gRPC listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", env.text("VENUE_METRICS_ADDR", cfg.MetricsAddr), "Prometheus listen address, empty disables")
	fs.BoolVar(&cfg.Development, "dev", env.boolean("VENUE_DEV", cfg.Development), "human readable debug logging")

	fs.StringVar(&cfg.Store, "store", env.text("VENUE_STORE", cfg.Store), "durable store: pebble or postgres")
	fs.StringVar(&cfg.DataDir, "data-dir", env.text("VENUE_DATA_DIR", cfg.DataDir), "pebble data directory")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", env.text("VENUE_POSTGRES_URL", cfg.PostgresURL), "PostgreSQL connection string")

	fs.StringVar(&cfg.JournalDir, "journal-dir", env.text("VENUE_JOURNAL_DIR", cfg.JournalDir), "command journal directory")
	fs.Int64Var(&cfg.SegmentSize, "segment-size", env.integer("VENUE_SEGMENT_SIZE", cfg.SegmentSize), "journal segment size in bytes")
	fs.DurationVar(&cfg.SegmentDuration, "segment-duration", env.duration("VENUE_SEGMENT_DURATION", cfg.SegmentDuration), "journal segment age before rotation")
	fs.BoolVar(&cfg.JournalSync, "journal-sync", env.boolean("VENUE_JOURNAL_SYNC", cfg.JournalSync), "fsync every journal record")
	fs.DurationVar(&cfg.CheckpointInterval, "checkpoint-interval", env.duration("VENUE_CHECKPOINT_INTERVAL", cfg.CheckpointInterval), "journal truncation interval")

	fs.StringVar(&cfg.Publisher, "publisher", env.text("VENUE_PUBLISHER", cfg.Publisher), "event publisher: sarama, kafka-go or none")
	brokers := fs.String("brokers", env.text("VENUE_BROKERS", strings.Join(cfg.Brokers, ",")), "comma separated Kafka brokers")
	fs.StringVar(&cfg.Topic, "topic", env.text("VENUE_TOPIC", cfg.Topic), "Kafka topic for events")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", env.duration("VENUE_FLUSH_INTERVAL", cfg.FlushInterval), "outbox publication interval")
	fs.IntVar(&cfg.FlushBatchSize, "flush-batch", int(env.integer("VENUE_FLUSH_BATCH", int64(cfg.FlushBatchSize))), "outbox entries per publication round")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", env.duration("VENUE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout), "graceful shutdown limit")

	if env.err != nil {
		return cfg, env.err
	}
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Brokers = splitList(*brokers)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case "pebble":
		if c.DataDir == "" {
			return errors.New("data-dir is required for the pebble store")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return errors.New("postgres-url is required for the postgres store")
		}
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	switch c.Publisher {
	case "none":
	case "sarama", "kafka-go":
		if len(c.Brokers) == 0 || c.Topic == "" {
			return errors.Errorf("publisher %s needs brokers and a topic", c.Publisher)
		}
	default:
		return errors.Errorf("unknown publisher %q", c.Publisher)
	}
	if c.JournalDir == "" {
		return errors.New("journal-dir is required")
	}
	if c.CheckpointInterval <= 0 || c.FlushInterval <= 0 {
		return errors.New("intervals must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envReader keeps the first malformed variable it meets.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	return e.lookup(key)
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = errors.Wrapf(err, "parse %s", key)
	}
}

func (e *envReader) text(key, def string) string {
	if v, ok := e.get(key); ok {
		return v
	}
	return def
}

func (e *envReader) boolean(key string, def bool) bool {
	v, ok := e.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *envReader) integer(key string, def int64) int64 {
	v, ok := e.get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

// FromOS loads the configuration from the process arguments and environment.
func FromOS() (Config, error) {
	return Load(os.Args[1:], os.LookupEnv)
}
