// Package config loads SlotLock settings from SLOT_* environment variables,
// optionally seeded from a .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const Prefix = "SLOT_"

// Config holds all application configuration.
type Config struct {
	// Postgres; empty runs the engine in memory without durability
	PostgresDSN   string
	MigrationsDir string

	// NATS; empty disables command ingestion and outbound events
	NATSURL string

	// gRPC/HTTP/Metrics
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string // empty serves /metrics on HTTPAddr only

	// Channels
	PersistChanSize    int
	ProjectionChanSize int
	CommandChanSize    int
	PublishChanSize    int

	// Persistence worker
	PersistBatchSize    int
	PersistFlushTimeout time.Duration

	// Snapshots every N events, checked every SnapshotCheck
	SnapshotInterval int64
	SnapshotCheck    time.Duration

	IdempotencyCapacity int

	// Engine
	EngineIdentity    string
	Operators         []string
	HorizonDays       int
	SingleUsePerAsset bool

	// Identity tokens
	TokenHashKey  []byte
	TokenBlockKey []byte
	TokenTTL      time.Duration

	AdminPasswordHash string

	LogLevel string
}

// Load reads envFile (".env" when empty; a missing default file is not an
// error) and then the environment. Variables already set win over the file.
func Load(envFile string) (Config, error) {
	name := envFile
	if name == "" {
		name = ".env"
	}
	if err := godotenv.Load(name); err != nil {
		if envFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", name, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	r := &reader{}
	cfg := Config{
		PostgresDSN:         r.str("POSTGRES_DSN", ""),
		MigrationsDir:       r.str("MIGRATIONS_DIR", "migrations"),
		NATSURL:             r.str("NATS_URL", ""),
		GRPCAddr:            r.str("GRPC_ADDR", ":9090"),
		HTTPAddr:            r.str("HTTP_ADDR", ":8080"),
		MetricsAddr:         r.str("METRICS_ADDR", ""),
		PersistChanSize:     r.integer("PERSIST_CHAN_SIZE", 1024),
		ProjectionChanSize:  r.integer("PROJECTION_CHAN_SIZE", 2048),
		CommandChanSize:     r.integer("COMMAND_CHAN_SIZE", 4096),
		PublishChanSize:     r.integer("PUBLISH_CHAN_SIZE", 4096),
		PersistBatchSize:    r.integer("PERSIST_BATCH_SIZE", 50),
		PersistFlushTimeout: r.duration("PERSIST_FLUSH_TIMEOUT", 10*time.Millisecond),
		SnapshotInterval:    int64(r.integer("SNAPSHOT_INTERVAL", 10_000)),
		SnapshotCheck:       r.duration("SNAPSHOT_CHECK", 10*time.Second),
		IdempotencyCapacity: r.integer("IDEMPOTENCY_LRU_CAPACITY", 100_000),
		EngineIdentity:      r.str("ENGINE_IDENTITY", "slotlock-escrow"),
		Operators:           r.list("OPERATORS"),
		HorizonDays:         r.integer("HORIZON_DAYS", 90),
		SingleUsePerAsset:   r.boolean("SINGLE_USE_PER_ASSET", false),
		TokenHashKey:        r.secret("TOKEN_HASH_KEY"),
		TokenBlockKey:       r.secret("TOKEN_BLOCK_KEY"),
		TokenTTL:            r.duration("TOKEN_TTL", 24*time.Hour),
		AdminPasswordHash:   r.str("ADMIN_PASSWORD_HASH", ""),
		LogLevel:            r.str("LOG_LEVEL", "info"),
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail later at startup.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"PERSIST_CHAN_SIZE":        c.PersistChanSize,
		"PROJECTION_CHAN_SIZE":     c.ProjectionChanSize,
		"COMMAND_CHAN_SIZE":        c.CommandChanSize,
		"PUBLISH_CHAN_SIZE":        c.PublishChanSize,
		"PERSIST_BATCH_SIZE":       c.PersistBatchSize,
		"HORIZON_DAYS":             c.HorizonDays,
		"IDEMPOTENCY_LRU_CAPACITY": c.IdempotencyCapacity,
	}
	for key, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive, got %d", Prefix, key, v))
		}
	}
	if c.EngineIdentity == "" {
		errs = append(errs, fmt.Errorf("%sENGINE_IDENTITY must not be empty", Prefix))
	}
	if n := len(c.TokenHashKey); n != 0 && n != 32 && n != 64 {
		errs = append(errs, fmt.Errorf("%sTOKEN_HASH_KEY must be 32 or 64 bytes, got %d", Prefix, n))
	}
	if n := len(c.TokenBlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		errs = append(errs, fmt.Errorf("%sTOKEN_BLOCK_KEY must be 16, 24 or 32 bytes, got %d", Prefix, n))
	}
	return errors.Join(errs...)
}

// HasTokenKeys reports whether both token keys are configured.
func (c Config) HasTokenKeys() bool {
	return len(c.TokenHashKey) > 0 && len(c.TokenBlockKey) > 0
}

// reader collects parse errors so every bad variable is reported at once.
type reader struct {
	errs []error
}

func (r *reader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(Prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) secret(key string) []byte {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return nil
	}
	return b
}
