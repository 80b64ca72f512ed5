// Package config loads the orchestrator process's static configuration: a
// YAML file (gopkg.in/yaml.v3, the teacher's declarative-document library —
// see integration_tests/framework/runner.go) for the structural bits
// (namespaces, pool policy, KV backend selection), overridden by environment
// variables for the per-deployment bits (addresses, credentials), mirroring
// the env-var doc-comment style of registry/cmd/registry/main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rivet-gg/actor-orchestrator/internal/scheduler"
)

// KVBackend selects which internal/kv driver backs the primary transactional
// store. Mongo is never a primary backend — component A's mongodriver only
// implements the chunked-large-value offload (see UseMongoChunkStore), not
// the full kv.Store interface, so it is configured independently.
type KVBackend string

const (
	KVBackendMemory KVBackend = "memory"
	KVBackendRedis  KVBackend = "redis"
)

// NamespaceConfig is one entry of the pools this deployment schedules actors
// into (spec.md §4.D "namespace, runner_name selector").
type NamespaceConfig struct {
	Namespace string               `yaml:"namespace"`
	Policy    scheduler.PoolPolicy `yaml:"policy"`
}

// Config is the orchestrator process's full static configuration.
type Config struct {
	// WorkerID identifies this process's workflow leases (spec.md §4.C
	// "worker_instance_id"). Defaults to the host name if empty.
	WorkerID string `yaml:"worker_id"`

	// ListenAddr is the runner protocol's gRPC listen address
	// (internal/runnerproto).
	ListenAddr string `yaml:"listen_addr"`

	// KVBackend selects the primary transactional store: memory or redis.
	KVBackend KVBackend `yaml:"kv_backend"`
	RedisURL  string    `yaml:"redis_url"`

	// UseMongoChunkStore, with MongoURI and MongoDB, describes a Mongo
	// collection for large blobs (mongodriver.ChunkStore); Validate requires
	// the URI and database when it is true. cmd/orchestrator does not read
	// these fields and constructs no ChunkStore from them.
	UseMongoChunkStore bool   `yaml:"use_mongo_chunk_store"`
	MongoURI           string `yaml:"mongo_uri"`
	MongoDB            string `yaml:"mongo_db"`

	// BusSignalTTL is the message-tail TTL passed as internal/bus.New's ttlMs
	// parameter: a durable tail older than this is treated as stale by the
	// bus's tail anchor. Unconsumed signals do not expire by it.
	BusSignalTTL time.Duration `yaml:"bus_signal_ttl"`

	// EngineBatchSize is how many runnable workflows one Engine.Tick pulls
	// per pass (component C).
	EngineBatchSize int `yaml:"engine_batch_size"`

	// PollInterval is how often the worker loop calls Engine.Tick when no
	// push-driven wakeup is available.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Namespaces lists the pools this deployment's reconciler/scheduler
	// manage. Unlisted namespaces are still servable (a namespace is just a
	// tag, not a registration), but values here seed default pool policy.
	Namespaces []NamespaceConfig `yaml:"namespaces"`

	// ClueServiceName names this process for goa.design/clue tracing/metrics
	// (internal/telemetry).
	ClueServiceName string `yaml:"clue_service_name"`
}

// Default returns the zero-deployment configuration: in-memory KV, a local
// runner listen address, and conservative polling — suitable for a
// single-process smoke test, never for production use.
func Default() *Config {
	return &Config{
		WorkerID:        "",
		ListenAddr:      ":9443",
		KVBackend:       KVBackendMemory,
		BusSignalTTL:    60 * time.Second,
		EngineBatchSize: 32,
		PollInterval:    200 * time.Millisecond,
		ClueServiceName: "actor-orchestrator",
	}
}

// Load reads a YAML config document at path, starting from Default() so an
// absent field keeps its default rather than zeroing out. An empty path
// returns Default() unmodified.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides layers environment variables over cfg, taking precedence
// over whatever the YAML document (or Default()) set. Grounded on the
// envOr/envIntOr/envDurationOr helper shape in registry/cmd/registry/main.go.
//
// Recognized variables:
//
//	ORCHESTRATOR_WORKER_ID       - worker_instance_id for workflow leases
//	ORCHESTRATOR_LISTEN_ADDR     - runner protocol gRPC listen address
//	ORCHESTRATOR_KV_BACKEND         - "memory" | "redis"
//	ORCHESTRATOR_REDIS_URL          - redis connection URL
//	ORCHESTRATOR_USE_MONGO_CHUNKS   - "true" | "false"
//	ORCHESTRATOR_MONGO_URI          - mongo connection URI
//	ORCHESTRATOR_MONGO_DB           - mongo database name
//	ORCHESTRATOR_BUS_SIGNAL_TTL     - e.g. "60s"
//	ORCHESTRATOR_ENGINE_BATCH       - integer
//	ORCHESTRATOR_POLL_INTERVAL      - e.g. "200ms"
func ApplyEnvOverrides(cfg *Config) {
	cfg.WorkerID = envOr("ORCHESTRATOR_WORKER_ID", cfg.WorkerID)
	cfg.ListenAddr = envOr("ORCHESTRATOR_LISTEN_ADDR", cfg.ListenAddr)
	cfg.KVBackend = KVBackend(envOr("ORCHESTRATOR_KV_BACKEND", string(cfg.KVBackend)))
	cfg.RedisURL = envOr("ORCHESTRATOR_REDIS_URL", cfg.RedisURL)
	cfg.UseMongoChunkStore = envBoolOr("ORCHESTRATOR_USE_MONGO_CHUNKS", cfg.UseMongoChunkStore)
	cfg.MongoURI = envOr("ORCHESTRATOR_MONGO_URI", cfg.MongoURI)
	cfg.MongoDB = envOr("ORCHESTRATOR_MONGO_DB", cfg.MongoDB)
	cfg.BusSignalTTL = envDurationOr("ORCHESTRATOR_BUS_SIGNAL_TTL", cfg.BusSignalTTL)
	cfg.EngineBatchSize = envIntOr("ORCHESTRATOR_ENGINE_BATCH", cfg.EngineBatchSize)
	cfg.PollInterval = envDurationOr("ORCHESTRATOR_POLL_INTERVAL", cfg.PollInterval)
}

// Validate checks field combinations Load/ApplyEnvOverrides can't enforce
// through types alone (e.g. a backend selection requiring its connection
// string).
func (c *Config) Validate() error {
	switch c.KVBackend {
	case KVBackendMemory:
	case KVBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("kv_backend=redis requires redis_url")
		}
	default:
		return fmt.Errorf("unknown kv_backend %q", c.KVBackend)
	}
	if c.UseMongoChunkStore && (c.MongoURI == "" || c.MongoDB == "") {
		return fmt.Errorf("use_mongo_chunk_store requires mongo_uri and mongo_db")
	}
	if c.EngineBatchSize <= 0 {
		return fmt.Errorf("engine_batch_size must be positive")
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
