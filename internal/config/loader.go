package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvConfigPath names the variable that points at the TOML file when no
// -config flag is given.
const EnvConfigPath = "CTF_CONFIG"

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty), then a .env file if present, then CTF_* environment
// overrides. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Silently ignore a missing .env.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "CTF_LOG_LEVEL")

	// Postgres
	setStr(&cfg.Postgres.DSN, "CTF_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "CTF_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "CTF_POSTGRES_MAX_IDLE_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CTF_POSTGRES_RUN_MIGRATIONS")

	// NATS
	setStr(&cfg.NATS.URL, "CTF_NATS_URL")
	setBool(&cfg.NATS.PublishEvents, "CTF_NATS_PUBLISH_EVENTS")

	// Server
	setStr(&cfg.Server.GRPCAddr, "CTF_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "CTF_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "CTF_METRICS_ADDR")

	// Core
	setInt(&cfg.Core.IdempotencyCapacity, "CTF_IDEMPOTENCY_LRU_CAPACITY")
	setInt64(&cfg.Core.ChainID, "CTF_CHAIN_ID")
	setBool(&cfg.Core.DisableSignatureChecks, "CTF_DISABLE_SIGNATURE_CHECKS")
	setInt(&cfg.Core.SubmitQueueSize, "CTF_SUBMIT_QUEUE_SIZE")
	setDuration(&cfg.Core.MaxClockSkew, "CTF_MAX_CLOCK_SKEW")

	// Persistence
	setInt(&cfg.Persistence.PersistChanSize, "CTF_PERSIST_CHAN_SIZE")
	setInt(&cfg.Persistence.ProjectionChanSize, "CTF_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Persistence.BatchSize, "CTF_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persistence.FlushTimeout, "CTF_PERSIST_FLUSH_TIMEOUT")
	setInt(&cfg.Persistence.PublishChanSize, "CTF_PUBLISH_CHAN_SIZE")
	setDuration(&cfg.Persistence.IdempotencyTimeout, "CTF_IDEMPOTENCY_DB_TIMEOUT")

	setDuration(&cfg.Snapshot.Interval, "CTF_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Query.CacheTTL, "CTF_QUERY_CACHE_TTL")
	setDuration(&cfg.Query.ResolvedCacheTTL, "CTF_QUERY_RESOLVED_CACHE_TTL")

	// Lock
	setStr(&cfg.Lock.RedisAddr, "CTF_REDIS_ADDR")
	setStr(&cfg.Lock.RedisPassword, "CTF_REDIS_PASSWORD")
	setInt(&cfg.Lock.RedisDB, "CTF_REDIS_DB")
	setStr(&cfg.Lock.Key, "CTF_LOCK_KEY")
	setDuration(&cfg.Lock.TTL, "CTF_LOCK_TTL")
}

// Each setter only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
