package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadTOMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctfledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[postgres]
dsn = "postgres://file/db"

[persistence]
batch_size = 250
flush_timeout = "20ms"

[lock]
redis_addr = "localhost:6379"
ttl = "15s"
`), 0o600))

	t.Setenv("CTF_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("CTF_SNAPSHOT_INTERVAL", "30s")
	t.Setenv("CTF_PERSIST_BATCH_SIZE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN, "env wins over file")
	assert.Equal(t, 250, cfg.Persistence.BatchSize, "unparseable env keeps file value")
	assert.Equal(t, 20*time.Millisecond, cfg.Persistence.FlushTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Snapshot.Interval.Duration)
	assert.Equal(t, 15*time.Second, cfg.Lock.TTL.Duration)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr, "defaults survive")
	require.NoError(t, cfg.Validate())
}

func TestLoadPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, []byte("[nats]\nurl = \"nats://file:4222\"\n"), 0o600))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://file:4222", cfg.NATS.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "chatty"
	cfg.Postgres.DSN = ""
	cfg.Persistence.BatchSize = 0
	cfg.Core.ChainID = 0
	cfg.Core.MaxClockSkew = Duration{-time.Second}
	cfg.Lock.RedisAddr = "localhost:6379"
	cfg.Lock.TTL = Duration{100 * time.Millisecond}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown log_level "chatty"`,
		"postgres.dsn is required",
		"persistence.batch_size must be positive",
		"core.chain_id must be positive",
		"core.max_clock_skew must not be negative",
		"lock.ttl must be at least 1s",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateChainIDIgnoredWithoutSignatures(t *testing.T) {
	cfg := Defaults()
	cfg.Core.ChainID = 0
	cfg.Core.DisableSignatureChecks = true
	assert.NoError(t, cfg.Validate())
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "ctfledger.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Defaults(), *cfg)
}
