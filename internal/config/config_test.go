package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("GAMEDATA_TEST_PG_PASSWORD", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  read_timeout: 2s
postgres:
  user: gamedata
  password: ${GAMEDATA_TEST_PG_PASSWORD}
  database: gamedata
cache:
  enabled: true
  record_ttl: 1m
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
games:
  max_value_bytes: 4096
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, 5*time.Second, cfg.Postgres.StatementTimeout)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Minute, cfg.Cache.RecordTTL)
	assert.Equal(t, "gamedata", cfg.Cache.KeyPrefix)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "game-data-saves", cfg.Kafka.Topic)
	assert.Equal(t, int64(4096), cfg.Games.MaxValueBytes)
	assert.Equal(t, 255, cfg.Games.MaxDataKeyLength)
	assert.False(t, cfg.Websocket.Enabled)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(2<<20), cfg.Server.MaxBodyBytes)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Registry.RefreshEnabled)
	assert.Equal(t, 5*time.Minute, cfg.Registry.RefreshInterval)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t,
		"postgres://:@localhost:5432/?sslmode=disable",
		cfg.Postgres.ConnectionString(),
	)
}
