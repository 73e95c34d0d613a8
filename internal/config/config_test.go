package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
vault:
  key: abc
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Remote.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Remote.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.Remote.DefaultRetryAfter)
	assert.Equal(t, 60*time.Second, cfg.Remote.TokenExpiryBuffer)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "edfi_sync_jobs", cfg.RabbitMQ.JobsQueue)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("EDFI_SYNC_TEST_KEY", "from-env")
	t.Setenv("EDFI_SYNC_TEST_DB", "district")
	path := writeConfig(t, `
vault:
  key: ${EDFI_SYNC_TEST_KEY}
database:
  host: localhost
  port: 5432
  user: sync
  password: pw
  dbname: ${EDFI_SYNC_TEST_DB}
  sslmode: disable
remote:
  max_attempts: 5
  timeout: 10s
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Vault.Key)
	assert.Equal(t, 5, cfg.Remote.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "host=localhost port=5432 user=sync password=pw dbname=district sslmode=disable", cfg.Database.DSN())
}

func TestLoad_MissingVaultKey(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "vault.key")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}
