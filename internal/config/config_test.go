package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def, cfg)
	assert.Equal(t, DefaultPort, cfg.HTTPPort)
	assert.Equal(t, 1800*time.Second, cfg.RequestedTimeout)
	assert.Zero(t, cfg.SubscriptionTimeout)
}

func TestLoadPrecedence(t *testing.T) {
	file := writeFile(t, "gupnp.yaml", `
http_port: 9000
read_timeout: 3s
max_chunk_size: 4096
subscription_timeout: 2s
workers: 2
friendly_name: From File
`)
	env := writeFile(t, ".env", "UPNP_WORKERS=6\nUPNP_FRIENDLY_NAME=From Dotenv\n")
	t.Setenv("UPNP_FRIENDLY_NAME", "From Env")
	t.Setenv("UPNP_INVOKE_TIMEOUT", "45")
	t.Setenv("UPNP_REQUESTED_TIMEOUT", "48h")
	t.Cleanup(func() { _ = os.Unsetenv("UPNP_WORKERS") })

	cfg, err := Load(file, env)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 3*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 4096, cfg.MaxChunkSize)
	assert.Equal(t, 2*time.Second, cfg.SubscriptionTimeout)
	assert.Equal(t, 48*time.Hour, cfg.RequestedTimeout)
	assert.Equal(t, 6, cfg.Workers, ".env beats the file")
	assert.Equal(t, "From Env", cfg.FriendlyName, "environment beats .env")
	assert.Equal(t, 45*time.Second, cfg.InvokeTimeout, "plain seconds")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "http_port: [1, 2"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{HTTPPort: 70000, MaxChunkSize: -1, SubscriptionTimeout: -time.Second, Workers: -3, MaxQueue: -1}
	cfg.validate()
	def := Default()
	assert.Equal(t, DefaultPort, cfg.HTTPPort)
	assert.Zero(t, cfg.MaxChunkSize)
	assert.Zero(t, cfg.SubscriptionTimeout)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultMaxQueue, cfg.MaxQueue)
	assert.Equal(t, def.ReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, def.InvokeTimeout, cfg.InvokeTimeout)
	assert.Equal(t, def.UUIDPath, cfg.UUIDPath)
	assert.Equal(t, DefaultFriendlyName, cfg.FriendlyName)
}

func TestEnvVar(t *testing.T) {
	t.Setenv("UPNP_TEST_INT", "12")
	t.Setenv("UPNP_TEST_BOOL", "true")
	t.Setenv("UPNP_TEST_BAD", "twelve")
	t.Setenv("UPNP_TEST_DURATION", "1m30s")

	assert.Equal(t, 12, envVar("UPNP_TEST_INT", 1))
	assert.True(t, envVar("UPNP_TEST_BOOL", false))
	assert.Equal(t, 1, envVar("UPNP_TEST_BAD", 1))
	assert.Equal(t, 90*time.Second, envVar("UPNP_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, envVar("UPNP_TEST_BAD", time.Second))
	assert.Equal(t, "x", envVar("UPNP_TEST_UNSET", "x"))
}
