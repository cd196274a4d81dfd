package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/conductor/internal/profile"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StoreMemory, cfg.Store.Engine)
	assert.Equal(t, "OLDEST_FIRST", cfg.DefaultDeletionCriteria)
	require.Len(t, cfg.Profiles, 1)
	assert.Equal(t, profile.TypeMemory, cfg.Profiles[0].Type)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
engine_id: east-1
listen_addr: 127.0.0.1:9090
workers: 16
store:
  engine: badger
  path: /var/lib/conductor
locks:
  staleness: 2m
  heartbeat_interval: 15s
lifecycle:
  default_timeout: 5m
default_deletion_criteria: YOUNGEST_FIRST
profiles:
  - id: vm
    type: http-1.0
    endpoint: http://driver.local:7000
    token: abc
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "east-1", cfg.EngineID)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, StoreBadger, cfg.Store.Engine)
	assert.Equal(t, "/var/lib/conductor", cfg.Store.Path)
	assert.Equal(t, 2*time.Minute, cfg.Locks.Staleness)
	assert.Equal(t, 15*time.Second, cfg.Locks.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Locks.ReapInterval, "unset fields keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.DefaultTimeout)
	assert.Equal(t, "YOUNGEST_FIRST", cfg.DefaultDeletionCriteria)
	require.Len(t, cfg.Profiles, 1)
	assert.Equal(t, profile.Spec{ID: "vm", Type: profile.TypeHTTP, Endpoint: "http://driver.local:7000", Token: "abc"}, cfg.Profiles[0])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: "listen_adr: :80\n"},
		{name: "badger without path", body: "store:\n  engine: badger\n"},
		{name: "unknown store", body: "store:\n  engine: postgres\n"},
		{name: "zero workers", body: "workers: 0\n"},
		{name: "heartbeat not below staleness", body: "locks:\n  staleness: 10s\n  heartbeat_interval: 10s\n"},
		{name: "bad criteria", body: "default_deletion_criteria: LARGEST_FIRST\n"},
		{name: "http profile without endpoint", body: "profiles:\n  - id: vm\n    type: http-1.0\n"},
		{name: "duplicate profile", body: "profiles:\n  - id: a\n    type: memory-1.0\n  - id: a\n    type: memory-1.0\n"},
		{name: "bad duration", body: "lifecycle:\n  default_timeout: soon\n"},
		{name: "bad webhook url", body: "notify:\n  webhook_url: not a url\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CONDUCTOR_ENGINE_ID":         "from-env",
		"CONDUCTOR_WORKERS":           "3",
		"CONDUCTOR_LOCK_STALENESS":    "90s",
		"CONDUCTOR_RECEIVER_RATE":     "0.5",
		"CONDUCTOR_DELETION_CRITERIA": "RANDOM",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "from-env", cfg.EngineID)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.Locks.Staleness)
	assert.InDelta(t, 0.5, cfg.Receivers.Rate, 1e-9)
	assert.Equal(t, "RANDOM", cfg.DefaultDeletionCriteria)

	bad := []string{"CONDUCTOR_WORKERS", "CONDUCTOR_LOCK_STALENESS", "CONDUCTOR_RECEIVER_RATE"}
	for _, key := range bad {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := cfg.applyEnv(func(k string) (string, bool) {
				if k == key {
					return "garbage", true
				}
				return "", false
			})
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoadUsesEnvironment(t *testing.T) {
	t.Setenv("CONDUCTOR_LISTEN_ADDR", ":7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}
