package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Spindle/internal/cumulation"
)

// writeFile writes content to a config file in a temporary directory.
func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "spindle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
node:
  listen_addr: 127.0.0.1:7000
  bootstrap:
    - 10.0.0.1:9000
    - 10.0.0.2:9000
log:
  level: debug
overlay:
  join_timeout: 2m
cumulation:
  exact_count: true
deferred:
  max_age: 36h
transport:
  queue_size: 64
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Node.ListenAddr = "127.0.0.1:7000"
	want.Node.Bootstrap = []string{"10.0.0.1:9000", "10.0.0.2:9000"}
	want.Log.Level = "debug"
	want.Overlay.JoinTimeout = 2 * time.Minute
	want.Cumulation.ExactCount = true
	want.Deferred.MaxAge = 36 * time.Hour
	want.Transport.QueueSize = 64

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeFile(t, "node:\n  listen_adr: :9000\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spindle.yaml")

	cfg := Default()
	cfg.Node.Bootstrap = []string{"127.0.0.1:9001"}
	cfg.Overlay.BeltTimeout = 45 * time.Second
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing listen address", func(c *Config) { c.Node.ListenAddr = "" }},
		{"listen address without port", func(c *Config) { c.Node.ListenAddr = "localhost" }},
		{"bad bootstrap", func(c *Config) { c.Node.Bootstrap = []string{"nowhere"} }},
		{"bad http address", func(c *Config) { c.HTTP.Addr = "8080" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero booking timeout", func(c *Config) { c.Overlay.BookingTimeout = 0 }},
		{"negative belt timeout", func(c *Config) { c.Overlay.BeltTimeout = -time.Second }},
		{"empty locate cache", func(c *Config) { c.Overlay.LocateCache = 0 }},
		{"tolerance too large", func(c *Config) { c.Cumulation.Tolerance = 1 }},
		{"negative max distance", func(c *Config) { c.Deferred.MaxDistance = -1 }},
		{"zero sweep interval", func(c *Config) { c.Deferred.SweepInterval = 0 }},
		{"zero queue", func(c *Config) { c.Transport.QueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// Disabled HTTP server and in-memory storage are valid.
	cfg := Default()
	cfg.HTTP.Addr = ""
	cfg.Node.DataPath = ""
	assert.NoError(t, cfg.Validate())
}

func TestCumulations(t *testing.T) {
	cfg := Default()
	kinds := cfg.Cumulations()
	require.Len(t, kinds, 1)
	assert.Equal(t, cumulation.ApproximateCount, kinds[0].Kind)

	cfg.Cumulation.ExactCount = true
	assert.Len(t, cfg.Cumulations(), 2)

	cfg.Cumulation.Enabled = false
	assert.Empty(t, cfg.Cumulations())
}
