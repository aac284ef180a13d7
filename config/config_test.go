package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"syncfm/core/room"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFromOverrides(t *testing.T) {
	env := map[string]string{
		"PLAY_LEAD_MS":               "1000",
		"HANDSHAKE_SOFT_TIMEOUT_MS":  "4000",
		"MAX_START_DELAY_MS":         "12000",
		"SERVER_RESYNC_THRESHOLD_MS": "not-a-number",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	p := policyFrom(lookup)
	def := room.DefaultPolicy()

	assert.Equal(t, time.Second, p.PlayLead)
	assert.Equal(t, 4*time.Second, p.HandshakeSoftTimeout)
	assert.Equal(t, 12*time.Second, p.MaxStartDelay)
	assert.Equal(t, def.ResyncThreshold, p.ResyncThreshold)
	assert.Equal(t, def.HandshakeHardTimeout, p.HandshakeHardTimeout)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("REDIS_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "6379", cfg.RedisPort)
	assert.Equal(t, room.DefaultPolicy(), cfg.Policy)
}

func TestReadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.env")
	require.NoError(t, os.WriteFile(path, []byte("SEEK_LEAD_MS=150\nPLAY_DEBOUNCE_MS=2000\n"), 0o644))

	p, err := ReadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, p.SeekLead)
	assert.Equal(t, 2*time.Second, p.PlayDebounce)

	// The file is parsed, never loaded into the environment.
	_, set := os.LookupEnv("SEEK_LEAD_MS")
	assert.False(t, set)

	_, err = ReadPolicy(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestWatchPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.env")
	require.NoError(t, os.WriteFile(path, []byte("PLAY_LEAD_MS=800\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan room.Policy, 64)
	done := make(chan error, 1)
	go func() {
		done <- WatchPolicy(ctx, path, func(p room.Policy) { applied <- p })
	}()

	// Keep rewriting until the watcher is registered and reports the change.
	var got room.Policy
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("PLAY_LEAD_MS=1200\n"), 0o644); err != nil {
			return false
		}
		select {
		case got = <-applied:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1200*time.Millisecond, got.PlayLead)

	// An invalid policy is never applied.
	require.NoError(t, os.WriteFile(path, []byte("HANDSHAKE_FIRST_CHECK_MS=0\n"), 0o644))
	deadline := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case p := <-applied:
			assert.NotZero(t, p.HandshakeFirstCheck)
		case <-deadline:
			break drain
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
