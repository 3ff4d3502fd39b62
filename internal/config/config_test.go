package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zbxsystems/zbxcore/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, config.DefaultConfig().Validate())
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero poller workers", func(c *config.Config) { c.PollerWorkers = 0 }},
		{"zero batch size", func(c *config.Config) { c.PollerBatchSize = 0 }},
		{"zero request timeout", func(c *config.Config) { c.RequestTimeout = 0 }},
		{"zero dbconfig tick", func(c *config.Config) { c.DBConfigWorkerTick = 0 }},
		{"empty nats url", func(c *config.Config) { c.NATSURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := config.DefaultConfig()
			tc.mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestOwnerLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	overlay := map[string]any{"poller_workers": 4, "nats_url": "nats://override:4222"}
	b, err := json.Marshal(overlay)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	owner := config.NewOwner()
	require.NoError(t, owner.Load(path))

	cfg := owner.Get()
	require.Equal(t, 4, cfg.PollerWorkers)
	require.Equal(t, "nats://override:4222", cfg.NATSURL)
	// Untouched fields keep their default.
	require.Equal(t, 1000, cfg.PollerBatchSize)
}

func TestOwnerLoadRejectsInvalidOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"poller_workers": -1}`), 0o644))

	owner := config.NewOwner()
	require.Error(t, owner.Load(path))
}

func TestOwnerLoadWithNoPathUsesDefaults(t *testing.T) {
	owner := config.NewOwner()
	require.NoError(t, owner.Load(""))
	require.Equal(t, config.DefaultConfig().PollerWorkers, owner.Get().PollerWorkers)
}

func TestWatchAndReloadPicksUpValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"poller_workers": 1}`), 0o644))

	owner := config.NewOwner()
	require.NoError(t, owner.Load(path))

	stop := make(chan struct{})
	defer close(stop)
	require.NoError(t, owner.WatchAndReload(stop))

	require.NoError(t, os.WriteFile(path, []byte(`{"poller_workers": 7}`), 0o644))

	require.Eventually(t, func() bool {
		return owner.Get().PollerWorkers == 7
	}, 2*time.Second, 20*time.Millisecond)
}
