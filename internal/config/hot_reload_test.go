package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "market-sync-go/config"
)

const reloadYAML = `
env: dev
gateway:
  restURL: http://localhost:8080
  wsURL: ws://localhost:8080/ws
stream:
  timeframe: 1m
  intervalSeconds: 60
watches:
  - name: chart
    symbol: %s
`

func writeConfig(t *testing.T, path, symbol string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(reloadYAML, symbol)), 0o644))
}

func newTestReloader(t *testing.T, cooldown time.Duration) (*HotReloader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "ESM4")
	r, err := NewHotReloader(path, HotReloadConfig{Enabled: true, CooldownTime: cooldown}, nil)
	require.NoError(t, err)
	r.SetLoader(appconfig.Load)
	t.Cleanup(func() { _ = r.Stop() })
	return r, path
}

func TestHotReloaderAppliesChanges(t *testing.T) {
	r, path := newTestReloader(t, 0)

	var mu sync.Mutex
	var symbols []string
	r.SetReloadHandler(func(cfg appconfig.AppConfig) error {
		mu.Lock()
		defer mu.Unlock()
		symbols = append(symbols, cfg.Watches[0].Symbol)
		return nil
	})
	require.NoError(t, r.Start(context.Background()))

	writeConfig(t, path, "NQM4")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(symbols) > 0 && symbols[len(symbols)-1] == "NQM4"
	}, 3*time.Second, 20*time.Millisecond)

	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, "NQM4", cur.Watches[0].Symbol)
	assert.False(t, r.GetLastReloadTime().IsZero())
}

func TestHotReloaderKeepsLastGoodConfig(t *testing.T) {
	r, path := newTestReloader(t, 0)
	calls := make(chan string, 8)
	r.SetReloadHandler(func(cfg appconfig.AppConfig) error {
		calls <- cfg.Watches[0].Symbol
		return nil
	})
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("env: [broken"), 0o644))
	select {
	case s := <-calls:
		t.Fatalf("handler called with invalid config: %s", s)
	case <-time.After(300 * time.Millisecond):
	}
	_, ok := r.Current()
	assert.False(t, ok)
	assert.True(t, r.GetLastReloadTime().IsZero())
}

func TestHotReloaderCooldown(t *testing.T) {
	r, path := newTestReloader(t, time.Hour)
	calls := make(chan string, 8)
	r.SetReloadHandler(func(cfg appconfig.AppConfig) error {
		calls <- cfg.Watches[0].Symbol
		return nil
	})
	require.NoError(t, r.Start(context.Background()))

	writeConfig(t, path, "NQM4")
	select {
	case s := <-calls:
		assert.Equal(t, "NQM4", s)
	case <-time.After(3 * time.Second):
		t.Fatal("first reload not applied")
	}
	writeConfig(t, path, "CLN4")
	select {
	case s := <-calls:
		t.Fatalf("reload inside cooldown: %s", s)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHotReloaderDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "ESM4")
	r, err := NewHotReloader(path, HotReloadConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	assert.NoError(t, r.Stop())
	assert.NoError(t, r.Stop())
}
