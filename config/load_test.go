package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const baseConfig = `
env: dev
gateway:
  restURL: http://localhost:8080
  wsURL: ws://localhost:8080/ws
  token: static-token
stream:
  timeframe: 1m
  intervalSeconds: 60
  durationSeconds: 3600
watches:
  - name: chart
    symbol: ESM4
  - name: modal
    symbol: NQM4
    timeframe: 5m
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, baseConfig))
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "http://localhost:8080", cfg.Gateway.RestURL)
	assert.Equal(t, 500, cfg.Stream.MaxBarPoints)
	assert.Equal(t, 20*time.Second, cfg.Stream.PingInterval())
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout())
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Watches, 2)
	assert.Equal(t, "1m", cfg.Watches[0].Timeframe)
	assert.Equal(t, "5m", cfg.Watches[1].Timeframe)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv(EnvRestURL, "https://snap.example.com")
	t.Setenv(EnvWSURL, "wss://stream.example.com/ws")
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvLogLevel, "debug")
	cfg, err := LoadWithEnvOverrides(writeTempConfig(t, baseConfig))
	require.NoError(t, err)
	assert.Equal(t, "https://snap.example.com", cfg.Gateway.RestURL)
	assert.Equal(t, "wss://stream.example.com/ws", cfg.Gateway.WSURL)
	assert.Equal(t, "env-token", cfg.Gateway.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeTempConfig(t, "env: [unclosed"))
	assert.ErrorContains(t, err, "parse yaml")
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*AppConfig)
		want   string
	}{
		"missing env":      {func(c *AppConfig) { c.Env = "" }, "env is required"},
		"bad rest scheme":  {func(c *AppConfig) { c.Gateway.RestURL = "ws://x" }, "gateway.restURL"},
		"missing ws":       {func(c *AppConfig) { c.Gateway.WSURL = "" }, "gateway.wsURL"},
		"no timeframe":     {func(c *AppConfig) { c.Stream.Timeframe = " " }, "stream.timeframe"},
		"zero interval":    {func(c *AppConfig) { c.Stream.IntervalSeconds = 0 }, "intervalSeconds"},
		"negative bars":    {func(c *AppConfig) { c.Stream.MaxBarPoints = -1 }, "maxBarPoints"},
		"reconnect order":  {func(c *AppConfig) { c.Stream.Reconnect.InitialMs = 5000; c.Stream.Reconnect.MaxMs = 100 }, "initialMs"},
		"unnamed watch":    {func(c *AppConfig) { c.Watches[0].Name = "" }, "watches[0].name"},
		"duplicated watch": {func(c *AppConfig) { c.Watches[1].Name = "chart" }, "defined twice"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeTempConfig(t, baseConfig))
			require.NoError(t, err)
			tc.mutate(&cfg)
			err = Validate(cfg)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want), err.Error())
		})
	}
}

func TestTokenProviderRereadsEachCall(t *testing.T) {
	t.Setenv(EnvToken, "")
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	g := GatewayConfig{Token: "static", TokenFile: path}
	provider := g.TokenProvider()

	tok, err := provider(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	tok, err = provider(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", tok)

	t.Setenv(EnvToken, "from-env")
	tok, err = provider(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)
}

func TestTokenProviderFallbacks(t *testing.T) {
	t.Setenv(EnvToken, "")
	tok, err := GatewayConfig{Token: "static"}.TokenProvider()(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static", tok)

	_, err = GatewayConfig{TokenFile: filepath.Join(t.TempDir(), "nope")}.TokenProvider()(context.Background())
	assert.ErrorContains(t, err, "read token file")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = GatewayConfig{Token: "static"}.TokenProvider()(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
