package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"market-sync-go/infrastructure/logger"
)

// 环境变量覆盖项
const (
	EnvToken    = "MS_GATEWAY_TOKEN"
	EnvRestURL  = "MS_GATEWAY_REST_URL"
	EnvWSURL    = "MS_GATEWAY_WS_URL"
	EnvLogLevel = "MS_LOG_LEVEL"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env"`
	Log     logger.Config `yaml:"log"`
	Gateway GatewayConfig `yaml:"gateway"`
	Metrics MetricsConfig `yaml:"metrics"`
	Stream  StreamConfig  `yaml:"stream"`
	Watches []WatchConfig `yaml:"watches"`
}

type GatewayConfig struct {
	RestURL      string  `yaml:"restURL"`
	WSURL        string  `yaml:"wsURL"`
	Token        string  `yaml:"token"`
	TokenFile    string  `yaml:"tokenFile"`    // 若设置，每次建连都重新读取（支持 token 轮换）
	RequestRate  float64 `yaml:"requestRate"`  // 快照请求每秒上限
	RequestBurst int     `yaml:"requestBurst"`
	TimeoutMs    int     `yaml:"timeoutMs"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空则不启动 /metrics
}

// StreamConfig 是所有 watch 共享的默认订阅参数。
type StreamConfig struct {
	Timeframe       string          `yaml:"timeframe"`
	IntervalSeconds int64           `yaml:"intervalSeconds"`
	DurationSeconds int64           `yaml:"durationSeconds"`
	MaxBarPoints    int             `yaml:"maxBarPoints"`
	PingIntervalMs  int             `yaml:"pingIntervalMs"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Enabled     bool `yaml:"enabled"`
	InitialMs   int  `yaml:"initialMs"`
	MaxMs       int  `yaml:"maxMs"`
	MaxAttempts int  `yaml:"maxAttempts"`
}

// WatchConfig 描述一个消费者（如一个图表窗口）关注的品种。
type WatchConfig struct {
	Name      string `yaml:"name"`
	Symbol    string `yaml:"symbol"`
	OwnerID   string `yaml:"ownerId"`
	Timeframe string `yaml:"timeframe"` // 为空时沿用 stream.timeframe
}

// Timeout 返回 REST 超时
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// PingInterval 返回 WS 心跳间隔
func (s StreamConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalMs) * time.Millisecond
}

// Load reads YAML config from path, fills defaults and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads .env (if present) and the YAML file, then lets env vars
// override endpoints and credentials.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	_ = godotenv.Load()
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv(EnvRestURL); v != "" {
		cfg.Gateway.RestURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		cfg.Gateway.WSURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	ApplyDefaults(&cfg)
	return cfg, Validate(cfg)
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = []string{"stdout"}
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Gateway.RequestRate == 0 {
		cfg.Gateway.RequestRate = 5
	}
	if cfg.Gateway.RequestBurst == 0 {
		cfg.Gateway.RequestBurst = 5
	}
	if cfg.Gateway.TimeoutMs == 0 {
		cfg.Gateway.TimeoutMs = 10_000
	}
	if cfg.Stream.MaxBarPoints == 0 {
		cfg.Stream.MaxBarPoints = 500
	}
	if cfg.Stream.PingIntervalMs == 0 {
		cfg.Stream.PingIntervalMs = 20_000
	}
	if cfg.Stream.Reconnect.InitialMs == 0 {
		cfg.Stream.Reconnect.InitialMs = 500
	}
	if cfg.Stream.Reconnect.MaxMs == 0 {
		cfg.Stream.Reconnect.MaxMs = 30_000
	}
	for i := range cfg.Watches {
		if cfg.Watches[i].Timeframe == "" {
			cfg.Watches[i].Timeframe = cfg.Stream.Timeframe
		}
	}
}
