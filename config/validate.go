package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if err := validateURL("gateway.restURL", cfg.Gateway.RestURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("gateway.wsURL", cfg.Gateway.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if cfg.Gateway.RequestRate < 0 || cfg.Gateway.RequestBurst < 0 {
		return errors.New("gateway.requestRate/requestBurst must be >= 0")
	}
	if cfg.Gateway.TimeoutMs < 0 {
		return errors.New("gateway.timeoutMs must be >= 0")
	}
	if strings.TrimSpace(cfg.Stream.Timeframe) == "" {
		return errors.New("stream.timeframe is required")
	}
	if cfg.Stream.IntervalSeconds <= 0 {
		return errors.New("stream.intervalSeconds must be > 0")
	}
	if cfg.Stream.DurationSeconds < 0 {
		return errors.New("stream.durationSeconds must be >= 0")
	}
	if cfg.Stream.MaxBarPoints < 0 {
		return errors.New("stream.maxBarPoints must be >= 0")
	}
	if cfg.Stream.PingIntervalMs < 0 {
		return errors.New("stream.pingIntervalMs must be >= 0")
	}
	rc := cfg.Stream.Reconnect
	if rc.InitialMs < 0 || rc.MaxMs < 0 || rc.MaxAttempts < 0 {
		return errors.New("stream.reconnect values must be >= 0")
	}
	if rc.MaxMs > 0 && rc.InitialMs > rc.MaxMs {
		return errors.New("stream.reconnect.initialMs must be <= maxMs")
	}
	seen := make(map[string]struct{}, len(cfg.Watches))
	for i, w := range cfg.Watches {
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("watches[%d].name is required", i)
		}
		if _, dup := seen[w.Name]; dup {
			return fmt.Errorf("watch %s is defined twice", w.Name)
		}
		seen[w.Name] = struct{}{}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required (or env override)", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s", field, strings.Join(schemes, "/"))
}
