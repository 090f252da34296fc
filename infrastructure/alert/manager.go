package alert

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-sync-go/infrastructure/logger"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level
	Consumer  string
	Symbol    string
	Message   string
	Timestamp time.Time
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 告警限流器，同一 key 在 interval 内只放行一次
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, ok := t.lastSent[key]
	if !ok || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Reset 清除某个 key 的限流记录
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Manager 告警管理器：限流后扇出到所有通道
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// Send 发送告警；被限流时静默返回 nil，所有通道都失败时返回最后一个错误
func (m *Manager) Send(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if !m.throttle.Allow(fmt.Sprintf("%s:%s:%s", a.Level, a.Consumer, a.Message)) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Channels 返回通道名
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// LogChannel 把告警写入结构化日志
type LogChannel struct {
	name string
	log  *logger.Logger
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{name: name, log: log}
}

// Send 按级别写日志
func (c *LogChannel) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("alert_level", string(a.Level)),
		zap.String("consumer", a.Consumer),
		zap.String("symbol", a.Symbol),
		zap.Time("at", a.Timestamp),
	}
	switch a.Level {
	case LevelError, LevelCritical:
		c.log.Error(a.Message, fields...)
	case LevelWarning:
		c.log.Warn(a.Message, fields...)
	default:
		c.log.Info(a.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string { return c.name }
