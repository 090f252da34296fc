package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-sync-go/infrastructure/alert"
	"market-sync-go/infrastructure/logger"
	internalcfg "market-sync-go/internal/config"
	"market-sync-go/metrics"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start component %d failed: %w", i, err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("component %d unhealthy: %w", i, err)
		}
	}
	return nil
}

// metricsServerComponent 包装 metrics.Server
type metricsServerComponent struct {
	name    string
	server  *metrics.Server
	addr    string
	logger  *logger.Logger
	started bool
	failed  error
	mu      sync.Mutex
}

func (h *metricsServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	errCh := h.server.Start()
	go func() {
		if err, ok := <-errCh; ok && err != nil {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "listen",
			})
			h.mu.Lock()
			h.failed = err
			h.mu.Unlock()
		}
	}()
	h.logger.Info(fmt.Sprintf("%s listening on %s", h.name, h.addr))
	h.started = true
	return nil
}

func (h *metricsServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info(fmt.Sprintf("%s stopped", h.name))
	h.started = false
	return nil
}

func (h *metricsServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failed != nil {
		return fmt.Errorf("%s failed: %w", h.name, h.failed)
	}
	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// watchesComponent 按配置启动/停止所有协调器
type watchesComponent struct {
	c *Container
}

func (w *watchesComponent) Start(ctx context.Context) error {
	w.c.mu.Lock()
	w.c.ctx = ctx
	w.c.mu.Unlock()
	w.c.ApplyWatches(w.c.cfg.Watches)
	return nil
}

func (w *watchesComponent) Stop() error {
	w.c.ApplyWatches(nil)
	w.c.hub.Close()
	return nil
}

func (w *watchesComponent) Health() error {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	for name, entry := range w.c.watches {
		select {
		case <-entry.coord.Done():
			return fmt.Errorf("coordinator %s exited", name)
		default:
		}
	}
	return nil
}

// alertComponent 状态告警
type alertComponent struct {
	watcher *alert.StatusWatcher
	running bool
}

func (a *alertComponent) Start(ctx context.Context) error {
	a.watcher.Start(ctx)
	a.running = true
	return nil
}

func (a *alertComponent) Stop() error {
	a.watcher.Stop()
	a.running = false
	return nil
}

func (a *alertComponent) Health() error {
	if !a.running {
		return fmt.Errorf("alert watcher not running")
	}
	return nil
}

// reloaderComponent 配置热更新
type reloaderComponent struct {
	reloader *internalcfg.HotReloader
	logger   *logger.Logger
	stopped  bool
}

func (r *reloaderComponent) Start(ctx context.Context) error {
	if err := r.reloader.Start(ctx); err != nil {
		return err
	}
	r.logger.Info("config reloader started", zap.Time("last_reload", r.reloader.GetLastReloadTime()))
	return nil
}

func (r *reloaderComponent) Stop() error {
	r.stopped = true
	return r.reloader.Stop()
}

func (r *reloaderComponent) Health() error {
	if r.stopped {
		return fmt.Errorf("config reloader stopped")
	}
	return nil
}
