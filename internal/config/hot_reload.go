package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "market-sync-go/config"
	"market-sync-go/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器连续写入触发多次重载
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// Loader 读取并校验配置文件
type Loader func(path string) (appconfig.AppConfig, error)

// HotReloader 监听配置文件，变化后重新加载并回调；加载失败时保留旧配置。
type HotReloader struct {
	config        HotReloadConfig
	configPath    string
	watcher       *fsnotify.Watcher
	load          Loader
	log           *logger.Logger
	lastReload    time.Time
	current       *appconfig.AppConfig
	mu            sync.RWMutex
	stopChan      chan struct{}
	doneChan      chan struct{}
	stopOnce      sync.Once
	reloadHandler func(appconfig.AppConfig) error
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(abs),
		watcher:    watcher,
		load:       appconfig.LoadWithEnvOverrides,
		log:        log,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// SetLoader 替换加载函数（默认 LoadWithEnvOverrides）
func (h *HotReloader) SetLoader(load Loader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.load = load
}

// SetReloadHandler 设置重载处理函数
func (h *HotReloader) SetReloadHandler(handler func(appconfig.AppConfig) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reloadHandler = handler
}

// Start 启动热更新监听。监听所在目录，以兼容 rename 方式保存的编辑器。
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go h.watch(ctx)
	h.log.Info("Config hot reload enabled", zap.String("path", h.configPath))
	return nil
}

// Stop 停止热更新，可重复调用
func (h *HotReloader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopChan)
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
			// watch goroutine 未启动
		}
		err = h.watcher.Close()
	})
	return err
}

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			// 只处理写入和创建事件
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.log.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange 处理配置变化
func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastReload) < h.config.CooldownTime {
		return
	}

	cfg, err := h.load(h.configPath)
	if err != nil {
		h.log.LogError(err, map[string]interface{}{"path": h.configPath, "stage": "reload"})
		return
	}
	if h.reloadHandler != nil {
		if err := h.reloadHandler(cfg); err != nil {
			h.log.LogError(err, map[string]interface{}{"path": h.configPath, "stage": "apply"})
			return
		}
	}
	h.current = &cfg
	h.lastReload = time.Now()
	h.log.Info("Config reloaded", zap.Int("watches", len(cfg.Watches)))
}

// Current 返回最近一次成功重载的配置
func (h *HotReloader) Current() (appconfig.AppConfig, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return appconfig.AppConfig{}, false
	}
	return *h.current, true
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}
