package container

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"market-sync-go/config"
	"market-sync-go/gateway"
	"market-sync-go/infrastructure/alert"
	"market-sync-go/infrastructure/logger"
	internalcfg "market-sync-go/internal/config"
	"market-sync-go/internal/engine"
	"market-sync-go/internal/store"
	"market-sync-go/metrics"
)

// 同一消费者的同一告警在该时间内只发一次
const alertThrottle = time.Minute

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger    *logger.Logger
	ownLogger bool
	sdNotify  func(unsetEnvironment bool, state string) (bool, error)

	// 行情网关
	snapshot *gateway.SnapshotClient
	hub      *gateway.Hub
	tokens   gateway.TokenProvider

	// 核心服务
	store    *store.Store
	alerts   *alert.StatusWatcher
	reloader *internalcfg.HotReloader

	// 每个 watch 一个协调器
	mu      sync.Mutex
	ctx     context.Context
	watches map[string]*watchEntry

	// 生命周期管理
	lifecycle *LifecycleManager
}

type watchEntry struct {
	cfg   config.WatchConfig
	coord *engine.Coordinator
}

// New 从配置文件创建 Container，并启用配置热更新
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg, nil)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建 Container；log 为 nil 时按 cfg.Log 构建。
func NewWithConfig(cfg config.AppConfig, log *logger.Logger) *Container {
	return &Container{
		cfg:       &cfg,
		logger:    log,
		sdNotify:  daemon.SdNotify,
		watches:   make(map[string]*watchEntry),
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		var err error
		c.logger, err = logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
		c.ownLogger = true
	}
	c.logger.Info("infrastructure built", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildGateway() error {
	c.tokens = c.cfg.Gateway.TokenProvider()
	httpClient := gateway.NewDefaultHTTPClient()
	if t := c.cfg.Gateway.Timeout(); t > 0 {
		httpClient = &http.Client{Timeout: t}
	}
	c.snapshot = &gateway.SnapshotClient{
		BaseURL:       c.cfg.Gateway.RestURL,
		HTTPClient:    httpClient,
		TokenProvider: c.tokens,
		Limiter:       gateway.NewTokenBucketLimiter(c.cfg.Gateway.RequestRate, c.cfg.Gateway.RequestBurst),
	}
	c.hub = gateway.NewHub(c.cfg.Gateway.WSURL,
		gateway.WithLogger(c.logger),
		gateway.WithPingInterval(c.cfg.Stream.PingInterval()),
	)

	c.logger.Info("gateway built",
		zap.String("rest_url", c.cfg.Gateway.RestURL),
		zap.String("ws_url", c.cfg.Gateway.WSURL))
	return nil
}

func (c *Container) buildCoreServices() error {
	c.store = store.New(func(name string, fields map[string]interface{}) {
		c.logger.Debug(name, zap.Any("fields", fields))
	})

	c.alerts = alert.NewStatusWatcher(c.store, alert.NewManager(
		[]alert.Channel{alert.NewLogChannel("log", c.logger)},
		alertThrottle,
	))

	if c.configPath != "" {
		reloader, err := internalcfg.NewHotReloader(c.configPath, internalcfg.DefaultHotReloadConfig(), c.logger)
		if err != nil {
			return fmt.Errorf("create hot reloader failed: %w", err)
		}
		reloader.SetReloadHandler(c.handleReload)
		c.reloader = reloader
	}

	c.logger.Info("core services built", zap.Int("watches", len(c.cfg.Watches)))
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&metricsServerComponent{
			name:   "metrics_server",
			server: metrics.NewServer(c.cfg.Metrics.Addr),
			addr:   c.cfg.Metrics.Addr,
			logger: c.logger,
		})
	}
	c.lifecycle.Register(&alertComponent{watcher: c.alerts})
	c.lifecycle.Register(&watchesComponent{c: c})
	if c.reloader != nil {
		c.lifecycle.Register(&reloaderComponent{reloader: c.reloader, logger: c.logger})
	}
}

// Start 启动所有组件，并通知 systemd 就绪
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.notify(daemon.SdNotifyReady)
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止所有组件
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	c.notify(daemon.SdNotifyStopping)

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		return err
	}

	c.logger.Info("container stopped")
	if c.ownLogger {
		_ = c.logger.Close()
	}
	return nil
}

// HealthCheck 检查所有组件
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Store 返回共享状态仓库
func (c *Container) Store() *store.Store {
	return c.store
}

// Coordinator 按 watch 名查找协调器
func (c *Container) Coordinator(name string) (*engine.Coordinator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.watches[name]
	if !ok {
		return nil, false
	}
	return entry.coord, true
}

// WatchNames 返回当前运行中的 watch 名
func (c *Container) WatchNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.watches))
	for name := range c.watches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyWatches 把运行中的协调器调整为与 watches 一致：
// 新增的启动，品种变化的切换，周期/owner 变化的重建，缺失的关闭。
func (c *Container) ApplyWatches(watches []config.WatchConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	desired := make(map[string]config.WatchConfig, len(watches))
	for _, w := range watches {
		desired[w.Name] = w
	}

	for name, entry := range c.watches {
		w, ok := desired[name]
		if ok && sameStream(entry.cfg, w) {
			continue
		}
		entry.coord.Close()
		delete(c.watches, name)
		c.logger.LogStream("watch_removed", map[string]interface{}{"consumer": name, "replaced": ok})
	}

	for _, w := range watches {
		entry, ok := c.watches[w.Name]
		if !ok {
			coord := engine.New(c.coordinatorConfig(w), c.snapshot, engine.HubSubscriber(c.hub, c.tokens), c.store, c.logger)
			if err := coord.Start(ctx); err != nil {
				c.logger.LogError(err, map[string]interface{}{"action": "start_watch", "consumer": w.Name})
				continue
			}
			entry = &watchEntry{cfg: w, coord: coord}
			c.watches[w.Name] = entry
			c.logger.LogStream("watch_added", map[string]interface{}{"consumer": w.Name, "symbol": w.Symbol})
		} else if entry.cfg.Symbol != w.Symbol {
			c.logger.LogStream("watch_switched", map[string]interface{}{
				"consumer": w.Name,
				"from":     entry.cfg.Symbol,
				"to":       w.Symbol,
			})
		}
		entry.cfg = w
		entry.coord.SetInstrument(w.Symbol)
	}
}

func (c *Container) coordinatorConfig(w config.WatchConfig) engine.Config {
	s := c.cfg.Stream
	tf := w.Timeframe
	if tf == "" {
		tf = s.Timeframe
	}
	return engine.Config{
		Name:            w.Name,
		Timeframe:       tf,
		IntervalSeconds: s.IntervalFor(tf),
		DurationSeconds: s.DurationSeconds,
		OwnerID:         w.OwnerID,
		MaxBarPoints:    s.MaxBarPoints,
		Reconnect: engine.ReconnectPolicy{
			Enabled:         s.Reconnect.Enabled,
			InitialInterval: msDuration(s.Reconnect.InitialMs),
			MaxInterval:     msDuration(s.Reconnect.MaxMs),
			MaxAttempts:     s.Reconnect.MaxAttempts,
		},
	}
}

// handleReload 热更新回调：只调整 watches，其余配置变化需要重启。
func (c *Container) handleReload(next config.AppConfig) error {
	c.mu.Lock()
	prev := *c.cfg
	c.mu.Unlock()

	if prev.Gateway != next.Gateway || prev.Stream != next.Stream || prev.Metrics != next.Metrics {
		c.logger.Warn("gateway/stream/metrics changes require restart; applying watches only")
	}
	c.ApplyWatches(next.Watches)

	c.mu.Lock()
	c.cfg.Watches = next.Watches
	c.mu.Unlock()
	return nil
}

func (c *Container) notify(state string) {
	if c.sdNotify == nil {
		return
	}
	sent, err := c.sdNotify(false, state)
	if err != nil {
		c.logger.Warn("systemd notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		c.logger.Debug("systemd notified", zap.String("state", state))
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func sameStream(a, b config.WatchConfig) bool {
	return strings.EqualFold(a.Timeframe, b.Timeframe) && a.OwnerID == b.OwnerID
}
