package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market-sync-go/gateway"
	"market-sync-go/infrastructure/logger"
	"market-sync-go/internal/store"
	"market-sync-go/market"
	"market-sync-go/metrics"
)

// Phase 协调器所处阶段
type Phase int

const (
	// PhaseIdle 未激活，或快照失败/连接断开后的终态
	PhaseIdle Phase = iota
	// PhaseLoading 快照请求中
	PhaseLoading
	// PhaseLivePending 快照已到，等待订阅确认
	PhaseLivePending
	// PhaseLive 已收到 ack
	PhaseLive
)

// String 返回阶段名称
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseLoading:
		return "LOADING"
	case PhaseLivePending:
		return "LIVE_PENDING"
	case PhaseLive:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// ErrConnectionLost 断线且不重连时写入 View.Error 的文案
var ErrConnectionLost = errors.New("connection lost")

const mailboxSize = 256

// Config 协调器配置
type Config struct {
	Name            string // 消费者名，同时作为 Hub 订阅名与 Store 的 key
	Timeframe       string
	IntervalSeconds int64
	DurationSeconds int64
	OwnerID         string
	MaxBarPoints    int
	Reconnect       ReconnectPolicy
}

// SnapshotFetcher 拉取 REST 快照，*gateway.SnapshotClient 实现该接口
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, req gateway.SnapshotRequest) (gateway.SnapshotResponse, error)
}

// Stream 是一条已建立的订阅连接
type Stream interface {
	Subscribe(frame gateway.ControlFrame) error
	Unsubscribe(topics []string) error
	Dispose()
}

// Subscriber 打开订阅连接
type Subscriber interface {
	Subscribe(ctx context.Context, opts gateway.SubscribeOptions) Stream
}

type hubSubscriber struct {
	hub    *gateway.Hub
	tokens gateway.TokenProvider
}

// HubSubscriber 把 gateway.Hub 适配为 Subscriber，tokens 在每次建连时调用。
func HubSubscriber(hub *gateway.Hub, tokens gateway.TokenProvider) Subscriber {
	return hubSubscriber{hub: hub, tokens: tokens}
}

func (s hubSubscriber) Subscribe(ctx context.Context, opts gateway.SubscribeOptions) Stream {
	if opts.TokenProvider == nil {
		opts.TokenProvider = s.tokens
	}
	return s.hub.Subscribe(ctx, opts)
}

// Coordinator 负责单个消费者的 快照 → 订阅 → 合并 流程。
// 所有状态只在事件循环 goroutine 中修改；异步结果通过 mailbox 回到循环，
// 并用 gen 判断是否仍然有效。
type Coordinator struct {
	cfg     Config
	fetcher SnapshotFetcher
	sub     Subscriber
	store   *store.Store
	log     *logger.Logger

	mailbox chan func()
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// 以下字段仅在事件循环中访问
	gen         uint64
	symbol      string
	phase       Phase
	view        store.View
	stream      Stream
	topics      []string
	fetchCancel context.CancelFunc
	retryTimer  *time.Timer
	reconnect   *reconnector

	// 供 State/Phase 读取的快照
	snapMu    sync.RWMutex
	snapView  store.View
	snapPhase Phase
}

// New 创建协调器（未启动）
func New(cfg Config, fetcher SnapshotFetcher, sub Subscriber, st *store.Store, log *logger.Logger) *Coordinator {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxBarPoints <= 0 {
		cfg.MaxBarPoints = market.DefaultMaxBarPoints
	}
	if st == nil {
		st = store.New(nil)
	}
	if log == nil {
		log = logger.NewNop()
	}
	c := &Coordinator{
		cfg:       cfg,
		fetcher:   fetcher,
		sub:       sub,
		store:     st,
		log:       log.WithFields(map[string]interface{}{"consumer": cfg.Name}),
		mailbox:   make(chan func(), mailboxSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		reconnect: newReconnector(cfg.Reconnect),
	}
	c.view = c.idleView("")
	c.snapView = c.view
	return c
}

// Name 返回消费者名
func (c *Coordinator) Name() string { return c.cfg.Name }

// Start 启动事件循环
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator %s already started", c.cfg.Name)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
	c.log.Info("Coordinator started", zap.String("timeframe", c.cfg.Timeframe))
	return nil
}

// SetInstrument 切换品种；空字符串表示停用。
func (c *Coordinator) SetInstrument(symbol string) {
	symbol = strings.TrimSpace(symbol)
	c.post(func() { c.activate(symbol) })
}

// Close 停用并退出事件循环，可重复调用。
func (c *Coordinator) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.done
	}
}

// Done 在事件循环退出后关闭
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// State 返回最近一次发布的状态
func (c *Coordinator) State() store.View {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapView
}

// Phase 返回当前阶段
func (c *Coordinator) Phase() Phase {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapPhase
}

// post 把任务投递到事件循环；循环已退出时直接丢弃。
func (c *Coordinator) post(fn func()) {
	select {
	case <-c.done:
	case <-c.stopCh:
	case c.mailbox <- fn:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.cancel()
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case <-c.stopCh:
			c.shutdown()
			return
		case fn := <-c.mailbox:
			fn()
		}
	}
}

func (c *Coordinator) shutdown() {
	c.teardown()
	c.symbol = ""
	c.view = c.idleView("")
	c.setSnapshot()
	c.store.Remove(c.cfg.Name)
	c.log.Info("Coordinator stopped")
}

// activate 处理品种设置/切换
func (c *Coordinator) activate(symbol string) {
	if symbol == c.symbol && c.phase != PhaseIdle {
		return
	}
	prev := c.symbol
	c.teardown()
	c.symbol = symbol

	// 先清空旧品种数据，再发起新快照
	c.view = c.idleView(symbol)
	if symbol == "" {
		c.publish()
		c.log.Info("Consumer deactivated", zap.String("previous", prev))
		return
	}
	c.log.Info("Instrument set", zap.String("symbol", symbol), zap.String("previous", prev))
	c.startFetch()
}

// teardown 退订并释放连接、取消在途请求；之后到达的异步结果都会因 gen 不匹配被丢弃。
func (c *Coordinator) teardown() {
	c.gen++
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.stream != nil {
		if len(c.topics) > 0 {
			if err := c.stream.Unsubscribe(c.topics); err != nil {
				c.log.Debug("Unsubscribe skipped", zap.Error(err))
			}
		}
		c.stream.Dispose()
		c.stream = nil
		metrics.SetConnected(c.cfg.Name, false)
	}
	c.topics = nil
	c.phase = PhaseIdle
	c.reconnect.reset()
}

func (c *Coordinator) startFetch() {
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.fetchCancel = cancel
	c.phase = PhaseLoading
	c.view.Loading = true
	c.publish()

	req := gateway.SnapshotRequest{
		Symbol:          c.symbol,
		Timeframe:       c.cfg.Timeframe,
		IntervalSeconds: c.cfg.IntervalSeconds,
		DurationSeconds: c.cfg.DurationSeconds,
		OwnerID:         c.cfg.OwnerID,
	}
	go func() {
		start := time.Now()
		resp, err := c.fetcher.FetchSnapshot(ctx, req)
		metrics.ObserveSnapshot(start, err)
		c.post(func() { c.onSnapshot(gen, resp, err) })
	}()
}

func (c *Coordinator) onSnapshot(gen uint64, resp gateway.SnapshotResponse, err error) {
	if !c.current(gen, "snapshot") {
		return
	}
	c.fetchCancel = nil
	if err != nil {
		c.log.LogError(err, map[string]interface{}{"consumer": c.cfg.Name, "symbol": c.symbol, "stage": "snapshot"})
		c.phase = PhaseIdle
		c.view = c.idleView(c.symbol)
		c.view.Error = fmt.Sprintf("snapshot: %v", err)
		c.view.Subscription = store.SubscriptionFailed
		c.publish()
		return
	}

	ticker, bars := gateway.NormalizeSnapshot(resp, c.barContext())
	series := market.MergeBarBatch(market.NewBarSeries(c.cfg.MaxBarPoints), bars)
	c.view.Bars = series
	c.view.CurrentPrice = nil
	var last *market.Bar
	if b, ok := series.Last(); ok {
		last = &b
	}
	if p, ok := market.ResolvePrice(ticker, last); ok {
		c.setPrice(p)
	}
	c.view.Loading = false
	c.view.Error = ""
	c.log.LogStream("snapshot_loaded", map[string]interface{}{"consumer": c.cfg.Name, "symbol": c.symbol, "bars": series.Len()})
	c.openStream()
}

func (c *Coordinator) openStream() {
	gen := c.gen
	c.phase = PhaseLivePending
	c.topics = []string{gateway.TickerTopic(c.symbol), gateway.BarTopic(c.symbol)}
	c.view.Subscription = store.SubscriptionPending
	if c.view.Connection != store.ConnectionReconnecting {
		c.view.Connection = store.ConnectionConnecting
	}
	c.publish()

	c.stream = c.sub.Subscribe(c.ctx, gateway.SubscribeOptions{
		Name:      c.cfg.Name,
		OnOpen:    func() { c.post(func() { c.onOpen(gen) }) },
		OnMessage: func(raw []byte) { c.post(func() { c.onFrame(gen, raw) }) },
		OnError:   func(err error) { c.post(func() { c.onStreamError(gen, err) }) },
		OnClose:   func(code int, reason string) { c.post(func() { c.onClose(gen, code, reason) }) },
	})
}

func (c *Coordinator) onOpen(gen uint64) {
	if !c.current(gen, "open") || c.stream == nil {
		return
	}
	metrics.SetConnected(c.cfg.Name, true)
	c.reconnect.reset()
	c.view.Connection = store.ConnectionConnected
	if err := c.stream.Subscribe(gateway.ControlFrame{Topics: c.topics, Symbol: c.symbol, Timeframe: c.cfg.Timeframe}); err != nil {
		c.log.LogError(err, map[string]interface{}{"consumer": c.cfg.Name, "stage": "subscribe"})
		c.view.Error = err.Error()
	}
	c.publish()
}

func (c *Coordinator) onFrame(gen uint64, raw []byte) {
	if !c.current(gen, "frame") {
		return
	}
	env, err := gateway.Classify(raw)
	if err != nil {
		metrics.DecodeErrors.Inc()
		c.log.LogDecode(err, map[string]interface{}{"consumer": c.cfg.Name, "size": len(raw)})
		return
	}
	switch e := env.(type) {
	case gateway.Ack:
		metrics.FramesReceived.WithLabelValues("ack").Inc()
		c.onAck(e)
	case gateway.Event:
		metrics.FramesReceived.WithLabelValues("event").Inc()
		if c.phase != PhaseLivePending && c.phase != PhaseLive {
			return
		}
		if e.Topic.Symbol != "" && !strings.EqualFold(e.Topic.Symbol, c.symbol) {
			return
		}
		if c.applyPayload(e.Topic.Kind, e.Payload) {
			c.publish()
		}
	case gateway.ErrorFrame:
		metrics.FramesReceived.WithLabelValues("error").Inc()
		c.log.Warn("Stream error frame", zap.String("message", e.Message), zap.String("code", e.Code))
		c.view.Error = e.Message
		c.publish()
	default:
		metrics.FramesReceived.WithLabelValues("unknown").Inc()
	}
}

func (c *Coordinator) onAck(ack gateway.Ack) {
	if strings.EqualFold(ack.Action, "unsubscribe") {
		return
	}
	if c.phase != PhaseLivePending && c.phase != PhaseLive {
		return
	}
	for base, payload := range ack.Snapshots {
		d := gateway.ParseTopic(base)
		if d.Symbol != "" && !strings.EqualFold(d.Symbol, c.symbol) {
			continue
		}
		c.applyPayload(d.Kind, payload)
	}
	c.phase = PhaseLive
	c.view.Subscription = store.SubscriptionReady
	c.view.Error = ""
	c.publish()
}

// applyPayload 按 topic 类型更新价格或 bar，返回状态是否变化。
func (c *Coordinator) applyPayload(kind gateway.TopicKind, payload []byte) bool {
	switch kind {
	case gateway.TopicTicker:
		t := gateway.NormalizeTicker(payload, c.symbol)
		if t == nil {
			return false
		}
		p, ok := market.ResolvePrice(t, nil)
		if !ok {
			return false
		}
		return c.setPrice(p)
	case gateway.TopicBar:
		ev := gateway.NormalizeBarEvent(payload, c.barContext())
		if ev == nil {
			return false
		}
		var next *market.BarSeries
		if ev.Snapshot != nil {
			next = market.MergeBarBatch(c.view.Bars, ev.Snapshot.Bars)
		} else {
			next = market.MergeBars(c.view.Bars, *ev.Bar)
		}
		changed := next != c.view.Bars
		metrics.ObserveMerge(changed)
		if !changed {
			return false
		}
		c.view.Bars = next
		if last, ok := next.Last(); ok {
			c.setPrice(last.Close)
		}
		return true
	default:
		return false
	}
}

func (c *Coordinator) onStreamError(gen uint64, err error) {
	if !c.current(gen, "error") {
		return
	}
	c.log.LogError(err, map[string]interface{}{"consumer": c.cfg.Name, "symbol": c.symbol, "stage": "stream"})
	c.view.Error = err.Error()
	c.publish()
}

func (c *Coordinator) onClose(gen uint64, code int, reason string) {
	if !c.current(gen, "close") {
		return
	}
	c.stream = nil
	metrics.SetConnected(c.cfg.Name, false)
	c.log.LogStream("stream_closed", map[string]interface{}{"consumer": c.cfg.Name, "code": code, "reason": reason})
	if c.view.Error == "" {
		c.view.Error = ErrConnectionLost.Error()
	}

	wait, ok := c.reconnect.next()
	if !ok {
		c.phase = PhaseIdle
		c.topics = nil
		c.view.Connection = store.ConnectionFailed
		c.view.Subscription = store.SubscriptionFailed
		c.publish()
		return
	}
	metrics.Reconnects.WithLabelValues(c.cfg.Name).Inc()
	c.phase = PhaseLivePending
	c.view.Connection = store.ConnectionReconnecting
	c.view.Subscription = store.SubscriptionPending
	c.publish()
	c.retryTimer = time.AfterFunc(wait, func() {
		c.post(func() { c.onRetry(gen) })
	})
}

func (c *Coordinator) onRetry(gen uint64) {
	if !c.current(gen, "retry") {
		return
	}
	c.retryTimer = nil
	c.log.LogStream("reconnecting", map[string]interface{}{"consumer": c.cfg.Name, "symbol": c.symbol, "attempt": c.reconnect.attempts})
	c.openStream()
}

// current 判断异步结果是否仍属于当前代次
func (c *Coordinator) current(gen uint64, source string) bool {
	if gen == c.gen {
		return true
	}
	metrics.StaleDiscarded.WithLabelValues(source).Inc()
	return false
}

func (c *Coordinator) setPrice(p float64) bool {
	if c.view.CurrentPrice != nil && *c.view.CurrentPrice == p {
		return false
	}
	c.view.CurrentPrice = market.Float(p)
	metrics.CurrentPrice.WithLabelValues(c.symbol).Set(p)
	return true
}

func (c *Coordinator) barContext() gateway.BarContext {
	return gateway.BarContext{
		Symbol:          c.symbol,
		Timeframe:       c.cfg.Timeframe,
		IntervalSeconds: c.cfg.IntervalSeconds,
		DurationSeconds: c.cfg.DurationSeconds,
	}
}

func (c *Coordinator) idleView(symbol string) store.View {
	return store.View{
		Consumer:     c.cfg.Name,
		Symbol:       symbol,
		Bars:         market.NewBarSeries(c.cfg.MaxBarPoints),
		Subscription: store.SubscriptionIdle,
		Connection:   store.ConnectionDisconnected,
	}
}

// publish 发布当前状态到 Store 与本地快照
func (c *Coordinator) publish() {
	c.view.UpdatedAt = time.Now()
	c.setSnapshot()
	c.store.Put(c.view)
}

func (c *Coordinator) setSnapshot() {
	c.snapMu.Lock()
	c.snapView = c.view
	c.snapPhase = c.phase
	c.snapMu.Unlock()
}
