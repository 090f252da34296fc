package sim

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-sync-go/gateway"
	"market-sync-go/infrastructure/logger"
	"market-sync-go/market"
)

// WSPath 是模拟行情的 WebSocket 路径。
const WSPath = "/ws"

// FeedConfig 模拟行情源配置。
type FeedConfig struct {
	Symbols     map[string]float64 // symbol -> 起始价格
	Timeframe   string             // 例如 "1m"
	Interval    time.Duration      // bar 周期
	TradeStep   time.Duration      // 每次 Tick 推进的模拟时间
	HistoryBars int                // 快照回补的历史 bar 数
	Token       string             // 非空时要求客户端携带
	Volatility  float64            // 单步相对波动
	FaultRate   float64            // 每次 Tick 注入畸形帧的概率
	Seed        int64
}

// DefaultFeedConfig 返回一个 1m 周期、两品种的模拟配置。
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Symbols:     map[string]float64{"ES": 5000, "NQ": 18000},
		Timeframe:   "1m",
		Interval:    time.Minute,
		TradeStep:   15 * time.Second,
		HistoryBars: 60,
		Volatility:  0.0005,
		Seed:        1,
	}
}

func (c *FeedConfig) applyDefaults() {
	def := DefaultFeedConfig()
	if len(c.Symbols) == 0 {
		c.Symbols = def.Symbols
	}
	if c.Timeframe == "" {
		c.Timeframe = def.Timeframe
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.TradeStep <= 0 {
		c.TradeStep = c.Interval / 4
	}
	if c.HistoryBars < 0 {
		c.HistoryBars = 0
	}
	if c.Volatility <= 0 {
		c.Volatility = def.Volatility
	}
}

type instrument struct {
	symbol  string
	agg     *market.BarAggregator
	history *market.BarSeries
	last    float64
	clock   time.Time
}

type feedClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	once   sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.send) })
}

// FeedServer 是一个自带随机游走成交流的行情服务：
// GET /market/snapshot 返回快照，/ws 处理订阅并推送 ticker/bar 事件。
type FeedServer struct {
	cfg      FeedConfig
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	rng         *rand.Rand
	instruments map[string]*instrument
	clients     map[string]*feedClient
}

// NewFeedServer 创建模拟行情源，并生成每个品种的历史 bar。
func NewFeedServer(cfg FeedConfig, log *logger.Logger) *FeedServer {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	s := &FeedServer{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		instruments: make(map[string]*instrument),
		clients:     make(map[string]*feedClient),
	}
	start := time.Now().UTC().Truncate(cfg.Interval).Add(-time.Duration(cfg.HistoryBars) * cfg.Interval)
	for sym, price := range cfg.Symbols {
		inst := &instrument{
			symbol:  sym,
			agg:     market.NewBarAggregator(cfg.Interval),
			history: market.NewBarSeries(market.DefaultMaxBarPoints),
			last:    price,
			clock:   start,
		}
		steps := int(int64(cfg.HistoryBars) * int64(cfg.Interval) / int64(cfg.TradeStep))
		for i := 0; i < steps; i++ {
			s.trade(inst)
		}
		s.instruments[strings.ToUpper(sym)] = inst
	}
	return s
}

// Handler 返回挂载了快照、订阅与健康检查的 http.Handler。
func (s *FeedServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(gateway.SnapshotPath, s.handleSnapshot)
	mux.HandleFunc(WSPath, s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run 按 every 周期调用 Tick，直到 ctx 结束。
func (s *FeedServer) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick 为每个品种生成一笔成交，并向订阅者推送 ticker 与当前 bar。
func (s *FeedServer) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range s.symbolsLocked() {
		inst := s.instruments[sym]
		forming := s.trade(inst)
		s.broadcastLocked(gateway.TickerTopic(inst.symbol), s.tickerPayload(inst))
		s.broadcastLocked(gateway.BarTopic(inst.symbol), s.barPayload(inst.symbol, forming))
	}
	if s.cfg.FaultRate > 0 && s.rng.Float64() < s.cfg.FaultRate {
		s.broadcastRawLocked([]byte(`{"type":"event","topic":`))
	}
}

// PushRaw 向所有连接原样下发一帧。
func (s *FeedServer) PushRaw(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastRawLocked(frame)
}

// PushError 向所有连接下发错误帧。
func (s *FeedServer) PushError(message string) {
	frame, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	s.PushRaw(frame)
}

// DropClients 以给定关闭码断开所有连接。
func (s *FeedServer) DropClients(code int, reason string) {
	s.mu.Lock()
	clients := make([]*feedClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}

// Clients 返回当前连接数。
func (s *FeedServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Subscribers 返回订阅了 topic 的连接数。
func (s *FeedServer) Subscribers(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if _, ok := c.topics[topic]; ok {
			n++
		}
	}
	return n
}

// LastBar 返回品种最近一根 bar。
func (s *FeedServer) LastBar(symbol string) (market.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[strings.ToUpper(symbol)]
	if !ok {
		return market.Bar{}, false
	}
	return inst.history.Last()
}

// trade 推进模拟时钟并生成一笔随机游走成交，返回正在形成的 bar。
func (s *FeedServer) trade(inst *instrument) market.Bar {
	inst.clock = inst.clock.Add(s.cfg.TradeStep)
	step := s.rng.NormFloat64() * s.cfg.Volatility * inst.last
	inst.last = math.Max(0.01, math.Round((inst.last+step)*100)/100)
	qty := float64(1 + s.rng.Intn(20))
	_, forming := inst.agg.OnTrade(inst.last, qty, inst.clock)
	inst.history = market.MergeBars(inst.history, forming)
	return forming
}

func (s *FeedServer) symbolsLocked() []string {
	out := make([]string, 0, len(s.instruments))
	for sym := range s.instruments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *FeedServer) lookup(symbol string) (*instrument, bool) {
	inst, ok := s.instruments[strings.ToUpper(strings.TrimSpace(symbol))]
	return inst, ok
}

func (s *FeedServer) tickerPayload(inst *instrument) json.RawMessage {
	spread := math.Max(0.01, math.Round(inst.last*0.0001*100)/100)
	raw, _ := json.Marshal(market.Ticker{
		Symbol: inst.symbol,
		Last:   market.Float(inst.last),
		Bid:    market.Float(inst.last - spread),
		Ask:    market.Float(inst.last + spread),
	})
	return raw
}

type barFrame struct {
	Symbol          string `json:"symbol"`
	Timeframe       string `json:"timeframe"`
	IntervalSeconds int64  `json:"intervalSeconds"`
	market.Bar
}

func (s *FeedServer) barPayload(symbol string, b market.Bar) json.RawMessage {
	raw, _ := json.Marshal(barFrame{
		Symbol:          symbol,
		Timeframe:       s.cfg.Timeframe,
		IntervalSeconds: int64(s.cfg.Interval / time.Second),
		Bar:             b,
	})
	return raw
}

func (s *FeedServer) historyPayload(inst *instrument) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"symbol":    inst.symbol,
		"timeframe": s.cfg.Timeframe,
		"bars":      inst.history.Bars(),
	})
	return raw
}

func (s *FeedServer) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.cfg.Token {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Token
}

func (s *FeedServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if strings.TrimSpace(symbol) == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	inst, ok := s.lookup(symbol)
	var body []byte
	if ok {
		body, _ = json.Marshal(map[string]any{
			"ticker": s.tickerPayload(inst),
			"kline":  map[string]any{"bars": s.historyPayload(inst)},
		})
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *FeedServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("feed upgrade failed", zap.Error(err))
		return
	}
	client := &feedClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.log.LogStream("feed_client_connected", map[string]interface{}{"client_id": client.id})

	go s.writePump(client)
	s.readPump(client)
}

func (s *FeedServer) readPump(c *feedClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		c.close()
		s.mu.Unlock()
		_ = c.conn.Close()
		s.log.LogStream("feed_client_disconnected", map[string]interface{}{"client_id": c.id})
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame gateway.ControlFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.sendError(c, "invalid control frame")
			continue
		}
		switch strings.ToLower(frame.Action) {
		case "subscribe":
			s.subscribe(c, frame)
		case "unsubscribe":
			s.unsubscribe(c, frame)
		default:
			s.sendError(c, "unknown action: "+frame.Action)
		}
	}
}

func (s *FeedServer) writePump(c *feedClient) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

func (s *FeedServer) subscribe(c *feedClient, frame gateway.ControlFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshots := make(map[string]json.RawMessage)
	for _, topic := range frame.Topics {
		c.topics[topic] = struct{}{}
		d := gateway.ParseTopic(topic)
		inst, ok := s.lookup(d.Symbol)
		if !ok {
			continue
		}
		switch d.Kind {
		case gateway.TopicTicker:
			snapshots[d.NormalizedBaseTopic] = s.tickerPayload(inst)
		case gateway.TopicBar:
			snapshots[d.NormalizedBaseTopic] = s.historyPayload(inst)
		}
	}
	ack, _ := json.Marshal(map[string]any{
		"type":      "ack",
		"action":    "subscribe",
		"topics":    frame.Topics,
		"snapshots": snapshots,
	})
	s.enqueueLocked(c, ack)
}

func (s *FeedServer) unsubscribe(c *feedClient, frame gateway.ControlFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range frame.Topics {
		delete(c.topics, topic)
	}
	ack, _ := json.Marshal(map[string]any{"type": "ack", "action": "unsubscribe", "topics": frame.Topics})
	s.enqueueLocked(c, ack)
}

func (s *FeedServer) sendError(c *feedClient, message string) {
	frame, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	s.mu.Lock()
	s.enqueueLocked(c, frame)
	s.mu.Unlock()
}

func (s *FeedServer) broadcastLocked(topic string, payload json.RawMessage) {
	var frame []byte
	for _, c := range s.clients {
		if _, ok := c.topics[topic]; !ok {
			continue
		}
		if frame == nil {
			frame, _ = json.Marshal(map[string]any{"type": "event", "topic": topic, "payload": payload})
		}
		s.enqueueLocked(c, frame)
	}
}

func (s *FeedServer) broadcastRawLocked(frame []byte) {
	for _, c := range s.clients {
		s.enqueueLocked(c, frame)
	}
}

// enqueueLocked 非阻塞投递；慢客户端直接断开。
func (s *FeedServer) enqueueLocked(c *feedClient, frame []byte) {
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		delete(s.clients, c.id)
		c.close()
		s.log.Warn("feed client too slow, dropping", zap.String("client_id", c.id))
	}
}
