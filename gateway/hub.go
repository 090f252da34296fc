package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"market-sync-go/infrastructure/logger"
)

var (
	// ErrHandleDisposed 表示对已释放的 handle 发送数据。
	ErrHandleDisposed = errors.New("hub: handle disposed")
	// ErrNotConnected 表示连接尚未建立或已断开。
	ErrNotConnected = errors.New("hub: not connected")
)

const (
	DefaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ControlFrame 是出站的 subscribe/unsubscribe 帧。
type ControlFrame struct {
	Action    string   `json:"action"`
	Topics    []string `json:"topics"`
	Symbol    string   `json:"symbol,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
}

// SubscribeOptions 描述一条订阅连接及其回调。回调在连接自身的 goroutine 中执行。
type SubscribeOptions struct {
	Name          string
	TokenProvider TokenProvider
	OnOpen        func()
	OnMessage     func(raw []byte)
	OnError       func(err error)
	OnClose       func(code int, reason string)
}

// Hub 为每个订阅名维护一条 WebSocket 连接；同名的新订阅会先释放旧连接。
// Hub 不做自动重连，由调用方在 OnClose/OnError 中决定。
type Hub struct {
	url          string
	dialer       *websocket.Dialer
	log          *logger.Logger
	pingInterval time.Duration
	readTimeout  time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// HubOption 配置 Hub。
type HubOption func(*Hub)

func WithDialer(d *websocket.Dialer) HubOption { return func(h *Hub) { h.dialer = d } }

func WithLogger(l *logger.Logger) HubOption { return func(h *Hub) { h.log = l } }

// WithPingInterval 设置心跳间隔；读超时默认为心跳的 3 倍。
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

func WithReadTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.readTimeout = d }
}

// NewHub 创建 Hub，wsURL 形如 ws://host/ws。
func NewHub(wsURL string, opts ...HubOption) *Hub {
	h := &Hub{
		url:          wsURL,
		dialer:       websocket.DefaultDialer,
		log:          logger.NewNop(),
		pingInterval: DefaultPingInterval,
		handles:      make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.readTimeout <= 0 {
		h.readTimeout = 3 * h.pingInterval
	}
	return h
}

// Subscribe 异步建立连接并返回 handle。连接成功后触发 OnOpen。
func (h *Hub) Subscribe(ctx context.Context, opts SubscribeOptions) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		id:     uuid.NewString(),
		name:   opts.Name,
		hub:    h,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.handles[opts.Name]
	h.handles[opts.Name] = handle
	h.mu.Unlock()
	if prev != nil {
		prev.Dispose()
	}

	go handle.run()
	return handle
}

// Handle 按名称查找当前 handle。
func (h *Hub) Handle(name string) (*Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.handles[name]
	return handle, ok
}

// Close 释放全部 handle。
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Handle, 0, len(h.handles))
	for _, handle := range h.handles {
		all = append(all, handle)
	}
	h.mu.Unlock()
	for _, handle := range all {
		handle.Dispose()
	}
}

func (h *Hub) release(handle *Handle) {
	h.mu.Lock()
	if h.handles[handle.name] == handle {
		delete(h.handles, handle.name)
	}
	h.mu.Unlock()
}

// Handle 是一条订阅连接。Dispose 幂等；释放后不再触发任何回调。
type Handle struct {
	id   string
	name string
	hub  *Hub
	opts SubscribeOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	topics   []string
	disposed bool

	writeMu     sync.Mutex
	disposeOnce sync.Once
}

func (c *Handle) ID() string   { return c.id }
func (c *Handle) Name() string { return c.name }

// Done 在连接 goroutine 退出后关闭。
func (c *Handle) Done() <-chan struct{} { return c.done }

// Topics 返回当前已订阅的 topic。
func (c *Handle) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// Connected 表示握手已完成且连接未断开。
func (c *Handle) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.disposed
}

// Send 把 v 编码为 JSON 文本帧发送。
func (c *Handle) Send(v any) error {
	c.mu.Lock()
	conn, disposed := c.conn, c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrHandleDisposed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, v)
}

// Subscribe 发送 subscribe 帧并记录 topic。
func (c *Handle) Subscribe(frame ControlFrame) error {
	frame.Action = "subscribe"
	if err := c.Send(frame); err != nil {
		return err
	}
	c.mu.Lock()
	for _, t := range frame.Topics {
		if !containsTopic(c.topics, t) {
			c.topics = append(c.topics, t)
		}
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe 发送 unsubscribe 帧并移除 topic。
func (c *Handle) Unsubscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := c.Send(ControlFrame{Action: "unsubscribe", Topics: topics}); err != nil {
		return err
	}
	c.mu.Lock()
	kept := c.topics[:0]
	for _, t := range c.topics {
		if !containsTopic(topics, t) {
			kept = append(kept, t)
		}
	}
	c.topics = kept
	c.mu.Unlock()
	return nil
}

// Dispose 退订当前 topic 并关闭连接，可重复调用。
func (c *Handle) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		c.disposed = true
		conn := c.conn
		topics := append([]string(nil), c.topics...)
		c.topics = nil
		c.mu.Unlock()

		if conn != nil {
			if len(topics) > 0 {
				_ = c.write(conn, ControlFrame{Action: "unsubscribe", Topics: topics})
			}
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "dispose"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		c.cancel()
		c.hub.release(c)
		c.hub.log.LogStream("hub_disposed", map[string]interface{}{"name": c.name, "id": c.id})
	})
}

func (c *Handle) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Handle) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Handle) run() {
	defer close(c.done)
	defer c.hub.release(c)

	conn, err := c.dial()
	if err != nil {
		if c.isDisposed() || c.ctx.Err() != nil {
			return
		}
		c.hub.log.LogError(err, map[string]interface{}{"name": c.name, "stage": "dial"})
		c.fireError(err)
		c.fireClose(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.hub.log.LogStream("hub_connected", map[string]interface{}{"name": c.name, "id": c.id})
	go c.keepalive(conn)
	if !c.isDisposed() && c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}

	code, reason, readErr := c.readLoop(conn)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	if c.isDisposed() {
		return
	}
	c.hub.log.LogStream("hub_closed", map[string]interface{}{"name": c.name, "code": code, "reason": reason})
	if readErr != nil {
		c.fireError(readErr)
	}
	c.fireClose(code, reason)
}

func (c *Handle) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.hub.url)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	header := http.Header{}
	if c.opts.TokenProvider != nil {
		token, err := c.opts.TokenProvider(c.ctx)
		if err != nil {
			return nil, fmt.Errorf("ws token: %w", err)
		}
		if token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, resp, err := c.hub.dialer.DialContext(c.ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: status %d: %w", c.hub.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", c.hub.url, err)
	}
	return conn, nil
}

// readLoop 转发文本帧，返回关闭码、原因以及非正常关闭时的错误。
func (c *Handle) readLoop(conn *websocket.Conn) (int, string, error) {
	timeout := c.hub.readTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
					return ce.Code, ce.Text, nil
				}
				return ce.Code, ce.Text, err
			}
			return websocket.CloseAbnormalClosure, err.Error(), err
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if mt != websocket.TextMessage {
			continue
		}
		if c.isDisposed() {
			return websocket.CloseNormalClosure, "dispose", nil
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

func (c *Handle) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Handle) fireError(err error) {
	if c.isDisposed() || c.opts.OnError == nil {
		return
	}
	c.opts.OnError(err)
}

func (c *Handle) fireClose(code int, reason string) {
	if c.isDisposed() || c.opts.OnClose == nil {
		return
	}
	c.opts.OnClose(code, reason)
}

func containsTopic(list []string, t string) bool {
	for _, s := range list {
		if s == t {
			return true
		}
	}
	return false
}
