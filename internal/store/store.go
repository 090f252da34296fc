package store

import (
	"sort"
	"sync"
	"time"

	"market-sync-go/market"
)

// SubscriptionStatus 订阅阶段
type SubscriptionStatus string

const (
	SubscriptionIdle    SubscriptionStatus = "idle"
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionReady   SubscriptionStatus = "ready"
	SubscriptionFailed  SubscriptionStatus = "failed"
)

// ConnectionStatus 传输连接状态
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
	ConnectionFailed       ConnectionStatus = "failed"
)

// View 是某个消费者当前可见的行情状态。Bars 不可变，可直接共享。
type View struct {
	Consumer     string
	Symbol       string
	CurrentPrice *float64
	Bars         *market.BarSeries
	Loading      bool
	Error        string
	Subscription SubscriptionStatus
	Connection   ConnectionStatus
	UpdatedAt    time.Time
	// Removed 仅出现在 Watch 通知里，表示该消费者已关闭。
	Removed bool
}

// Price 返回当前价格
func (v View) Price() (float64, bool) {
	if v.CurrentPrice == nil {
		return 0, false
	}
	return *v.CurrentPrice, true
}

// EventSink 接收每次状态变更，通常接到结构化日志。
type EventSink func(string, map[string]interface{})

// Store 保存所有消费者的 View。单写者（各自的 Coordinator）多读者。
type Store struct {
	mu       sync.RWMutex
	views    map[string]View
	watchers map[int]chan View
	nextID   int

	sink EventSink
}

func New(sink EventSink) *Store {
	return &Store{
		views:    make(map[string]View),
		watchers: make(map[int]chan View),
		sink:     sink,
	}
}

// Put 覆盖消费者的 View 并通知观察者
func (s *Store) Put(v View) {
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	v.Removed = false
	s.mu.Lock()
	s.views[v.Consumer] = v
	s.broadcast(v)
	s.mu.Unlock()

	s.logEvent("view_updated", map[string]interface{}{
		"consumer":     v.Consumer,
		"symbol":       v.Symbol,
		"loading":      v.Loading,
		"bars":         v.Bars.Len(),
		"subscription": string(v.Subscription),
		"connection":   string(v.Connection),
		"error":        v.Error,
	})
}

// Get 读取单个消费者
func (s *Store) Get(consumer string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[consumer]
	return v, ok
}

// All 按消费者名排序返回全部 View
func (s *Store) All() []View {
	s.mu.RLock()
	out := make([]View, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Consumer < out[j].Consumer })
	return out
}

// Remove 删除消费者并发出 Removed 通知
func (s *Store) Remove(consumer string) {
	s.mu.Lock()
	prev, ok := s.views[consumer]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.views, consumer)
	s.broadcast(View{
		Consumer:     consumer,
		Symbol:       prev.Symbol,
		Subscription: SubscriptionIdle,
		Connection:   ConnectionDisconnected,
		UpdatedAt:    time.Now(),
		Removed:      true,
	})
	s.mu.Unlock()
	s.logEvent("view_removed", map[string]interface{}{"consumer": consumer})
}

// Watch 订阅变更。慢读者只会看到最新的若干条，写入方从不阻塞。
func (s *Store) Watch(buffer int) (<-chan View, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan View, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// broadcast 需持有写锁
func (s *Store) broadcast(v View) {
	for _, ch := range s.watchers {
		select {
		case ch <- v:
			continue
		default:
		}
		// 缓冲已满：丢掉最旧的一条
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (s *Store) logEvent(name string, fields map[string]interface{}) {
	if s.sink != nil {
		s.sink(name, fields)
	}
}
