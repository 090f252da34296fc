package alert

import (
	"context"
	"sync"

	"market-sync-go/internal/store"
)

// StatusWatcher 订阅 Store，把消费者的状态迁移转换成告警。
type StatusWatcher struct {
	st   *store.Store
	mgr  *Manager
	prev map[string]store.View

	cancel   func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewStatusWatcher 创建状态告警器（未启动）
func NewStatusWatcher(st *store.Store, mgr *Manager) *StatusWatcher {
	return &StatusWatcher{
		st:   st,
		mgr:  mgr,
		prev: make(map[string]store.View),
		done: make(chan struct{}),
	}
}

// Start 开始消费 Store 更新，直到 ctx 结束或 Stop
func (w *StatusWatcher) Start(ctx context.Context) {
	updates, cancel := w.st.Watch(64)
	w.cancel = cancel
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case v, ok := <-updates:
				if !ok {
					return
				}
				w.observe(v)
			}
		}
	}()
}

// Stop 停止并等待后台 goroutine 退出，可重复调用
func (w *StatusWatcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel == nil {
			close(w.done)
			return
		}
		w.cancel()
		<-w.done
	})
}

func (w *StatusWatcher) observe(v store.View) {
	if v.Removed {
		delete(w.prev, v.Consumer)
		return
	}
	prev, seen := w.prev[v.Consumer]
	w.prev[v.Consumer] = v
	var p *store.View
	if seen {
		p = &prev
	}
	for _, a := range Evaluate(p, v) {
		_ = w.mgr.Send(a)
	}
}

// Evaluate 根据前后两次 View 计算需要发出的告警；prev 为 nil 表示首次出现。
func Evaluate(prev *store.View, next store.View) []Alert {
	var before store.View
	if prev != nil {
		before = *prev
	}
	mk := func(level Level, msg string) Alert {
		return Alert{Level: level, Consumer: next.Consumer, Symbol: next.Symbol, Message: msg}
	}
	// 切换品种视为新的生命周期
	if before.Symbol != next.Symbol {
		before = store.View{}
	}

	var out []Alert
	switch {
	case next.Connection == store.ConnectionFailed && before.Connection != store.ConnectionFailed:
		out = append(out, mk(LevelError, "stream connection failed: "+next.Error))
	case next.Connection == store.ConnectionReconnecting && before.Connection != store.ConnectionReconnecting:
		out = append(out, mk(LevelWarning, "stream reconnecting: "+next.Error))
	case next.Subscription == store.SubscriptionFailed && before.Subscription != store.SubscriptionFailed:
		out = append(out, mk(LevelError, "subscription failed: "+next.Error))
	case next.Subscription == store.SubscriptionReady && before.Subscription != store.SubscriptionReady && before.Error != "":
		out = append(out, mk(LevelInfo, "stream recovered"))
	case next.Error != "" && next.Error != before.Error:
		out = append(out, mk(LevelWarning, next.Error))
	}
	return out
}
