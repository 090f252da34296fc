package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync-go/internal/store"
)

type mockChannel struct {
	name string
	mu   sync.Mutex
	got  []Alert
	err  error
}

func (c *mockChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, a)
	return nil
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.got...)
}

func TestThrottler(t *testing.T) {
	th := NewThrottler(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	assert.True(t, th.Allow("other"))

	now = now.Add(time.Minute)
	assert.True(t, th.Allow("k"))

	th.Reset("k")
	assert.True(t, th.Allow("k"))
}

func TestManagerSendFansOutAndThrottles(t *testing.T) {
	a := &mockChannel{name: "a"}
	b := &mockChannel{name: "b"}
	mgr := NewManager([]Channel{a}, time.Hour)
	mgr.AddChannel(b)
	assert.Equal(t, []string{"a", "b"}, mgr.Channels())

	require.NoError(t, mgr.Send(Alert{Level: LevelError, Consumer: "chart", Message: "down"}))
	require.NoError(t, mgr.Send(Alert{Level: LevelError, Consumer: "chart", Message: "down"}))
	require.NoError(t, mgr.Send(Alert{Level: LevelError, Consumer: "modal", Message: "down"}))

	require.Len(t, a.alerts(), 2)
	require.Len(t, b.alerts(), 2)
	assert.False(t, a.alerts()[0].Timestamp.IsZero())
}

func TestManagerAllChannelsFail(t *testing.T) {
	boom := errors.New("boom")
	mgr := NewManager([]Channel{&mockChannel{name: "x", err: boom}}, time.Hour)
	err := mgr.Send(Alert{Level: LevelInfo, Message: "hi"})
	require.ErrorIs(t, err, boom)

	ok := &mockChannel{name: "ok"}
	mgr.AddChannel(ok)
	require.NoError(t, mgr.Send(Alert{Level: LevelInfo, Message: "hi again"}))
	assert.Len(t, ok.alerts(), 1)
}

func TestLogChannelNeverFails(t *testing.T) {
	ch := NewLogChannel("log", nil)
	for _, lvl := range []Level{LevelInfo, LevelWarning, LevelError, LevelCritical} {
		assert.NoError(t, ch.Send(Alert{Level: lvl, Message: "m"}))
	}
	assert.Equal(t, "log", ch.Name())
}

func TestEvaluateTransitions(t *testing.T) {
	live := store.View{Consumer: "chart", Symbol: "ES", Subscription: store.SubscriptionReady, Connection: store.ConnectionConnected}

	assert.Empty(t, Evaluate(nil, live))

	reconnecting := live
	reconnecting.Connection = store.ConnectionReconnecting
	reconnecting.Subscription = store.SubscriptionPending
	reconnecting.Error = "connection lost"
	got := Evaluate(&live, reconnecting)
	require.Len(t, got, 1)
	assert.Equal(t, LevelWarning, got[0].Level)
	assert.Equal(t, "stream reconnecting: connection lost", got[0].Message)

	reopened := reconnecting
	reopened.Connection = store.ConnectionConnected
	assert.Empty(t, Evaluate(&reconnecting, reopened))

	got = Evaluate(&reopened, live)
	require.Len(t, got, 1)
	assert.Equal(t, LevelInfo, got[0].Level)

	failed := live
	failed.Connection = store.ConnectionFailed
	failed.Subscription = store.SubscriptionFailed
	failed.Error = "connection lost"
	got = Evaluate(&live, failed)
	require.Len(t, got, 1)
	assert.Equal(t, LevelError, got[0].Level)
	assert.Empty(t, Evaluate(&failed, failed))

	snapFail := store.View{Consumer: "chart", Symbol: "NQ", Subscription: store.SubscriptionFailed, Error: "snapshot: 500"}
	got = Evaluate(&failed, snapFail)
	require.Len(t, got, 1)
	assert.Equal(t, "subscription failed: snapshot: 500", got[0].Message)

	withErr := live
	withErr.Error = "rate limited"
	got = Evaluate(&live, withErr)
	require.Len(t, got, 1)
	assert.Equal(t, "rate limited", got[0].Message)
}

func TestStatusWatcherSendsAlerts(t *testing.T) {
	st := store.New(nil)
	ch := &mockChannel{name: "mock"}
	w := NewStatusWatcher(st, NewManager([]Channel{ch}, time.Hour))
	w.Start(context.Background())
	defer w.Stop()

	st.Put(store.View{Consumer: "chart", Symbol: "ES", Subscription: store.SubscriptionReady, Connection: store.ConnectionConnected})
	st.Put(store.View{Consumer: "chart", Symbol: "ES", Subscription: store.SubscriptionFailed, Connection: store.ConnectionFailed, Error: "connection lost"})

	require.Eventually(t, func() bool { return len(ch.alerts()) == 1 }, time.Second, 10*time.Millisecond)
	a := ch.alerts()[0]
	assert.Equal(t, LevelError, a.Level)
	assert.Equal(t, "chart", a.Consumer)
	assert.Equal(t, "ES", a.Symbol)

	st.Remove("chart")
	w.Stop()
	w.Stop()
}
