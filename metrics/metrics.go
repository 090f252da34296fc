// Package metrics provides Prometheus metrics for the market-data sync pipeline
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HubConnected 每个消费者的 WS 连接状态（1=已连接）
	HubConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketsync_hub_connected",
		Help: "Whether the subscription hub connection of a consumer is open",
	}, []string{"consumer"})

	// FramesReceived 按分类统计入站帧
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_frames_received_total",
		Help: "Inbound websocket frames by envelope kind",
	}, []string{"kind"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_decode_errors_total",
		Help: "Inbound frames dropped because they could not be decoded",
	})

	SnapshotRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_snapshot_requests_total",
		Help: "REST snapshot requests by result",
	}, []string{"result"})

	SnapshotLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketsync_snapshot_latency_seconds",
		Help:    "REST snapshot request latency",
		Buckets: prometheus.DefBuckets,
	})

	// BarMerges result: applied / noop
	BarMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_bar_merges_total",
		Help: "Bar merge operations by result",
	}, []string{"result"})

	// StaleDiscarded 因代次不匹配被丢弃的异步结果
	StaleDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_stale_discarded_total",
		Help: "Async results discarded because the instrument changed or the consumer was closed",
	}, []string{"source"})

	CurrentPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketsync_current_price",
		Help: "Latest resolved price per symbol",
	}, []string{"symbol"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_reconnects_total",
		Help: "Reconnect attempts per consumer",
	}, []string{"consumer"})
)

// SetConnected 更新连接状态
func SetConnected(consumer string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	HubConnected.WithLabelValues(consumer).Set(v)
}

// ObserveSnapshot 记录一次快照请求
func ObserveSnapshot(start time.Time, err error) {
	SnapshotLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		SnapshotRequests.WithLabelValues("error").Inc()
		return
	}
	SnapshotRequests.WithLabelValues("ok").Inc()
}

// ObserveMerge 记录一次合并是否改变了序列
func ObserveMerge(changed bool) {
	if changed {
		BarMerges.WithLabelValues("applied").Inc()
		return
	}
	BarMerges.WithLabelValues("noop").Inc()
}

// Server 暴露 /metrics；Shutdown 供生命周期管理调用。
type Server struct {
	srv *http.Server
}

// NewServer 创建指标服务器（未启动）
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Handler 返回底层 handler，便于 httptest
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start 在后台监听；监听失败通过 errCh 返回
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
