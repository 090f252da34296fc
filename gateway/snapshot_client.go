package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"market-sync-go/market"
)

// ErrSnapshotStatus 表示快照接口返回了非 2xx 状态。
var ErrSnapshotStatus = errors.New("snapshot: unexpected status")

// SnapshotPath 是 REST 快照接口路径。
const SnapshotPath = "/market/snapshot"

// TokenProvider 在每次建立连接/发起请求时返回当前 token（token 可能轮换）。
type TokenProvider func(ctx context.Context) (string, error)

// SnapshotRequest 对应 GET /market/snapshot 的查询参数。
type SnapshotRequest struct {
	Symbol          string
	Timeframe       string
	IntervalSeconds int64
	DurationSeconds int64
	OwnerID         string
}

// SnapshotResponse 是快照接口的原始返回：{ticker?, kline?: {bars}}。
type SnapshotResponse struct {
	Ticker json.RawMessage `json:"ticker,omitempty"`
	Kline  *struct {
		Bars json.RawMessage `json:"bars"`
	} `json:"kline,omitempty"`
}

// SnapshotClient 拉取 REST 快照；HTTPClient 可注入 httptest。
type SnapshotClient struct {
	BaseURL       string
	HTTPClient    *http.Client
	TokenProvider TokenProvider
	Limiter       RateLimiter
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// FetchSnapshot 调用 GET /market/snapshot。
func (c *SnapshotClient) FetchSnapshot(ctx context.Context, req SnapshotRequest) (SnapshotResponse, error) {
	var out SnapshotResponse
	if c == nil || c.HTTPClient == nil {
		return out, fmt.Errorf("http client not set")
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return out, fmt.Errorf("snapshot: symbol required")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return out, err
		}
	}

	q := url.Values{}
	q.Set("symbol", req.Symbol)
	if req.Timeframe != "" {
		q.Set("timeframe", req.Timeframe)
	}
	if req.IntervalSeconds > 0 {
		q.Set("intervalSeconds", strconv.FormatInt(req.IntervalSeconds, 10))
	}
	if req.DurationSeconds > 0 {
		q.Set("durationSeconds", strconv.FormatInt(req.DurationSeconds, 10))
	}
	if req.OwnerID != "" {
		q.Set("ownerId", req.OwnerID)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + SnapshotPath + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.TokenProvider != nil {
		token, err := c.TokenProvider(ctx)
		if err != nil {
			return out, fmt.Errorf("snapshot token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return out, fmt.Errorf("%w %d: %s", ErrSnapshotStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

// NormalizeSnapshot 把快照返回转换为 ticker 与 bar 列表；缺失部分返回零值。
func NormalizeSnapshot(resp SnapshotResponse, ctx BarContext) (*market.Ticker, []market.Bar) {
	ticker := NormalizeTicker(resp.Ticker, ctx.Symbol)
	if resp.Kline == nil || !present(resp.Kline.Bars) {
		return ticker, nil
	}
	ev := NormalizeBarEvent(resp.Kline.Bars, ctx)
	switch {
	case ev == nil:
		return ticker, nil
	case ev.Snapshot != nil:
		return ticker, ev.Snapshot.Bars
	default:
		return ticker, []market.Bar{*ev.Bar}
	}
}
