package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotClientFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != SnapshotPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		assert.Equal(t, "ESM4", q.Get("symbol"))
		assert.Equal(t, "1m", q.Get("timeframe"))
		assert.Equal(t, "60", q.Get("intervalSeconds"))
		assert.Equal(t, "3600", q.Get("durationSeconds"))
		assert.Equal(t, "desk-1", q.Get("ownerId"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		io.WriteString(w, `{"ticker":{"last":5012.5},"kline":{"bars":[{"timestamp":"2024-05-01T10:00:00Z","open":1,"high":2,"low":0.5,"close":1.5}]}}`)
	}))
	defer ts.Close()

	cli := &SnapshotClient{
		BaseURL:       ts.URL + "/",
		HTTPClient:    ts.Client(),
		TokenProvider: func(context.Context) (string, error) { return "tok-1", nil },
		Limiter:       NewTokenBucketLimiter(10, 2),
	}
	resp, err := cli.FetchSnapshot(context.Background(), SnapshotRequest{
		Symbol: "ESM4", Timeframe: "1m", IntervalSeconds: 60, DurationSeconds: 3600, OwnerID: "desk-1",
	})
	require.NoError(t, err)

	tk, bars := NormalizeSnapshot(resp, BarContext{Symbol: "ESM4", Timeframe: "1m"})
	require.NotNil(t, tk)
	assert.Equal(t, 5012.5, *tk.Last)
	require.Len(t, bars, 1)
	assert.Equal(t, 1.5, bars[0].Close)
}

func TestSnapshotClientStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream down")
	}))
	defer ts.Close()

	cli := &SnapshotClient{BaseURL: ts.URL, HTTPClient: ts.Client()}
	_, err := cli.FetchSnapshot(context.Background(), SnapshotRequest{Symbol: "ESM4"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotStatus))
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestSnapshotClientTokenError(t *testing.T) {
	cli := &SnapshotClient{
		BaseURL:       "http://127.0.0.1:1",
		HTTPClient:    NewDefaultHTTPClient(),
		TokenProvider: func(context.Context) (string, error) { return "", errors.New("no token") },
	}
	_, err := cli.FetchSnapshot(context.Background(), SnapshotRequest{Symbol: "ESM4"})
	assert.ErrorContains(t, err, "no token")
}

func TestSnapshotClientValidation(t *testing.T) {
	var nilClient *SnapshotClient
	_, err := nilClient.FetchSnapshot(context.Background(), SnapshotRequest{Symbol: "ESM4"})
	assert.Error(t, err)

	cli := &SnapshotClient{HTTPClient: NewDefaultHTTPClient()}
	_, err = cli.FetchSnapshot(context.Background(), SnapshotRequest{Symbol: "  "})
	assert.Error(t, err)
}
