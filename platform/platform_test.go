package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishOnly struct{}

func (publishOnly) PublishReply(context.Context, string, string) PublishResult {
	return Published("1", "u")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("Twitter", publishOnly{})
	r.Register("reddit", NewAgent(AgentConfig{BaseURL: "http://localhost"}))

	_, err := r.Publisher("twitter")
	require.NoError(t, err)
	_, err = r.Discoverer("twitter")
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = r.Fetcher("reddit")
	assert.NoError(t, err)
	assert.Equal(t, []string{"reddit", "twitter"}, r.Platforms())

	assert.Panics(t, func() { r.Register("tiktok", struct{}{}) })
}

func TestNormalizeMetrics(t *testing.T) {
	m, err := NormalizeMetrics(json.RawMessage(`{"favorite_count": 12, "reply_count": 3, "public_metrics": {"impression_count": 400}}`))
	require.NoError(t, err)
	assert.Equal(t, Metrics{Likes: 12, Replies: 3, Impressions: 400, Raw: m.Raw}, m)

	m, err = NormalizeMetrics(json.RawMessage(`{"ups": 7, "num_comments": 2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.Likes)
	assert.Equal(t, int64(2), m.Replies)
	assert.Zero(t, m.Impressions)

	_, err = NormalizeMetrics(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestAgentPublish(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch body["target_id"] {
		case "ok":
			_, _ = w.Write([]byte(`{"success": true, "external_id": "e1", "url": "https://x/e1"}`))
		case "ratelimited":
			_, _ = w.Write([]byte(`{"success": false, "error": "slow down", "retryable": true}`))
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	a := NewAgent(AgentConfig{BaseURL: srv.URL})
	ctx := context.Background()

	res := a.PublishReply(ctx, "ok", "hello")
	assert.True(t, res.OK())
	assert.Equal(t, "e1", res.ExternalID)

	res = a.PublishReply(ctx, "ratelimited", "hello")
	assert.True(t, res.Retryable())
	assert.EqualError(t, res.Err, "slow down")

	assert.True(t, a.PublishReply(ctx, "down", "hello").Retryable())
	assert.Equal(t, OutcomePermanent, a.PublishReply(ctx, "banned", "hello").Outcome)

	assert.Equal(t, int32(4), calls.Load())
}

func TestAgentDiscoverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/discover", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []Content{{
			URL: "https://reddit.com/1", Text: "hit my savings goal", Likes: 40, PublishedAt: time.Now().UTC(),
		}}})
	}))
	defer srv.Close()

	items, err := NewAgent(AgentConfig{BaseURL: srv.URL}).Discover(context.Background(), []string{"savings"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://reddit.com/1", items[0].URL)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAgentFetchMetricsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/metrics/abc" {
			_, _ = w.Write([]byte(`{"digg_count": 5, "comment_count": 1, "play_count": 90}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	a := NewAgent(AgentConfig{BaseURL: srv.URL})

	m, err := a.FetchMetrics(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(90), m.Impressions)

	_, err = a.FetchMetrics(context.Background(), "missing")
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
