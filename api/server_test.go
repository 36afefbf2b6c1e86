package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-engage/logging"
	"go-engage/model"
	"go-engage/queue"
	"go-engage/risk"
	"go-engage/routing"
	"go-engage/settings"
	"go-engage/store"
	"go-engage/worker"
)

type testEnv struct {
	handler  http.Handler
	queue    *queue.Queue
	settings *settings.Settings
	store    *store.Memory
}

func newTestEnv(t *testing.T, judgeScore float64) testEnv {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }
	cfg := settings.New(settings.NewMemoryBackend())
	q := queue.New(queue.Config{Store: queue.NewMemoryStore(), KillSwitch: cfg, Now: now})
	st := store.NewMemory()
	scorer := risk.NewScorer(risk.Config{
		Judge: risk.JudgeFunc(func(context.Context, string, risk.Context) (risk.Verdict, error) {
			return risk.Verdict{Score: judgeScore, Reasoning: "stub"}, nil
		}),
		Settings: cfg,
		Now:      now,
	})
	deps := worker.Deps{Queue: q, Settings: cfg, Store: st, Logger: logging.NewDiscard(), Now: now}
	srv := New(Config{
		Queue:    q,
		Settings: cfg,
		Store:    st,
		Router:   routing.New(routing.Config{Scorer: scorer, Store: st, Queue: q, Now: now}),
		Workers: worker.NewManager(worker.ManagerConfig{
			Deps: deps,
			Factory: func(p string, kind worker.Kind) worker.Loop {
				return idleLoop{kind: kind, platform: p}
			},
		}),
		Results: worker.NewResults(deps),
	})
	return testEnv{handler: srv.Handler(), queue: q, settings: cfg, store: st}
}

type idleLoop struct {
	kind     worker.Kind
	platform string
}

func (l idleLoop) Kind() worker.Kind                      { return l.kind }
func (l idleLoop) Platform() string                       { return l.platform }
func (l idleLoop) Interval(context.Context) time.Duration { return time.Hour }
func (l idleLoop) Cycle(context.Context) error            { return nil }

func (e testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodPost, "/tasks", `{"type":"discover","platform":"TikTok","payload":{"keywords":["budget"]},"priority":3}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]int64](t, w)["id"]

	t.Run("get", func(t *testing.T) {
		w := env.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d", id), "")
		require.Equal(t, http.StatusOK, w.Code)
		task := decode[model.Task](t, w)
		assert.Equal(t, model.StatusPending, task.Status)
		assert.Equal(t, "tiktok", task.PlatformName())
	})

	t.Run("claim", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/tasks/claim", `{"agent_id":"agent-7","platform":"tiktok"}`)
		require.Equal(t, http.StatusOK, w.Code)
		task := decode[model.Task](t, w)
		assert.Equal(t, id, task.ID)
		require.NotNil(t, task.AssignedAgent)
		assert.Equal(t, "agent-7", *task.AssignedAgent)
	})

	t.Run("claim empty", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/tasks/claim", `{"agent_id":"agent-8"}`)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("complete", func(t *testing.T) {
		w := env.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/complete", id), `{"result":{"items":[]}}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, model.StatusCompleted, decode[model.Task](t, w).Status)
	})

	t.Run("complete twice conflicts", func(t *testing.T) {
		w := env.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/complete", id), `{}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("cancel terminal conflicts", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/tasks?status=completed", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]model.Task](t, w), 1)
	})
}

func TestCreateHonoursZeroMaxRetries(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodPost, "/tasks", `{"type":"post","platform":"reddit","max_retries":0}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]int64](t, w)["id"]

	w = env.do(t, http.MethodPost, "/tasks/claim", `{"agent_id":"agent-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/fail", id), `{"error":"timeout"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.StatusFailed, decode[model.Task](t, w).Status)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d", id), "")
	assert.Equal(t, 0, decode[model.Task](t, w).MaxRetries)
}

func TestTaskErrors(t *testing.T) {
	env := newTestEnv(t, 10)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown task", http.MethodGet, "/tasks/99", "", http.StatusNotFound},
		{"invalid id", http.MethodGet, "/tasks/abc", "", http.StatusBadRequest},
		{"bad type", http.MethodPost, "/tasks", `{"type":"dance"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/tasks", `{oops}`, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/tasks?status=queued", "", http.StatusBadRequest},
		{"negative max retries", http.MethodPost, "/tasks", `{"type":"post","max_retries":-1}`, http.StatusBadRequest},
		{"claim without agent", http.MethodPost, "/tasks/claim", `{}`, http.StatusBadRequest},
		{"fail unknown", http.MethodPost, "/tasks/99/fail", `{"error":"x"}`, http.StatusNotFound},
		{"cancel unknown", http.MethodDelete, "/tasks/99", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestFailRequeuesThenFails(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	id, err := env.queue.Create(ctx, queue.CreateParams{Type: model.TaskTrack, MaxRetries: queue.Retries(1)})
	require.NoError(t, err)

	_, err = env.queue.Claim(ctx, "agent", queue.ClaimFilter{})
	require.NoError(t, err)
	w := env.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/fail", id), `{"error":"timeout"}`)
	require.Equal(t, http.StatusOK, w.Code)
	task := decode[model.Task](t, w)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	_, err = env.queue.Claim(ctx, "agent", queue.ClaimFilter{})
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/fail", id), `{"error":"timeout"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.StatusFailed, decode[model.Task](t, w).Status)
}

func TestKillSwitchBlocksClaims(t *testing.T) {
	env := newTestEnv(t, 10)
	_, err := env.queue.Create(context.Background(), queue.CreateParams{Type: model.TaskDiscover})
	require.NoError(t, err)

	w := env.do(t, http.MethodPut, "/kill-switch", `{"active":true,"reason":"incident","actor":"ops"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/kill-switch", "")
	require.Equal(t, http.StatusOK, w.Code)
	ks := decode[model.KillSwitch](t, w)
	assert.True(t, ks.Active)
	assert.Equal(t, "ops", ks.ActivatedBy)

	w = env.do(t, http.MethodPost, "/tasks/claim", `{"agent_id":"agent-1"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	env.do(t, http.MethodPut, "/kill-switch", `{"active":false}`)
	w = env.do(t, http.MethodPost, "/tasks/claim", `{"agent_id":"agent-1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelAll(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	for _, p := range []string{"tiktok", "tiktok", "reddit"} {
		_, err := env.queue.Create(ctx, queue.CreateParams{Type: model.TaskDiscover, Platform: p})
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodPost, "/tasks/cancel", `{"platform":"tiktok"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decode[map[string]int64](t, w)["cancelled"])
}

func TestReviewFlow(t *testing.T) {
	// Context 15 (one controversial keyword) and judge 100 give a total of 34.5.
	env := newTestEnv(t, 100)

	w := env.do(t, http.MethodPost, "/engagements",
		`{"platform":"tiktok","target_id":"v1","comment_text":"Great progress on the savings goal!","title":"Thoughts on politics?"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode[routing.Outcome](t, w)
	require.Equal(t, model.HumanReview, out.Decision)
	require.NotZero(t, out.ReviewID)

	w = env.do(t, http.MethodGet, "/reviews?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]model.ReviewItem](t, w)
	require.Len(t, items, 1)
	assert.Equal(t, out.EngagementID, items[0].EngagementID)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/reviews/%d/approve", out.ReviewID), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "reviewer is required")

	w = env.do(t, http.MethodPost, fmt.Sprintf("/reviews/%d/approve", out.ReviewID), `{"reviewer":"sam"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	taskID := decode[map[string]int64](t, w)["task_id"]

	task, err := env.queue.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, routing.PriorityReviewed, task.Priority)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/reviews/%d/reject", out.ReviewID), `{"reviewer":"sam"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/reviews/999/approve", `{"reviewer":"sam"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, 10)
	w := env.do(t, http.MethodPost, "/engagements", `{"platform":"tiktok","target_id":"v1","comment_text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkerEndpoints(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodPost, "/workers/tiktok/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, worker.StatusRunning, decode[map[string]string](t, w)["tiktok:execution"])

	w = env.do(t, http.MethodGet, "/workers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string]string](t, w), 3)

	w = env.do(t, http.MethodPost, "/workers/tiktok/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, worker.StatusStopped, decode[map[string]string](t, w)["tiktok:discovery"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, 10)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "engage_")
}
