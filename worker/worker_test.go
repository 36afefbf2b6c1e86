package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-engage/logging"
	"go-engage/model"
	"go-engage/platform"
	"go-engage/queue"
	"go-engage/settings"
	"go-engage/store"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	deps            Deps
	settings        *settings.Settings
	settingsBackend *settings.MemoryBackend
	store           *store.Memory
	queue           *queue.Queue
	urls            *store.MemoryURLSet
	registry        *platform.Registry

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := func() time.Time { return fixedNow }
	backend := settings.NewMemoryBackend()
	cfg := settings.New(backend)
	f := &fixture{
		settings:        cfg,
		settingsBackend: backend,
		store:           store.NewMemory(),
		queue:           queue.New(queue.Config{Store: queue.NewMemoryStore(), KillSwitch: cfg, Now: now}),
		urls:            store.NewMemoryURLSet(),
		registry:        platform.NewRegistry(),
	}
	f.deps = Deps{
		Queue:    f.queue,
		Settings: cfg,
		Store:    f.store,
		URLs:     f.urls,
		Registry: f.registry,
		Logger:   logging.NewDiscard(),
		Now:      now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
			return ctx.Err()
		},
		Rand: func() float64 { return 0.5 },
	}
	return f
}

func (f *fixture) slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingBackend) Set(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

func TestHaltGateLogsTransitionsOnly(t *testing.T) {
	ctx := context.Background()
	cfg := settings.New(settings.NewMemoryBackend())
	logger, hook := logtest.NewNullLogger()
	log := logger.WithField("worker", "test")
	var g haltGate

	assert.False(t, g.Halted(ctx, cfg, log))
	assert.Empty(t, hook.AllEntries(), "clear state on first read is not a transition")

	_, err := cfg.SetKillSwitch(ctx, true, "incident", "ops")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.True(t, g.Halted(ctx, cfg, log))
	}
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "incident", hook.LastEntry().Data["reason"])

	_, err = cfg.SetKillSwitch(ctx, false, "", "ops")
	require.NoError(t, err)
	assert.False(t, g.Halted(ctx, cfg, log))
	assert.False(t, g.Halted(ctx, cfg, log))
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestHaltGateFailsClosed(t *testing.T) {
	var g haltGate
	halted := g.Halted(context.Background(), settings.New(failingBackend{}), logging.NewDiscard().WithField("worker", "test"))
	assert.True(t, halted)
}

type stubLoop struct {
	kind     Kind
	platform string
	cycles   atomic.Int32
}

func (l *stubLoop) Kind() Kind                            { return l.kind }
func (l *stubLoop) Platform() string                      { return l.platform }
func (l *stubLoop) Interval(context.Context) time.Duration { return 5 * time.Millisecond }

func (l *stubLoop) Cycle(context.Context) error {
	l.cycles.Add(1)
	return nil
}

func newStubManager(status StatusStore) (*Manager, func(string) *stubLoop) {
	var mu sync.Mutex
	loops := make(map[string]*stubLoop)
	m := NewManager(ManagerConfig{
		Deps:        Deps{Logger: logging.NewDiscard()},
		Status:      status,
		StopTimeout: time.Second,
		Factory: func(p string, kind Kind) Loop {
			l := &stubLoop{kind: kind, platform: p}
			mu.Lock()
			loops[Key(p, kind)] = l
			mu.Unlock()
			return l
		},
	})
	return m, func(key string) *stubLoop {
		mu.Lock()
		defer mu.Unlock()
		return loops[key]
	}
}

func TestManagerStartStop(t *testing.T) {
	ctx := context.Background()
	status := NewMemoryStatusStore()
	m, loop := newStubManager(status)

	started := m.Start(ctx, "TikTok")
	assert.Equal(t, map[string]string{
		"tiktok:discovery": StatusRunning,
		"tiktok:execution": StatusRunning,
		"tiktok:analytics": StatusRunning,
	}, started)

	again := m.Start(ctx, "tiktok")
	for _, s := range again {
		assert.Equal(t, StatusAlreadyRunning, s)
	}

	require.Eventually(t, func() bool {
		return loop("tiktok:execution").cycles.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tiktok"}, m.Platforms())

	stopped := m.Stop(ctx, "tiktok")
	for key, s := range stopped {
		assert.Equal(t, StatusStopped, s, key)
	}
	persisted, err := status.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, persisted["tiktok:analytics"])

	after := loop("tiktok:execution").cycles.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, loop("tiktok:execution").cycles.Load(), "loop kept cycling after stop")

	for _, s := range m.Stop(ctx, "tiktok") {
		assert.Equal(t, StatusNotRunning, s)
	}
}

func TestManagerStatusMergesPersistedState(t *testing.T) {
	ctx := context.Background()
	status := NewMemoryStatusStore()
	require.NoError(t, status.Set(ctx, "reddit:discovery", StatusStopped))
	require.NoError(t, status.Set(ctx, "twitter:execution", StatusStopped))
	m, _ := newStubManager(status)

	m.Start(ctx, "twitter")
	defer m.StopAll(ctx)

	got := m.Status(ctx)
	assert.Equal(t, StatusStopped, got["reddit:discovery"])
	assert.Equal(t, StatusRunning, got["twitter:execution"])
	assert.Equal(t, StatusRunning, got["twitter:discovery"])
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	m, _ := newStubManager(nil)
	m.Start(ctx, "tiktok")
	m.Start(ctx, "reddit")

	m.StopAll(ctx)

	assert.Empty(t, m.Platforms())
	for key, s := range m.Status(ctx) {
		assert.Equal(t, StatusStopped, s, key)
	}
}

// hungLoop ignores cancellation until unblock is closed.
type hungLoop struct {
	kind    Kind
	unblock chan struct{}
}

func (l *hungLoop) Kind() Kind                            { return l.kind }
func (l *hungLoop) Platform() string                      { return "tiktok" }
func (l *hungLoop) Interval(context.Context) time.Duration { return time.Millisecond }

func (l *hungLoop) Cycle(context.Context) error {
	<-l.unblock
	return nil
}

func TestStopTimeoutIsSharedAcrossLoops(t *testing.T) {
	ctx := context.Background()
	unblock := make(chan struct{})
	defer close(unblock)
	m := NewManager(ManagerConfig{
		Deps:        Deps{Logger: logging.NewDiscard()},
		StopTimeout: 100 * time.Millisecond,
		Factory: func(_ string, kind Kind) Loop {
			return &hungLoop{kind: kind, unblock: unblock}
		},
	})
	m.Start(ctx, "tiktok")
	time.Sleep(20 * time.Millisecond)

	done := make(chan map[string]string, 1)
	go func() { done <- m.Stop(ctx, "tiktok") }()

	select {
	case out := <-done:
		require.Len(t, out, len(Kinds))
		for key, s := range out {
			assert.Equal(t, StatusStopped, s, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked past the stop timeout")
	}
	assert.Empty(t, m.Platforms())
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func postTask(t *testing.T, f *fixture, p string, status model.EngagementStatus) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	eid, err := f.store.CreateEngagement(ctx, &model.Engagement{
		Platform:    p,
		TargetID:    "target-" + p,
		CommentText: "Love this plan.",
		Status:      status,
	})
	require.NoError(t, err)
	tid, err := f.queue.Enqueue(ctx, model.PostPayload{EngagementID: eid, TargetID: "target-" + p, Text: "Love this plan."},
		queue.CreateParams{Platform: p, Priority: 5, CreatedBy: "test"})
	require.NoError(t, err)
	return eid, tid
}
