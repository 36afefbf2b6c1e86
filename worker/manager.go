package worker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-engage/logging"
)

const (
	StatusRunning        = "running"
	StatusStopped        = "stopped"
	StatusAlreadyRunning = "already_running"
	StatusNotRunning     = "not_running"

	defaultStopTimeout = 10 * time.Second
)

// LoopFactory builds the loop of one kind for a platform.
type LoopFactory func(platform string, kind Kind) Loop

type ManagerConfig struct {
	Deps        Deps
	Status      StatusStore
	StopTimeout time.Duration
	// AgentID is the claimant name used by execution loops. Defaults to a
	// random id per process.
	AgentID string
	Factory LoopFactory
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager starts, stops and reports the loops of every platform. Keys have
// the form "<platform>:<kind>".
type Manager struct {
	mu          sync.Mutex
	handles     map[string]*handle
	deps        Deps
	status      StatusStore
	stopTimeout time.Duration
	factory     LoopFactory
	logger      logging.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		handles:     make(map[string]*handle),
		deps:        cfg.Deps.withDefaults(),
		status:      cfg.Status,
		stopTimeout: cfg.StopTimeout,
		factory:     cfg.Factory,
	}
	m.logger = m.deps.Logger
	if m.status == nil {
		m.status = NewMemoryStatusStore()
	}
	if m.stopTimeout <= 0 {
		m.stopTimeout = defaultStopTimeout
	}
	if m.factory == nil {
		agentID := cfg.AgentID
		if agentID == "" {
			agentID = "engage-" + uuid.NewString()
		}
		deps := m.deps
		m.factory = func(p string, kind Kind) Loop {
			switch kind {
			case KindDiscovery:
				return NewDiscovery(p, deps)
			case KindExecution:
				return NewExecution(p, agentID, deps)
			default:
				return NewAnalytics(p, deps)
			}
		}
	}
	return m
}

func Key(platform string, kind Kind) string {
	return platform + ":" + string(kind)
}

func (m *Manager) record(ctx context.Context, key, status string) {
	if err := m.status.Set(ctx, key, status); err != nil {
		m.logger.WithError(err).WithField("worker", key).Warn("Failed to persist worker status")
	}
}

// Start launches every loop of platform that is not already running.
func (m *Manager) Start(ctx context.Context, platform string) map[string]string {
	platform = strings.ToLower(platform)
	out := make(map[string]string, len(Kinds))

	m.mu.Lock()
	var started []string
	for _, kind := range Kinds {
		key := Key(platform, kind)
		if _, ok := m.handles[key]; ok {
			out[key] = StatusAlreadyRunning
			continue
		}
		loopCtx, cancel := context.WithCancel(context.Background())
		h := &handle{cancel: cancel, done: make(chan struct{})}
		m.handles[key] = h
		loop := m.factory(platform, kind)
		go func() {
			defer close(h.done)
			Run(loopCtx, loop, m.deps)
		}()
		out[key] = StatusRunning
		started = append(started, key)
	}
	m.mu.Unlock()

	for _, key := range started {
		m.record(ctx, key, StatusRunning)
	}
	m.logger.WithFields(logging.Fields{"platform": platform, "started": len(started)}).Info("Workers started")
	return out
}

// Stop cancels the platform's loops and waits up to the stop timeout for
// them to exit. Loops still busy after the timeout are abandoned and
// reported stopped anyway.
func (m *Manager) Stop(ctx context.Context, platform string) map[string]string {
	platform = strings.ToLower(platform)
	out := make(map[string]string, len(Kinds))

	m.mu.Lock()
	stopping := make(map[string]*handle)
	for _, kind := range Kinds {
		key := Key(platform, kind)
		h, ok := m.handles[key]
		if !ok {
			out[key] = StatusNotRunning
			continue
		}
		delete(m.handles, key)
		stopping[key] = h
	}
	m.mu.Unlock()

	for _, h := range stopping {
		h.cancel()
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()
	for key, h := range stopping {
		select {
		case <-h.done:
		case <-waitCtx.Done():
			// The deadline is shared: once it passes, remaining loops are
			// only checked, never waited on.
			select {
			case <-h.done:
			default:
				m.logger.WithField("worker", key).Warn("Worker did not stop within timeout")
			}
		}
		out[key] = StatusStopped
		m.record(context.WithoutCancel(ctx), key, StatusStopped)
	}
	if len(stopping) > 0 {
		m.logger.WithFields(logging.Fields{"platform": platform, "stopped": len(stopping)}).Info("Workers stopped")
	}
	return out
}

// Status reports running loops of this process merged over the persisted
// last-known status of every other key.
func (m *Manager) Status(ctx context.Context) map[string]string {
	out, err := m.status.All(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to load persisted worker status")
		out = make(map[string]string)
	}
	if out == nil {
		out = make(map[string]string)
	}
	m.mu.Lock()
	for key := range m.handles {
		out[key] = StatusRunning
	}
	m.mu.Unlock()
	return out
}

// Platforms lists the platforms with at least one running loop.
func (m *Manager) Platforms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for key := range m.handles {
		p, _, _ := strings.Cut(key, ":")
		seen[p] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// StopAll stops every running loop; used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, p := range m.Platforms() {
		m.Stop(ctx, p)
	}
}
