package queue

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go-engage/model"
)

// MemoryStore keeps tasks in a map guarded by one mutex. Conditional writes
// check the source state under the lock, so they behave like the Postgres
// store's guarded UPDATEs.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[int64]*model.Task
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[int64]*model.Task)}
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) Insert(_ context.Context, t *model.Task) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.DedupKey != nil {
		for _, existing := range s.tasks {
			if existing.DedupKey != nil && *existing.DedupKey == *t.DedupKey && !existing.Status.Terminal() {
				return existing.ID, false, nil
			}
		}
	}
	s.nextID++
	stored := cloneTask(t)
	stored.ID = s.nextID
	s.tasks[stored.ID] = stored
	return stored.ID, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) sorted(match func(*model.Task) bool) []model.Task {
	var out []model.Task
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(t *model.Task) bool {
		return (f.Status == "" || t.Status == f.Status) &&
			(f.Platform == "" || t.PlatformName() == f.Platform) &&
			(f.Type == "" || t.Type == f.Type)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Candidates(ctx context.Context, f ClaimFilter, limit int) ([]model.Task, error) {
	return s.List(ctx, ListFilter{Status: model.StatusPending, Platform: f.Platform, Type: f.Type, Limit: limit})
}

func (s *MemoryStore) ClaimIf(_ context.Context, id int64, agentID string, now time.Time) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.StatusPending {
		return nil, nil
	}
	t.Status = model.StatusAssigned
	t.AssignedAgent = &agentID
	t.StartedAt = &now
	return cloneTask(t), nil
}

func (s *MemoryStore) Requeue(_ context.Context, id int64, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.StatusAssigned || t.RetryCount >= t.MaxRetries {
		return false, nil
	}
	t.Status = model.StatusPending
	t.RetryCount++
	t.AssignedAgent = nil
	t.StartedAt = nil
	t.Error = errMsg
	return true, nil
}

func (s *MemoryStore) Unclaim(_ context.Context, id int64, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.StatusAssigned {
		return false, nil
	}
	t.Status = model.StatusPending
	t.AssignedAgent = nil
	t.StartedAt = nil
	t.Error = note
	return true, nil
}

func (s *MemoryStore) Finish(_ context.Context, id int64, from []model.TaskStatus, to model.TaskStatus, result []byte, errMsg string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || !slices.Contains(from, t.Status) {
		return false, nil
	}
	t.Status = to
	t.CompletedAt = &now
	if result != nil {
		t.Result = slices.Clone(result)
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	return true, nil
}

func (s *MemoryStore) CancelAll(_ context.Context, platform string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.Status.Terminal() || (platform != "" && t.PlatformName() != platform) {
			continue
		}
		t.Status = model.StatusCancelled
		t.CompletedAt = &now
		n++
	}
	return n, nil
}

func (s *MemoryStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.Status.Terminal() || !t.Expired(now) {
			continue
		}
		t.Status = model.StatusExpired
		t.CompletedAt = &now
		n++
	}
	return n, nil
}
