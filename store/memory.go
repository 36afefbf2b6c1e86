package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go-engage/model"
)

type snapshotKey struct {
	engagementID int64
	checkpoint   model.Checkpoint
}

// Memory is the in-process Store used by tests and STORE_BACKEND=memory.
type Memory struct {
	mu            sync.Mutex
	nextID        int64
	opportunities map[int64]model.Opportunity
	urls          map[string]int64
	engagements   map[int64]model.Engagement
	assessments   []model.RiskAssessment
	reviews       map[int64]model.ReviewItem
	snapshots     map[snapshotKey]model.MetricsSnapshot
}

func NewMemory() *Memory {
	return &Memory{
		opportunities: make(map[int64]model.Opportunity),
		urls:          make(map[string]int64),
		engagements:   make(map[int64]model.Engagement),
		reviews:       make(map[int64]model.ReviewItem),
		snapshots:     make(map[snapshotKey]model.MetricsSnapshot),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) InsertOpportunity(_ context.Context, o *model.Opportunity) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.urls[o.URL]; ok {
		return id, false, nil
	}
	c := *o
	c.ID = m.id()
	c.Hashtags = slices.Clone(o.Hashtags)
	m.opportunities[c.ID] = c
	m.urls[c.URL] = c.ID
	return c.ID, true, nil
}

func (m *Memory) GetOpportunity(_ context.Context, id int64) (*model.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opportunities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *Memory) CreateEngagement(_ context.Context, e *model.Engagement) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	c.ID = m.id()
	if c.Status == "" {
		c.Status = model.EngagementDraft
	}
	m.engagements[c.ID] = c
	return c.ID, nil
}

func (m *Memory) GetEngagement(_ context.Context, id int64) (*model.Engagement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engagements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *Memory) UpdateEngagement(_ context.Context, id int64, u EngagementUpdate, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engagements[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = u.Status
	if u.AssessmentID != nil {
		e.AssessmentID = u.AssessmentID
	}
	if u.CommentText != nil {
		e.CommentText = *u.CommentText
	}
	if u.ExternalID != nil {
		e.ExternalID = *u.ExternalID
	}
	if u.PostedURL != nil {
		e.PostedURL = *u.PostedURL
	}
	if u.PostedAt != nil {
		e.PostedAt = u.PostedAt
	}
	if u.Error != nil {
		e.Error = *u.Error
	}
	e.UpdatedAt = now
	m.engagements[id] = e
	return nil
}

func (m *Memory) ListEngagements(_ context.Context, f EngagementFilter) ([]model.Engagement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Engagement
	for _, e := range m.engagements {
		if (f.Platform == "" || e.Platform == f.Platform) && (f.Status == "" || e.Status == f.Status) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) InsertAssessment(_ context.Context, a *model.RiskAssessment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	c.ID = m.id()
	c.Violations = slices.Clone(a.Violations)
	m.assessments = append(m.assessments, c)
	return c.ID, nil
}

func (m *Memory) ListAssessments(_ context.Context, engagementID int64) ([]model.RiskAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RiskAssessment
	for _, a := range m.assessments {
		if a.EngagementID == engagementID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CreateReview(_ context.Context, r *model.ReviewItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	c.ID = m.id()
	if c.Status == "" {
		c.Status = model.ReviewPending
	}
	m.reviews[c.ID] = c
	return c.ID, nil
}

func (m *Memory) GetReview(_ context.Context, id int64) (*model.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) ListReviews(_ context.Context, f ReviewFilter) ([]model.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReviewItem
	for _, r := range m.reviews {
		if (f.Status == "" || r.Status == f.Status) && (f.Platform == "" || r.Platform == f.Platform) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) DecideReview(_ context.Context, id int64, status model.ReviewStatus, reviewer string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != model.ReviewPending {
		return false, nil
	}
	r.Status = status
	r.Reviewer = reviewer
	r.DecidedAt = &now
	m.reviews[id] = r
	return true, nil
}

func (m *Memory) InsertSnapshot(_ context.Context, s *model.MetricsSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := snapshotKey{s.EngagementID, s.Checkpoint}
	if _, ok := m.snapshots[key]; ok {
		return false, nil
	}
	c := *s
	c.Raw = slices.Clone(s.Raw)
	m.snapshots[key] = c
	return true, nil
}

func (m *Memory) ListSnapshots(_ context.Context, engagementID int64) ([]model.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MetricsSnapshot
	for _, cp := range model.Checkpoints {
		if s, ok := m.snapshots[snapshotKey{engagementID, cp}]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}
