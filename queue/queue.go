// Package queue is the durable work-item store shared by the background
// workers and external agents. A task is handed to at most one agent: the
// pending -> assigned transition is a conditional write, and a caller that
// loses the race simply selects again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-engage/logging"
	"go-engage/metrics"
	"go-engage/model"
)

const (
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour

	claimBatch = 10
)

// KillSwitchReader is the slice of shared configuration the queue needs.
type KillSwitchReader interface {
	KillSwitch(ctx context.Context) (model.KillSwitch, error)
}

type CreateParams struct {
	Type       model.TaskType
	Platform   string
	Payload    json.RawMessage
	Priority   int
	// MaxRetries nil means DefaultMaxRetries; zero allows a single attempt.
	MaxRetries *int
	TTL        time.Duration
	CreatedBy  string
	Metadata   map[string]string
	DedupKey   string
}

type Queue struct {
	store    Store
	switches KillSwitchReader
	notifier Notifier
	logger   logging.Logger
	now      func() time.Time
}

type Config struct {
	Store      Store
	KillSwitch KillSwitchReader
	Notifier   Notifier
	Logger     logging.Logger
	Now        func() time.Time
}

func New(cfg Config) *Queue {
	q := &Queue{
		store:    cfg.Store,
		switches: cfg.KillSwitch,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if q.notifier == nil {
		q.notifier = NewMemoryNotifier()
	}
	if q.logger == nil {
		q.logger = logging.NewDiscard()
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Create inserts a pending task expiring TTL from now. When DedupKey matches
// an active task, that task's id is returned and nothing is inserted.
func (q *Queue) Create(ctx context.Context, p CreateParams) (int64, error) {
	if !p.Type.Valid() {
		return 0, fmt.Errorf("create task: invalid type %q", p.Type)
	}
	maxRetries := DefaultMaxRetries
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return 0, fmt.Errorf("create task: negative max_retries %d", *p.MaxRetries)
		}
		maxRetries = *p.MaxRetries
	}
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	now := q.now().UTC()
	t := &model.Task{
		Type:       p.Type,
		Payload:    p.Payload,
		Priority:   p.Priority,
		Status:     model.StatusPending,
		MaxRetries: maxRetries,
		CreatedBy:  p.CreatedBy,
		Metadata:   p.Metadata,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.TTL),
	}
	if p.Platform != "" {
		t.Platform = &p.Platform
	}
	if p.DedupKey != "" {
		t.DedupKey = &p.DedupKey
	}

	id, created, err := q.store.Insert(ctx, t)
	if err != nil {
		return 0, err
	}
	if !created {
		q.logger.WithFields(logging.Fields{"task_id": id, "dedup_key": p.DedupKey}).Debug("Active task already holds dedup key")
		return id, nil
	}

	metrics.TaskCreated(string(p.Type))
	if err := q.notifier.Notify(ctx, p.Type); err != nil {
		q.logger.WithError(err).Warn("Failed to signal new task")
	}
	q.logger.WithFields(logging.Fields{
		"task_id":  id,
		"type":     p.Type,
		"platform": p.Platform,
		"priority": p.Priority,
	}).Info("Task created")
	return id, nil
}

// Retries returns a MaxRetries value for CreateParams.
func Retries(n int) *int { return &n }

// Enqueue encodes a typed payload and creates a task of the payload's type.
func (q *Queue) Enqueue(ctx context.Context, payload model.Payload, p CreateParams) (int64, error) {
	raw, err := model.EncodePayload(payload)
	if err != nil {
		return 0, err
	}
	p.Type = payload.TaskType()
	p.Payload = raw
	return q.Create(ctx, p)
}

// Claim hands the most urgent matching pending task to agentID. It returns
// nil without touching the store while the kill switch is active.
func (q *Queue) Claim(ctx context.Context, agentID string, f ClaimFilter) (*model.Task, error) {
	ks, err := q.switches.KillSwitch(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim: read kill switch: %w", err)
	}
	if ks.Active {
		return nil, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates, err := q.store.Candidates(ctx, f, claimBatch)
		if err != nil {
			return nil, fmt.Errorf("claim: select candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		now := q.now().UTC()
		for _, c := range candidates {
			if c.Expired(now) {
				if _, err := q.store.Finish(ctx, c.ID, activeStatuses, model.StatusExpired, nil, "", now); err != nil {
					return nil, fmt.Errorf("claim: expire task %d: %w", c.ID, err)
				}
				metrics.TaskFinished(string(c.Type), string(model.StatusExpired))
				continue
			}
			t, err := q.store.ClaimIf(ctx, c.ID, agentID, now)
			if err != nil {
				return nil, fmt.Errorf("claim: %w", err)
			}
			if t == nil {
				// Another agent won this one.
				continue
			}
			metrics.TaskClaimed(string(t.Type))
			q.logger.WithFields(logging.Fields{"task_id": t.ID, "agent": agentID, "type": t.Type}).Debug("Task claimed")
			return t, nil
		}
		// Every candidate in the batch was expired or taken; none of them is
		// pending any more, so the next selection makes progress.
	}
}

// WaitAndClaim claims a task, blocking up to blockFor for a new-task signal
// when the queue is empty.
func (q *Queue) WaitAndClaim(ctx context.Context, agentID string, f ClaimFilter, blockFor time.Duration) (*model.Task, error) {
	t, err := q.Claim(ctx, agentID, f)
	if t != nil || err != nil || blockFor <= 0 {
		return t, err
	}
	signalled, err := q.notifier.Wait(ctx, f.Type, blockFor)
	if err != nil || !signalled {
		return nil, err
	}
	return q.Claim(ctx, agentID, f)
}

func (q *Queue) terminalError(ctx context.Context, id int64) error {
	if _, err := q.store.Get(ctx, id); err != nil {
		return err
	}
	return ErrTaskNotActive
}

func (q *Queue) Get(ctx context.Context, id int64) (*model.Task, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, f ListFilter) ([]model.Task, error) {
	return q.store.List(ctx, f)
}

// Complete records the result of an assigned task. Completing a task twice,
// or one that already reached another terminal state, is ErrTaskNotActive.
func (q *Queue) Complete(ctx context.Context, id int64, result json.RawMessage) (*model.Task, error) {
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	ok, err := q.store.Finish(ctx, id, []model.TaskStatus{model.StatusAssigned}, model.StatusCompleted, result, "", q.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, q.terminalError(ctx, id)
	}
	t, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.TaskFinished(string(t.Type), string(model.StatusCompleted))
	q.logger.WithFields(logging.Fields{"task_id": id, "type": t.Type}).Info("Task completed")
	return t, nil
}

// Fail returns an assigned task to pending while retries remain and
// shouldRetry is set; otherwise the task fails terminally. The returned
// status tells the caller which happened.
func (q *Queue) Fail(ctx context.Context, id int64, errMsg string, shouldRetry bool) (model.TaskStatus, error) {
	if shouldRetry {
		requeued, err := q.store.Requeue(ctx, id, errMsg)
		if err != nil {
			return "", err
		}
		if requeued {
			metrics.TaskFinished(q.typeOf(ctx, id), string(model.StatusPending))
			q.logger.WithFields(logging.Fields{"task_id": id, "error": errMsg}).Warn("Task failed; requeued for retry")
			return model.StatusPending, nil
		}
	}

	ok, err := q.store.Finish(ctx, id, []model.TaskStatus{model.StatusAssigned}, model.StatusFailed, nil, errMsg, q.now().UTC())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", q.terminalError(ctx, id)
	}
	metrics.TaskFinished(q.typeOf(ctx, id), string(model.StatusFailed))
	q.logger.WithFields(logging.Fields{"task_id": id, "error": errMsg}).Error("Task failed")
	return model.StatusFailed, nil
}

// Release hands an assigned task back to the pending pool without using up a
// retry. It is for claims abandoned before any work was attempted.
func (q *Queue) Release(ctx context.Context, id int64, reason string) error {
	ok, err := q.store.Unclaim(ctx, id, reason)
	if err != nil {
		return err
	}
	if !ok {
		return q.terminalError(ctx, id)
	}
	q.logger.WithFields(logging.Fields{"task_id": id, "reason": reason}).Info("Task released")
	return nil
}

func (q *Queue) typeOf(ctx context.Context, id int64) string {
	t, err := q.store.Get(ctx, id)
	if err != nil {
		return "unknown"
	}
	return string(t.Type)
}

// Cancel force-terminates a pending or assigned task.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	ok, err := q.store.Finish(ctx, id, activeStatuses, model.StatusCancelled, nil, "", q.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return q.terminalError(ctx, id)
	}
	metrics.TaskFinished(q.typeOf(ctx, id), string(model.StatusCancelled))
	q.logger.WithField("task_id", id).Info("Task cancelled")
	return nil
}

// CancelAll cancels every active task, or only those of platform when set.
func (q *Queue) CancelAll(ctx context.Context, platform string) (int64, error) {
	n, err := q.store.CancelAll(ctx, platform, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.WithFields(logging.Fields{"platform": platform, "count": n}).Warn("Tasks cancelled")
	}
	return n, nil
}

// ExpireStale sweeps every active task past its deadline into expired.
func (q *Queue) ExpireStale(ctx context.Context) (int64, error) {
	n, err := q.store.ExpireStale(ctx, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.WithField("count", n).Info("Expired stale tasks")
	}
	return n, nil
}

// IsNotActive reports whether err means the task already reached a terminal state.
func IsNotActive(err error) bool {
	return errors.Is(err, ErrTaskNotActive)
}
