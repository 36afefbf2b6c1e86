package queue

import (
	"context"
	"errors"
	"time"

	"go-engage/model"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskNotActive = errors.New("task is not in an active state")
)

type ClaimFilter struct {
	Platform string
	Type     model.TaskType
}

type ListFilter struct {
	Status   model.TaskStatus
	Platform string
	Type     model.TaskType
	Limit    int
}

// Store is the persistence contract of the task queue. Every state change is
// a conditional write: it only applies while the task is still in one of the
// expected source states and reports whether it did.
type Store interface {
	// Insert stores a new pending task. When the task carries a dedup key
	// that an active task already holds, that task's id is returned with
	// created=false.
	Insert(ctx context.Context, t *model.Task) (id int64, created bool, err error)
	Get(ctx context.Context, id int64) (*model.Task, error)
	List(ctx context.Context, f ListFilter) ([]model.Task, error)

	// Candidates returns pending tasks ordered by priority, created_at, id.
	Candidates(ctx context.Context, f ClaimFilter, limit int) ([]model.Task, error)

	// ClaimIf moves a pending task to assigned. It returns nil when the task
	// was no longer pending at write time.
	ClaimIf(ctx context.Context, id int64, agentID string, now time.Time) (*model.Task, error)

	// Requeue returns an assigned task to pending while retries remain.
	Requeue(ctx context.Context, id int64, errMsg string) (bool, error)

	// Unclaim returns an assigned task to pending without counting a retry.
	Unclaim(ctx context.Context, id int64, note string) (bool, error)

	// Finish moves a task from one of the from states into a terminal state.
	Finish(ctx context.Context, id int64, from []model.TaskStatus, to model.TaskStatus, result []byte, errMsg string, now time.Time) (bool, error)

	CancelAll(ctx context.Context, platform string, now time.Time) (int64, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

var activeStatuses = []model.TaskStatus{model.StatusPending, model.StatusAssigned}
