package model

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskDiscover TaskType = "discover"
	TaskPost     TaskType = "post"
	TaskTrack    TaskType = "track"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskDiscover, TaskPost, TaskTrack:
		return true
	}
	return false
}

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusExpired   TaskStatus = "expired"
)

// Terminal reports whether a task in this status can never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Task struct {
	ID            int64             `json:"id"`
	Type          TaskType          `json:"type"`
	Platform      *string           `json:"platform,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Priority      int               `json:"priority"`
	Status        TaskStatus        `json:"status"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	CreatedBy     string            `json:"created_by"`
	AssignedAgent *string           `json:"assigned_agent,omitempty"`
	DedupKey      *string           `json:"dedup_key,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// PlatformName returns the task platform or "" for platform-less tasks.
func (t *Task) PlatformName() string {
	if t.Platform == nil {
		return ""
	}
	return *t.Platform
}

// Expired reports whether the task's deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}
