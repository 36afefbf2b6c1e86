// Package store persists the records that flow around the task queue:
// discovered opportunities, engagements, risk assessments, review items and
// metrics snapshots.
package store

import (
	"context"
	"errors"
	"time"

	"go-engage/model"
)

var ErrNotFound = errors.New("record not found")

// EngagementUpdate changes an engagement's status. Nil fields are left as is.
type EngagementUpdate struct {
	Status       model.EngagementStatus
	AssessmentID *int64
	CommentText  *string
	ExternalID   *string
	PostedURL    *string
	PostedAt     *time.Time
	Error        *string
}

type EngagementFilter struct {
	Platform string
	Status   model.EngagementStatus
	Limit    int
}

type ReviewFilter struct {
	Status   model.ReviewStatus
	Platform string
	Limit    int
}

type Store interface {
	// InsertOpportunity stores o unless its URL is already known, in which
	// case the existing id is returned with created=false.
	InsertOpportunity(ctx context.Context, o *model.Opportunity) (id int64, created bool, err error)
	GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error)

	CreateEngagement(ctx context.Context, e *model.Engagement) (int64, error)
	GetEngagement(ctx context.Context, id int64) (*model.Engagement, error)
	UpdateEngagement(ctx context.Context, id int64, u EngagementUpdate, now time.Time) error
	ListEngagements(ctx context.Context, f EngagementFilter) ([]model.Engagement, error)

	// InsertAssessment appends an assessment. Assessments are never updated.
	InsertAssessment(ctx context.Context, a *model.RiskAssessment) (int64, error)
	ListAssessments(ctx context.Context, engagementID int64) ([]model.RiskAssessment, error)

	CreateReview(ctx context.Context, r *model.ReviewItem) (int64, error)
	GetReview(ctx context.Context, id int64) (*model.ReviewItem, error)
	ListReviews(ctx context.Context, f ReviewFilter) ([]model.ReviewItem, error)
	// DecideReview moves a pending review to status. It reports false when
	// the review was already decided.
	DecideReview(ctx context.Context, id int64, status model.ReviewStatus, reviewer string, now time.Time) (bool, error)

	// InsertSnapshot stores one checkpoint; a second snapshot for the same
	// engagement and checkpoint is ignored and reported with created=false.
	InsertSnapshot(ctx context.Context, s *model.MetricsSnapshot) (created bool, err error)
	ListSnapshots(ctx context.Context, engagementID int64) ([]model.MetricsSnapshot, error)
}
