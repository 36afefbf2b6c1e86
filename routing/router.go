// Package routing turns a risk decision into its side effects: an approved
// reply becomes a post task, a borderline one a review item, and a risky one
// is discarded.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go-engage/compliance"
	"go-engage/logging"
	"go-engage/metrics"
	"go-engage/model"
	"go-engage/queue"
	"go-engage/risk"
	"go-engage/store"
)

const (
	// PriorityReviewed is used for human-approved replies so they publish
	// ahead of auto-approved ones.
	PriorityReviewed = 1
	PriorityAuto     = 5
)

var (
	ErrAlreadyDecided   = errors.New("review already decided")
	ErrNonCompliantEdit = errors.New("edited text fails compliance")
)

type Scorer interface {
	Score(ctx context.Context, comment string, c risk.Context, platform string) model.RiskAssessment
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload model.Payload, p queue.CreateParams) (int64, error)
	Cancel(ctx context.Context, id int64) error
}

// Candidate is a generated reply waiting for a routing decision.
type Candidate struct {
	Engagement model.Engagement
	Context    risk.Context
}

type Outcome struct {
	EngagementID int64                 `json:"engagement_id"`
	Decision     model.RoutingDecision `json:"decision"`
	Assessment   model.RiskAssessment  `json:"assessment"`
	TaskID       int64                 `json:"task_id,omitempty"`
	ReviewID     int64                 `json:"review_id,omitempty"`
}

type Config struct {
	Scorer  Scorer
	Store   store.Store
	Queue   Enqueuer
	Checker *compliance.Checker
	Logger  logging.Logger
	Now     func() time.Time
}

type Router struct {
	scorer  Scorer
	store   store.Store
	queue   Enqueuer
	checker *compliance.Checker
	logger  logging.Logger
	now     func() time.Time
}

func New(cfg Config) *Router {
	r := &Router{
		scorer:  cfg.Scorer,
		store:   cfg.Store,
		queue:   cfg.Queue,
		checker: cfg.Checker,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if r.checker == nil {
		r.checker = compliance.NewChecker(compliance.DefaultRules())
	}
	if r.logger == nil {
		r.logger = logging.NewDiscard()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Submit stores a freshly generated reply as a draft and routes it.
func (r *Router) Submit(ctx context.Context, c Candidate) (Outcome, error) {
	now := r.now().UTC()
	e := c.Engagement
	e.Status = model.EngagementDraft
	e.CreatedAt, e.UpdatedAt = now, now
	id, err := r.store.CreateEngagement(ctx, &e)
	if err != nil {
		return Outcome{}, err
	}
	e.ID = id
	c.Engagement = e
	return r.Route(ctx, c)
}

// Route scores an existing engagement, records the assessment and applies
// the decision. The decision is final for this engagement.
func (r *Router) Route(ctx context.Context, c Candidate) (Outcome, error) {
	e := c.Engagement
	log := r.logger.WithFields(logging.Fields{"engagement_id": e.ID, "platform": e.Platform})

	a := r.scorer.Score(ctx, e.CommentText, c.Context, e.Platform)
	a.EngagementID = e.ID
	aid, err := r.store.InsertAssessment(ctx, &a)
	if err != nil {
		return Outcome{}, fmt.Errorf("route engagement %d: %w", e.ID, err)
	}
	a.ID = aid

	out := Outcome{EngagementID: e.ID, Decision: a.RoutingDecision, Assessment: a}
	now := r.now().UTC()

	switch a.RoutingDecision {
	case model.AutoApprove:
		if err := r.store.UpdateEngagement(ctx, e.ID, store.EngagementUpdate{Status: model.EngagementReady, AssessmentID: &aid}, now); err != nil {
			return out, err
		}
		out.TaskID, err = r.enqueuePost(ctx, e, e.CommentText, PriorityAuto, "router")
		if err != nil {
			return out, err
		}
	case model.HumanReview:
		if err := r.store.UpdateEngagement(ctx, e.ID, store.EngagementUpdate{Status: model.EngagementReview, AssessmentID: &aid}, now); err != nil {
			return out, err
		}
		out.ReviewID, err = r.store.CreateReview(ctx, &model.ReviewItem{
			EngagementID: e.ID,
			Platform:     e.Platform,
			CommentText:  e.CommentText,
			TotalScore:   a.TotalScore,
			Reasoning:    a.Reasoning,
			Status:       model.ReviewPending,
			CreatedAt:    now,
		})
		if err != nil {
			return out, fmt.Errorf("create review for engagement %d: %w", e.ID, err)
		}
	default:
		if err := r.store.UpdateEngagement(ctx, e.ID, store.EngagementUpdate{Status: model.EngagementDiscarded, AssessmentID: &aid}, now); err != nil {
			return out, err
		}
	}

	metrics.RoutingDecision(string(a.RoutingDecision))
	log.WithFields(logging.Fields{
		"decision":    a.RoutingDecision,
		"total_score": a.TotalScore,
		"task_id":     out.TaskID,
		"review_id":   out.ReviewID,
	}).Info("Engagement routed")
	return out, nil
}

func (r *Router) enqueuePost(ctx context.Context, e model.Engagement, text string, priority int, createdBy string) (int64, error) {
	id, err := r.queue.Enqueue(ctx, model.PostPayload{
		EngagementID: e.ID,
		TargetID:     e.TargetID,
		TargetURL:    e.TargetURL,
		Text:         text,
	}, queue.CreateParams{
		Platform:  e.Platform,
		Priority:  priority,
		CreatedBy: createdBy,
		DedupKey:  "post:" + strconv.FormatInt(e.ID, 10),
		Metadata:  map[string]string{"engagement_id": strconv.FormatInt(e.ID, 10)},
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue post for engagement %d: %w", e.ID, err)
	}
	return id, nil
}

// Approve accepts a pending review. A non-empty editedText replaces the
// reply and must pass compliance on its own. The post task is enqueued
// before the review is marked approved and cancelled again if a later step
// fails, so a failed approval leaves the review pending and can be repeated.
func (r *Router) Approve(ctx context.Context, reviewID int64, reviewer, editedText string) (int64, error) {
	item, err := r.store.GetReview(ctx, reviewID)
	if err != nil {
		return 0, err
	}
	if item.Status != model.ReviewPending {
		return 0, ErrAlreadyDecided
	}
	e, err := r.store.GetEngagement(ctx, item.EngagementID)
	if err != nil {
		return 0, err
	}
	text := e.CommentText
	if editedText != "" {
		if res := r.checker.Check(editedText, e.Platform); res.HardFailure() {
			return 0, fmt.Errorf("%w: %d violations", ErrNonCompliantEdit, len(res.Violations))
		}
		text = editedText
	}

	now := r.now().UTC()
	taskID, err := r.enqueuePost(ctx, *e, text, PriorityReviewed, "review:"+reviewer)
	if err != nil {
		return 0, err
	}
	u := store.EngagementUpdate{Status: model.EngagementApproved}
	if text != e.CommentText {
		u.CommentText = &text
	}
	if err := r.store.UpdateEngagement(ctx, e.ID, u, now); err != nil {
		r.withdraw(ctx, taskID)
		return 0, err
	}

	ok, err := r.store.DecideReview(ctx, reviewID, model.ReviewApproved, reviewer, now)
	if err != nil {
		r.withdraw(ctx, taskID)
		return 0, err
	}
	if !ok {
		// Decided concurrently; the post must not go out.
		r.withdraw(ctx, taskID)
		return 0, ErrAlreadyDecided
	}
	r.logger.WithFields(logging.Fields{
		"review_id":     reviewID,
		"engagement_id": e.ID,
		"reviewer":      reviewer,
		"task_id":       taskID,
		"edited":        text != item.CommentText,
	}).Info("Review approved")
	return taskID, nil
}

// withdraw cancels a post task enqueued by an approval that did not complete.
func (r *Router) withdraw(ctx context.Context, taskID int64) {
	err := r.queue.Cancel(context.WithoutCancel(ctx), taskID)
	if err != nil && !errors.Is(err, queue.ErrTaskNotActive) {
		r.logger.WithError(err).WithField("task_id", taskID).Error("Failed to withdraw post task")
	}
}

func (r *Router) Reject(ctx context.Context, reviewID int64, reviewer string) error {
	item, err := r.store.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	ok, err := r.store.DecideReview(ctx, reviewID, model.ReviewRejected, reviewer, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyDecided
	}
	if err := r.store.UpdateEngagement(ctx, item.EngagementID, store.EngagementUpdate{Status: model.EngagementDiscarded}, now); err != nil {
		return err
	}
	r.logger.WithFields(logging.Fields{"review_id": reviewID, "engagement_id": item.EngagementID, "reviewer": reviewer}).Info("Review rejected")
	return nil
}
