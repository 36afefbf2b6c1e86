package model

import (
	"encoding/json"
	"time"
)

type EngagementStatus string

const (
	EngagementDraft     EngagementStatus = "draft"
	EngagementReady     EngagementStatus = "ready"
	EngagementReview    EngagementStatus = "review"
	EngagementApproved  EngagementStatus = "approved"
	EngagementPosted    EngagementStatus = "posted"
	EngagementFailed    EngagementStatus = "failed"
	EngagementDiscarded EngagementStatus = "discarded"
)

// Opportunity is a piece of platform content found by discovery.
type Opportunity struct {
	ID              int64     `json:"id"`
	Platform        string    `json:"platform"`
	URL             string    `json:"url"`
	TargetID        string    `json:"target_id"`
	Title           string    `json:"title,omitempty"`
	Text            string    `json:"text"`
	Author          string    `json:"author"`
	AuthorFollowers int64     `json:"author_followers"`
	Likes           int64     `json:"likes"`
	Replies         int64     `json:"replies"`
	Hashtags        []string  `json:"hashtags,omitempty"`
	PublishedAt     time.Time `json:"published_at"`
	Category        string    `json:"category"`
	Score           float64   `json:"score"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// Engagement is one generated reply moving through routing and publishing.
type Engagement struct {
	ID            int64            `json:"id"`
	Platform      string           `json:"platform"`
	OpportunityID *int64           `json:"opportunity_id,omitempty"`
	TargetID      string           `json:"target_id"`
	TargetURL     string           `json:"target_url,omitempty"`
	CommentText   string           `json:"comment_text"`
	Status        EngagementStatus `json:"status"`
	AssessmentID  *int64           `json:"assessment_id,omitempty"`
	ExternalID    string           `json:"external_id,omitempty"`
	PostedURL     string           `json:"posted_url,omitempty"`
	PostedAt      *time.Time       `json:"posted_at,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type ReviewItem struct {
	ID           int64        `json:"id"`
	EngagementID int64        `json:"engagement_id"`
	Platform     string       `json:"platform"`
	CommentText  string       `json:"comment_text"`
	TotalScore   float64      `json:"total_score"`
	Reasoning    string       `json:"reasoning"`
	Status       ReviewStatus `json:"status"`
	Reviewer     string       `json:"reviewer,omitempty"`
	DecidedAt    *time.Time   `json:"decided_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Checkpoint is a fixed metrics offset after posting.
type Checkpoint string

const (
	Checkpoint1h  Checkpoint = "1h"
	Checkpoint4h  Checkpoint = "4h"
	Checkpoint24h Checkpoint = "24h"
)

// Checkpoints lists every checkpoint in due order.
var Checkpoints = []Checkpoint{Checkpoint1h, Checkpoint4h, Checkpoint24h}

func (c Checkpoint) Offset() time.Duration {
	switch c {
	case Checkpoint1h:
		return time.Hour
	case Checkpoint4h:
		return 4 * time.Hour
	case Checkpoint24h:
		return 24 * time.Hour
	}
	return 0
}

type MetricsSnapshot struct {
	EngagementID int64           `json:"engagement_id"`
	Checkpoint   Checkpoint      `json:"checkpoint"`
	Likes        int64           `json:"likes"`
	Replies      int64           `json:"replies"`
	Impressions  int64           `json:"impressions"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	CapturedAt   time.Time       `json:"captured_at"`
}
