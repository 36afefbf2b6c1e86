package model

import "time"

type RoutingDecision string

const (
	AutoApprove RoutingDecision = "auto_approve"
	HumanReview RoutingDecision = "human_review"
	AutoDiscard RoutingDecision = "auto_discard"
)

type Violation struct {
	Category    string `json:"category"`
	MatchedText string `json:"matched_text"`
	Rule        string `json:"rule"`
}

// RiskAssessment is produced once per generated comment and never updated.
type RiskAssessment struct {
	ID              int64           `json:"id"`
	EngagementID    int64           `json:"engagement_id"`
	TotalScore      float64         `json:"total_score"`
	BlocklistScore  float64         `json:"blocklist_score"`
	ContextScore    float64         `json:"context_score"`
	AIJudgeScore    float64         `json:"ai_judge_score"`
	Reasoning       string          `json:"reasoning"`
	RoutingDecision RoutingDecision `json:"routing_decision"`
	Violations      []Violation     `json:"violations"`
	CreatedAt       time.Time       `json:"created_at"`
}
