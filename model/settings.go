package model

import "time"

// Shared configuration keys.
const (
	KeyKillSwitch        = "kill_switch"
	KeyRateLimits        = "rate_limits"
	KeyPostingSchedule   = "posting_schedule"
	KeyKeywordTaxonomy   = "keyword_taxonomy"
	KeyRoutingThresholds = "routing_thresholds"
)

type KillSwitch struct {
	Active      bool       `json:"active"`
	Reason      *string    `json:"reason,omitempty"`
	ActivatedBy string     `json:"activated_by,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Seconds is a duration written as a number of seconds in configuration
// documents.
type Seconds float64

func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// PlatformLimits holds the pacing knobs of one platform. Zero values fall back
// to the defaults of the worker that reads them.
type PlatformLimits struct {
	DiscoveryInterval Seconds `json:"discovery_interval,omitempty"`
	ExecutionInterval Seconds `json:"execution_interval,omitempty"`
	AnalyticsInterval Seconds `json:"analytics_interval,omitempty"`
	MaxPostsPerCycle  int     `json:"max_posts_per_cycle,omitempty"`
	PublishAttempts   int     `json:"publish_attempts,omitempty"`
	DelayBase         Seconds `json:"delay_base,omitempty"`
	DelayJitter       Seconds `json:"delay_jitter,omitempty"`
}

type RateLimits map[string]PlatformLimits

type PostingWindow struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"`
}

// Contains reports whether hour falls in [StartHour, EndHour). A window whose
// start is after its end wraps past midnight; equal bounds mean all day.
func (w PostingWindow) Contains(hour int) bool {
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return hour >= w.StartHour && hour < w.EndHour
	default:
		return hour >= w.StartHour || hour < w.EndHour
	}
}

type PostingSchedule map[string]PostingWindow

type KeywordTaxonomy struct {
	Categories          map[string][]string `json:"categories"`
	DiscoveryKeywords   map[string][]string `json:"discovery_keywords"`
	SensitiveCategories []string            `json:"sensitive_categories"`
	CategoryRelevance   map[string]float64  `json:"category_relevance"`
}

type RoutingThresholds struct {
	AutoApproveMax float64 `json:"auto_approve_max"`
	ReviewMax      float64 `json:"review_max"`
}

func DefaultRoutingThresholds() RoutingThresholds {
	return RoutingThresholds{AutoApproveMax: 30, ReviewMax: 65}
}
