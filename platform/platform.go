// Package platform declares the per-platform capabilities the workers call
// and a registry that selects an implementation by platform name.
package platform

import (
	"context"
	"encoding/json"
	"time"
)

type Outcome string

const (
	OutcomePublished Outcome = "published"
	// OutcomeTransient failures may succeed on another attempt.
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent failures will not succeed however often they are retried.
	OutcomePermanent Outcome = "permanent"
)

// PublishResult is the explicit outcome of one publish attempt.
type PublishResult struct {
	Outcome    Outcome
	ExternalID string
	URL        string
	Err        error
}

func Published(externalID, url string) PublishResult {
	return PublishResult{Outcome: OutcomePublished, ExternalID: externalID, URL: url}
}

func Transient(err error) PublishResult {
	return PublishResult{Outcome: OutcomeTransient, Err: err}
}

func Permanent(err error) PublishResult {
	return PublishResult{Outcome: OutcomePermanent, Err: err}
}

func (r PublishResult) OK() bool { return r.Outcome == OutcomePublished }

func (r PublishResult) Retryable() bool { return r.Outcome == OutcomeTransient }

type Publisher interface {
	PublishReply(ctx context.Context, targetID, text string) PublishResult
}

// Content is one item returned by a discovery call.
type Content struct {
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
}

type ContentDiscoverer interface {
	Discover(ctx context.Context, keywords []string) ([]Content, error)
}

// Metrics is the platform-neutral shape of engagement counters.
type Metrics struct {
	Likes       int64           `json:"likes"`
	Replies     int64           `json:"replies"`
	Impressions int64           `json:"impressions"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

type MetricsFetcher interface {
	FetchMetrics(ctx context.Context, targetID string) (Metrics, error)
}
