package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go-engage/logging"
	"go-engage/model"
	"go-engage/platform"
	"go-engage/store"
)

// Results applies what an external agent reports for tasks it worked on, so
// delegated work lands in the same tables as in-process work.
type Results struct {
	deps Deps
	log  logging.Entry
}

func NewResults(d Deps) *Results {
	d = d.withDefaults()
	return &Results{deps: d, log: d.Logger.WithField("component", "results")}
}

type postResult struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type discoverResult struct {
	Items []platform.Content `json:"items"`
}

type trackResult struct {
	Metrics json.RawMessage `json:"metrics"`
}

// Completed ingests the result of a task that was just completed.
func (r *Results) Completed(ctx context.Context, t *model.Task) error {
	payload, err := model.DecodePayload(t)
	if err != nil {
		return err
	}
	log := r.log.WithFields(logging.Fields{"task_id": t.ID, "type": t.Type, "platform": t.PlatformName()})

	switch p := payload.(type) {
	case model.PostPayload:
		var res postResult
		if err := json.Unmarshal(t.Result, &res); err != nil {
			return fmt.Errorf("decode post result of task %d: %w", t.ID, err)
		}
		now := r.deps.Now().UTC()
		if err := r.deps.Store.UpdateEngagement(ctx, p.EngagementID, store.EngagementUpdate{
			Status:     model.EngagementPosted,
			ExternalID: &res.ExternalID,
			PostedURL:  &res.URL,
			PostedAt:   &now,
		}, now); err != nil {
			return fmt.Errorf("mark engagement %d posted: %w", p.EngagementID, err)
		}
		log.WithFields(logging.Fields{"engagement_id": p.EngagementID, "external_id": res.ExternalID}).Info("Agent published reply")

	case model.TrackPayload:
		var res trackResult
		if err := json.Unmarshal(t.Result, &res); err != nil {
			return fmt.Errorf("decode track result of task %d: %w", t.ID, err)
		}
		raw := res.Metrics
		if len(raw) == 0 {
			raw = t.Result
		}
		m, err := platform.NormalizeMetrics(raw)
		if err != nil {
			return fmt.Errorf("track result of task %d: %w", t.ID, err)
		}
		if err := RecordSnapshot(ctx, r.deps, p.EngagementID, p.Checkpoint, m); err != nil {
			return fmt.Errorf("store snapshot for engagement %d: %w", p.EngagementID, err)
		}
		log.WithFields(logging.Fields{"engagement_id": p.EngagementID, "checkpoint": p.Checkpoint}).Debug("Agent metrics stored")

	case model.DiscoverPayload:
		var res discoverResult
		if err := json.Unmarshal(t.Result, &res); err != nil {
			return fmt.Errorf("decode discover result of task %d: %w", t.ID, err)
		}
		tax, err := r.deps.Settings.KeywordTaxonomy(ctx)
		if err != nil {
			return fmt.Errorf("load keyword taxonomy: %w", err)
		}
		stored := Ingest(ctx, r.deps, t.PlatformName(), tax, res.Items)
		log.WithFields(logging.Fields{"found": len(res.Items), "stored": stored}).Info("Agent discovery ingested")
	}
	return nil
}

// Failed records a post task that failed for good. Requeued tasks and other
// task types leave no trace outside the queue.
func (r *Results) Failed(ctx context.Context, t *model.Task, status model.TaskStatus, msg string) error {
	if t.Type != model.TaskPost || status != model.StatusFailed {
		return nil
	}
	payload, err := model.DecodePayload(t)
	if err != nil {
		return err
	}
	p := payload.(model.PostPayload)
	now := r.deps.Now().UTC()
	if err := r.deps.Store.UpdateEngagement(ctx, p.EngagementID, store.EngagementUpdate{Status: model.EngagementFailed, Error: &msg}, now); err != nil {
		return fmt.Errorf("mark engagement %d failed: %w", p.EngagementID, err)
	}
	r.log.WithFields(logging.Fields{"task_id": t.ID, "engagement_id": p.EngagementID, "error": msg}).Warn("Agent failed to publish reply")
	return nil
}
