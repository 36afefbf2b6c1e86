package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"go-engage/logging"
	"go-engage/model"
	"go-engage/platform"
	"go-engage/queue"
	"go-engage/store"
)

const (
	defaultAnalyticsInterval = 15 * time.Minute
	analyticsConcurrency     = 4
	trackTaskPriority        = 20
)

type Analytics struct {
	platform string
	deps     Deps
	gate     haltGate
	log      logging.Entry
}

func NewAnalytics(p string, d Deps) *Analytics {
	d = d.withDefaults()
	return &Analytics{
		platform: p,
		deps:     d,
		log:      d.Logger.WithFields(logging.Fields{"platform": p, "worker": KindAnalytics}),
	}
}

func (w *Analytics) Kind() Kind       { return KindAnalytics }
func (w *Analytics) Platform() string { return w.platform }

func (w *Analytics) Interval(ctx context.Context) time.Duration {
	if v := configuredInterval(limitsFor(ctx, w.deps, w.platform, w.log).AnalyticsInterval); v > 0 {
		return v
	}
	return defaultAnalyticsInterval
}

// DueCheckpoint returns the first checkpoint without a snapshot, provided
// its offset after posting has elapsed at now.
func DueCheckpoint(postedAt time.Time, have []model.MetricsSnapshot, now time.Time) (model.Checkpoint, bool) {
	captured := make(map[model.Checkpoint]bool, len(have))
	for _, s := range have {
		captured[s.Checkpoint] = true
	}
	for _, cp := range model.Checkpoints {
		if captured[cp] {
			continue
		}
		if now.Sub(postedAt) >= cp.Offset() {
			return cp, true
		}
		return "", false
	}
	return "", false
}

type dueSnapshot struct {
	engagement model.Engagement
	checkpoint model.Checkpoint
}

func (w *Analytics) Cycle(ctx context.Context) error {
	expireStale(ctx, w.deps.Queue, w.log)
	if w.gate.Halted(ctx, w.deps.Settings, w.log) {
		return nil
	}

	posted, err := w.deps.Store.ListEngagements(ctx, store.EngagementFilter{Platform: w.platform, Status: model.EngagementPosted})
	if err != nil {
		return fmt.Errorf("list posted engagements: %w", err)
	}
	now := w.deps.Now().UTC()
	var due []dueSnapshot
	for _, e := range posted {
		if e.PostedAt == nil {
			continue
		}
		have, err := w.deps.Store.ListSnapshots(ctx, e.ID)
		if err != nil {
			w.log.WithError(err).WithField("engagement_id", e.ID).Warn("Failed to read snapshots")
			continue
		}
		if cp, ok := DueCheckpoint(*e.PostedAt, have, now); ok {
			due = append(due, dueSnapshot{engagement: e, checkpoint: cp})
		}
	}
	if len(due) == 0 {
		return nil
	}

	fetcher, err := w.deps.Registry.Fetcher(w.platform)
	if errors.Is(err, platform.ErrNotRegistered) {
		return w.delegate(ctx, due)
	}
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(analyticsConcurrency)
	for _, d := range due {
		g.Go(func() error {
			w.capture(gctx, fetcher, d)
			return nil
		})
	}
	_ = g.Wait()
	w.log.WithField("due", len(due)).Info("Analytics cycle finished")
	return nil
}

func (w *Analytics) capture(ctx context.Context, fetcher platform.MetricsFetcher, d dueSnapshot) {
	log := w.log.WithFields(logging.Fields{"engagement_id": d.engagement.ID, "checkpoint": d.checkpoint})
	m, err := fetcher.FetchMetrics(ctx, d.engagement.ExternalID)
	if err != nil {
		log.WithError(err).Warn("Metrics fetch failed")
		return
	}
	if err := RecordSnapshot(ctx, w.deps, d.engagement.ID, d.checkpoint, m); err != nil {
		log.WithError(err).Error("Failed to store metrics snapshot")
		return
	}
	log.WithFields(logging.Fields{"likes": m.Likes, "replies": m.Replies, "impressions": m.Impressions}).Debug("Metrics captured")
}

// RecordSnapshot stores a normalized snapshot; a duplicate checkpoint is a
// no-op.
func RecordSnapshot(ctx context.Context, d Deps, engagementID int64, cp model.Checkpoint, m platform.Metrics) error {
	_, err := d.Store.InsertSnapshot(ctx, &model.MetricsSnapshot{
		EngagementID: engagementID,
		Checkpoint:   cp,
		Likes:        m.Likes,
		Replies:      m.Replies,
		Impressions:  m.Impressions,
		Raw:          m.Raw,
		CapturedAt:   d.withDefaults().Now().UTC(),
	})
	return err
}

// delegate enqueues one track task per due checkpoint for an external agent.
func (w *Analytics) delegate(ctx context.Context, due []dueSnapshot) error {
	for _, d := range due {
		eid := strconv.FormatInt(d.engagement.ID, 10)
		_, err := w.deps.Queue.Enqueue(ctx, model.TrackPayload{
			EngagementID: d.engagement.ID,
			ExternalID:   d.engagement.ExternalID,
			Checkpoint:   d.checkpoint,
		}, queue.CreateParams{
			Platform:  w.platform,
			Priority:  trackTaskPriority,
			CreatedBy: "analytics",
			DedupKey:  "track:" + eid + ":" + string(d.checkpoint),
			Metadata:  map[string]string{"engagement_id": eid},
		})
		if err != nil {
			w.log.WithError(err).WithField("engagement_id", d.engagement.ID).Error("Failed to enqueue track task")
		}
	}
	return nil
}
