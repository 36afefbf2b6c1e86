package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-engage/logging"
	"go-engage/metrics"
	"go-engage/model"
	"go-engage/platform"
	"go-engage/queue"
	"go-engage/settings"
	"go-engage/store"
)

const (
	defaultExecutionInterval = 30 * time.Second
	defaultMaxPostsPerCycle  = 5
	defaultPublishAttempts   = 3
	defaultDelayBase         = 45 * time.Second
	defaultDelayJitter       = 30 * time.Second
	minHumanDelay            = time.Second
)

type Execution struct {
	platform string
	agentID  string
	deps     Deps
	gate     haltGate
	window   edge
	log      logging.Entry
}

// NewExecution builds the publishing loop. agentID identifies this process
// when it claims post tasks.
func NewExecution(p, agentID string, d Deps) *Execution {
	d = d.withDefaults()
	return &Execution{
		platform: p,
		agentID:  agentID,
		deps:     d,
		log:      d.Logger.WithFields(logging.Fields{"platform": p, "worker": KindExecution}),
	}
}

func (w *Execution) Kind() Kind       { return KindExecution }
func (w *Execution) Platform() string { return w.platform }

func (w *Execution) Interval(ctx context.Context) time.Duration {
	if v := configuredInterval(limitsFor(ctx, w.deps, w.platform, w.log).ExecutionInterval); v > 0 {
		return v
	}
	return defaultExecutionInterval
}

// inWindow reports whether now falls in the platform's posting window.
func (w *Execution) inWindow(ctx context.Context) bool {
	win := settings.DefaultWindow()
	schedule, err := w.deps.Settings.PostingSchedule(ctx)
	if err != nil {
		w.log.WithError(err).Warn("Posting schedule unavailable; using default window")
	} else if s, ok := schedule[w.platform]; ok {
		win = s
	}

	loc := time.UTC
	if win.Timezone != "" {
		if l, err := time.LoadLocation(win.Timezone); err == nil {
			loc = l
		} else {
			w.log.WithError(err).WithField("timezone", win.Timezone).Warn("Unknown posting timezone; using UTC")
		}
	}
	hour := w.deps.Now().In(loc).Hour()
	inside := win.Contains(hour)

	if changed, _ := w.window.set(inside); changed {
		w.log.WithFields(logging.Fields{
			"start_hour": win.StartHour,
			"end_hour":   win.EndHour,
			"hour":       hour,
			"open":       inside,
		}).Info("Posting window state")
	}
	return inside
}

func (w *Execution) Cycle(ctx context.Context) error {
	expireStale(ctx, w.deps.Queue, w.log)
	if w.gate.Halted(ctx, w.deps.Settings, w.log) {
		return nil
	}
	if !w.inWindow(ctx) {
		return nil
	}

	publisher, err := w.deps.Registry.Publisher(w.platform)
	if errors.Is(err, platform.ErrNotRegistered) {
		// Post tasks stay pending for an external agent.
		return nil
	}
	if err != nil {
		return err
	}

	limits := limitsFor(ctx, w.deps, w.platform, w.log)
	maxPosts := limits.MaxPostsPerCycle
	if maxPosts <= 0 {
		maxPosts = defaultMaxPostsPerCycle
	}

	for i := 0; i < maxPosts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := w.deps.Queue.Claim(ctx, w.agentID, queue.ClaimFilter{Platform: w.platform, Type: model.TaskPost})
		if err != nil {
			return fmt.Errorf("claim post task: %w", err)
		}
		if task == nil {
			return nil
		}
		if !w.process(ctx, publisher, task, limits) {
			return nil
		}
	}
	return nil
}

// humanDelay returns base +/- jitter, never less than one second.
func (w *Execution) humanDelay(limits model.PlatformLimits) time.Duration {
	base, jitter := limits.DelayBase.Duration(), limits.DelayJitter.Duration()
	if base <= 0 {
		base = defaultDelayBase
	}
	if jitter < 0 {
		jitter = 0
	} else if jitter == 0 && limits.DelayBase <= 0 {
		jitter = defaultDelayJitter
	}
	d := base + time.Duration((2*w.deps.Rand()-1)*float64(jitter))
	if d < minHumanDelay {
		d = minHumanDelay
	}
	return d
}

// release puts a claimed task back when the cycle stops before publishing.
// Nothing was attempted, so no retry is used up.
func (w *Execution) release(task *model.Task, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.deps.Queue.Release(ctx, task.ID, reason); err != nil {
		w.log.WithError(err).WithField("task_id", task.ID).Warn("Failed to release post task")
	}
}

// process publishes one claimed post task. It reports whether the cycle may
// continue with the next task.
func (w *Execution) process(ctx context.Context, publisher platform.Publisher, task *model.Task, limits model.PlatformLimits) bool {
	log := w.log.WithField("task_id", task.ID)

	payload, err := model.DecodePayload(task)
	if err != nil {
		log.WithError(err).Error("Undecodable post task")
		_, _ = w.deps.Queue.Fail(ctx, task.ID, err.Error(), false)
		return true
	}
	post := payload.(model.PostPayload)
	log = log.WithField("engagement_id", post.EngagementID)

	e, err := w.deps.Store.GetEngagement(ctx, post.EngagementID)
	if err != nil {
		log.WithError(err).Error("Engagement for post task not found")
		_, _ = w.deps.Queue.Fail(ctx, task.ID, err.Error(), false)
		return true
	}
	if e.Status == model.EngagementPosted {
		result, _ := json.Marshal(map[string]string{"skipped": "already posted", "external_id": e.ExternalID})
		_, _ = w.deps.Queue.Complete(ctx, task.ID, result)
		return true
	}

	if err := w.deps.Sleep(ctx, w.humanDelay(limits)); err != nil {
		w.release(task, "worker stopped before publishing")
		return false
	}
	if w.gate.Halted(ctx, w.deps.Settings, w.log) {
		w.release(task, "kill switch activated before publishing")
		return false
	}

	attempts := limits.PublishAttempts
	if attempts <= 0 {
		attempts = defaultPublishAttempts
	}
	res, made, interrupted := w.publish(ctx, publisher, post, attempts, log)

	// Bookkeeping must land even if the worker is being stopped.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	now := w.deps.Now().UTC()

	if res.OK() {
		if err := w.deps.Store.UpdateEngagement(bctx, e.ID, store.EngagementUpdate{
			Status:     model.EngagementPosted,
			ExternalID: &res.ExternalID,
			PostedURL:  &res.URL,
			PostedAt:   &now,
		}, now); err != nil {
			log.WithError(err).Error("Failed to mark engagement posted")
		}
		result, _ := json.Marshal(map[string]any{"external_id": res.ExternalID, "url": res.URL, "attempts": made})
		if _, err := w.deps.Queue.Complete(bctx, task.ID, result); err != nil {
			log.WithError(err).Error("Failed to complete post task")
		}
		log.WithFields(logging.Fields{"external_id": res.ExternalID, "attempts": made}).Info("Reply published")
		return ctx.Err() == nil
	}

	msg := "publish failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if interrupted {
		msg = fmt.Sprintf("worker stopped after %d publish attempts: %s", made, msg)
	}
	if err := w.deps.Store.UpdateEngagement(bctx, e.ID, store.EngagementUpdate{Status: model.EngagementFailed, Error: &msg}, now); err != nil {
		log.WithError(err).Error("Failed to mark engagement failed")
	}
	// No queue retry: a lost success response would otherwise post twice.
	if _, err := w.deps.Queue.Fail(bctx, task.ID, msg, false); err != nil {
		log.WithError(err).Error("Failed to fail post task")
	}
	log.WithFields(logging.Fields{"attempts": made, "outcome": res.Outcome}).Error("Reply not published")
	return ctx.Err() == nil
}

// publish runs the bounded attempt loop: attempt n that fails transiently
// waits 2^n seconds before attempt n+1. A stop is honoured only during the
// backoff; an attempt in flight always runs to completion under the client
// timeout. It returns the last result, the number of attempts made, and
// whether a stop cut the loop short.
func (w *Execution) publish(ctx context.Context, publisher platform.Publisher, post model.PostPayload, attempts int, log logging.Entry) (platform.PublishResult, int, bool) {
	var res platform.PublishResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if err := w.deps.Sleep(ctx, backoff); err != nil {
				return res, attempt - 1, true
			}
		}
		res = publisher.PublishReply(context.WithoutCancel(ctx), post.TargetID, post.Text)
		metrics.PublishAttempt(w.platform, string(res.Outcome))

		entry := log.WithFields(logging.Fields{"attempt": attempt, "max_attempts": attempts, "outcome": res.Outcome})
		if res.OK() {
			entry.Debug("Publish attempt succeeded")
			return res, attempt, false
		}
		entry.WithError(res.Err).Warn("Publish attempt failed")
		if !res.Retryable() {
			return res, attempt, false
		}
	}
	return res, attempts, false
}
