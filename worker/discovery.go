package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go-engage/logging"
	"go-engage/model"
	"go-engage/platform"
	"go-engage/queue"
)

const (
	GeneralCategory = "general"

	weightEngagement = 0.40
	weightFreshness  = 0.20
	weightRelevance  = 0.30
	weightReach      = 0.10

	freshnessHorizon   = 48 * time.Hour
	defaultRelevance   = 30.0
	discoverTaskLimit  = 25
	discoverTaskPrio   = 10
	discoveryFallback  = 15 * time.Minute
	discoverTaskMaxTTL = time.Hour
)

var defaultDiscoveryIntervals = map[string]time.Duration{
	"tiktok":    10 * time.Minute,
	"twitter":   5 * time.Minute,
	"instagram": 15 * time.Minute,
	"reddit":    30 * time.Minute,
}

func limitsFor(ctx context.Context, d Deps, p string, log logging.Entry) model.PlatformLimits {
	limits, err := d.Settings.RateLimits(ctx)
	if err != nil {
		log.WithError(err).Warn("Rate limits unavailable; using defaults")
		return model.PlatformLimits{}
	}
	return limits[p]
}

// minLoopInterval bounds how fast a misconfigured loop can spin.
const minLoopInterval = time.Second

// configuredInterval returns the interval set in rate limits, or zero when
// unset.
func configuredInterval(v model.Seconds) time.Duration {
	if v <= 0 {
		return 0
	}
	return max(v.Duration(), minLoopInterval)
}

type Discovery struct {
	platform string
	deps     Deps
	gate     haltGate
	log      logging.Entry
}

func NewDiscovery(p string, d Deps) *Discovery {
	d = d.withDefaults()
	return &Discovery{
		platform: p,
		deps:     d,
		log:      d.Logger.WithFields(logging.Fields{"platform": p, "worker": KindDiscovery}),
	}
}

func (w *Discovery) Kind() Kind       { return KindDiscovery }
func (w *Discovery) Platform() string { return w.platform }

func (w *Discovery) Interval(ctx context.Context) time.Duration {
	if v := configuredInterval(limitsFor(ctx, w.deps, w.platform, w.log).DiscoveryInterval); v > 0 {
		return v
	}
	if v, ok := defaultDiscoveryIntervals[w.platform]; ok {
		return v
	}
	return discoveryFallback
}

func (w *Discovery) Cycle(ctx context.Context) error {
	expireStale(ctx, w.deps.Queue, w.log)
	if w.gate.Halted(ctx, w.deps.Settings, w.log) {
		return nil
	}

	tax, err := w.deps.Settings.KeywordTaxonomy(ctx)
	if err != nil {
		return fmt.Errorf("load keyword taxonomy: %w", err)
	}
	keywords := discoveryKeywords(tax, w.platform)

	discoverer, err := w.deps.Registry.Discoverer(w.platform)
	if errors.Is(err, platform.ErrNotRegistered) {
		return w.delegate(ctx, keywords)
	}
	if err != nil {
		return err
	}

	items, err := discoverer.Discover(ctx, keywords)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	stored := Ingest(ctx, w.deps, w.platform, tax, items)
	w.log.WithFields(logging.Fields{"found": len(items), "stored": stored}).Info("Discovery cycle finished")
	return nil
}

// delegate hands the scan to an external agent. The dedup key keeps at most
// one open discover task per platform.
func (w *Discovery) delegate(ctx context.Context, keywords []string) error {
	ttl := w.Interval(ctx) * 2
	if ttl > discoverTaskMaxTTL {
		ttl = discoverTaskMaxTTL
	}
	id, err := w.deps.Queue.Enqueue(ctx, model.DiscoverPayload{Keywords: keywords, Limit: discoverTaskLimit}, queue.CreateParams{
		Platform:  w.platform,
		Priority:  discoverTaskPrio,
		TTL:       ttl,
		CreatedBy: "discovery",
		DedupKey:  "discover:" + w.platform,
	})
	if err != nil {
		return fmt.Errorf("enqueue discover task: %w", err)
	}
	w.log.WithField("task_id", id).Debug("Discovery delegated to agent")
	return nil
}

// discoveryKeywords returns the platform's configured keywords, or every
// category keyword when none are configured.
func discoveryKeywords(tax model.KeywordTaxonomy, p string) []string {
	if kw := tax.DiscoveryKeywords[p]; len(kw) > 0 {
		return kw
	}
	seen := make(map[string]bool)
	var out []string
	for _, kws := range tax.Categories {
		for _, k := range kws {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Classify picks the taxonomy category with the most keyword hits in the
// content; ties go to the alphabetically first category.
func Classify(tax model.KeywordTaxonomy, c platform.Content) string {
	text := strings.ToLower(c.Title + " " + c.Text + " " + strings.Join(c.Hashtags, " "))
	names := make([]string, 0, len(tax.Categories))
	for name := range tax.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestHits := GeneralCategory, 0
	for _, name := range names {
		hits := 0
		for _, k := range tax.Categories[name] {
			if k != "" && strings.Contains(text, strings.ToLower(k)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = name, hits
		}
	}
	return best
}

// ScoreOpportunity blends engagement, freshness, category relevance and
// creator reach into a 0-100 score.
func ScoreOpportunity(tax model.KeywordTaxonomy, c platform.Content, category string, now time.Time) float64 {
	engagement := math.Min(100, 25*math.Log10(1+float64(c.Likes)+2*float64(c.Replies)))

	freshness := 100.0
	if age := now.Sub(c.PublishedAt); !c.PublishedAt.IsZero() && age > 0 {
		freshness = math.Max(0, 1-float64(age)/float64(freshnessHorizon)) * 100
	}

	relevance, ok := tax.CategoryRelevance[category]
	if !ok {
		relevance, ok = tax.CategoryRelevance[GeneralCategory]
		if !ok {
			relevance = defaultRelevance
		}
	}

	reach := math.Min(100, 20*math.Log10(1+float64(c.AuthorFollowers)))

	total := weightEngagement*engagement + weightFreshness*freshness + weightRelevance*relevance + weightReach*reach
	return math.Round(total*100) / 100
}

// Ingest classifies, scores, deduplicates and stores discovered content. It
// returns how many items were new. Per-item failures are logged.
func Ingest(ctx context.Context, d Deps, p string, tax model.KeywordTaxonomy, items []platform.Content) int {
	d = d.withDefaults()
	log := d.Logger.WithFields(logging.Fields{"platform": p, "worker": KindDiscovery})
	now := d.Now().UTC()
	stored := 0

	for _, c := range items {
		if c.URL == "" {
			continue
		}
		seen, err := d.URLs.Seen(ctx, p, c.URL)
		if err != nil {
			log.WithError(err).Warn("URL set unavailable; relying on store constraint")
		} else if seen {
			continue
		}

		category := Classify(tax, c)
		o := &model.Opportunity{
			Platform:        p,
			URL:             c.URL,
			TargetID:        c.TargetID,
			Title:           c.Title,
			Text:            c.Text,
			Author:          c.Author,
			AuthorFollowers: c.AuthorFollowers,
			Likes:           c.Likes,
			Replies:         c.Replies,
			Hashtags:        c.Hashtags,
			PublishedAt:     c.PublishedAt,
			Category:        category,
			Score:           ScoreOpportunity(tax, c, category, now),
			DiscoveredAt:    now,
		}
		id, created, err := d.Store.InsertOpportunity(ctx, o)
		if err != nil {
			log.WithError(err).WithField("url", c.URL).Error("Failed to store opportunity")
			continue
		}
		if err := d.URLs.Add(ctx, p, c.URL); err != nil {
			log.WithError(err).Warn("Failed to remember discovered URL")
		}
		if created {
			stored++
			log.WithFields(logging.Fields{"opportunity_id": id, "category": category, "score": o.Score}).Debug("Opportunity stored")
		}
	}
	return stored
}
