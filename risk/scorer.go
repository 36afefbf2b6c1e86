// Package risk combines compliance, source-context and AI-judge signals into
// one weighted score and an irreversible routing decision.
package risk

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"go-engage/compliance"
	"go-engage/logging"
	"go-engage/metrics"
	"go-engage/model"
)

const (
	WeightBlocklist = 0.40
	WeightContext   = 0.30
	WeightJudge     = 0.30

	// JudgeFallbackScore is used whenever the AI judge cannot answer.
	JudgeFallbackScore = 50.0

	controversialPoints = 15
	hashtagPoints       = 10
	sensitivePoints     = 25
)

// Context describes the source content a reply answers.
type Context struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
	Category    string   `json:"category,omitempty"`
}

// SettingsReader is the part of shared configuration the scorer reads.
type SettingsReader interface {
	RoutingThresholds(ctx context.Context) (model.RoutingThresholds, error)
	KeywordTaxonomy(ctx context.Context) (model.KeywordTaxonomy, error)
}

var DefaultControversialKeywords = []string{
	"politics", "political", "election", "religion", "religious", "abortion",
	"immigration", "vaccine", "war", "gun control", "lawsuit", "tragedy",
}

var DefaultRiskyHashtags = []string{
	"#politics", "#crypto", "#getrichquick", "#forex", "#gambling", "#nsfw", "#scam", "#election",
}

type Config struct {
	Checker               *compliance.Checker
	Judge                 Judge
	Settings              SettingsReader
	Logger                logging.Logger
	ControversialKeywords []string
	RiskyHashtags         []string
	Now                   func() time.Time
}

type Scorer struct {
	checker       *compliance.Checker
	judge         Judge
	settings      SettingsReader
	logger        logging.Logger
	controversial []*regexp.Regexp
	hashtags      []string
	now           func() time.Time
}

func NewScorer(cfg Config) *Scorer {
	s := &Scorer{
		checker:  cfg.Checker,
		judge:    cfg.Judge,
		settings: cfg.Settings,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.checker == nil {
		s.checker = compliance.NewChecker(compliance.DefaultRules())
	}
	if s.logger == nil {
		s.logger = logging.NewDiscard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	keywords := cfg.ControversialKeywords
	if keywords == nil {
		keywords = DefaultControversialKeywords
	}
	for _, k := range keywords {
		s.controversial = append(s.controversial, regexp.MustCompile(`\b`+regexp.QuoteMeta(strings.ToLower(k))+`\b`))
	}
	tags := cfg.RiskyHashtags
	if tags == nil {
		tags = DefaultRiskyHashtags
	}
	for _, h := range tags {
		s.hashtags = append(s.hashtags, normalizeHashtag(h))
	}
	return s
}

func normalizeHashtag(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "#")
}

// Score runs all three layers for one candidate reply and returns a fresh
// assessment. It never fails: settings and judge errors degrade to defaults
// and are recorded in the reasoning.
func (s *Scorer) Score(ctx context.Context, comment string, c Context, platform string) model.RiskAssessment {
	check := s.checker.Check(comment, platform)

	var notes []string
	sensitive, th := s.readSettings(ctx, &notes)

	contextScore := s.contextScore(c, sensitive)
	judgeScore, judgeReasoning := s.judgeScore(ctx, comment, c)

	total := combine(check.Score, contextScore, judgeScore)
	decision, overrides := Decide(total, th, check)
	notes = append(notes, overrides...)

	reasoning := fmt.Sprintf("blocklist=%.0f context=%.0f judge=%.0f total=%.2f; judge: %s",
		check.Score, contextScore, judgeScore, total, judgeReasoning)
	if len(notes) > 0 {
		reasoning += "; " + strings.Join(notes, "; ")
	}

	violations := check.Violations
	if violations == nil {
		violations = []model.Violation{}
	}
	return model.RiskAssessment{
		TotalScore:      total,
		BlocklistScore:  check.Score,
		ContextScore:    contextScore,
		AIJudgeScore:    judgeScore,
		Reasoning:       reasoning,
		RoutingDecision: decision,
		Violations:      violations,
		CreatedAt:       s.now().UTC(),
	}
}

func (s *Scorer) readSettings(ctx context.Context, notes *[]string) ([]string, model.RoutingThresholds) {
	th := model.DefaultRoutingThresholds()
	var sensitive []string
	if s.settings == nil {
		return sensitive, th
	}
	if got, err := s.settings.RoutingThresholds(ctx); err != nil {
		s.logger.WithError(err).Warn("Falling back to default routing thresholds")
		*notes = append(*notes, "default thresholds used")
	} else {
		th = got
	}
	if tax, err := s.settings.KeywordTaxonomy(ctx); err != nil {
		s.logger.WithError(err).Warn("Keyword taxonomy unavailable; sensitive categories ignored")
	} else {
		sensitive = tax.SensitiveCategories
	}
	return sensitive, th
}

func (s *Scorer) contextScore(c Context, sensitiveCategories []string) float64 {
	text := strings.ToLower(c.Title + " " + c.Description)
	score := 0
	for _, re := range s.controversial {
		if re.MatchString(text) {
			score += controversialPoints
		}
	}
	for _, h := range c.Hashtags {
		if slices.Contains(s.hashtags, normalizeHashtag(h)) {
			score += hashtagPoints
		}
	}
	if c.Category != "" && slices.Contains(sensitiveCategories, c.Category) {
		score += sensitivePoints
	}
	return math.Min(100, float64(score))
}

func (s *Scorer) judgeScore(ctx context.Context, comment string, c Context) (float64, string) {
	if s.judge == nil {
		return JudgeFallbackScore, "judge not configured; default score applied"
	}
	v, err := s.judge.Judge(ctx, comment, c)
	if err != nil {
		metrics.JudgeFailure()
		s.logger.WithError(err).Warn("AI judge unavailable; default score applied")
		return JudgeFallbackScore, fmt.Sprintf("judge unavailable (%v); default score applied", err)
	}
	return clamp(v.Score), v.Reasoning
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func combine(blocklist, contextScore, judge float64) float64 {
	total := WeightBlocklist*blocklist + WeightContext*contextScore + WeightJudge*judge
	return math.Round(clamp(total)*100) / 100
}
