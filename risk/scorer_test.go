package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-engage/compliance"
	"go-engage/model"
	"go-engage/settings"
)

func fixedJudge(score float64) Judge {
	return JudgeFunc(func(context.Context, string, Context) (Verdict, error) {
		return Verdict{Score: score, Reasoning: "stub"}, nil
	})
}

func newTestScorer(t *testing.T, judge Judge) (*Scorer, *settings.Settings) {
	t.Helper()
	s := settings.New(settings.NewMemoryBackend())
	return NewScorer(Config{
		Judge:    judge,
		Settings: s,
		Now:      func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) },
	}), s
}

func TestRouteBoundaries(t *testing.T) {
	th := model.DefaultRoutingThresholds()

	assert.Equal(t, model.AutoApprove, Route(0, th))
	assert.Equal(t, model.AutoApprove, Route(30, th))
	assert.Equal(t, model.HumanReview, Route(30.01, th))
	assert.Equal(t, model.HumanReview, Route(31, th))
	assert.Equal(t, model.HumanReview, Route(65, th))
	assert.Equal(t, model.AutoDiscard, Route(66, th))
	assert.Equal(t, model.AutoDiscard, Route(100, th))

	for i := 0; i < 10; i++ {
		assert.Equal(t, model.HumanReview, Route(47.5, th))
	}
}

func TestDecideOverrides(t *testing.T) {
	th := model.DefaultRoutingThresholds()

	decision, notes := Decide(10, th, compliance.Result{Passed: true, ProductMentioned: true})
	assert.Equal(t, model.HumanReview, decision)
	assert.Len(t, notes, 1)

	decision, _ = Decide(10, th, compliance.Result{Passed: true, EmpathyFlagged: true})
	assert.Equal(t, model.HumanReview, decision)

	decision, notes = Decide(5, th, compliance.Result{Passed: false})
	assert.Equal(t, model.AutoDiscard, decision)
	assert.NotEmpty(t, notes)

	decision, notes = Decide(50, th, compliance.Result{Passed: true, ProductMentioned: true})
	assert.Equal(t, model.HumanReview, decision)
	assert.Empty(t, notes)
}

func TestScoreBlocklistedReplyIsDiscarded(t *testing.T) {
	s, _ := newTestScorer(t, fixedJudge(85))

	a := s.Score(context.Background(), "Get free guaranteed money!", Context{
		Title: "Thoughts on politics and the election?",
	}, "twitter")

	assert.Equal(t, 100.0, a.BlocklistScore)
	assert.Equal(t, 30.0, a.ContextScore)
	assert.Equal(t, 85.0, a.AIJudgeScore)
	assert.InDelta(t, 74.5, a.TotalScore, 0.001)
	assert.Greater(t, a.TotalScore, 65.0)
	assert.Equal(t, model.AutoDiscard, a.RoutingDecision)
	assert.NotEmpty(t, a.Violations)
}

func TestScoreCleanReplyIsApproved(t *testing.T) {
	s, _ := newTestScorer(t, fixedJudge(10))

	a := s.Score(context.Background(), "The financial confidence is immaculate.", Context{
		Title:    "Finally hit my savings goal",
		Category: "savings_milestone",
	}, "tiktok")

	assert.Zero(t, a.BlocklistScore)
	assert.Zero(t, a.ContextScore)
	assert.Equal(t, 3.0, a.TotalScore)
	assert.Equal(t, model.AutoApprove, a.RoutingDecision)
	assert.Empty(t, a.Violations)
}

func TestScoreProductMentionGoesToReview(t *testing.T) {
	s, _ := newTestScorer(t, fixedJudge(0))

	a := s.Score(context.Background(), "Brightpath helped me too", Context{}, "twitter")
	assert.LessOrEqual(t, a.TotalScore, 30.0)
	assert.Equal(t, model.HumanReview, a.RoutingDecision)
	assert.Contains(t, a.Reasoning, "product mention")
}

func TestScoreJudgeFailureFallsBack(t *testing.T) {
	s, _ := newTestScorer(t, JudgeFunc(func(context.Context, string, Context) (Verdict, error) {
		return Verdict{}, errors.New("upstream timeout")
	}))

	a := s.Score(context.Background(), "Nice work on the budget", Context{}, "reddit")
	assert.Equal(t, JudgeFallbackScore, a.AIJudgeScore)
	assert.Equal(t, 15.0, a.TotalScore)
	assert.Contains(t, a.Reasoning, "upstream timeout")
	assert.Equal(t, model.AutoApprove, a.RoutingDecision)
}

func TestContextScoring(t *testing.T) {
	s, _ := newTestScorer(t, fixedJudge(0))

	assert.Equal(t, 0.0, s.contextScore(Context{Title: "warranty tips"}, nil))
	assert.Equal(t, 15.0, s.contextScore(Context{Title: "the war on fees"}, nil))
	assert.Equal(t, 20.0, s.contextScore(Context{Hashtags: []string{"#Crypto", "forex", "#budget"}}, nil))
	assert.Equal(t, 25.0, s.contextScore(Context{Category: "financial_stress"}, []string{"financial_stress"}))

	all := Context{
		Title:       "politics election religion abortion immigration vaccine war lawsuit",
		Hashtags:    DefaultRiskyHashtags,
		Category:    "financial_stress",
		Description: "tragedy",
	}
	assert.Equal(t, 100.0, s.contextScore(all, []string{"financial_stress"}))
}

func TestSensitiveCategoryComesFromSettings(t *testing.T) {
	s, store := newTestScorer(t, fixedJudge(0))
	ctx := context.Background()

	a := s.Score(ctx, "Hang in there", Context{Category: "financial_stress"}, "reddit")
	assert.Equal(t, 25.0, a.ContextScore)

	tax := settings.DefaultTaxonomy()
	tax.SensitiveCategories = nil
	require.NoError(t, store.Put(ctx, model.KeyKeywordTaxonomy, tax))

	a = s.Score(ctx, "Hang in there", Context{Category: "financial_stress"}, "reddit")
	assert.Zero(t, a.ContextScore)
}

func TestThresholdsComeFromSettings(t *testing.T) {
	s, store := newTestScorer(t, fixedJudge(100))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, model.KeyRoutingThresholds, model.RoutingThresholds{AutoApproveMax: 40, ReviewMax: 90}))

	a := s.Score(ctx, "Nice progress", Context{}, "reddit")
	assert.Equal(t, 30.0, a.TotalScore)
	assert.Equal(t, model.AutoApprove, a.RoutingDecision)
}
