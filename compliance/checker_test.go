package compliance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func categories(r Result) []string {
	var out []string
	for _, v := range r.Violations {
		out = append(out, v.Category)
	}
	return out
}

func TestBlocklistScoring(t *testing.T) {
	c := NewChecker(DefaultRules())

	res := c.Check("Get free guaranteed money!", "twitter")
	assert.False(t, res.Passed)
	assert.GreaterOrEqual(t, res.Score, 50.0)
	var matched []string
	for _, v := range res.Violations {
		if v.Category == CategoryBlocklist {
			matched = append(matched, v.MatchedText)
		}
	}
	assert.Contains(t, matched, "free")
	assert.Contains(t, matched, "guaranteed")
}

func TestBlocklistScoreCapsAt100(t *testing.T) {
	c := NewChecker(Rules{Banned: []string{"a1", "b2", "c3", "d4", "e5"}, DefaultCharLimit: 500})
	res := c.Check("a1 b2 c3 d4 e5", "reddit")
	assert.Equal(t, 100.0, res.Score)
}

func TestSingleWordBansRespectWordBoundaries(t *testing.T) {
	c := NewChecker(Rules{Banned: []string{"low"}, DefaultCharLimit: 500})

	assert.True(t, c.Check("We keep lowering costs", "reddit").Passed)
	assert.False(t, c.Check("Prices are LOW today", "reddit").Passed)
}

func TestPhraseBansUseSubstring(t *testing.T) {
	c := NewChecker(Rules{Banned: []string{"act now"}, DefaultCharLimit: 500})
	res := c.Check("You should ACT NOWadays", "reddit")
	assert.False(t, res.Passed)
	assert.Equal(t, 25.0, res.Score)
}

func TestCleanCommentPasses(t *testing.T) {
	res := NewChecker(DefaultRules()).Check("The financial confidence is immaculate.", "tiktok")
	assert.True(t, res.Passed)
	assert.Zero(t, res.Score)
	assert.Empty(t, res.Violations)
}

func TestContextualBanNeedsContext(t *testing.T) {
	c := NewChecker(DefaultRules())

	assert.True(t, c.Check("This is the best app for notes", "reddit").Passed)

	res := c.Check("Best app for money, honestly", "reddit")
	assert.False(t, res.Passed)
	assert.Equal(t, []string{CategoryContextual}, categories(res))
	assert.Zero(t, res.Score)
	assert.Contains(t, res.Violations[0].Rule, "an app that helped me")
}

func TestCharacterLimit(t *testing.T) {
	c := NewChecker(DefaultRules())
	text := strings.Repeat("a", 160)

	res := c.Check(text, "tiktok")
	assert.False(t, res.Passed)
	assert.Equal(t, 10, res.Overage)
	assert.Equal(t, []string{CategoryCharLimit}, categories(res))

	assert.True(t, c.Check(text, "twitter").Passed)
	assert.Equal(t, 500, c.CharLimit("myspace"))
}

func TestProductMentionIsSoft(t *testing.T) {
	res := NewChecker(DefaultRules()).Check("Brightpath helped me hit my goal", "twitter")
	assert.True(t, res.Passed)
	assert.True(t, res.ProductMentioned)
	assert.Equal(t, RuleRequiresReview, res.Violations[0].Rule)
}

func TestProductMisspellingIsHard(t *testing.T) {
	res := NewChecker(DefaultRules()).Check("Try brigthpath for this", "twitter")
	assert.False(t, res.Passed)
	assert.False(t, res.ProductMentioned)
	assert.Equal(t, []string{CategoryMisspelling}, categories(res))
}

func TestSensitivity(t *testing.T) {
	c := NewChecker(DefaultRules())

	res := c.Check("So sorry about the job loss, rebuilding takes time", "reddit")
	assert.True(t, res.Passed)
	assert.True(t, res.EmpathyFlagged)

	res = c.Check("this sounds like a gambling addiction", "reddit")
	assert.False(t, res.Passed)
	assert.Equal(t, []string{CategoryDoNotEngage}, categories(res))
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("banned: [spam]\nchar_limits: {twitter: 10}\n"), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	c := NewChecker(rules)
	assert.Equal(t, 10, c.CharLimit("twitter"))
	assert.Equal(t, 500, c.CharLimit("reddit"))
	assert.False(t, c.Check("spam", "reddit").Passed)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
