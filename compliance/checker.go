// Package compliance evaluates a generated reply against the brand rule set.
// It is stateless once built; a Checker is safe for concurrent use.
package compliance

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"go-engage/model"
)

const (
	CategoryBlocklist   = "blocklist"
	CategoryContextual  = "contextual"
	CategoryCharLimit   = "char_limit"
	CategoryProduct     = "product_mention"
	CategoryMisspelling = "product_misspelling"
	CategoryEmpathy     = "empathy_required"
	CategoryDoNotEngage = "do_not_engage"
	RuleRequiresReview  = "requires_review"
	blocklistPointsEach = 25
	maxBlocklistScore   = 100
)

type Result struct {
	Passed           bool
	Violations       []model.Violation
	Score            float64
	ProductMentioned bool
	EmpathyFlagged   bool
	Overage          int
}

// HardFailure reports whether any violation fails the comment outright.
func (r Result) HardFailure() bool {
	return !r.Passed
}

type matcher struct {
	term string
	re   *regexp.Regexp
}

func newMatcher(term string) matcher {
	term = strings.ToLower(strings.TrimSpace(term))
	m := matcher{term: term}
	if !strings.ContainsAny(term, " \t") {
		m.re = regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `\b`)
	}
	return m
}

// match expects lowered text.
func (m matcher) match(lowered string) bool {
	if m.re != nil {
		return m.re.MatchString(lowered)
	}
	return strings.Contains(lowered, m.term)
}

func newMatchers(terms []string) []matcher {
	out := make([]matcher, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		m := newMatcher(t)
		if m.term == "" || seen[m.term] {
			continue
		}
		seen[m.term] = true
		out = append(out, m)
	}
	return out
}

type Checker struct {
	rules        Rules
	banned       []matcher
	products     []matcher
	misspellings []matcher
	empathy      []matcher
	doNotEngage  []matcher
}

func NewChecker(rules Rules) *Checker {
	return &Checker{
		rules:        rules,
		banned:       newMatchers(rules.Banned),
		products:     newMatchers(rules.Products.Names),
		misspellings: newMatchers(rules.Products.Misspellings),
		empathy:      newMatchers(rules.Sensitivity.EmpathyRequired),
		doNotEngage:  newMatchers(rules.Sensitivity.DoNotEngage),
	}
}

// CharLimit returns the maximum reply length for platform.
func (c *Checker) CharLimit(platform string) int {
	if limit, ok := c.rules.CharLimits[strings.ToLower(platform)]; ok && limit > 0 {
		return limit
	}
	return c.rules.DefaultCharLimit
}

func (c *Checker) Check(text, platform string) Result {
	lowered := strings.ToLower(text)
	var (
		res  Result
		hard bool
	)

	matched := 0
	for _, m := range c.banned {
		if m.match(lowered) {
			matched++
			hard = true
			res.Violations = append(res.Violations, model.Violation{
				Category:    CategoryBlocklist,
				MatchedText: m.term,
				Rule:        "absolute_ban",
			})
		}
	}
	res.Score = math.Min(maxBlocklistScore, float64(blocklistPointsEach*matched))

	for _, ban := range c.rules.Contextual {
		phrase, context := strings.ToLower(ban.Phrase), strings.ToLower(ban.Context)
		if phrase == "" || !strings.Contains(lowered, phrase) || !strings.Contains(lowered, context) {
			continue
		}
		hard = true
		res.Violations = append(res.Violations, model.Violation{
			Category:    CategoryContextual,
			MatchedText: phrase,
			Rule:        fmt.Sprintf("avoid %q alongside %q; suggest %q", phrase, context, ban.Suggestion),
		})
	}

	limit := c.CharLimit(platform)
	if n := utf8.RuneCountInString(text); n > limit {
		hard = true
		res.Overage = n - limit
		res.Violations = append(res.Violations, model.Violation{
			Category:    CategoryCharLimit,
			MatchedText: fmt.Sprintf("%d characters", n),
			Rule:        fmt.Sprintf("limit %d exceeded by %d", limit, res.Overage),
		})
	}

	misspelled := false
	for _, m := range c.misspellings {
		if m.match(lowered) {
			misspelled = true
			hard = true
			res.Violations = append(res.Violations, model.Violation{
				Category:    CategoryMisspelling,
				MatchedText: m.term,
				Rule:        "product name misspelled",
			})
		}
	}
	if !misspelled {
		for _, m := range c.products {
			if m.match(lowered) {
				res.ProductMentioned = true
				res.Violations = append(res.Violations, model.Violation{
					Category:    CategoryProduct,
					MatchedText: m.term,
					Rule:        RuleRequiresReview,
				})
				break
			}
		}
	}

	for _, m := range c.empathy {
		if m.match(lowered) {
			res.EmpathyFlagged = true
			res.Violations = append(res.Violations, model.Violation{
				Category:    CategoryEmpathy,
				MatchedText: m.term,
				Rule:        "tone must be empathetic",
			})
		}
	}
	for _, m := range c.doNotEngage {
		if m.match(lowered) {
			hard = true
			res.Violations = append(res.Violations, model.Violation{
				Category:    CategoryDoNotEngage,
				MatchedText: m.term,
				Rule:        "do not engage",
			})
		}
	}

	res.Passed = !hard
	return res
}
