// Package settings is the shared configuration accessor read by every worker.
// Values are re-read on each call; nothing is cached between cycles.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-engage/model"
)

var ErrNotFound = errors.New("settings: key not found")

// Backend stores one JSON document per named key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Provider is the read side injected into workers and the queue.
type Provider interface {
	KillSwitch(ctx context.Context) (model.KillSwitch, error)
	RateLimits(ctx context.Context) (model.RateLimits, error)
	PostingSchedule(ctx context.Context) (model.PostingSchedule, error)
	KeywordTaxonomy(ctx context.Context) (model.KeywordTaxonomy, error)
	RoutingThresholds(ctx context.Context) (model.RoutingThresholds, error)
}

type Settings struct {
	backend Backend
	now     func() time.Time
}

func New(backend Backend) *Settings {
	return &Settings{backend: backend, now: time.Now}
}

func (s *Settings) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Put stores any configuration document under key.
func (s *Settings) Put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Settings) KillSwitch(ctx context.Context) (model.KillSwitch, error) {
	var ks model.KillSwitch
	if _, err := s.load(ctx, model.KeyKillSwitch, &ks); err != nil {
		return model.KillSwitch{}, err
	}
	return ks, nil
}

// SetKillSwitch is the administrative toggle.
func (s *Settings) SetKillSwitch(ctx context.Context, active bool, reason, actor string) (model.KillSwitch, error) {
	ks := model.KillSwitch{Active: active, ActivatedBy: actor}
	if active {
		now := s.now().UTC()
		ks.ActivatedAt = &now
		if reason != "" {
			ks.Reason = &reason
		}
	}
	if err := s.Put(ctx, model.KeyKillSwitch, ks); err != nil {
		return model.KillSwitch{}, err
	}
	return ks, nil
}

func (s *Settings) RateLimits(ctx context.Context) (model.RateLimits, error) {
	limits := model.RateLimits{}
	if _, err := s.load(ctx, model.KeyRateLimits, &limits); err != nil {
		return nil, err
	}
	return limits, nil
}

func (s *Settings) PostingSchedule(ctx context.Context) (model.PostingSchedule, error) {
	schedule := model.PostingSchedule{}
	if _, err := s.load(ctx, model.KeyPostingSchedule, &schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

func (s *Settings) KeywordTaxonomy(ctx context.Context) (model.KeywordTaxonomy, error) {
	var tax model.KeywordTaxonomy
	found, err := s.load(ctx, model.KeyKeywordTaxonomy, &tax)
	if err != nil {
		return model.KeywordTaxonomy{}, err
	}
	if !found {
		return DefaultTaxonomy(), nil
	}
	return tax, nil
}

func (s *Settings) RoutingThresholds(ctx context.Context) (model.RoutingThresholds, error) {
	th := model.DefaultRoutingThresholds()
	if _, err := s.load(ctx, model.KeyRoutingThresholds, &th); err != nil {
		return model.RoutingThresholds{}, err
	}
	return th, nil
}

// DefaultWindow is used for platforms without a posting schedule entry.
func DefaultWindow() model.PostingWindow {
	return model.PostingWindow{StartHour: 9, EndHour: 21, Timezone: "UTC"}
}

func DefaultTaxonomy() model.KeywordTaxonomy {
	return model.KeywordTaxonomy{
		Categories: map[string][]string{
			"savings_milestone": {"saved", "savings goal", "emergency fund", "first $1000", "milestone"},
			"budgeting":         {"budget", "spending plan", "expense tracker", "50/30/20"},
			"debt_payoff":       {"debt free", "paid off", "credit card debt", "student loan"},
			"financial_stress":  {"broke", "can't afford", "overdraft", "paycheck to paycheck"},
			"investing":         {"index fund", "roth ira", "401k", "compound interest"},
		},
		DiscoveryKeywords: map[string][]string{
			"tiktok":    {"#moneytok", "savings challenge", "budget with me"},
			"twitter":   {"emergency fund", "debt free", "budgeting tips"},
			"instagram": {"#savingsgoals", "#debtfreejourney"},
			"reddit":    {"personalfinance", "budgeting", "povertyfinance"},
		},
		SensitiveCategories: []string{"financial_stress"},
		CategoryRelevance: map[string]float64{
			"savings_milestone": 100,
			"budgeting":         90,
			"debt_payoff":       80,
			"investing":         60,
			"financial_stress":  50,
			"general":           30,
		},
	}
}
