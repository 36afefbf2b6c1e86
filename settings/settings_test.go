package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-engage/model"
)

func TestKillSwitchDefaultsToInactive(t *testing.T) {
	s := New(NewMemoryBackend())

	ks, err := s.KillSwitch(context.Background())
	require.NoError(t, err)
	assert.False(t, ks.Active)
}

func TestSetKillSwitch(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	_, err := s.SetKillSwitch(ctx, true, "bad press", "ops@example.com")
	require.NoError(t, err)

	ks, err := s.KillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, ks.Active)
	require.NotNil(t, ks.Reason)
	assert.Equal(t, "bad press", *ks.Reason)
	assert.Equal(t, "ops@example.com", ks.ActivatedBy)
	require.NotNil(t, ks.ActivatedAt)
	assert.True(t, fixed.Equal(*ks.ActivatedAt))

	_, err = s.SetKillSwitch(ctx, false, "", "ops@example.com")
	require.NoError(t, err)
	ks, err = s.KillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, ks.Active)
	assert.Nil(t, ks.ActivatedAt)
}

func TestRoutingThresholdsDefaultAndOverride(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	th, err := s.RoutingThresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultRoutingThresholds(), th)

	require.NoError(t, s.Put(ctx, model.KeyRoutingThresholds, model.RoutingThresholds{AutoApproveMax: 20, ReviewMax: 50}))
	th, err = s.RoutingThresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, th.AutoApproveMax)
	assert.Equal(t, 50.0, th.ReviewMax)
}

func TestKeywordTaxonomyFallsBackToDefault(t *testing.T) {
	tax, err := New(NewMemoryBackend()).KeywordTaxonomy(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tax.Categories, "savings_milestone")
	assert.Contains(t, tax.SensitiveCategories, "financial_stress")
}

func TestCorruptDocumentIsAnError(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Set(ctx, model.KeyKillSwitch, []byte("{not json")))

	_, err := New(b).KillSwitch(ctx)
	assert.Error(t, err)
}
