package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-engage/model"
	"go-engage/platform"
	"go-engage/queue"
)

type fakeFetcher struct {
	mu    sync.Mutex
	ids   []string
	fail  bool
	likes int64
}

func (f *fakeFetcher) FetchMetrics(_ context.Context, id string) (platform.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	if f.fail {
		return platform.Metrics{}, errors.New("metrics endpoint down")
	}
	return platform.Metrics{Likes: f.likes, Replies: 2, Impressions: 900, Raw: json.RawMessage(`{"likes":3}`)}, nil
}

func postedEngagement(t *testing.T, f *fixture, p string, postedAgo time.Duration) int64 {
	t.Helper()
	postedAt := fixedNow.Add(-postedAgo)
	id, err := f.store.CreateEngagement(context.Background(), &model.Engagement{
		Platform:    p,
		TargetID:    "target",
		CommentText: "Nice!",
		Status:      model.EngagementPosted,
		ExternalID:  "ext-" + p,
		PostedAt:    &postedAt,
	})
	require.NoError(t, err)
	return id
}

func TestDueCheckpoint(t *testing.T) {
	posted := fixedNow

	_, ok := DueCheckpoint(posted, nil, posted.Add(30*time.Minute))
	assert.False(t, ok)

	cp, ok := DueCheckpoint(posted, nil, posted.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, model.Checkpoint1h, cp)

	have := []model.MetricsSnapshot{{Checkpoint: model.Checkpoint1h}}
	_, ok = DueCheckpoint(posted, have, posted.Add(2*time.Hour))
	assert.False(t, ok)

	cp, ok = DueCheckpoint(posted, have, posted.Add(5*time.Hour))
	require.True(t, ok)
	assert.Equal(t, model.Checkpoint4h, cp)

	// A missed 1h checkpoint is still captured first.
	cp, ok = DueCheckpoint(posted, nil, posted.Add(30*time.Hour))
	require.True(t, ok)
	assert.Equal(t, model.Checkpoint1h, cp)

	all := []model.MetricsSnapshot{{Checkpoint: model.Checkpoint1h}, {Checkpoint: model.Checkpoint4h}, {Checkpoint: model.Checkpoint24h}}
	_, ok = DueCheckpoint(posted, all, posted.Add(72*time.Hour))
	assert.False(t, ok)
}

func TestAnalyticsCapturesDueSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fetcher := &fakeFetcher{likes: 3}
	f.registry.Register("tiktok", fetcher)
	due := postedEngagement(t, f, "tiktok", 2*time.Hour)
	postedEngagement(t, f, "tiktok", 10*time.Minute)

	w := NewAnalytics("tiktok", f.deps)
	require.NoError(t, w.Cycle(ctx))

	assert.Equal(t, []string{"ext-tiktok"}, fetcher.ids)
	snaps, err := f.store.ListSnapshots(ctx, due)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, model.Checkpoint1h, snaps[0].Checkpoint)
	assert.Equal(t, int64(3), snaps[0].Likes)
	assert.Equal(t, int64(900), snaps[0].Impressions)

	// Captured checkpoints are not fetched again.
	require.NoError(t, w.Cycle(ctx))
	assert.Len(t, fetcher.ids, 1)
}

func TestAnalyticsFetchFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Register("tiktok", &fakeFetcher{fail: true})
	id := postedEngagement(t, f, "tiktok", 2*time.Hour)

	require.NoError(t, NewAnalytics("tiktok", f.deps).Cycle(ctx))

	snaps, err := f.store.ListSnapshots(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestAnalyticsDelegatesTrackTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := postedEngagement(t, f, "reddit", 5*time.Hour)
	w := NewAnalytics("reddit", f.deps)

	require.NoError(t, w.Cycle(ctx))
	require.NoError(t, w.Cycle(ctx))

	tasks, err := f.queue.List(ctx, queue.ListFilter{Type: model.TaskTrack})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	p, err := model.DecodePayload(&tasks[0])
	require.NoError(t, err)
	track := p.(model.TrackPayload)
	assert.Equal(t, id, track.EngagementID)
	assert.Equal(t, "ext-reddit", track.ExternalID)
	assert.Equal(t, model.Checkpoint1h, track.Checkpoint)
}
