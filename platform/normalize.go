package platform

import (
	"encoding/json"
	"fmt"
	"math"
)

// Field aliases seen in the metric payloads of the supported platforms.
var (
	likeFields       = []string{"likes", "like_count", "favorite_count", "digg_count", "ups", "score"}
	replyFields      = []string{"replies", "reply_count", "comment_count", "num_comments", "comments"}
	impressionFields = []string{"impressions", "impression_count", "view_count", "play_count", "views"}
)

// NormalizeMetrics maps a platform-specific metrics object onto Metrics.
// The first alias present wins; the original document is kept in Raw.
func NormalizeMetrics(raw json.RawMessage) (Metrics, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Metrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	// Some APIs nest counters under public_metrics or stats.
	for _, nested := range []string{"public_metrics", "stats", "statistics"} {
		if inner, ok := doc[nested].(map[string]any); ok {
			for k, v := range inner {
				if _, exists := doc[k]; !exists {
					doc[k] = v
				}
			}
		}
	}
	return Metrics{
		Likes:       firstInt(doc, likeFields),
		Replies:     firstInt(doc, replyFields),
		Impressions: firstInt(doc, impressionFields),
		Raw:         raw,
	}, nil
}

func firstInt(doc map[string]any, keys []string) int64 {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case float64:
			return int64(math.Round(v))
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		}
	}
	return 0
}
