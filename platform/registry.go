package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrNotRegistered = errors.New("no implementation registered for platform")

// Registry maps platform names to their capabilities. A platform may have
// any subset of the three; a missing capability is reported with
// ErrNotRegistered so callers can hand the work to an external agent.
type Registry struct {
	mu          sync.RWMutex
	publishers  map[string]Publisher
	discoverers map[string]ContentDiscoverer
	fetchers    map[string]MetricsFetcher
}

func NewRegistry() *Registry {
	return &Registry{
		publishers:  make(map[string]Publisher),
		discoverers: make(map[string]ContentDiscoverer),
		fetchers:    make(map[string]MetricsFetcher),
	}
}

// Register records every capability impl implements. It panics when impl
// implements none of them.
func (r *Registry) Register(platform string, impl any) {
	platform = strings.ToLower(platform)
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := false
	if p, ok := impl.(Publisher); ok {
		r.publishers[platform] = p
		matched = true
	}
	if d, ok := impl.(ContentDiscoverer); ok {
		r.discoverers[platform] = d
		matched = true
	}
	if f, ok := impl.(MetricsFetcher); ok {
		r.fetchers[platform] = f
		matched = true
	}
	if !matched {
		panic(fmt.Sprintf("platform: %T implements no capability", impl))
	}
}

func (r *Registry) Publisher(platform string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.publishers[strings.ToLower(platform)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("publisher %s: %w", platform, ErrNotRegistered)
}

func (r *Registry) Discoverer(platform string) (ContentDiscoverer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.discoverers[strings.ToLower(platform)]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("discoverer %s: %w", platform, ErrNotRegistered)
}

func (r *Registry) Fetcher(platform string) (MetricsFetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.fetchers[strings.ToLower(platform)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("metrics fetcher %s: %w", platform, ErrNotRegistered)
}

// Platforms lists every platform with at least one capability.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for p := range r.publishers {
		seen[p] = true
	}
	for p := range r.discoverers {
		seen[p] = true
	}
	for p := range r.fetchers {
		seen[p] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
