package loadbalancer

import (
	"net/url"
	"sync"
	"sync/atomic"
)

// Target represents one upstream server in a group.
type Target struct {
	URL            string
	Weight         int
	Healthy        bool
	Draining       bool // dropped from config; no new assignments, in-flight allowed to finish
	ActiveRequests int64
	ParsedURL      *url.URL // pre-parsed URL to avoid per-request parsing
}

// InitParsedURL pre-parses the target URL for use in the proxy hot path.
// Errors are silently ignored; the proxy falls back to url.Parse if ParsedURL is nil.
func (t *Target) InitParsedURL() {
	t.ParsedURL, _ = url.Parse(t.URL)
}

// IncrActive atomically increments the active request count.
func (t *Target) IncrActive() { atomic.AddInt64(&t.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (t *Target) DecrActive() { atomic.AddInt64(&t.ActiveRequests, -1) }

// GetActive atomically reads the active request count.
func (t *Target) GetActive() int64 { return atomic.LoadInt64(&t.ActiveRequests) }

// selectable reports whether the target may receive new assignments.
func (t *Target) selectable() bool { return t.Healthy && !t.Draining }

// Balancer selects targets for new requests.
type Balancer interface {
	// Next returns the next target to use, or nil when no target in the
	// group is selectable.
	Next() *Target
	// NextExcluding returns the next selectable target whose URL differs
	// from exclude, or nil when none remains. Used by failover so a retry
	// never lands on the target that just failed.
	NextExcluding(exclude string) *Target
	// UpdateTargets replaces the target list, preserving health state for
	// targets that survive the update.
	UpdateTargets(targets []*Target)
	// MarkHealthy marks a target as healthy.
	MarkHealthy(url string)
	// MarkUnhealthy marks a target as unhealthy.
	MarkUnhealthy(url string)
	// MarkDraining excludes a target from new assignments without touching
	// its health state.
	MarkDraining(url string)
	// GetTargets returns a snapshot of all targets.
	GetTargets() []*Target
	// HealthyCount returns the number of selectable targets.
	HealthyCount() int
}

// baseBalancer provides common functionality for balancers.
type baseBalancer struct {
	targets          []*Target
	urlIndex         map[string]int // URL → index for O(1) health marks
	cachedSelectable atomic.Value   // []*Target, rebuilt on state changes, read lock-free
	mu               sync.RWMutex
}

// buildIndex rebuilds the URL→index map from the current target slice.
// Caller must hold the write lock.
func (b *baseBalancer) buildIndex() {
	b.urlIndex = make(map[string]int, len(b.targets))
	for i, t := range b.targets {
		b.urlIndex[t.URL] = i
	}
	b.rebuildSelectableCache()
}

// rebuildSelectableCache updates the atomic cached selectable slice.
// Caller must hold the write lock (or be called during init).
func (b *baseBalancer) rebuildSelectableCache() {
	selectable := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		if t.selectable() {
			selectable = append(selectable, t)
		}
	}
	b.cachedSelectable.Store(selectable)
}

// selectableTargets returns the pre-computed slice (lock-free).
func (b *baseBalancer) selectableTargets() []*Target {
	if v := b.cachedSelectable.Load(); v != nil {
		return v.([]*Target)
	}
	return nil
}

// UpdateTargets replaces the target list. Health state carries over for
// URLs that survive; new targets start healthy. Callers that need a drain
// period keep the old Target pointer until its active count hits zero.
func (b *baseBalancer) UpdateTargets(targets []*Target) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.urlIndex != nil {
		for _, t := range targets {
			if idx, ok := b.urlIndex[t.URL]; ok {
				t.Healthy = b.targets[idx].Healthy
				t.ActiveRequests = atomic.LoadInt64(&b.targets[idx].ActiveRequests)
			} else {
				t.Healthy = true
			}
		}
	} else {
		for _, t := range targets {
			t.Healthy = true
		}
	}

	b.targets = targets
	b.buildIndex()
}

// MarkHealthy marks a target as healthy.
func (b *baseBalancer) MarkHealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.urlIndex[url]; ok {
		b.targets[idx].Healthy = true
		b.rebuildSelectableCache()
	}
}

// MarkUnhealthy marks a target as unhealthy.
func (b *baseBalancer) MarkUnhealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.urlIndex[url]; ok {
		b.targets[idx].Healthy = false
		b.rebuildSelectableCache()
	}
}

// MarkDraining removes a target from rotation while leaving in-flight
// requests untouched.
func (b *baseBalancer) MarkDraining(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.urlIndex[url]; ok {
		b.targets[idx].Draining = true
		b.rebuildSelectableCache()
	}
}

// GetTargets returns a copy of all targets.
func (b *baseBalancer) GetTargets() []*Target {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Target, len(b.targets))
	for i, t := range b.targets {
		result[i] = &Target{
			URL:            t.URL,
			Weight:         t.Weight,
			Healthy:        t.Healthy,
			Draining:       t.Draining,
			ActiveRequests: atomic.LoadInt64(&t.ActiveRequests),
		}
	}
	return result
}

// HealthyCount returns the number of selectable targets.
func (b *baseBalancer) HealthyCount() int {
	return len(b.selectableTargets())
}

// New constructs a balancer for the given policy name. Unknown policies
// fall back to round-robin, the conservative default.
func New(policy string, targets []*Target) Balancer {
	switch policy {
	case "least_conn":
		return NewLeastConnections(targets)
	default:
		return NewRoundRobin(targets)
	}
}
