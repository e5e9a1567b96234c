package loadbalancer

import (
	"sync/atomic"
)

// LeastConnections picks the selectable target with the fewest active
// requests. Ties are broken by configuration order.
type LeastConnections struct {
	baseBalancer
}

// NewLeastConnections creates a new least-connections balancer.
func NewLeastConnections(targets []*Target) *LeastConnections {
	lc := &LeastConnections{}
	for _, t := range targets {
		if t.Weight == 0 {
			t.Weight = 1
		}
	}
	lc.targets = targets
	lc.buildIndex()
	return lc
}

// Next returns the selectable target with the lowest active request count.
func (lc *LeastConnections) Next() *Target {
	return lc.NextExcluding("")
}

// NextExcluding returns the lowest-active selectable target whose URL
// differs from exclude, or nil when none remains.
func (lc *LeastConnections) NextExcluding(exclude string) *Target {
	var best *Target
	var bestActive int64

	for _, t := range lc.selectableTargets() {
		if t.URL == exclude {
			continue
		}
		active := atomic.LoadInt64(&t.ActiveRequests)
		if best == nil || active < bestActive {
			best = t
			bestActive = active
		}
	}

	return best
}
