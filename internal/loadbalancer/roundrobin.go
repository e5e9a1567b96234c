package loadbalancer

import (
	"sync/atomic"
)

// RoundRobin cycles through selectable targets in order.
type RoundRobin struct {
	baseBalancer
	current uint64
}

// NewRoundRobin creates a new round-robin balancer.
func NewRoundRobin(targets []*Target) *RoundRobin {
	rr := &RoundRobin{}

	// Healthy status is preserved as-is from the input
	for _, t := range targets {
		if t.Weight == 0 {
			t.Weight = 1
		}
	}

	rr.targets = targets
	rr.buildIndex()
	return rr
}

// Next returns the next selectable target using round-robin.
// Uses the pre-computed selectable cache for lock-free reads on the hot path.
func (rr *RoundRobin) Next() *Target {
	selectable := rr.selectableTargets()
	if len(selectable) == 0 {
		return nil
	}

	idx := atomic.AddUint64(&rr.current, 1)
	return selectable[(idx-1)%uint64(len(selectable))]
}

// NextExcluding advances the rotation past the excluded URL, returning nil
// when it is the only selectable target.
func (rr *RoundRobin) NextExcluding(exclude string) *Target {
	selectable := rr.selectableTargets()
	for range selectable {
		idx := atomic.AddUint64(&rr.current, 1)
		t := selectable[(idx-1)%uint64(len(selectable))]
		if t.URL != exclude {
			return t
		}
	}
	return nil
}
