package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gruxhq/grux/internal/config"
	"github.com/gruxhq/grux/internal/health"
	"github.com/gruxhq/grux/internal/loadbalancer"
	"github.com/gruxhq/grux/internal/logging"
	"github.com/gruxhq/grux/internal/metrics"
)

// UpstreamManager owns the balancers and health probes for all upstream
// groups. Config reloads update groups in place so health state and active
// request counts survive; targets dropped from config are drained rather
// than cut off.
type UpstreamManager struct {
	mu      sync.RWMutex
	groups  map[string]*upstreamGroup
	checker *health.Checker
}

type upstreamGroup struct {
	name     string
	balancer loadbalancer.Balancer
	config   config.UpstreamConfig
}

// NewUpstreamManager creates a manager wired to a health checker. Probe
// results flow back into the balancers through the checker's callback.
func NewUpstreamManager(checker *health.Checker) *UpstreamManager {
	return &UpstreamManager{
		groups:  make(map[string]*upstreamGroup),
		checker: checker,
	}
}

// HandleHealthChange is the health checker callback. It flips the target's
// state in every group that references the URL.
func (m *UpstreamManager) HandleHealthChange(url string, status health.Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, group := range m.groups {
		switch status {
		case health.StatusHealthy:
			group.balancer.MarkHealthy(url)
		case health.StatusUnhealthy:
			group.balancer.MarkUnhealthy(url)
		}
	}

	metrics.UpstreamHealthTransitions.WithLabelValues(url, string(status)).Inc()
	logging.Info("upstream health changed",
		zap.String("target", url),
		zap.String("status", string(status)))
}

// Balancer returns the balancer for an upstream group, or nil.
func (m *UpstreamManager) Balancer(name string) loadbalancer.Balancer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if group, ok := m.groups[name]; ok {
		return group.balancer
	}
	return nil
}

// Apply creates and updates groups from a new configuration. Groups absent
// from cfgs are left untouched; callers drop them with Prune after the new
// route table is live, so no request resolved through the old table lands
// on an already-draining group.
func (m *UpstreamManager) Apply(cfgs []config.UpstreamConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range cfgs {
		if group, ok := m.groups[cfg.Name]; ok {
			m.updateGroupLocked(group, cfg)
		} else {
			m.groups[cfg.Name] = m.newGroupLocked(cfg)
		}
	}
}

// Prune drops every group not named in cfgs: probing stops and each target
// drains so in-flight requests finish while nothing new is assigned.
func (m *UpstreamManager) Prune(cfgs []config.UpstreamConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		keep[cfg.Name] = true
	}

	for name, group := range m.groups {
		if keep[name] {
			continue
		}
		for _, target := range group.balancer.GetTargets() {
			group.balancer.MarkDraining(target.URL)
			m.checker.RemoveTarget(target.URL)
		}
		delete(m.groups, name)
		logging.Info("upstream group removed, draining targets", zap.String("upstream", name))
	}
}

func (m *UpstreamManager) newGroupLocked(cfg config.UpstreamConfig) *upstreamGroup {
	targets := buildTargets(cfg)
	group := &upstreamGroup{
		name:     cfg.Name,
		balancer: loadbalancer.New(cfg.Policy, targets),
		config:   cfg,
	}
	for _, target := range targets {
		m.checker.AddTarget(probeTarget(cfg, target.URL))
	}
	return group
}

func (m *UpstreamManager) updateGroupLocked(group *upstreamGroup, cfg config.UpstreamConfig) {
	old := make(map[string]bool)
	for _, target := range group.balancer.GetTargets() {
		old[target.URL] = true
	}

	targets := buildTargets(cfg)
	group.balancer.UpdateTargets(targets)
	group.config = cfg

	kept := make(map[string]bool, len(targets))
	for _, target := range targets {
		kept[target.URL] = true
		m.checker.UpdateTarget(probeTarget(cfg, target.URL))
	}
	for url := range old {
		if !kept[url] {
			m.checker.RemoveTarget(url)
		}
	}
}

// Snapshot reports the state of every group for the admin status endpoint.
func (m *UpstreamManager) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any, len(m.groups))
	for name, group := range m.groups {
		targets := group.balancer.GetTargets()
		states := make([]map[string]any, 0, len(targets))
		for _, target := range targets {
			states = append(states, map[string]any{
				"url":             target.URL,
				"healthy":         target.Healthy,
				"draining":        target.Draining,
				"active_requests": target.ActiveRequests,
			})
		}
		out[name] = map[string]any{
			"policy":  group.config.Policy,
			"healthy": group.balancer.HealthyCount(),
			"targets": states,
		}
	}
	return out
}

func buildTargets(cfg config.UpstreamConfig) []*loadbalancer.Target {
	targets := make([]*loadbalancer.Target, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		target := &loadbalancer.Target{
			URL:     tc.URL,
			Weight:  tc.Weight,
			Healthy: true,
		}
		target.InitParsedURL()
		targets = append(targets, target)
	}
	return targets
}

func probeTarget(cfg config.UpstreamConfig, url string) health.Target {
	return health.Target{
		URL:            url,
		Path:           cfg.HealthCheck.Path,
		Timeout:        cfg.HealthCheck.Timeout,
		Interval:       cfg.HealthCheck.Interval,
		HealthyAfter:   cfg.HealthCheck.HealthyAfter,
		UnhealthyAfter: cfg.HealthCheck.UnhealthyAfter,
	}
}
