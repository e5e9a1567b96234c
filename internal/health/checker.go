package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Status represents health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	URL       string
	Status    Status
	Latency   time.Duration
	Error     error
	Timestamp time.Time
}

// Target describes one probed upstream. With an empty Path the probe is a
// plain TCP connect; otherwise an HTTP GET expecting a 2xx/3xx status.
type Target struct {
	URL            string
	Path           string
	Timeout        time.Duration
	Interval       time.Duration
	HealthyAfter   int // consecutive successes needed to be healthy
	UnhealthyAfter int // consecutive failures needed to be unhealthy
}

// Checker runs background probes against registered targets.
type Checker struct {
	client          *http.Client
	targets         map[string]*targetState
	mu              sync.RWMutex
	defaultTimeout  time.Duration
	defaultInterval time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	onChange        func(url string, status Status)
}

type targetState struct {
	target          Target
	status          Status
	lastCheck       time.Time
	lastError       error
	consecutivePass int
	consecutiveFail int
	latency         time.Duration
}

// Config holds health checker configuration.
type Config struct {
	DefaultTimeout  time.Duration
	DefaultInterval time.Duration
	OnChange        func(url string, status Status)
}

// DefaultConfig provides default health checker settings.
var DefaultConfig = Config{
	DefaultTimeout:  5 * time.Second,
	DefaultInterval: 10 * time.Second,
}

// NewChecker creates a new health checker.
func NewChecker(cfg Config) *Checker {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = DefaultConfig.DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Checker{
		client: &http.Client{
			Timeout: cfg.DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		targets:         make(map[string]*targetState),
		defaultTimeout:  cfg.DefaultTimeout,
		defaultInterval: cfg.DefaultInterval,
		ctx:             ctx,
		cancel:          cancel,
		onChange:        cfg.OnChange,
	}
}

// AddTarget registers a target and starts its probe loop.
func (c *Checker) AddTarget(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	applyTargetDefaults(&t, c.defaultTimeout, c.defaultInterval)

	c.targets[t.URL] = &targetState{
		target: t,
		status: StatusUnknown,
	}

	go c.checkLoop(t.URL)
}

// RemoveTarget stops probing a target.
func (c *Checker) RemoveTarget(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, url)
}

// UpdateTarget adds or replaces a target's probe configuration. Identical
// config is a no-op; changed config restarts the probe loop.
func (c *Checker) UpdateTarget(t Target) {
	applyTargetDefaults(&t, c.defaultTimeout, c.defaultInterval)

	c.mu.RLock()
	existing, exists := c.targets[t.URL]
	c.mu.RUnlock()

	if exists && existing.target == t {
		return
	}

	if exists {
		c.RemoveTarget(t.URL)
	}
	c.AddTarget(t)
}

func applyTargetDefaults(t *Target, defaultTimeout, defaultInterval time.Duration) {
	if t.Timeout == 0 {
		t.Timeout = defaultTimeout
	}
	if t.Interval == 0 {
		t.Interval = defaultInterval
	}
	if t.HealthyAfter == 0 {
		t.HealthyAfter = 1
	}
	if t.UnhealthyAfter == 0 {
		t.UnhealthyAfter = 3
	}
}

// GetStatus returns the health status of a target.
func (c *Checker) GetStatus(url string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if state, ok := c.targets[url]; ok {
		return state.status
	}
	return StatusUnknown
}

// GetAllStatus returns the health status of all targets.
func (c *Checker) GetAllStatus() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.targets))
	for url, state := range c.targets {
		results[url] = CheckResult{
			URL:       url,
			Status:    state.status,
			Latency:   state.latency,
			Error:     state.lastError,
			Timestamp: state.lastCheck,
		}
	}
	return results
}

// IsHealthy returns true if the target is healthy.
func (c *Checker) IsHealthy(url string) bool {
	return c.GetStatus(url) == StatusHealthy
}

// checkLoop runs periodic probes for one target.
func (c *Checker) checkLoop(url string) {
	c.check(url)

	c.mu.RLock()
	state, exists := c.targets[url]
	if !exists {
		c.mu.RUnlock()
		return
	}
	interval := state.target.Interval
	c.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			_, exists := c.targets[url]
			c.mu.RUnlock()

			if !exists {
				return
			}

			c.check(url)
		}
	}
}

// check performs a single probe.
func (c *Checker) check(rawURL string) {
	c.mu.RLock()
	state, exists := c.targets[rawURL]
	if !exists {
		c.mu.RUnlock()
		return
	}
	target := state.target
	c.mu.RUnlock()

	start := time.Now()
	var err error
	if target.Path == "" {
		err = c.connectProbe(rawURL, target.Timeout)
	} else {
		err = c.httpProbe(rawURL, target.Path, target.Timeout)
	}
	c.updateStatus(rawURL, err == nil, time.Since(start), err)
}

// connectProbe opens and immediately closes a TCP connection.
func (c *Checker) connectProbe(rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// httpProbe issues a GET against the configured health path.
func (c *Checker) httpProbe(rawURL, path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	return nil
}

// updateStatus applies threshold logic and fires the change callback.
func (c *Checker) updateStatus(url string, healthy bool, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.targets[url]
	if !exists {
		return
	}

	state.lastCheck = time.Now()
	state.lastError = err
	state.latency = latency

	oldStatus := state.status

	if healthy {
		state.consecutiveFail = 0
		state.consecutivePass++

		if state.consecutivePass >= state.target.HealthyAfter {
			state.status = StatusHealthy
		}
	} else {
		state.consecutivePass = 0
		state.consecutiveFail++

		if state.consecutiveFail >= state.target.UnhealthyAfter {
			state.status = StatusUnhealthy
		}
	}

	if oldStatus != state.status && c.onChange != nil {
		go c.onChange(url, state.status)
	}
}

// CheckNow performs an immediate probe and returns the resulting state.
func (c *Checker) CheckNow(url string) CheckResult {
	c.check(url)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if state, ok := c.targets[url]; ok {
		return CheckResult{
			URL:       url,
			Status:    state.status,
			Latency:   state.latency,
			Error:     state.lastError,
			Timestamp: state.lastCheck,
		}
	}

	return CheckResult{
		URL:       url,
		Status:    StatusUnknown,
		Timestamp: time.Now(),
	}
}

// Stop cancels all probe loops.
func (c *Checker) Stop() {
	c.cancel()
}
