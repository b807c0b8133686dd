// Package health reports whether the provider and the cluster are reachable
// and serves health, status and manual sync endpoints.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Component names.
const (
	ComponentProvider = "provider"
	ComponentCluster  = "cluster"
)

// Defaults mirror the configuration defaults.
const (
	DefaultCacheDuration = 30 * time.Second
	DefaultCheckTimeout  = 10 * time.Second
	DefaultMaxFailures   = 3
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

// ComponentStatus is the cached result of one component check.
type ComponentStatus struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	Error               string        `json:"error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ResponseTime        time.Duration `json:"response_time"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// Report aggregates all component statuses.
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker runs checks with a per-check timeout and caches the results.
type Checker struct {
	CacheDuration time.Duration
	Timeout       time.Duration
	MaxFailures   int

	mu     sync.Mutex
	checks map[string]CheckFunc
	status map[string]*ComponentStatus
	now    func() time.Time
}

func NewChecker(cacheDuration, timeout time.Duration, maxFailures int) *Checker {
	if cacheDuration <= 0 {
		cacheDuration = DefaultCacheDuration
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Checker{
		CacheDuration: cacheDuration,
		Timeout:       timeout,
		MaxFailures:   maxFailures,
		checks:        make(map[string]CheckFunc),
		status:        make(map[string]*ComponentStatus),
		now:           time.Now,
	}
}

// Register adds a named check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check returns the health of every component, re-running checks whose
// cached result is older than the cache duration. The overall report is
// healthy only when every component is healthy and none has reached the
// failure limit.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	report := Report{Healthy: true, CheckedAt: c.now()}
	for _, name := range names {
		status := c.component(ctx, name)
		if !status.Healthy || status.ConsecutiveFailures >= c.MaxFailures {
			report.Healthy = false
		}
		report.Components = append(report.Components, status)
	}
	return report
}

func (c *Checker) component(ctx context.Context, name string) ComponentStatus {
	c.mu.Lock()
	cached, ok := c.status[name]
	check := c.checks[name]
	if ok && c.now().Sub(cached.CheckedAt) < c.CacheDuration {
		out := *cached
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	start := time.Now()
	err := check(checkCtx)
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.status[name]
	if !ok {
		status = &ComponentStatus{Name: name}
		c.status[name] = status
	}
	status.CheckedAt = c.now()
	status.ResponseTime = elapsed
	if err != nil {
		status.Healthy = false
		status.Error = err.Error()
		status.ConsecutiveFailures++
	} else {
		status.Healthy = true
		status.Error = ""
		status.ConsecutiveFailures = 0
	}
	return *status
}
