// Package health runs dependency checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Overall states reported by Run.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Result is the outcome of one check.
type Result struct {
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Report aggregates every check. Status is down when a critical check
// fails and degraded when only optional ones do.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

type entry struct {
	name     string
	check    Check
	critical bool
}

// Registry holds the registered checks.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates a registry whose checks each get timeout to finish.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Critical registers a check whose failure takes the service down.
func (r *Registry) Critical(name string, c Check) { r.add(name, c, true) }

// Optional registers a check whose failure only degrades the service.
func (r *Registry) Optional(name string, c Check) { r.add(name, c, false) }

func (r *Registry) add(name string, c Check, critical bool) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: c, critical: critical})
	r.mu.Unlock()
}

// Run executes all checks concurrently.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	results := make([]Result, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e entry) {
			defer wg.Done()
			results[i] = r.runOne(ctx, e)
		}(i, e)
	}
	wg.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]Result, len(entries))}
	for i, e := range entries {
		res := results[i]
		rep.Checks[e.name] = res
		switch {
		case res.Healthy:
		case e.critical:
			rep.Status = StatusDown
		case rep.Status == StatusOK:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (r *Registry) runOne(ctx context.Context, e entry) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := e.check(ctx)
	res := Result{Healthy: err == nil, Critical: e.critical, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
