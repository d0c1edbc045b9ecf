// Package health reports whether the monitor still reads its log and
// whether its sinks accept deliveries.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/reliability"
)

// Status of a component or of the whole agent
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Result is the outcome of one check
type Result struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Check inspects one component
type Check func(ctx context.Context) Result

// Report aggregates every registered check
type Report struct {
	Status     Status            `json:"status"`
	Components map[string]Result `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker runs registered checks under a shared timeout
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	metrics *metrics.Collector
}

// NewChecker creates a checker. A zero timeout means 5s.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
	}
}

// WithMetrics publishes every result to the health status gauge
func (c *Checker) WithMetrics(collector *metrics.Collector) *Checker {
	c.mu.Lock()
	c.metrics = collector
	c.mu.Unlock()
	return c
}

// Register adds or replaces the check for name
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// Names returns the registered component names in order
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs all checks concurrently. A check still running when the
// timeout expires is reported unhealthy.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	collector := c.metrics
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]Result, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			res := run(ctx, check)

			mu.Lock()
			report.Components[name] = res
			if res.Status.rank() > report.Status.rank() {
				report.Status = res.Status
			}
			mu.Unlock()

			if collector != nil {
				v := 1.0
				if res.Status == StatusUnhealthy {
					v = 0
				}
				collector.HealthStatus.WithLabelValues(name).Set(v)
			}
		}(name, check)
	}
	wg.Wait()

	report.CheckedAt = time.Now().UTC()
	return report
}

func run(ctx context.Context, check Check) Result {
	done := make(chan Result, 1)
	go func() { done <- check(ctx) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Result{Status: StatusUnhealthy, Message: "check timed out"}
	}
}

// LivenessHandler answers 200 while the process serves requests
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler answers 503 when any component is unhealthy. Degraded
// still counts as ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeJSON(w, statusCode(report.Status), map[string]interface{}{
			"status":     report.Status,
			"checked_at": report.CheckedAt,
		})
	}
}

// ReportHandler serves the full report
func (c *Checker) ReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeJSON(w, statusCode(report.Status), report)
	}
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Freshness is unhealthy until the first event, and again once the last
// event is older than staleAfter
func Freshness(what string, last func() time.Time, staleAfter time.Duration) Check {
	return func(ctx context.Context) Result {
		ts := last()
		if ts.IsZero() {
			return Result{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("no successful %s yet", what),
			}
		}

		age := time.Since(ts)
		details := map[string]interface{}{
			"last":        ts.UTC(),
			"age_seconds": age.Seconds(),
		}
		if age > staleAfter {
			return Result{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("last successful %s was %s ago", what, age.Truncate(time.Second)),
				Details: details,
			}
		}
		return Result{Status: StatusHealthy, Details: details}
	}
}

// Breaker reports a sink's circuit breaker. An open breaker is degraded
// since the monitor keeps running without the sink.
func Breaker(cb *reliability.CircuitBreaker) Check {
	return func(ctx context.Context) Result {
		state := cb.State()
		details := map[string]interface{}{
			"state":                state.String(),
			"consecutive_failures": cb.Counts().ConsecutiveFailures,
		}

		switch state {
		case reliability.StateClosed:
			return Result{Status: StatusHealthy, Details: details}
		case reliability.StateHalfOpen:
			return Result{Status: StatusDegraded, Message: "probing sink", Details: details}
		default:
			return Result{Status: StatusDegraded, Message: "deliveries failing fast", Details: details}
		}
	}
}
