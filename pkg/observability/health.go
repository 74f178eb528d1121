package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"
)

// HealthStatus is the outcome of one probe or of the whole report.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnhealthy:
		return 2
	default:
		return 0
	}
}

const defaultCheckTimeout = 5 * time.Second

// HealthCheck is a named probe. A failing critical probe makes the node
// unhealthy; a failing non-critical one only degrades it.
type HealthCheck struct {
	Name     string
	Probe    func(context.Context) error
	Timeout  time.Duration
	Critical bool
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status   HealthStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
	Critical bool         `json:"critical"`
	Duration string       `json:"duration"`
}

// HealthReport aggregates every probe.
type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
	Process   ProcessInfo            `json:"process"`
}

// ProcessInfo is a snapshot of Go runtime counters.
type ProcessInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapMB     uint64 `json:"heap_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// HealthChecker runs registered probes concurrently on demand.
type HealthChecker struct {
	version   string
	startedAt time.Time

	mu     sync.RWMutex
	checks map[string]*HealthCheck
}

// NewHealthChecker creates an empty checker reporting the given version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startedAt: time.Now(),
		checks:    make(map[string]*HealthCheck),
	}
}

// RegisterCheck adds or replaces the probe with the same name.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = defaultCheckTimeout
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// Names returns the registered probe names, sorted.
func (hc *HealthChecker) Names() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return slices.Sorted(maps.Keys(hc.checks))
}

// Check runs every probe and reports the worst status.
func (hc *HealthChecker) Check(ctx context.Context) HealthReport {
	hc.mu.RLock()
	checks := slices.Collect(maps.Values(hc.checks))
	hc.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range checks {
		wg.Go(func() {
			res := runProbe(ctx, check)
			mu.Lock()
			results[check.Name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	overall := HealthStatusHealthy
	for _, res := range results {
		if res.Status.rank() > overall.rank() {
			overall = res.Status
		}
	}

	return HealthReport{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Version:   hc.version,
		Uptime:    time.Since(hc.startedAt).Round(time.Second).String(),
		Checks:    results,
		Process:   processInfo(),
	}
}

func runProbe(ctx context.Context, check *HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check.Probe(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := CheckResult{
		Status:   HealthStatusHealthy,
		Critical: check.Critical,
		Duration: time.Since(start).Round(time.Microsecond).String(),
	}
	if err != nil {
		res.Error = err.Error()
		res.Status = HealthStatusDegraded
		if check.Critical {
			res.Status = HealthStatusUnhealthy
		}
	}
	return res
}

func processInfo() ProcessInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return ProcessInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     m.HeapAlloc >> 20,
		SysMB:      m.Sys >> 20,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler serves the full report. Only an unhealthy node answers 503.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())
		code := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// ReadinessHandler answers 200 only while every probe passes.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Check(r.Context()).Status != HealthStatusHealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// LivenessHandler always answers 200 while the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// BrokerCheck probes a broker client. A failure is critical.
func BrokerCheck(name string, ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     "broker:" + name,
		Probe:    ping,
		Timeout:  2 * time.Second,
		Critical: true,
	}
}

// StoreCheck probes the state store. A failure only degrades the node.
func StoreCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:  "store",
		Probe: ping,
	}
}

// ErrAgentNotRunning is reported by AgentCheck.
var ErrAgentNotRunning = errors.New("agent not running")

// AgentCheck reports unhealthy unless state() returns "running".
func AgentCheck(id string, state func() string) *HealthCheck {
	return &HealthCheck{
		Name: "agent:" + id,
		Probe: func(context.Context) error {
			if s := state(); s != "running" {
				return fmt.Errorf("%w: %s", ErrAgentNotRunning, s)
			}
			return nil
		},
		Timeout:  time.Second,
		Critical: true,
	}
}
