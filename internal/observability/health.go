package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Version is reported by the health endpoints
const Version = "1.0.0"

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 3 * time.Second

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthCheckFunc reports whether a dependency is usable
type HealthCheckFunc func(ctx context.Context) (bool, error)

// DependencyCheck names a readiness check. Only a failing critical check
// makes the service not ready; other failures report it as degraded.
type DependencyCheck struct {
	Name     string
	Check    HealthCheckFunc
	Critical bool
	Timeout  time.Duration // zero uses DefaultCheckTimeout
}

// HealthCheckHandler handles liveness requests
func HealthCheckHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   service,
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler runs the dependency checks concurrently and answers 503
// when a critical one fails.
func ReadinessHandler(service string, checks ...DependencyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dependencies := runChecks(r.Context(), checks)

		status := HealthStatus{
			Status:       "ready",
			Service:      service,
			Version:      Version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: dependencies,
		}

		code := http.StatusOK
		for _, dep := range dependencies {
			if dep.Status == "healthy" {
				continue
			}
			if dep.Critical {
				status.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
			status.Status = "degraded"
		}
		writeJSON(w, code, status)
	}
}

func runChecks(ctx context.Context, checks []DependencyCheck) map[string]DependencyStatus {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		deps = make(map[string]DependencyStatus, len(checks))
	)

	for _, dc := range checks {
		if dc.Check == nil {
			continue
		}
		wg.Add(1)
		go func(dc DependencyCheck) {
			defer wg.Done()

			timeout := dc.Timeout
			if timeout <= 0 {
				timeout = DefaultCheckTimeout
			}
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			healthy, err := dc.Check(cctx)
			dep := DependencyStatus{
				Status:    "healthy",
				Critical:  dc.Critical,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil || !healthy {
				dep.Status = "unhealthy"
				if err != nil {
					dep.Message = err.Error()
				}
			}

			mu.Lock()
			deps[dc.Name] = dep
			mu.Unlock()
		}(dc)
	}

	wg.Wait()
	return deps
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
