package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		// Update overall status
		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)

		w.Header().Set("Content-Type", "application/json")

		// Set HTTP status based on health
		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK) // Still 200 but degraded
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// Common health check functions

// ListenerCheck checks that the HTTP listener address is configured.
func ListenerCheck(addr string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("listening on %s", addr),
		}
	}
}

// AuthorizerCheck reports whether the process-lifetime HMAC key is loaded.
func AuthorizerCheck(keyLoaded bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if keyLoaded {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: "authorizer key loaded",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusUnhealthy,
			Message: "authorizer key not loaded",
		}
	}
}

// PoolCapacityCheck reports degraded status once the pool is close to its
// configured capacity, and unhealthy once admission is fully exhausted.
func PoolCapacityCheck(live func() int, capacity int) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if capacity <= 0 {
			return ComponentHealth{Status: HealthStatusOK, Message: "unbounded pool"}
		}
		n := live()
		switch {
		case n >= capacity:
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("pool full: %d/%d flows live", n, capacity),
			}
		case float64(n) >= 0.9*float64(capacity):
			return ComponentHealth{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("pool near capacity: %d/%d flows live", n, capacity),
			}
		default:
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: fmt.Sprintf("%d/%d flows live", n, capacity),
			}
		}
	}
}
