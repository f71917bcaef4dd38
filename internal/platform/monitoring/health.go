// Package monitoring provides the health-check aggregator and the
// Prometheus metrics collector shared across HTTP surfaces and jobs.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult is the outcome of one named health check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthStatus is the aggregate response served at /health.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthCheck performs one dependency check.
type HealthCheck func() CheckResult

// HealthChecker aggregates named checks into a single status.
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// NewHealthChecker creates an empty health checker for service/version.
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{service: service, version: version, checks: make(map[string]HealthCheck)}
}

// AddCheck registers a named health check.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs every registered check and rolls the results up:
// unhealthy if any check is unhealthy, else degraded if any is degraded.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	anyUnhealthy, anyDegraded := false, false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler serves the aggregate health status, 503 when unhealthy.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, health)
	}
}

// DatabaseHealthCheck pings the system-of-record store.
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("database ping failed: %v", err), Latency: time.Since(start).String()}
		}
		return CheckResult{Status: StatusHealthy, Message: "database connection successful", Latency: time.Since(start).String()}
	}
}

// CachePinger is the subset of the Redis client the health check needs.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// CacheHealthCheck pings the fast-path cache. A cache outage is reported as
// degraded, not unhealthy, because every cache-dependent operation has a
// store fallback and the service keeps serving correctly without it.
func CacheHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("cache ping failed: %v", err), Latency: time.Since(start).String()}
		}
		return CheckResult{Status: StatusHealthy, Message: "cache connection successful", Latency: time.Since(start).String()}
	}
}

// ConfigurationHealthCheck verifies required configuration keys are set.
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		var missing []string
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("missing required configuration: %v", missing), Latency: time.Since(start).String()}
		}
		return CheckResult{Status: StatusHealthy, Message: "all required configuration present", Latency: time.Since(start).String()}
	}
}
