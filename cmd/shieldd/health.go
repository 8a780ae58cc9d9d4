// health.go - Health monitoring for the shielded token service
package main

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// CheckFunc reports a component's current status and a short message.
type CheckFunc func() (HealthStatus, string)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// HealthChecker runs registered component checks on demand
type HealthChecker struct {
	mu        sync.Mutex
	checkers  map[string]CheckFunc
	startTime time.Time
	version   string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checkers:  make(map[string]CheckFunc),
		startTime: time.Now(),
		version:   version,
	}
}

// RegisterComponent registers a health check for a component
func (hc *HealthChecker) RegisterComponent(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkers[name] = check
}

// CheckHealth runs every registered check and aggregates the worst status
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	names := make([]string, 0, len(hc.checkers))
	for name := range hc.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = hc.checkers[name]
	}
	startTime, version := hc.startTime, hc.version
	hc.mu.Unlock()

	overall := Healthy
	components := make([]ComponentHealth, 0, len(names))
	for i, check := range checks {
		start := time.Now()
		status, message := check()
		components = append(components, ComponentHealth{
			Name:      names[i],
			Status:    status,
			Message:   message,
			LastCheck: time.Now(),
			Latency:   time.Since(start),
		})
		if status == Unhealthy {
			overall = Unhealthy
		} else if status == Degraded && overall == Healthy {
			overall = Degraded
		}
	}

	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(startTime),
		Version:       version,
	}
}
