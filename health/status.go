// Package health reports the driver's health: one Status per agent and per resource,
// aggregated into a single document served on /health.
package health

import (
	"regexp"
	"time"
)

var (
	urlRegex    = regexp.MustCompile(`(https?|nats|udp|spy:udp)://[^\s]+`)
	ipPortRegex = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d{1,5})?\b`)
)

// Status represents the health state of an agent, a resource or the driver
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related figures for an agent
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int64         `json:"error_count"`
	WorkCount    int64         `json:"work_count,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// sanitizeErrorMessage strips endpoints and addresses from an error before it is
// published on the health endpoint.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}
	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	return ipPortRegex.ReplaceAllString(sanitized, "[ADDR]")
}

// FromAgent builds the status of a duty-cycle agent from its last error and counters.
// An agent that reported errors recently is degraded; one that stopped is unhealthy.
func FromAgent(name string, running bool, lastErr error, metrics *Metrics) Status {
	var s Status
	switch {
	case !running:
		s = NewUnhealthy(name, "agent not running")
	case lastErr != nil:
		s = NewDegraded(name, sanitizeErrorMessage(lastErr.Error()))
	default:
		s = NewHealthy(name, "agent running")
	}
	return s.WithMetrics(metrics)
}
