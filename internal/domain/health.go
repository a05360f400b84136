package domain

import "time"

// HealthStatus summarises dependency readiness.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// DependencyHealth is the outcome of one readiness probe.
type DependencyHealth struct {
	Status    HealthStatus  `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// HealthReport aggregates dependency probes. The worst dependency status wins.
type HealthReport struct {
	Status      HealthStatus                `json:"status"`
	Checks      map[string]DependencyHealth `json:"checks"`
	GeneratedAt time.Time                   `json:"generatedAt"`
}
