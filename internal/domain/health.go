package domain

import "time"

const (
	// HealthStatusOK marks a dependency as fully operational.
	HealthStatusOK = "ok"
	// HealthStatusDegraded marks a dependency as responding with elevated latency or partial failures.
	HealthStatusDegraded = "degraded"
	// HealthStatusError marks a dependency as unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
