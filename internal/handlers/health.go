package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	domain "github.com/threadline/api/internal/domain"
	"github.com/threadline/api/internal/services"
)

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the readiness probe to the system service.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata reported by the probes.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers with the provided options.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz is the liveness probe: the process is up and serving.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    domain.HealthStatusOK,
		"timestamp": now.Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	if !h.build.StartedAt.IsZero() {
		payload["uptime"] = now.Sub(h.build.StartedAt).String()
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz is the readiness probe: dependency checks must pass before traffic
// is routed here.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":  domain.HealthStatusError,
			"details": []string{err.Error()},
		})
		return
	}

	checks := make(map[string]map[string]any, len(report.Checks))
	details := make([]string, 0)
	for name, check := range report.Checks {
		entry := map[string]any{
			"status": check.Status,
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		if check.Error != "" {
			entry["error"] = check.Error
			details = append(details, fmt.Sprintf("%s: %s", name, check.Error))
		}
		if check.Latency > 0 {
			entry["latencyMs"] = check.Latency.Milliseconds()
		}
		if !check.CheckedAt.IsZero() {
			entry["checkedAt"] = formatTime(check.CheckedAt)
		}
		checks[name] = entry
	}
	sort.Strings(details)

	payload := map[string]any{
		"status":      report.Status,
		"checks":      checks,
		"details":     details,
		"generatedAt": formatTime(report.GeneratedAt),
	}
	if report.Version != "" {
		payload["version"] = report.Version
	}
	if report.CommitSHA != "" {
		payload["commitSha"] = report.CommitSHA
	}
	if report.Environment != "" {
		payload["environment"] = report.Environment
	}
	if report.Uptime > 0 {
		payload["uptime"] = report.Uptime.String()
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}
