package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// Check verifies one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	service  string
	checks   map[string]Check
	breakers *circuitbreaker.Manager
	timeout  time.Duration
}

// NewHealthHandler creates a handler. breakers may be nil.
func NewHealthHandler(service string, checks map[string]Check, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{
		service:  service,
		checks:   checks,
		breakers: breakers,
		timeout:  3 * time.Second,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// ReadyResponse reports each dependency.
type ReadyResponse struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Ready handles GET /ready. Any failing check makes the instance unready; open
// breakers are reported but do not fail readiness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Health()
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
