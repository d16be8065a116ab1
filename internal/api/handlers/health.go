package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/drfirst/go-rxcalc/pkg/circuitbreaker"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	version  string
	breakers []*circuitbreaker.CircuitBreaker
	checks   map[string]ReadinessCheck
}

// NewHealthHandler creates a health handler
func NewHealthHandler(service, version string, breakers ...*circuitbreaker.CircuitBreaker) *HealthHandler {
	return &HealthHandler{
		service:  service,
		version:  version,
		breakers: breakers,
		checks:   make(map[string]ReadinessCheck),
	}
}

// AddCheck registers a readiness check
func (h *HealthHandler) AddCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// Health handles GET /health. Open breakers degrade the status but the
// process stays live.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	breakers := circuitbreaker.Health(h.breakers...)
	status := "healthy"
	for _, b := range breakers {
		if !b.Healthy {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"service":  h.service,
		"version":  h.version,
		"breakers": breakers,
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "not ready", "failures": failures})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
