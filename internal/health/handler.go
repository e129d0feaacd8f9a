// Package health serves the liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"
)

// Readiness is a snapshot of what the gateway is currently serving.
type Readiness struct {
	Zones      int    // installed zone rules; 0 means classification is off
	Converters int    // registered problem converters, excluding the fallback
	Upstream   string // upstream base URL, empty when none is configured
	Draining   bool   // shutdown has begun
}

// ReadinessSource reports the current Readiness.
type ReadinessSource interface {
	Readiness() Readiness
}

// ReadinessFunc adapts a function to ReadinessSource.
type ReadinessFunc func() Readiness

// Readiness calls f.
func (f ReadinessFunc) Readiness() Readiness { return f() }

// Handler provides HTTP health check endpoints.
type Handler struct {
	source        ReadinessSource
	version       string
	livenessPath  string
	readinessPath string
}

// NewHandler creates a health check handler. Empty paths default to
// /healthz and /readyz.
func NewHandler(source ReadinessSource, version, livenessPath, readinessPath string) *Handler {
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	if readinessPath == "" {
		readinessPath = "/readyz"
	}
	return &Handler{
		source:        source,
		version:       version,
		livenessPath:  livenessPath,
		readinessPath: readinessPath,
	}
}

// LivenessPath returns the path served as the liveness probe.
func (h *Handler) LivenessPath() string { return h.livenessPath }

// ReadinessPath returns the path served as the readiness probe.
func (h *Handler) ReadinessPath() string { return h.readinessPath }

// ServeHTTP routes to the appropriate health endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case h.livenessPath:
		h.handleLiveness(w, r)
	case h.readinessPath:
		h.handleReadiness(w, r)
	default:
		http.NotFound(w, r)
	}
}

// LivenessResponse is the JSON response for the liveness probe.
type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadinessResponse is the JSON response for the readiness probe.
type ReadinessResponse struct {
	Status     string `json:"status"`
	Zones      int    `json:"zones"`
	ZoneActive bool   `json:"zone_active"`
	Converters int    `json:"converters"`
	Upstream   bool   `json:"upstream_configured"`
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{
		Status:  "ok",
		Version: h.version,
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var state Readiness
	if h.source != nil {
		state = h.source.Readiness()
	}

	resp := ReadinessResponse{
		Zones:      state.Zones,
		ZoneActive: state.Zones > 0,
		Converters: state.Converters,
		Upstream:   state.Upstream != "",
	}

	w.Header().Set("Content-Type", "application/json")
	if state.Draining {
		resp.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		resp.Status = "ready"
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
