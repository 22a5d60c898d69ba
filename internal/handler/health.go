package handler

import (
	"net/http"
)

// Readiness reports whether a component can serve traffic.
type Readiness interface {
	Ready() bool
}

// Connectivity reports whether a transport is connected.
type Connectivity interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	widget     Readiness
	natsClient Connectivity
}

// NewHealthHandler creates a new health handler. natsClient may be nil when
// the host bridge only listens over HTTP.
func NewHealthHandler(widget Readiness, natsClient Connectivity) *HealthHandler {
	return &HealthHandler{
		widget:     widget,
		natsClient: natsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.widget == nil || !h.widget.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no assistant available",
		})
		return
	}

	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
