package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by the cache store; a nil Pinger (no store
// configured) always reports healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers liveness/readiness probes, degrading gracefully
// when no cache store is configured.
type HealthHandler struct {
	Store        Pinger
	StoreEnabled bool
}

type healthResponse struct {
	Status string `json:"status"`
	Cache  string `json:"cache,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.StoreEnabled || h.Store == nil {
		writeHealth(w, http.StatusOK, healthResponse{Status: "up", Cache: "disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "down"})
		return
	}
	writeHealth(w, http.StatusOK, healthResponse{Status: "up", Cache: "enabled"})
}

func writeHealth(w http.ResponseWriter, code int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
