package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/upb/authgate/jwks"
	"github.com/upb/authgate/utils"
	"go.uber.org/zap"
)

// readinessTimeout bounds the key set load attempted by the readiness probe
const readinessTimeout = 2 * time.Second

// KeySet is the view of the key resolver the probes need
type KeySet interface {
	Ready() bool
	Refresh(ctx context.Context) error
	Keys() []jwks.SigningKey
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// KeyInfo describes one cached verification key
type KeyInfo struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg,omitempty"`
	KeyType   string `json:"kty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	keys   KeySet
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(keys KeySet, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		keys:   keys,
		logger: logger,
	}
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteJSON(w, http.StatusOK, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - the service is ready once a key set has been loaded.
// An empty cache triggers one load attempt.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if err := h.checkKeySet(r.Context()); err != nil {
		h.logger.Warn("key set readiness check failed", zap.Error(err))
		checks["jwks"] = "unavailable"
		ready = false
	} else {
		checks["jwks"] = "loaded"
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !ready {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, response); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// HandleKeys handles GET /api/admin/keys
func (h *HealthHandler) HandleKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.keys.Keys()
	out := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyInfo{KeyID: k.KeyID, Algorithm: k.Algorithm, KeyType: k.KeyType})
	}
	_ = utils.WriteJSON(w, http.StatusOK, out)
}

func (h *HealthHandler) checkKeySet(ctx context.Context) error {
	if h.keys.Ready() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()
	return h.keys.Refresh(ctx)
}
