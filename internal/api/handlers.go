package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, errorResponse{Error: msg})
}

// decodeBody decodes an optional JSON body. An empty body leaves dst alone.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrDatastoreUnavailable), errors.Is(err, models.ErrCacheUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ReadinessFunc reports whether the process can serve pipeline work. The
// returned details are included in the readiness response.
type ReadinessFunc func(ctx context.Context) (any, error)

// HealthHandler answers liveness and readiness checks.
type HealthHandler struct {
	logger    *slog.Logger
	ready     ReadinessFunc
	startTime time.Time
}

// NewHealthHandler creates a new health handler. A nil ready func reports
// ready unconditionally.
func NewHealthHandler(ready ReadinessFunc, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{logger: logger, ready: ready, startTime: time.Now()}
}

// Healthz handles GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Readyz handles GET /readyz
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		writeJSON(w, h.logger, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	details, err := h.ready(r.Context())
	if err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, h.logger, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"error":   err.Error(),
			"details": details,
		})
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"status": "ready", "details": details})
}
