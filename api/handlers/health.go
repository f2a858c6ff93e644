package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/internal/database"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	pool    *database.PoolManager
	version string
	started time.Time
	logger  *zap.Logger
}

func NewHealthHandler(pool *database.PoolManager, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		pool:    pool,
		version: version,
		started: time.Now(),
		logger:  logger.With(zap.String("component", "health_handler")),
	}
}

type healthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HandleHealthz handles GET /healthz: process liveness only.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, healthStatus{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

// HandleReady handles GET /ready: readiness including the database.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := "ok"
	code := http.StatusOK

	if err := h.pool.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		checks["database"] = err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, Response{Success: code == http.StatusOK, Data: healthStatus{
		Status:  status,
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  checks,
	}})
}
