// Package handler provides HTTP handlers for the flipflag API.
package handler

import (
	"net/http"
	"time"

	"github.com/flipflag/flipflag/internal/api/models"
	"github.com/flipflag/flipflag/internal/api/response"
	"github.com/flipflag/flipflag/internal/offline"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	store     offline.Store
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, store offline.Store) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		store:     store,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - readiness check.
// The service stays ready when the offline store degrades: the guard
// falls back to delegate evaluation, so a broken store is reported as
// DEGRADED rather than FAIL.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	status := models.HealthStatusOK
	details := map[string]interface{}{
		"store": "available",
	}
	if h.store != nil && !h.store.Available(r.Context()) {
		status = models.HealthStatusDegraded
		details["store"] = "unavailable"
	}

	health := models.Health{
		Status:  status,
		Time:    models.Timestamp(time.Now()),
		Details: details,
	}
	response.JSON(w, r, http.StatusOK, health)
}
