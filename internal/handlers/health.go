package handlers

import (
	"net/http"
	"time"

	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
)

const (
	STATUS_HEALTHY   = "healthy"
	STATUS_UNHEALTHY = "unhealthy"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Build     string    `json:"build,omitempty"`
	BuildDate string    `json:"build_date,omitempty"`
}

// HandleHealth handles GET /api/v1/health. It answers 503 while the service
// cannot accept runs.
func (h *Handlers) HandleHealth(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	build, buildDate := "", ""
	if h.serviceConfig != nil && h.serviceConfig.Service != nil {
		build = h.serviceConfig.Service.Build
		buildDate = h.serviceConfig.Service.BuildDate
	}
	if build == "0.0.1" {
		// for now we only want a real build number and not the default value
		build = ""
	}
	healthInfo := HealthResponse{
		Status:    STATUS_HEALTHY,
		Timestamp: time.Now().UTC(),
		Build:     build,
		BuildDate: buildDate,
	}
	code := http.StatusOK
	if h.runs != nil {
		if err := h.runs.Health(ctx.Ctx); err != nil {
			healthInfo.Status = STATUS_UNHEALTHY
			healthInfo.Reason = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.WriteJSON(healthInfo, code)
}
