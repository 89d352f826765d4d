package handlers

import (
	"net/http"
	"time"

	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
)

const SERVICE_NAME = "bench-runner"

type StatusResponse struct {
	Service    string `json:"service"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	Executable string `json:"executable,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// HandleStatus handles GET /api/v1/status
func (h *Handlers) HandleStatus(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	version := ""
	if h.serviceConfig != nil && h.serviceConfig.Service != nil {
		version = h.serviceConfig.Service.Version
	}
	executable := ""
	if h.serviceConfig != nil && h.serviceConfig.Runner != nil {
		executable = h.serviceConfig.Runner.Executable
	}
	w.WriteJSON(StatusResponse{
		Service:    SERVICE_NAME,
		Version:    version,
		Status:     "running",
		Executable: executable,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}
