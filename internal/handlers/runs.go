package handlers

import (
	"math"
	"net/http"

	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/pkg/api"
)

// HandleCreateRun handles POST /api/v1/runs
func (h *Handlers) HandleCreateRun(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	body, err := r.BodyAsBytes()
	if err != nil {
		w.ErrorWithMessageCode(ctx.RequestID, messages.RequestBodyInvalid, "Error", err.Error())
		return
	}
	record, err := h.runs.SubmitJSON(ctx.Ctx, body)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	w.SetHeader("Location", "/api/v1/runs/"+record.RunID)
	w.WriteJSON(record, http.StatusAccepted)
}

// HandleListRuns handles GET /api/v1/runs
func (h *Handlers) HandleListRuns(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	filter := api.RunFilter{
		Benchmark: queryValue(r, constants.QUERY_PARAMETER_BENCHMARK),
		Model:     queryValue(r, constants.QUERY_PARAMETER_MODEL),
	}
	if status := queryValue(r, constants.QUERY_PARAMETER_STATUS); status != "" {
		runStatus, err := api.GetRunStatus(status)
		if err != nil {
			w.ErrorWithMessageCode(ctx.RequestID, messages.QueryParameterInvalid, "ParameterName", constants.QUERY_PARAMETER_STATUS, "Type", "run status", "Value", status)
			return
		}
		filter.Status = runStatus
	}
	limit, err := queryInt(r, constants.QUERY_PARAMETER_LIMIT, constants.DEFAULT_PAGE_LIMIT, 1, constants.MAX_PAGE_LIMIT)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	offset, err := queryInt(r, constants.QUERY_PARAMETER_OFFSET, 0, 0, math.MaxInt32)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	results, err := h.runs.List(ctx.Ctx, filter)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	page, err := CreatePage(results.TotalStored, offset, limit, ctx, r)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	items := results.Items
	if items == nil {
		items = []api.RunRecord{}
	}
	w.WriteJSON(api.RunRecordList{Page: *page, Items: items}, http.StatusOK)
}

// HandleGetRun handles GET /api/v1/runs/{run_id}
func (h *Handlers) HandleGetRun(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	runID, err := pathValue(r, constants.PATH_PARAMETER_RUN_ID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	// -1 asks for the configured default
	logLines, err := queryInt(r, constants.QUERY_PARAMETER_LOG_LINES, -1, 0, math.MaxInt32)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	record, err := h.runs.Get(ctx.Ctx, runID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	logs, err := h.runs.LogTail(record, logLines)
	if err != nil {
		ctx.Logger.Warn("Failed to read the run logs", constants.LOG_RUN_ID, runID, "error", err.Error())
		logs = nil
	}
	w.WriteJSON(api.RunDetail{RunRecord: *record, Logs: logs}, http.StatusOK)
}

// HandleCancelRun handles DELETE /api/v1/runs/{run_id} and POST /api/v1/runs/{run_id}/cancel
func (h *Handlers) HandleCancelRun(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	runID, err := pathValue(r, constants.PATH_PARAMETER_RUN_ID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	status, err := h.runs.Cancel(ctx.Ctx, runID)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	w.WriteJSON(api.CancelResponse{RunID: runID, Status: status}, http.StatusOK)
}
