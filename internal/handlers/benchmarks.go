package handlers

import (
	"net/http"

	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/pkg/api"
)

// HandleListBenchmarks handles GET /api/v1/benchmarks
func (h *Handlers) HandleListBenchmarks(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	benchmarks, source := h.catalog.ListBenchmarks(ctx.Ctx)
	if benchmarks == nil {
		benchmarks = []api.Benchmark{}
	}
	w.WriteJSON(api.BenchmarkList{
		TotalCount: len(benchmarks),
		Source:     source,
		Items:      benchmarks,
	}, http.StatusOK)
}

// HandleGetBenchmark handles GET /api/v1/benchmarks/{name}
func (h *Handlers) HandleGetBenchmark(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	name, err := pathValue(r, constants.PATH_PARAMETER_BENCHMARK)
	if err != nil {
		w.Error(err, ctx.RequestID)
		return
	}
	benchmark, ok := h.catalog.GetBenchmark(ctx.Ctx, name)
	if !ok {
		w.ErrorWithMessageCode(ctx.RequestID, messages.BenchmarkNotFound, "Benchmark", name)
		return
	}
	w.WriteJSON(benchmark, http.StatusOK)
}
