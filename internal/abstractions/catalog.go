package abstractions

import (
	"context"

	"github.com/eval-hub/bench-runner/pkg/api"
)

// Catalog answers which benchmarks and models a run may reference.
type Catalog interface {
	ListBenchmarks(ctx context.Context) ([]api.Benchmark, string)
	GetBenchmark(ctx context.Context, name string) (*api.Benchmark, bool)
	HasBenchmark(ctx context.Context, name string) bool
	HasModel(ctx context.Context, model string) bool
}
