package handlers

import (
	"context"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/eventbus"
	"github.com/eval-hub/bench-runner/pkg/api"
)

// RunService is what the HTTP layer needs from the run coordinator.
type RunService interface {
	SubmitJSON(ctx context.Context, body []byte) (*api.RunRecord, error)
	Cancel(ctx context.Context, runID string) (api.RunStatus, error)
	Get(ctx context.Context, runID string) (*api.RunRecord, error)
	List(ctx context.Context, filter api.RunFilter) (*abstractions.QueryResults[api.RunRecord], error)
	LogTail(record *api.RunRecord, n int) (*api.RunLogs, error)
	Subscribe(ctx context.Context, runID string) (*eventbus.Subscription, error)
	Health(ctx context.Context) error
}

type Handlers struct {
	runs          RunService
	catalog       abstractions.Catalog
	serviceConfig *config.Config
}

func New(runs RunService, catalog abstractions.Catalog, serviceConfig *config.Config) *Handlers {
	return &Handlers{
		runs:          runs,
		catalog:       catalog,
		serviceConfig: serviceConfig,
	}
}
