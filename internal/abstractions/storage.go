package abstractions

import (
	"context"
	"log/slog"
	"time"

	"github.com/eval-hub/bench-runner/pkg/api"
)

type QueryResults[T any] struct {
	Items       []T
	TotalStored int
}

type Storage interface {
	WithLogger(logger *slog.Logger) Storage
	WithContext(ctx context.Context) Storage

	// This is used to identify the storage implementation in the logs and error messages
	GetDatasourceName() string

	Ping(timeout time.Duration) error

	// Run record operations
	CreateRun(run *api.RunRecord) error
	GetRun(id string) (*api.RunRecord, error)
	ListRuns(filter api.RunFilter) (*QueryResults[api.RunRecord], error)
	// TransitionRun applies the transition only if the stored status is one of
	// transition.From. It returns the record as stored afterwards and whether
	// the transition was applied.
	TransitionRun(id string, transition *api.RunTransition) (*api.RunRecord, bool, error)

	// Close the storage connection
	Close() error
}

// This interface must be decoupled from the service HTTP layer.
// Do not pass ExecutionContext, Request or Response wrappers either.
