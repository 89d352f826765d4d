package abstractions

import (
	"context"
	"io"

	"github.com/eval-hub/bench-runner/pkg/api"
)

// Launcher starts benchmark processes. Concrete implementations hold the
// specifics of how a process is spawned; no other place in the code should
// touch os/exec for runs.
type Launcher interface {
	Name() string
	// Argv returns the invocation of the benchmark CLI with the given
	// arguments, used for catalog discovery.
	Argv(args ...string) []string
	// CommandLine returns the exact invocation Start would use for the config.
	CommandLine(config *api.RunConfig) string
	// Start spawns the process in dir. Spawn failures are returned as
	// *serviceerrors.SpawnError.
	Start(ctx context.Context, runID string, dir string, config *api.RunConfig) (ProcessHandle, error)
}

// ProcessHandle controls one spawned process.
type ProcessHandle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. The streams reach EOF on their own,
	// at the latest a drain delay after the exit.
	Wait() ExitOutcome
	// Terminate asks the process to stop, escalating to a forced kill after
	// the grace period. Calling it after exit is a no-op.
	Terminate() error
}

// ExitOutcome describes how a process ended.
type ExitOutcome struct {
	ExitCode int
	Signaled bool
	Signal   string
	Err      error
}
