package api

import (
	"fmt"
	"time"
)

// RunConfigSchemaVersion is stamped on every stored run configuration so older
// artifact directories can still be interpreted.
const RunConfigSchemaVersion = 1

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can leave this status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

func GetRunStatus(s string) (RunStatus, error) {
	switch s {
	case string(RunStatusQueued):
		return RunStatusQueued, nil
	case string(RunStatusRunning):
		return RunStatusRunning, nil
	case string(RunStatusCompleted):
		return RunStatusCompleted, nil
	case string(RunStatusFailed):
		return RunStatusFailed, nil
	case string(RunStatusCanceled):
		return RunStatusCanceled, nil
	default:
		return RunStatus(s), fmt.Errorf("invalid run status: %s", s)
	}
}

// RunConfig is the validated submission for a single benchmark run.
// Optional parameters are pointers so that an explicit zero is not confused
// with an omitted value when the command line is built.
type RunConfig struct {
	SchemaVersion  int      `json:"schema_version,omitempty"`
	Benchmark      string   `json:"benchmark" validate:"required,catalog_id"`
	Model          string   `json:"model" validate:"required,catalog_id"`
	Limit          *int     `json:"limit,omitempty" validate:"omitempty,gt=0"`
	Temperature    *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP           *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxTokens      *int     `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Timeout        *int     `json:"timeout,omitempty" validate:"omitempty,gt=0"`
	Epochs         *int     `json:"epochs,omitempty" validate:"omitempty,gt=0"`
	MaxConnections *int     `json:"max_connections,omitempty" validate:"omitempty,gt=0"`
}

// RunRecord is the stored state of a run. Only the state machine changes
// Status and the timestamps after creation.
type RunRecord struct {
	RunID             string     `json:"run_id"`
	Benchmark         string     `json:"benchmark"`
	Model             string     `json:"model"`
	Config            RunConfig  `json:"config"`
	Status            RunStatus  `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	Error             string     `json:"error,omitempty"`
	ArtifactDir       string     `json:"artifact_dir"`
	Command           string     `json:"command"`
	PrimaryMetric     *float64   `json:"primary_metric,omitempty"`
	PrimaryMetricName string     `json:"primary_metric_name,omitempty"`
}

// RunTransition describes a guarded status change. It is applied only when the
// stored status is one of From; all fields are written together.
type RunTransition struct {
	From              []RunStatus
	To                RunStatus
	At                time.Time
	ExitCode          *int
	Error             string
	PrimaryMetric     *float64
	PrimaryMetricName string
}

// RunFilter narrows a run listing. Empty fields do not filter.
type RunFilter struct {
	Status    RunStatus
	Benchmark string
	Model     string
	Limit     int
	Offset    int
}

// RunLogs carries the trailing lines of each persisted stream.
type RunLogs struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// RunDetail is the point-in-time view of a run returned by the detail endpoint.
type RunDetail struct {
	RunRecord
	Logs *RunLogs `json:"logs,omitempty"`
}

// RunRecordList is a page of run records
type RunRecordList struct {
	Page
	Items []RunRecord `json:"items"`
}

// CancelResponse reports the status a run has after a cancel request.
type CancelResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// RunMeta is written to meta.json when a run reaches a terminal state.
type RunMeta struct {
	ExitCode   *int      `json:"exit_code"`
	FinishedAt time.Time `json:"finished_at"`
	Status     RunStatus `json:"status"`
}
