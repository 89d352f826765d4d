package eventbus

import (
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/pkg/api"
)

// Snapshot is the persisted state of a run at the moment it was read.
type Snapshot struct {
	Record   *api.RunRecord
	Stdout   []string
	Stderr   []string
	Progress *api.Progress
}

// ReplaySource reads the persisted state of a run. The record must be read
// before the log files. A completed or failed record is only written after
// both streams ended, so its logs are complete. A canceled record is written
// as soon as the cancel is accepted while the process may still print during
// its grace period; those lines reach the log files but not the stream, and
// show up in the run detail (log_lines) instead.
type ReplaySource interface {
	Snapshot(runID string) (*Snapshot, error)
}

// BuildReplay turns a snapshot into the events an observer would have seen:
// the statuses reached, every persisted line per stream, the latest progress
// and, for finished runs, the terminal status and event.
func BuildReplay(snapshot *Snapshot) []api.RunEvent {
	record := snapshot.Record
	events := make([]api.RunEvent, 0, len(snapshot.Stdout)+len(snapshot.Stderr)+5)
	events = append(events, api.NewStatusEvent(record.RunID, api.RunStatusQueued, record.CreatedAt))
	if record.StartedAt != nil {
		events = append(events, api.NewStatusEvent(record.RunID, api.RunStatusRunning, *record.StartedAt))
	}
	for i, line := range snapshot.Stdout {
		events = append(events, api.NewLogLineEvent(record.RunID, api.StreamStdout, int64(i), line))
	}
	for i, line := range snapshot.Stderr {
		events = append(events, api.NewLogLineEvent(record.RunID, api.StreamStderr, int64(i), line))
	}
	if snapshot.Progress != nil {
		events = append(events, api.NewProgressEvent(record.RunID, *snapshot.Progress))
	}
	if terminal, ok := api.NewTerminalEvent(record); ok {
		at := time.Now().UTC()
		if record.FinishedAt != nil {
			at = *record.FinishedAt
		}
		events = append(events, api.NewStatusEvent(record.RunID, record.Status, at), terminal)
	}
	return events
}

// StoreReplay reads snapshots from the run store and the artifact logs.
type StoreReplay struct {
	Storage abstractions.Storage
	// Progress returns the latest progress of an active run, if known.
	Progress func(runID string) *api.Progress
}

func (r *StoreReplay) Snapshot(runID string) (*Snapshot, error) {
	record, err := r.Storage.GetRun(runID)
	if err != nil {
		return nil, err
	}
	stdout, err := artifacts.ReadLines(record.ArtifactDir, api.StreamStdout)
	if err != nil {
		return nil, err
	}
	stderr, err := artifacts.ReadLines(record.ArtifactDir, api.StreamStderr)
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{Record: record, Stdout: stdout, Stderr: stderr}
	if r.Progress != nil && !record.Status.IsTerminal() {
		snapshot.Progress = r.Progress(runID)
	}
	return snapshot, nil
}
