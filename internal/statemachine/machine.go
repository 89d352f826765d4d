// Package statemachine is the only writer of run status.
//
//	queued  -> running | failed | canceled
//	running -> completed | failed | canceled
//
// Every transition is persisted with a compare-and-set on the current status
// before its events are published, so observers never see a state the store
// does not hold. Requests that do not match the current status are no-ops
// and return the record as it is.
package statemachine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/metrics"
	"github.com/eval-hub/bench-runner/internal/telemetry"
	"github.com/eval-hub/bench-runner/pkg/api"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// Publisher receives lifecycle events once they are persisted.
type Publisher interface {
	Publish(runID string, event api.RunEvent)
}

type Machine struct {
	storage    abstractions.Storage
	publisher  Publisher
	logger     *slog.Logger
	otelLogger otellog.Logger
	locks      *keyedMutex
	now        func() time.Time
}

func New(storage abstractions.Storage, publisher Publisher, logger *slog.Logger) *Machine {
	return &Machine{
		storage:    storage,
		publisher:  publisher,
		logger:     logger,
		otelLogger: global.GetLoggerProvider().Logger(telemetry.InstrumentationName),
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start moves a queued run to running and sets started_at.
func (m *Machine) Start(runID string) (*api.RunRecord, bool, error) {
	return m.transition(runID, &api.RunTransition{
		From: []api.RunStatus{api.RunStatusQueued},
		To:   api.RunStatusRunning,
	}, nil)
}

// Complete records a successful exit of a running run.
func (m *Machine) Complete(runID string, exitCode int, metric *float64, metricName string) (*api.RunRecord, bool, error) {
	return m.transition(runID, &api.RunTransition{
		From:              []api.RunStatus{api.RunStatusRunning},
		To:                api.RunStatusCompleted,
		ExitCode:          &exitCode,
		PrimaryMetric:     metric,
		PrimaryMetricName: metricName,
	}, nil)
}

// Fail records a failure. A queued run fails directly when its process
// could not be started; such a run never gets a started_at.
func (m *Machine) Fail(runID string, exitCode *int, message string) (*api.RunRecord, bool, error) {
	return m.transition(runID, &api.RunTransition{
		From:     []api.RunStatus{api.RunStatusQueued, api.RunStatusRunning},
		To:       api.RunStatusFailed,
		ExitCode: exitCode,
		Error:    message,
	}, nil)
}

// Cancel moves a queued or running run to canceled. onCanceled runs only
// when the cancel applied, after the new state is persisted and published,
// and before any other transition of the run can start.
func (m *Machine) Cancel(runID string, onCanceled func(record *api.RunRecord)) (*api.RunRecord, bool, error) {
	return m.transition(runID, &api.RunTransition{
		From: []api.RunStatus{api.RunStatusQueued, api.RunStatusRunning},
		To:   api.RunStatusCanceled,
	}, onCanceled)
}

func (m *Machine) transition(runID string, transition *api.RunTransition, after func(record *api.RunRecord)) (*api.RunRecord, bool, error) {
	unlock := m.locks.lock(runID)
	defer unlock()

	transition.At = m.now()
	record, applied, err := m.storage.TransitionRun(runID, transition)
	if err != nil {
		m.logger.Error("Failed to persist run transition", "run_id", runID, "to", transition.To, "error", err.Error())
		return nil, false, err
	}
	if !applied {
		m.logger.Debug("Run transition did not apply", "run_id", runID, "to", transition.To, "status", record.Status)
		return record, false, nil
	}

	m.emit(record, transition.At)
	m.publisher.Publish(runID, api.NewStatusEvent(runID, record.Status, transition.At))
	if terminal, ok := api.NewTerminalEvent(record); ok {
		m.publisher.Publish(runID, terminal)
		metrics.RunsFinished.WithLabelValues(string(record.Status)).Inc()
	}
	if after != nil {
		after(record)
	}
	return record, true, nil
}

func (m *Machine) emit(record *api.RunRecord, at time.Time) {
	m.logger.Info("Run transitioned", "run_id", record.RunID, "status", record.Status, "error", record.Error)

	var rec otellog.Record
	rec.SetTimestamp(at)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetSeverityText("INFO")
	rec.SetBody(otellog.StringValue("run transitioned"))
	rec.AddAttributes(
		otellog.String("run_id", record.RunID),
		otellog.String("benchmark", record.Benchmark),
		otellog.String("model", record.Model),
		otellog.String("status", string(record.Status)),
	)
	if record.ExitCode != nil {
		rec.AddAttributes(otellog.Int("exit_code", *record.ExitCode))
	}
	m.otelLogger.Emit(context.Background(), rec)
}

// keyedMutex serializes work per run id. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
