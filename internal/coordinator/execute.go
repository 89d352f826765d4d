package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/internal/metrics"
	"github.com/eval-hub/bench-runner/internal/tailer"
	"github.com/eval-hub/bench-runner/internal/telemetry"
	"github.com/eval-hub/bench-runner/pkg/api"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// activeRun is a run whose process is supervised by this instance.
type activeRun struct {
	record *api.RunRecord
	logger *slog.Logger

	mu       sync.Mutex
	handle   abstractions.ProcessHandle
	tailer   *tailer.Tailer
	stopped  bool
	shutdown atomic.Bool
	timedOut atomic.Bool
}

// stop terminates the process, or keeps it from being spawned at all.
func (r *activeRun) stop(shutdown bool) {
	if shutdown {
		r.shutdown.Store(true)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.handle != nil {
		if err := r.handle.Terminate(); err != nil {
			r.logger.Error("Failed to terminate the bench process", "error", err.Error())
		}
	}
}

func (r *activeRun) progress() *api.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tailer == nil {
		return nil
	}
	return r.tailer.Latest()
}

func (c *Coordinator) execute(run *activeRun) {
	defer c.watchers.Done()
	defer c.forget(run.record.RunID)

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	record := run.record
	ctx, span := telemetry.Tracer().Start(context.Background(), "run.execute", trace.WithAttributes(
		attribute.String("run.id", record.RunID),
		attribute.String("run.benchmark", record.Benchmark),
		attribute.String("run.model", record.Model),
	))
	defer span.End()

	handle, err := c.spawn(ctx, run)
	if err != nil {
		run.logger.Error("Failed to start the bench process", "error", err.Error())
		span.RecordError(err)
		final, _ := c.fail(run, nil, err.Error())
		c.finish(span, run, final, nil)
		return
	}
	if handle == nil {
		// canceled before the process was spawned
		final, _ := c.Get(ctx, record.RunID)
		c.finish(span, run, final, nil)
		return
	}
	span.SetAttributes(attribute.Int("process.pid", handle.PID()))

	if _, _, err := c.machine.Start(record.RunID); err != nil {
		c.storageFailed(err)
		run.stop(false)
	}

	var limit *time.Timer
	if c.conf.MaxDuration > 0 {
		limit = time.AfterFunc(c.conf.MaxDuration, func() {
			run.logger.Warn("The run exceeded the maximum duration", "max_duration", c.conf.MaxDuration.String())
			run.timedOut.Store(true)
			run.stop(false)
		})
	}

	detector := newFailureDetector(c.conf.FailurePatterns)
	results := &resultsCapture{}
	t := tailer.New(record.RunID, record.ArtifactDir, c.bus, run.logger, detector.observe, results.observe)
	run.mu.Lock()
	run.tailer = t
	run.mu.Unlock()

	tailed := make(chan error, 1)
	go func() {
		tailed <- t.Run(ctx, handle.Stdout(), handle.Stderr())
	}()

	outcome := handle.Wait()
	if limit != nil {
		limit.Stop()
	}
	run.logger.Info("The bench process exited", "exit_code", outcome.ExitCode, "signaled", outcome.Signaled, "signal", outcome.Signal)

	// the streams end at EOF or at the launcher's drain deadline, whichever
	// comes first, so a lingering child cannot hold the run open
	if err := <-tailed; err != nil {
		run.logger.Error("Failed to persist the process output", "error", err.Error())
	}

	if summary := results.payload(); summary != nil {
		if err := artifacts.WriteSummary(record.ArtifactDir, summary); err != nil {
			run.logger.Warn("Failed to write the results summary", "error", err.Error())
		}
	}

	final, err := c.conclude(run, outcome, detector, results)
	if err != nil {
		span.RecordError(err)
	}
	c.finish(span, run, final, &outcome)
}

// spawn starts the process unless the run was stopped first. A nil handle
// with a nil error means it was stopped.
func (c *Coordinator) spawn(ctx context.Context, run *activeRun) (abstractions.ProcessHandle, error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.stopped {
		return nil, nil
	}
	handle, err := c.launcher.Start(ctx, run.record.RunID, run.record.ArtifactDir, &run.record.Config)
	if err != nil {
		return nil, err
	}
	run.handle = handle
	return handle, nil
}

// conclude moves the run to its terminal status from how its process ended.
// A run that was canceled meanwhile keeps its status.
func (c *Coordinator) conclude(run *activeRun, outcome abstractions.ExitOutcome, detector *failureDetector, results *resultsCapture) (*api.RunRecord, error) {
	runID := run.record.RunID
	var exitCode *int
	if outcome.ExitCode >= 0 {
		code := outcome.ExitCode
		exitCode = &code
	}

	switch {
	case outcome.Err != nil:
		return c.fail(run, exitCode, fmt.Sprintf("Failed waiting for the bench process: %s", outcome.Err.Error()))
	case run.timedOut.Load():
		return c.fail(run, exitCode, fmt.Sprintf("Run exceeded the maximum duration of %s", c.conf.MaxDuration.String()))
	case run.shutdown.Load():
		return c.fail(run, exitCode, interruptedByShutdown)
	case outcome.ExitCode == 0:
		if message, failed := detector.failure(run.record.ArtifactDir); failed {
			return c.fail(run, exitCode, message)
		}
		metric, name := results.primaryMetric()
		record, _, err := c.machine.Complete(runID, 0, metric, name)
		if err != nil {
			c.storageFailed(err)
		}
		return record, err
	default:
		if message, failed := detector.failure(run.record.ArtifactDir); failed {
			return c.fail(run, exitCode, message)
		}
		return c.fail(run, exitCode, exitMessage(run.record.ArtifactDir, outcome))
	}
}

func (c *Coordinator) fail(run *activeRun, exitCode *int, message string) (*api.RunRecord, error) {
	record, _, err := c.machine.Fail(run.record.RunID, exitCode, message)
	if err != nil {
		c.storageFailed(err)
	}
	return record, err
}

func (c *Coordinator) finish(span trace.Span, run *activeRun, final *api.RunRecord, outcome *abstractions.ExitOutcome) {
	if final == nil {
		return
	}
	span.SetAttributes(attribute.String("run.status", string(final.Status)))
	if final.Status == api.RunStatusFailed {
		span.SetStatus(codes.Error, final.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	c.writeMeta(final, outcome)
}

// writeMeta records the outcome next to the logs. The process exit code is
// kept even when the run was canceled.
func (c *Coordinator) writeMeta(record *api.RunRecord, outcome *abstractions.ExitOutcome) {
	if !record.Status.IsTerminal() {
		return
	}
	meta := &api.RunMeta{ExitCode: record.ExitCode, Status: record.Status, FinishedAt: time.Now().UTC()}
	if record.FinishedAt != nil {
		meta.FinishedAt = *record.FinishedAt
	}
	if meta.ExitCode == nil && outcome != nil && outcome.ExitCode >= 0 {
		code := outcome.ExitCode
		meta.ExitCode = &code
	}
	if err := artifacts.WriteMeta(record.ArtifactDir, meta); err != nil {
		c.logger.Warn("Failed to write the run metadata", "run_id", record.RunID, "error", err.Error())
	}
}
