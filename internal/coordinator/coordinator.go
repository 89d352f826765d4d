// Package coordinator runs benchmark submissions end to end. It is the only
// place that spawns processes, and it wires each process to the tailer, the
// state machine and the event bus.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/eventbus"
	"github.com/eval-hub/bench-runner/internal/logging"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/metrics"
	"github.com/eval-hub/bench-runner/internal/serialization"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/internal/statemachine"
	"github.com/eval-hub/bench-runner/pkg/api"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsonpatch "gopkg.in/evanphx/json-patch.v4"
)

const (
	defaultLogTailLines    = 100
	defaultMaxLogTailLines = 5000
	recoverPageSize        = 200

	interruptedByRestart  = "interrupted by service restart"
	interruptedByShutdown = "interrupted by service shutdown"
	shuttingDown          = "the service is shutting down"
)

type Coordinator struct {
	logger   *slog.Logger
	storage  abstractions.Storage
	launcher abstractions.Launcher
	catalog  abstractions.Catalog
	validate *validator.Validate
	layout   *artifacts.Layout
	bus      *eventbus.Bus
	machine  *statemachine.Machine
	conf     config.RunnerConfig
	defaults []byte

	mu        sync.Mutex
	active    map[string]*activeRun
	suspended error
	closing   bool
	watchers  sync.WaitGroup
	stopBus   context.CancelFunc
	busDone   chan struct{}
}

func New(logger *slog.Logger, serviceConfig *config.Config, storage abstractions.Storage, launcher abstractions.Launcher, catalog abstractions.Catalog, validate *validator.Validate) (*Coordinator, error) {
	if serviceConfig == nil || serviceConfig.Runner == nil {
		return nil, serviceerrors.NewServiceError(messages.ConfigurationFailed, "Error", "the runner section is missing")
	}
	layout, err := artifacts.NewLayout(serviceConfig.Runner.RunsDir)
	if err != nil {
		return nil, err
	}
	defaults := []byte("{}")
	if len(serviceConfig.Runner.Defaults) > 0 {
		if defaults, err = json.Marshal(serviceConfig.Runner.Defaults); err != nil {
			return nil, err
		}
	}

	c := &Coordinator{
		logger:   logger,
		storage:  storage,
		launcher: launcher,
		catalog:  catalog,
		validate: validate,
		layout:   layout,
		conf:     *serviceConfig.Runner,
		defaults: defaults,
		active:   map[string]*activeRun{},
	}
	if c.conf.LogTailLines <= 0 {
		c.conf.LogTailLines = defaultLogTailLines
	}
	if c.conf.MaxLogTailLines <= 0 {
		c.conf.MaxLogTailLines = defaultMaxLogTailLines
	}
	if c.conf.FailurePatterns == nil {
		c.conf.FailurePatterns = config.DefaultFailurePatterns
	}
	c.bus = eventbus.New(&eventbus.StoreReplay{Storage: storage, Progress: c.progress}, serviceConfig.Events, logger)
	c.machine = statemachine.New(storage, c.bus, logger)
	return c, nil
}

// Start recovers runs orphaned by a previous instance and starts the
// heartbeats.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil {
		return err
	}
	busCtx, cancel := context.WithCancel(context.Background())
	c.stopBus = cancel
	c.busDone = make(chan struct{})
	go func() {
		defer close(c.busDone)
		c.bus.Run(busCtx)
	}()
	return nil
}

// Submit validates a run configuration and starts it in the background.
func (c *Coordinator) Submit(ctx context.Context, config *api.RunConfig) (*api.RunRecord, error) {
	body, err := json.Marshal(config)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.RequestBodyInvalid, "Error", err.Error())
	}
	return c.SubmitJSON(ctx, body)
}

// SubmitJSON is Submit for a raw request body. The configured defaults are
// applied beneath the body as a JSON merge patch before validation.
func (c *Coordinator) SubmitJSON(ctx context.Context, body []byte) (*api.RunRecord, error) {
	if err := c.accepting(); err != nil {
		return nil, err
	}
	runConfig, err := c.buildConfig(ctx, body)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := logging.WithRun(c.logger, runID, runConfig.Benchmark, runConfig.Model)

	dir, err := c.layout.Create(runID)
	if err != nil {
		c.discard(logger, runID)
		return nil, serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}
	command := c.launcher.CommandLine(runConfig)
	if err := artifacts.WriteConfig(dir, runConfig); err != nil {
		c.discard(logger, runID)
		return nil, serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}
	if err := artifacts.WriteCommand(dir, command); err != nil {
		c.discard(logger, runID)
		return nil, serviceerrors.NewServiceError(messages.InternalServerError, "Error", err.Error())
	}

	record := &api.RunRecord{
		RunID:       runID,
		Benchmark:   runConfig.Benchmark,
		Model:       runConfig.Model,
		Config:      *runConfig,
		Status:      api.RunStatusQueued,
		CreatedAt:   time.Now().UTC(),
		ArtifactDir: dir,
		Command:     command,
	}

	// registered before the insert so that a cancel can never miss the run
	run := &activeRun{record: record, logger: logger}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.discard(logger, runID)
		return nil, serviceerrors.NewServiceError(messages.SubmissionsSuspended, "Error", shuttingDown)
	}
	c.active[runID] = run
	c.watchers.Add(1)
	c.mu.Unlock()

	if err := c.storage.CreateRun(record); err != nil {
		c.forget(runID)
		c.watchers.Done()
		c.discard(logger, runID)
		c.storageFailed(err)
		return nil, err
	}

	metrics.RunsSubmitted.WithLabelValues(record.Benchmark).Inc()
	logger.Info("Run submitted", "command", command)

	snapshot := *record
	go c.execute(run)
	return &snapshot, nil
}

func (c *Coordinator) buildConfig(ctx context.Context, body []byte) (*api.RunConfig, error) {
	if err := serialization.ValidateRunRequest(body); err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(c.defaults, body)
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.RequestBodyInvalid, "Error", err.Error())
	}
	runConfig := &api.RunConfig{}
	if err := serialization.Unmarshal(ctx, c.logger, c.validate, merged, runConfig); err != nil {
		return nil, err
	}
	runConfig.SchemaVersion = api.RunConfigSchemaVersion

	if !c.catalog.HasBenchmark(ctx, runConfig.Benchmark) {
		return nil, serviceerrors.NewServiceError(messages.UnknownBenchmark, "Benchmark", runConfig.Benchmark)
	}
	if !c.catalog.HasModel(ctx, runConfig.Model) {
		return nil, serviceerrors.NewServiceError(messages.UnknownModel, "Model", runConfig.Model)
	}
	return runConfig, nil
}

// Cancel cancels a queued or running run and returns its resulting status.
// Canceling a finished run reports its status unchanged.
func (c *Coordinator) Cancel(_ context.Context, runID string) (api.RunStatus, error) {
	record, applied, err := c.machine.Cancel(runID, func(*api.RunRecord) {
		if run := c.lookup(runID); run != nil {
			run.stop(false)
		}
	})
	if err != nil {
		c.storageFailed(err)
		return "", err
	}
	if applied {
		c.logger.Info("Run canceled", "run_id", runID)
	}
	return record.Status, nil
}

func (c *Coordinator) Get(_ context.Context, runID string) (*api.RunRecord, error) {
	record, err := c.storage.GetRun(runID)
	if err != nil {
		c.storageFailed(err)
		return nil, err
	}
	return record, nil
}

func (c *Coordinator) List(_ context.Context, filter api.RunFilter) (*abstractions.QueryResults[api.RunRecord], error) {
	results, err := c.storage.ListRuns(filter)
	if err != nil {
		c.storageFailed(err)
		return nil, err
	}
	return results, nil
}

// LogTail returns up to n trailing lines of each stream. A negative n means
// the configured default; n is capped at the configured maximum.
func (c *Coordinator) LogTail(record *api.RunRecord, n int) (*api.RunLogs, error) {
	if n < 0 {
		n = c.conf.LogTailLines
	}
	if n > c.conf.MaxLogTailLines {
		n = c.conf.MaxLogTailLines
	}
	stdout, err := artifacts.ReadTail(record.ArtifactDir, api.StreamStdout, n)
	if err != nil {
		return nil, err
	}
	stderr, err := artifacts.ReadTail(record.ArtifactDir, api.StreamStderr, n)
	if err != nil {
		return nil, err
	}
	return &api.RunLogs{Stdout: stdout, Stderr: stderr}, nil
}

// Subscribe attaches an observer to a run's events.
func (c *Coordinator) Subscribe(_ context.Context, runID string) (*eventbus.Subscription, error) {
	return c.bus.Subscribe(runID)
}

// Recover fails runs that a previous instance left queued or running.
// Their processes are not supervised by anyone anymore.
func (c *Coordinator) Recover(_ context.Context) error {
	for _, status := range []api.RunStatus{api.RunStatusQueued, api.RunStatusRunning} {
		for {
			results, err := c.storage.ListRuns(api.RunFilter{Status: status, Limit: recoverPageSize})
			if err != nil {
				c.storageFailed(err)
				return err
			}
			if len(results.Items) == 0 {
				break
			}
			for _, orphan := range results.Items {
				if c.lookup(orphan.RunID) != nil {
					continue
				}
				record, applied, err := c.machine.Fail(orphan.RunID, nil, interruptedByRestart)
				if err != nil {
					c.storageFailed(err)
					return err
				}
				if applied {
					c.logger.Warn("Failed an orphaned run", "run_id", orphan.RunID, "status", orphan.Status)
					c.writeMeta(record, nil)
				}
			}
			if len(results.Items) < recoverPageSize {
				break
			}
		}
	}
	return nil
}

// Health reports why the coordinator cannot accept runs, if it cannot.
func (c *Coordinator) Health(_ context.Context) error {
	if err := c.accepting(); err != nil {
		return err
	}
	if err := c.storage.Ping(time.Second); err != nil {
		return serviceerrors.NewServiceError(messages.SubmissionsSuspended, "Error", err.Error())
	}
	return nil
}

// Close stops every supervised process, waits for their runs to be
// finalized and closes the event bus.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	runs := make([]*activeRun, 0, len(c.active))
	for _, run := range c.active {
		runs = append(runs, run)
	}
	c.mu.Unlock()

	for _, run := range runs {
		run.stop(true)
	}

	done := make(chan struct{})
	go func() {
		c.watchers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.logger.Warn("Timed out waiting for runs to finish", "runs", len(runs))
	}

	if c.stopBus != nil {
		c.stopBus()
		<-c.busDone
	}
	c.bus.Close()
	return err
}

// discard removes the artifacts of a submission that was rejected before its
// record was stored.
func (c *Coordinator) discard(logger *slog.Logger, runID string) {
	if err := c.layout.Remove(runID); err != nil {
		logger.Warn("Failed to remove the artifacts of a rejected run", "error", err.Error())
	}
}

func (c *Coordinator) accepting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended != nil {
		return serviceerrors.NewServiceError(messages.SubmissionsSuspended, "Error", c.suspended.Error())
	}
	if c.closing {
		return serviceerrors.NewServiceError(messages.SubmissionsSuspended, "Error", shuttingDown)
	}
	return nil
}

// storageFailed suspends submissions when err means the store can no longer
// record state durably.
func (c *Coordinator) storageFailed(err error) {
	if !serviceerrors.IsStorageFailure(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended == nil {
		c.suspended = err
		c.logger.Error("The run store failed, new submissions are suspended", "error", err.Error())
	}
}

func (c *Coordinator) lookup(runID string) *activeRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[runID]
}

func (c *Coordinator) forget(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, runID)
}

func (c *Coordinator) progress(runID string) *api.Progress {
	if run := c.lookup(runID); run != nil {
		return run.progress()
	}
	return nil
}
