package coordinator_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/coordinator"
	"github.com/eval-hub/bench-runner/internal/eventbus"
	"github.com/eval-hub/bench-runner/internal/logging"
	"github.com/eval-hub/bench-runner/internal/runtimes/local"
	"github.com/eval-hub/bench-runner/internal/storage"
	"github.com/eval-hub/bench-runner/internal/validation"
	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/stretchr/testify/require"
)

// benchScript imitates bench eval: one line per sample, then the results.
const benchScript = `limit=10
while [ $# -gt 0 ]; do
  case "$1" in
    --limit) limit=$2; shift ;;
  esac
  shift
done
echo "Starting mock benchmark run..."
i=1
while [ $i -le $limit ]; do
  echo "Processing sample $i/$limit..."
  i=$((i+1))
done
echo "Run completed successfully!"
echo 'RESULTS: {"accuracy": 0.85, "total_samples": '$limit'}'`

const sleepScript = `echo started
exec sleep 30`

type fakeCatalog struct {
	benchmarks map[string]bool
}

func (f *fakeCatalog) ListBenchmarks(context.Context) ([]api.Benchmark, string) {
	var out []api.Benchmark
	for name := range f.benchmarks {
		out = append(out, api.Benchmark{Name: name})
	}
	return out, "static"
}

func (f *fakeCatalog) GetBenchmark(_ context.Context, name string) (*api.Benchmark, bool) {
	if !f.benchmarks[name] {
		return nil, false
	}
	return &api.Benchmark{Name: name}, true
}

func (f *fakeCatalog) HasBenchmark(ctx context.Context, name string) bool {
	_, ok := f.GetBenchmark(ctx, name)
	return ok
}

func (f *fakeCatalog) HasModel(_ context.Context, model string) bool {
	return model != "unknown/model"
}

type harness struct {
	coordinator *coordinator.Coordinator
	storage     abstractions.Storage
	runsDir     string
	dbURL       string
}

type option func(*config.Config)

func withMaxDuration(d time.Duration) option {
	return func(c *config.Config) { c.Runner.MaxDuration = d }
}

func withDefaults(defaults map[string]any) option {
	return func(c *config.Config) { c.Runner.Defaults = defaults }
}

func withExecutable(path string) option {
	return func(c *config.Config) { c.Runner.Executable = path }
}

// writeScript creates an executable stand-in for bench.
func writeScript(t testing.TB, body string) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh is not available")
	}
	path := filepath.Join(t.TempDir(), "bench")
	require.NoError(t, os.WriteFile(path, []byte("#!"+sh+"\n"+body+"\n"), 0o755))
	return path
}

// killChild stops a background process whose pid a script left in child.pid.
func killChild(t testing.TB, dir string) {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return
	}
	if process, err := os.FindProcess(pid); err == nil {
		_ = process.Kill()
	}
}

func newServiceConfig(runsDir string, dbURL string, executable string) *config.Config {
	database := map[string]any{"driver": "sqlite", "url": dbURL}
	return &config.Config{
		Service:  &config.ServiceConfig{},
		Database: &database,
		Runner: &config.RunnerConfig{
			Executable:           executable,
			RunsDir:              runsDir,
			TerminateGracePeriod: 2 * time.Second,
			FailurePatterns:      config.DefaultFailurePatterns,
			LogTailLines:         100,
			MaxLogTailLines:      1000,
		},
		Events: &config.EventsConfig{BufferSize: 1024, HeartbeatInterval: time.Second, TerminalTimeout: time.Second},
	}
}

func newHarness(t testing.TB, script string, options ...option) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		runsDir: filepath.Join(dir, "runs"),
		dbURL:   "file:" + filepath.Join(dir, "runs.db"),
	}
	h.start(t, writeScript(t, script), options...)
	return h
}

// start builds a coordinator over the harness store and artifact directory.
func (h *harness) start(t testing.TB, executable string, options ...option) {
	t.Helper()
	logger := logging.FallbackLogger()
	serviceConfig := newServiceConfig(h.runsDir, h.dbURL, executable)
	for _, o := range options {
		o(serviceConfig)
	}

	store, err := storage.NewStorage(serviceConfig.Database, logger)
	require.NoError(t, err)
	launcher, err := local.NewLauncher(logger, serviceConfig.Runner)
	require.NoError(t, err)
	validate, err := validation.NewValidator()
	require.NoError(t, err)

	c, err := coordinator.New(logger, serviceConfig, store, launcher, &fakeCatalog{benchmarks: map[string]bool{"gsm8k": true, "mmlu": true}}, validate)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	h.coordinator = c
	h.storage = store
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Close(ctx)
		_ = store.Close()
	})
}

func intPtr(v int) *int { return &v }

func (h *harness) waitForStatus(t testing.TB, runID string, status api.RunStatus) *api.RunRecord {
	t.Helper()
	var record *api.RunRecord
	require.Eventually(t, func() bool {
		r, err := h.coordinator.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		record = r
		return r.Status == status
	}, 10*time.Second, 20*time.Millisecond, "run %s never reached %s", runID, status)
	return record
}

// waitForMeta waits until the run is finalized, which happens after its
// process has been reaped.
func (h *harness) waitForMeta(t testing.TB, record *api.RunRecord) *api.RunMeta {
	t.Helper()
	var meta *api.RunMeta
	require.Eventually(t, func() bool {
		m, err := artifacts.ReadMeta(record.ArtifactDir)
		if err != nil {
			return false
		}
		meta = m
		return true
	}, 10*time.Second, 20*time.Millisecond)
	return meta
}

// drain reads a subscription until it closes and returns the replay followed
// by the live events. It reports false if the subscription stayed open.
func drain(subscription *eventbus.Subscription, timeout time.Duration) ([]api.RunEvent, bool) {
	events := append([]api.RunEvent{}, subscription.Replay...)
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-subscription.Events:
			if !ok {
				return events, true
			}
			if event.Kind != api.EventHeartbeat {
				events = append(events, event)
			}
		case <-deadline:
			return events, false
		}
	}
}

func collect(t testing.TB, subscription *eventbus.Subscription) []api.RunEvent {
	t.Helper()
	events, ok := drain(subscription, 15*time.Second)
	require.True(t, ok, "subscription for %s did not close", subscription.RunID)
	return events
}

func statuses(events []api.RunEvent) []api.RunStatus {
	var out []api.RunStatus
	for _, e := range events {
		if e.Kind == api.EventStatus {
			out = append(out, e.Status)
		}
	}
	return out
}
