package coordinator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/runtimes/local"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsToCompletion(t *testing.T) {
	h := newHarness(t, benchScript)
	cfg := &api.RunConfig{Benchmark: "gsm8k", Model: "groq/llama-3.1-8b-instant", Limit: intPtr(5)}

	record, err := h.coordinator.Submit(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusQueued, record.Status)
	assert.NotEmpty(t, record.RunID)
	assert.Nil(t, record.StartedAt)

	final := h.waitForStatus(t, record.RunID, api.RunStatusCompleted)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	assert.False(t, final.FinishedAt.Before(*final.StartedAt))
	require.NotNil(t, final.PrimaryMetric)
	assert.InDelta(t, 0.85, *final.PrimaryMetric, 1e-9)
	assert.Equal(t, "accuracy", final.PrimaryMetricName)

	lines, err := artifacts.ReadLines(final.ArtifactDir, api.StreamStdout)
	require.NoError(t, err)
	samples := 0
	for _, line := range lines {
		if strings.Contains(line, "sample") {
			samples++
		}
	}
	assert.GreaterOrEqual(t, samples, 5)

	meta := h.waitForMeta(t, final)
	assert.Equal(t, api.RunStatusCompleted, meta.Status)
	summary, err := os.ReadFile(filepath.Join(final.ArtifactDir, artifacts.SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), `"total_samples": 5`)

	command, err := os.ReadFile(filepath.Join(final.ArtifactDir, artifacts.CommandFile))
	require.NoError(t, err)
	assert.Equal(t, final.Command+"\n", string(command))

	// the recorded command reproduces the submission
	parsed, err := local.ParseCommandLine(final.Command)
	require.NoError(t, err)
	stored := final.Config
	stored.SchemaVersion = 0
	assert.Equal(t, &stored, parsed)

	logs, err := h.coordinator.LogTail(final, 2)
	require.NoError(t, err)
	assert.Len(t, logs.Stdout, 2)
	assert.Empty(t, logs.Stderr)
	assert.True(t, strings.HasPrefix(logs.Stdout[1], "RESULTS:"))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, benchScript)
	ctx := context.Background()

	cases := []struct {
		name string
		body string
		code *messages.MessageCode
	}{
		{"unknown benchmark", `{"benchmark": "nope", "model": "openai/gpt-4o"}`, messages.UnknownBenchmark},
		{"unknown model", `{"benchmark": "mmlu", "model": "unknown/model"}`, messages.UnknownModel},
		{"missing model", `{"benchmark": "mmlu"}`, messages.ValidationFailed},
		{"zero limit", `{"benchmark": "mmlu", "model": "openai/gpt-4o", "limit": 0}`, messages.ValidationFailed},
		{"temperature too high", `{"benchmark": "mmlu", "model": "openai/gpt-4o", "temperature": 2.5}`, messages.ValidationFailed},
		{"top_p too high", `{"benchmark": "mmlu", "model": "openai/gpt-4o", "top_p": 1.5}`, messages.ValidationFailed},
		{"bad identifier", `{"benchmark": "mmlu; rm -rf /", "model": "openai/gpt-4o"}`, messages.ValidationFailed},
		{"unknown field", `{"benchmark": "mmlu", "model": "openai/gpt-4o", "extra": true}`, messages.RequestBodyInvalid},
		{"not json", `benchmark=mmlu`, messages.RequestBodyInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coordinator.SubmitJSON(ctx, []byte(tc.body))
			require.Error(t, err)
			assert.True(t, serviceerrors.HasMessageCode(err, tc.code), "unexpected error %v", err)
		})
	}

	// rejected submissions never create a record
	results, err := h.coordinator.List(ctx, api.RunFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, results.TotalStored)
}

func TestSubmitAppliesDefaults(t *testing.T) {
	h := newHarness(t, benchScript, withDefaults(map[string]any{"limit": 3, "temperature": 0.5}))
	ctx := context.Background()

	record, err := h.coordinator.SubmitJSON(ctx, []byte(`{"benchmark": "mmlu", "model": "openai/gpt-4o"}`))
	require.NoError(t, err)
	require.NotNil(t, record.Config.Limit)
	assert.Equal(t, 3, *record.Config.Limit)
	assert.Equal(t, 0.5, *record.Config.Temperature)
	assert.Equal(t, api.RunConfigSchemaVersion, record.Config.SchemaVersion)

	record, err = h.coordinator.SubmitJSON(ctx, []byte(`{"benchmark": "mmlu", "model": "openai/gpt-4o", "limit": 7, "temperature": null}`))
	require.NoError(t, err)
	assert.Equal(t, 7, *record.Config.Limit)
	assert.Nil(t, record.Config.Temperature)
	assert.Contains(t, record.Command, "--limit 7")
	assert.NotContains(t, record.Command, "--temperature")

	h.waitForStatus(t, record.RunID, api.RunStatusCompleted)
}

func TestSpawnFailureFailsTheRun(t *testing.T) {
	h := newHarness(t, benchScript, withExecutable(filepath.Join(t.TempDir(), "missing-bench")))

	record, err := h.coordinator.Submit(context.Background(), &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)

	final := h.waitForStatus(t, record.RunID, api.RunStatusFailed)
	assert.Nil(t, final.StartedAt)
	assert.Nil(t, final.ExitCode)
	assert.NotNil(t, final.FinishedAt)
	assert.Contains(t, final.Error, "missing-bench")

	subscription, err := h.coordinator.Subscribe(context.Background(), record.RunID)
	require.NoError(t, err)
	defer subscription.Close()
	events := collect(t, subscription)
	assert.Equal(t, []api.RunStatus{api.RunStatusQueued, api.RunStatusFailed}, statuses(events))
	assert.Equal(t, api.EventFailed, events[len(events)-1].Kind)
}

func TestNonzeroExitFailsTheRun(t *testing.T) {
	h := newHarness(t, `echo "working"
echo "Traceback (most recent call last):" >&2
echo "ValueError: bad things" >&2
exit 2`)

	record, err := h.coordinator.Submit(context.Background(), &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)

	final := h.waitForStatus(t, record.RunID, api.RunStatusFailed)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 2, *final.ExitCode)
	assert.Contains(t, final.Error, "ValueError: bad things")
	assert.NotNil(t, final.StartedAt)
}

func TestFailurePatternOnCleanExit(t *testing.T) {
	h := newHarness(t, `echo "Starting"
echo "╭──────────────╮"
echo "NotFoundError: Error code: 404"
echo "│"
echo "The model does not exist or you do not have access to it."
exit 0`)

	record, err := h.coordinator.Submit(context.Background(), &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)

	final := h.waitForStatus(t, record.RunID, api.RunStatusFailed)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.Equal(t, "NotFoundError: Error code: 404\nThe model does not exist or you do not have access to it.", final.Error)
}

func TestLingeringChildDoesNotHoldTheRun(t *testing.T) {
	h := newHarness(t, `echo "Processing sample 1/1..."
sleep 30 &
echo $! > child.pid
exit 0`)

	started := time.Now()
	record, err := h.coordinator.Submit(context.Background(), &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)
	t.Cleanup(func() { killChild(t, record.ArtifactDir) })

	final := h.waitForStatus(t, record.RunID, api.RunStatusCompleted)
	// bounded by the grace period used as the drain delay, not by the child
	assert.Less(t, time.Since(started), 2*time.Second+3*time.Second)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)

	lines, err := artifacts.ReadLines(record.ArtifactDir, api.StreamStdout)
	require.NoError(t, err)
	assert.Equal(t, []string{"Processing sample 1/1..."}, lines)
}

func TestCancelRunningRun(t *testing.T) {
	h := newHarness(t, sleepScript)
	ctx := context.Background()

	record, err := h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)
	h.waitForStatus(t, record.RunID, api.RunStatusRunning)

	started := time.Now()
	status, err := h.coordinator.Cancel(ctx, record.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusCanceled, status)

	// the record flips before the process is gone
	canceled, err := h.coordinator.Get(ctx, record.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusCanceled, canceled.Status)
	require.NotNil(t, canceled.FinishedAt)

	status, err = h.coordinator.Cancel(ctx, record.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusCanceled, status)

	meta := h.waitForMeta(t, canceled)
	assert.Equal(t, api.RunStatusCanceled, meta.Status)
	assert.Less(t, time.Since(started), 2*time.Second+time.Second)

	final, err := h.coordinator.Get(ctx, record.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusCanceled, final.Status)
	assert.Equal(t, *canceled.FinishedAt, *final.FinishedAt)
	assert.Nil(t, final.ExitCode)
	assert.Empty(t, final.Error)

	_, err = h.coordinator.Cancel(ctx, "does-not-exist")
	assert.True(t, serviceerrors.HasMessageCode(err, messages.RunNotFound))
}

func TestOutputAfterCancelIsPersisted(t *testing.T) {
	h := newHarness(t, `trap 'echo cleanup-1; echo cleanup-2; exit 0' TERM
echo started
while true; do sleep 0.1; done`)
	ctx := context.Background()

	record, err := h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)
	running := h.waitForStatus(t, record.RunID, api.RunStatusRunning)
	require.Eventually(t, func() bool {
		lines, err := artifacts.ReadLines(running.ArtifactDir, api.StreamStdout)
		return err == nil && len(lines) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = h.coordinator.Cancel(ctx, record.RunID)
	require.NoError(t, err)

	// the stream of a canceled run ends with the terminal event
	subscription, err := h.coordinator.Subscribe(ctx, record.RunID)
	require.NoError(t, err)
	events := collect(t, subscription)
	require.NotEmpty(t, events)
	assert.Equal(t, api.EventCanceled, events[len(events)-1].Kind)

	// the cleanup output lands in the log files and the run detail
	canceled := h.waitForMeta(t, running)
	assert.Equal(t, api.RunStatusCanceled, canceled.Status)
	final, err := h.coordinator.Get(ctx, record.RunID)
	require.NoError(t, err)
	logs, err := h.coordinator.LogTail(final, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"started", "cleanup-1", "cleanup-2"}, logs.Stdout)
}

func TestMaxDurationFailsTheRun(t *testing.T) {
	h := newHarness(t, sleepScript, withMaxDuration(300*time.Millisecond))

	record, err := h.coordinator.Submit(context.Background(), &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)

	final := h.waitForStatus(t, record.RunID, api.RunStatusFailed)
	assert.Contains(t, final.Error, "maximum duration")
}

func TestSubscribeAfterCompletion(t *testing.T) {
	h := newHarness(t, benchScript)
	ctx := context.Background()

	record, err := h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "gsm8k", Model: "groq/llama-3.1-8b-instant", Limit: intPtr(5)})
	require.NoError(t, err)
	final := h.waitForStatus(t, record.RunID, api.RunStatusCompleted)

	subscription, err := h.coordinator.Subscribe(ctx, record.RunID)
	require.NoError(t, err)
	defer subscription.Close()

	events := collect(t, subscription)
	assert.Equal(t, len(subscription.Replay), len(events), "no live events after a finished replay")
	assert.Equal(t, []api.RunStatus{api.RunStatusQueued, api.RunStatusRunning, api.RunStatusCompleted}, statuses(events))

	last := events[len(events)-1]
	assert.Equal(t, api.EventCompleted, last.Kind)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)
	assert.Equal(t, final.FinishedAt.UnixNano(), last.FinishedAt.UnixNano())

	lines, err := artifacts.ReadLines(final.ArtifactDir, api.StreamStdout)
	require.NoError(t, err)
	var replayed []string
	for _, e := range events {
		if e.Kind == api.EventLogLine && e.Stream == api.StreamStdout {
			replayed = append(replayed, e.Line)
		}
	}
	assert.Equal(t, lines, replayed)
}

func TestLiveSubscriptionSeesEveryLine(t *testing.T) {
	h := newHarness(t, `i=1
while [ $i -le 40 ]; do
  echo "out $i"
  echo "err $i" >&2
  if [ $((i % 10)) -eq 0 ]; then sleep 0.05; fi
  i=$((i+1))
done`)
	ctx := context.Background()

	record, err := h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)

	subscriptions := 3
	results := make(chan []api.RunEvent, subscriptions)
	for i := 0; i < subscriptions; i++ {
		subscription, err := h.coordinator.Subscribe(ctx, record.RunID)
		require.NoError(t, err)
		go func() {
			defer subscription.Close()
			events, ok := drain(subscription, 15*time.Second)
			if !ok {
				events = nil
			}
			results <- events
		}()
		time.Sleep(30 * time.Millisecond)
	}

	for i := 0; i < subscriptions; i++ {
		events := <-results
		require.NotEmpty(t, events, "subscription did not close")
		next := map[api.Stream]int64{}
		for _, e := range events {
			if e.Kind != api.EventLogLine {
				continue
			}
			require.NotNil(t, e.Seq)
			assert.Equal(t, next[e.Stream], *e.Seq, "gap or duplicate on %s", e.Stream)
			next[e.Stream] = *e.Seq + 1
		}
		assert.Equal(t, int64(40), next[api.StreamStdout])
		assert.Equal(t, int64(40), next[api.StreamStderr])
		assert.Equal(t, api.EventCompleted, events[len(events)-1].Kind)
		assert.Equal(t, []api.RunStatus{api.RunStatusQueued, api.RunStatusRunning, api.RunStatusCompleted}, statuses(events))
	}
}

func TestRecoverFailsOrphanedRuns(t *testing.T) {
	h := newHarness(t, benchScript)
	orphan := &api.RunRecord{
		RunID:       "orphaned-run",
		Benchmark:   "mmlu",
		Model:       "openai/gpt-4o",
		Config:      api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"},
		Status:      api.RunStatusQueued,
		CreatedAt:   time.Now().UTC(),
		ArtifactDir: t.TempDir(),
		Command:     "bench eval mmlu --model openai/gpt-4o",
	}
	require.NoError(t, h.storage.CreateRun(orphan))

	require.NoError(t, h.coordinator.Recover(context.Background()))
	record, err := h.coordinator.Get(context.Background(), orphan.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusFailed, record.Status)
	assert.Equal(t, "interrupted by service restart", record.Error)

	meta, err := artifacts.ReadMeta(orphan.ArtifactDir)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusFailed, meta.Status)
}

func TestStoreFailureSuspendsSubmissions(t *testing.T) {
	h := newHarness(t, benchScript)
	ctx := context.Background()
	require.NoError(t, h.coordinator.Health(ctx))

	require.NoError(t, h.storage.Close())

	_, err := h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.Error(t, err)
	assert.True(t, serviceerrors.IsStorageFailure(err), "unexpected error %v", err)
	// the rejected run leaves no artifact directory behind
	entries, err := os.ReadDir(h.runsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	assert.True(t, serviceerrors.HasMessageCode(err, messages.SubmissionsSuspended), "unexpected error %v", err)
	assert.True(t, serviceerrors.HasMessageCode(h.coordinator.Health(ctx), messages.SubmissionsSuspended))
}

func TestCloseStopsActiveRuns(t *testing.T) {
	h := newHarness(t, sleepScript)
	ctx := context.Background()

	record, err := h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	require.NoError(t, err)
	h.waitForStatus(t, record.RunID, api.RunStatusRunning)

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, h.coordinator.Close(closeCtx))

	final, err := h.coordinator.Get(ctx, record.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.RunStatusFailed, final.Status)
	assert.Equal(t, "interrupted by service shutdown", final.Error)

	_, err = h.coordinator.Submit(ctx, &api.RunConfig{Benchmark: "mmlu", Model: "openai/gpt-4o"})
	assert.True(t, serviceerrors.HasMessageCode(err, messages.SubmissionsSuspended))
}
