package watch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eval-hub/bench-runner/internal/watch"
	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeEvents(t *testing.T, w http.ResponseWriter, events ...api.RunEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, event := range events {
		data, err := json.Marshal(event)
		if !assert.NoError(t, err) {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
	}
}

func logLines(runID string, stream api.Stream, lines ...string) []api.RunEvent {
	events := make([]api.RunEvent, 0, len(lines))
	for i, line := range lines {
		events = append(events, api.NewLogLineEvent(runID, stream, int64(i), line))
	}
	return events
}

// newWatcher uses the test server's client so that its connections are
// closed along with the server.
func newWatcher(server *httptest.Server, out *bytes.Buffer) *watch.Watcher {
	return watch.New("run-1", watch.Options{Server: server.URL, Client: server.Client(), Out: out, NoColor: true, RetryDelay: time.Millisecond})
}

func TestWatchPrintsUntilTerminal(t *testing.T) {
	exitCode := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/run-1/events", r.URL.Path)
		events := []api.RunEvent{
			api.NewStatusEvent("run-1", api.RunStatusQueued, time.Now()),
			api.NewStatusEvent("run-1", api.RunStatusRunning, time.Now()),
		}
		events = append(events, logLines("run-1", api.StreamStdout, "Processing sample 1/2...", "Processing sample 2/2...")...)
		events = append(events, logLines("run-1", api.StreamStderr, "warning: slow")...)
		events = append(events,
			api.NewProgressEvent("run-1", api.Progress{Current: 2, Total: 2, Percentage: 100}),
			api.NewHeartbeatEvent("run-1"),
			api.RunEvent{Kind: api.EventCompleted, RunID: "run-1", ExitCode: &exitCode},
		)
		writeEvents(t, w, events...)
	}))
	defer server.Close()

	var out bytes.Buffer
	terminal, err := newWatcher(server, &out).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.EventCompleted, terminal.Kind)

	text := out.String()
	assert.Contains(t, text, "] queued\n")
	assert.Contains(t, text, "] running\n")
	assert.Contains(t, text, "Processing sample 1/2...\nProcessing sample 2/2...\n")
	assert.Contains(t, text, "warning: slow\n")
	assert.Contains(t, text, "progress 2/2 (100.0%)\n")
	assert.True(t, strings.HasSuffix(text, "completed (exit code 0)\n"), text)
}

func TestWatchReconnectsOnGap(t *testing.T) {
	var connections atomic.Int32
	exitCode := 1
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		running := api.NewStatusEvent("run-1", api.RunStatusRunning, time.Now())
		switch connections.Add(1) {
		case 1:
			events := append([]api.RunEvent{running}, logLines("run-1", api.StreamStdout, "a", "b")...)
			events = append(events, api.NewGapEvent("run-1", "subscription lost"))
			writeEvents(t, w, events...)
		default:
			// the replay starts over from the first line
			events := append([]api.RunEvent{running}, logLines("run-1", api.StreamStdout, "a", "b", "c")...)
			events = append(events, api.RunEvent{Kind: api.EventFailed, RunID: "run-1", ExitCode: &exitCode, Error: "boom"})
			writeEvents(t, w, events...)
		}
	}))
	defer server.Close()

	var out bytes.Buffer
	terminal, err := newWatcher(server, &out).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.EventFailed, terminal.Kind)
	assert.Equal(t, int32(2), connections.Load())

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "] running\n"), text)
	assert.Contains(t, text, "a\nb\n... missed events (subscription lost), reconnecting\nc\n")
	assert.Contains(t, text, "failed (exit code 1): boom\n")
}

func TestWatchGivesUpOnAClosingStream(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections.Add(1)
		writeEvents(t, w, api.NewStatusEvent("run-1", api.RunStatusRunning, time.Now()))
	}))
	defer server.Close()

	var out bytes.Buffer
	w := watch.New("run-1", watch.Options{Server: server.URL, Client: server.Client(), Out: &out, NoColor: true, MaxReconnects: 2, RetryDelay: time.Millisecond})
	_, err := w.Run(context.Background())
	require.ErrorIs(t, err, watch.ErrStreamEnded)
	assert.Equal(t, int32(3), connections.Load())
}

func TestWatchReportsAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.Error{MessageCode: "run_not_found", Message: "The run run-1 was not found.", Trace: "x"})
	}))
	defer server.Close()

	var out bytes.Buffer
	_, err := newWatcher(server, &out).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "run_not_found: The run run-1 was not found.", err.Error())
}
