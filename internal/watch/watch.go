// Package watch follows a run's event stream from a terminal.
package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/fatih/color"
)

const (
	defaultMaxReconnects = 5
	defaultRetryDelay    = 500 * time.Millisecond
	maxEventBytes        = 1 << 20
)

// ErrStreamEnded means the server kept closing the stream before the run
// finished.
var ErrStreamEnded = errors.New("event stream ended before the run finished")

type Options struct {
	Server        string
	Client        *http.Client
	Out           io.Writer
	Logger        *slog.Logger
	MaxReconnects int
	RetryDelay    time.Duration
	NoColor       bool
}

// Watcher prints the events of one run. It reconnects when the server
// reports a gap and skips what it has already printed, so every line is
// shown once.
type Watcher struct {
	opts  Options
	runID string

	// next expected sequence number per stream
	next     map[api.Stream]int64
	statuses map[api.RunStatus]bool

	status   *color.Color
	stderr   *color.Color
	progress *color.Color
	success  *color.Color
	failure  *color.Color
	warning  *color.Color
}

func New(runID string, opts Options) *Watcher {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Out == nil {
		opts.Out = color.Output
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	w := &Watcher{
		opts:     opts,
		runID:    runID,
		next:     map[api.Stream]int64{},
		statuses: map[api.RunStatus]bool{},
		status:   color.New(color.FgYellow),
		stderr:   color.New(color.FgRed),
		progress: color.New(color.FgCyan),
		success:  color.New(color.FgGreen, color.Bold),
		failure:  color.New(color.FgRed, color.Bold),
		warning:  color.New(color.FgMagenta),
	}
	for _, c := range []*color.Color{w.status, w.stderr, w.progress, w.success, w.failure, w.warning} {
		if opts.NoColor {
			c.DisableColor()
		}
	}
	return w
}

// Run follows the stream until the run's terminal event and returns it.
func (w *Watcher) Run(ctx context.Context) (*api.RunEvent, error) {
	attempts := 0
	for {
		terminal, err := w.follow(ctx)
		if err != nil {
			return nil, err
		}
		if terminal != nil {
			return terminal, nil
		}
		attempts++
		if attempts > w.opts.MaxReconnects {
			return nil, ErrStreamEnded
		}
		w.opts.Logger.Info("Reconnecting to the event stream", "run_id", w.runID, "attempt", attempts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.opts.RetryDelay):
		}
	}
}

// follow reads one connection. It returns the terminal event, or nil when
// the stream ended early and should be reopened.
func (w *Watcher) follow(ctx context.Context) (*api.RunEvent, error) {
	endpoint, err := url.JoinPath(w.opts.Server, "api", "v1", "runs", w.runID, "events")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var event api.RunEvent
			if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
				return nil, fmt.Errorf("malformed event: %w", err)
			}
			data.Reset()
			if event.Kind == api.EventGap {
				w.warning.Fprintf(w.opts.Out, "... missed events (%s), reconnecting\n", event.Reason)
				return nil, nil
			}
			w.render(event)
			if event.Kind.IsTerminal() {
				return &event, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event names repeat the kind carried in the data
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, nil
}

func (w *Watcher) render(event api.RunEvent) {
	out := w.opts.Out
	switch event.Kind {
	case api.EventStatus:
		if w.statuses[event.Status] {
			return
		}
		w.statuses[event.Status] = true
		w.status.Fprintf(out, "[%s] %s\n", event.Timestamp.Local().Format(time.TimeOnly), event.Status)
	case api.EventLogLine:
		if event.Seq == nil {
			return
		}
		if *event.Seq < w.next[event.Stream] {
			return
		}
		w.next[event.Stream] = *event.Seq + 1
		if event.Stream == api.StreamStderr {
			w.stderr.Fprintln(out, event.Line)
		} else {
			fmt.Fprintln(out, event.Line)
		}
	case api.EventProgress:
		if event.Progress != nil {
			w.progress.Fprintf(out, "progress %d/%d (%.1f%%)\n", event.Current, event.Total, event.Percentage)
		}
	case api.EventCompleted:
		w.success.Fprintf(out, "completed%s\n", exitSuffix(event.ExitCode))
	case api.EventFailed:
		w.failure.Fprintf(out, "failed%s: %s\n", exitSuffix(event.ExitCode), event.Error)
	case api.EventCanceled:
		w.warning.Fprintln(out, "canceled")
	case api.EventHeartbeat:
		w.opts.Logger.Debug("Heartbeat", "run_id", event.RunID)
	}
}

func exitSuffix(exitCode *int) string {
	if exitCode == nil {
		return ""
	}
	return fmt.Sprintf(" (exit code %d)", *exitCode)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventBytes))
	var apiError api.Error
	if err := json.Unmarshal(body, &apiError); err == nil && apiError.Message != "" {
		return fmt.Errorf("%s: %s", apiError.MessageCode, apiError.Message)
	}
	return fmt.Errorf("unexpected response %s", resp.Status)
}
