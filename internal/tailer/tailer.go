// Package tailer turns the output streams of a benchmark process into
// persisted log files and live events.
package tailer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/internal/metrics"
	"github.com/eval-hub/bench-runner/internal/progress"
	"github.com/eval-hub/bench-runner/pkg/api"
	"golang.org/x/sync/errgroup"
)

// Publisher receives the live events of a run.
type Publisher interface {
	Publish(runID string, event api.RunEvent)
}

// LineObserver is called for every line after it has been persisted and
// published. Observers are called from the goroutine reading the stream.
type LineObserver func(stream api.Stream, line string)

type Tailer struct {
	runID     string
	dir       string
	publisher Publisher
	logger    *slog.Logger
	observers []LineObserver

	mu     sync.Mutex
	latest *api.Progress
	counts map[api.Stream]int64
}

func New(runID string, dir string, publisher Publisher, logger *slog.Logger, observers ...LineObserver) *Tailer {
	return &Tailer{
		runID:     runID,
		dir:       dir,
		publisher: publisher,
		logger:    logger,
		observers: observers,
		counts:    map[api.Stream]int64{api.StreamStdout: 0, api.StreamStderr: 0},
	}
}

// Run reads both streams until they are closed. Each line is appended to its
// log file before the matching log_line event is published. When a log file
// cannot be written the stream is still drained so that the process never
// blocks on a full pipe, but nothing more is published for it.
func (t *Tailer) Run(ctx context.Context, stdout io.Reader, stderr io.Reader) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return t.follow(api.StreamStdout, stdout) })
	g.Go(func() error { return t.follow(api.StreamStderr, stderr) })
	return g.Wait()
}

// Latest returns the most recent progress seen on either stream.
func (t *Tailer) Latest() *api.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	p := *t.latest
	return &p
}

// Lines returns how many lines were persisted for a stream.
func (t *Tailer) Lines(stream api.Stream) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[stream]
}

func (t *Tailer) follow(stream api.Stream, r io.Reader) error {
	file, err := artifacts.OpenLog(t.dir, stream)
	if err != nil {
		t.logger.Error("Failed to open the stream log", "stream", stream, "error", err.Error())
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(r)
	var writeErr error
	var seq int64
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 && writeErr == nil {
			line := string(bytes.TrimSuffix(bytes.TrimSuffix(raw, []byte("\n")), []byte("\r")))
			if _, err := file.WriteString(line + "\n"); err != nil {
				t.logger.Error("Failed to persist an output line", "stream", stream, "seq", seq, "error", err.Error())
				writeErr = err
			} else {
				t.record(stream, seq, line)
				seq++
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				t.logger.Debug("Stream read ended", "stream", stream, "error", readErr.Error())
			}
			return writeErr
		}
	}
}

func (t *Tailer) record(stream api.Stream, seq int64, line string) {
	t.mu.Lock()
	t.counts[stream] = seq + 1
	t.mu.Unlock()
	metrics.LogLines.WithLabelValues(string(stream)).Inc()

	t.publisher.Publish(t.runID, api.NewLogLineEvent(t.runID, stream, seq, line))

	if p, ok := progress.ParseProgress(line); ok {
		t.mu.Lock()
		t.latest = &p
		t.mu.Unlock()
		t.publisher.Publish(t.runID, api.NewProgressEvent(t.runID, p))
	}

	for _, observer := range t.observers {
		observer(stream, line)
	}
}
