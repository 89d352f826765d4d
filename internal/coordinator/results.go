package coordinator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Jeffail/gabs/v2"
	"github.com/PaesslerAG/jsonpath"
	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/pkg/api"
)

const (
	resultsPrefix      = "RESULTS:"
	errorContextLines  = 5
	fallbackErrorChars = 500
	stderrErrorChars   = 1000
	boxDrawing         = "─│╭╮╯╰├┤┬┴┼═╔╗╚╝╠╣╦╩╬"
)

var errorMarkers = []string{"Error:", "Error code:", "interrupted"}

// metricPaths are tried in order to find the headline number of a results
// summary.
var metricPaths = []struct {
	name string
	path string
}{
	{"accuracy", "$.accuracy"},
	{"score", "$.score"},
	{"pass@1", `$["pass@1"]`},
	{"f1", "$.f1"},
	{"exact_match", "$.exact_match"},
	{"mean", "$.mean"},
	{"accuracy", "$.metrics.accuracy"},
	{"score", "$.metrics.score"},
	{"accuracy", "$.results.accuracy"},
}

// failureDetector notices provider and task errors in the output of a run
// that may still exit with code 0.
type failureDetector struct {
	patterns []string

	mu      sync.Mutex
	matches map[string]map[api.Stream]bool
}

func newFailureDetector(patterns []string) *failureDetector {
	return &failureDetector{patterns: patterns, matches: map[string]map[api.Stream]bool{}}
}

func (d *failureDetector) observe(stream api.Stream, line string) {
	for _, pattern := range d.patterns {
		if !strings.Contains(line, pattern) {
			continue
		}
		d.mu.Lock()
		if d.matches[pattern] == nil {
			d.matches[pattern] = map[api.Stream]bool{}
		}
		d.matches[pattern][stream] = true
		d.mu.Unlock()
	}
}

// failure returns the error summary for the first pattern seen, read back
// from the persisted log of the stream it was seen on.
func (d *failureDetector) failure(dir string) (string, bool) {
	d.mu.Lock()
	var pattern string
	var stream api.Stream
	for _, p := range d.patterns {
		if streams, ok := d.matches[p]; ok {
			pattern = p
			stream = api.StreamStderr
			if streams[api.StreamStdout] {
				stream = api.StreamStdout
			}
			break
		}
	}
	d.mu.Unlock()
	if pattern == "" {
		return "", false
	}

	lines, err := artifacts.ReadLines(dir, stream)
	if err != nil {
		return fmt.Sprintf("Benchmark failed with %s", pattern), true
	}
	return errorSummary(lines, pattern), true
}

// errorSummary picks the first error line and a few clean lines after it.
func errorSummary(lines []string, pattern string) string {
	for i, line := range lines {
		if !containsAny(line, errorMarkers) {
			continue
		}
		var summary []string
		for j := i; j < len(lines) && j < i+errorContextLines; j++ {
			clean := strings.TrimSpace(lines[j])
			if clean != "" && !onlyBoxDrawing(clean) {
				summary = append(summary, clean)
			}
		}
		if len(summary) > 0 {
			return strings.Join(summary, "\n")
		}
		return fmt.Sprintf("Benchmark failed with %s", pattern)
	}
	if tail := tailChars(strings.Join(lines, "\n"), fallbackErrorChars); tail != "" {
		return tail
	}
	return "Benchmark failed but returned exit code 0"
}

// exitMessage describes a nonzero exit from the end of stderr.
func exitMessage(dir string, outcome abstractions.ExitOutcome) string {
	if lines, err := artifacts.ReadLines(dir, api.StreamStderr); err == nil {
		if tail := tailChars(strings.Join(lines, "\n"), stderrErrorChars); tail != "" {
			return tail
		}
	}
	if outcome.Signaled && outcome.Signal != "" {
		return fmt.Sprintf("Process terminated by %s", outcome.Signal)
	}
	return fmt.Sprintf("Process exited with code %d", outcome.ExitCode)
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func onlyBoxDrawing(line string) bool {
	for _, r := range line {
		if !strings.ContainsRune(boxDrawing, r) {
			return false
		}
	}
	return true
}

func tailChars(s string, n int) string {
	if len(s) > n {
		s = strings.ToValidUTF8(s[len(s)-n:], "")
	}
	return strings.TrimSpace(s)
}

// resultsCapture keeps the last machine readable results line of stdout.
type resultsCapture struct {
	mu      sync.Mutex
	results *gabs.Container
}

func (r *resultsCapture) observe(stream api.Stream, line string) {
	if stream != api.StreamStdout {
		return
	}
	payload, ok := strings.CutPrefix(strings.TrimSpace(line), resultsPrefix)
	if !ok {
		return
	}
	parsed, err := gabs.ParseJSON([]byte(strings.TrimSpace(payload)))
	if err != nil {
		return
	}
	r.mu.Lock()
	r.results = parsed
	r.mu.Unlock()
}

func (r *resultsCapture) payload() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		return nil
	}
	return r.results.Bytes()
}

func (r *resultsCapture) primaryMetric() (*float64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		return nil, ""
	}
	for _, candidate := range metricPaths {
		value, err := jsonpath.Get(candidate.path, r.results.Data())
		if err != nil {
			continue
		}
		if number, ok := value.(float64); ok {
			return &number, candidate.name
		}
	}
	return nil, ""
}
