// Package progress recognizes progress reports in benchmark output.
package progress

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/eval-hub/bench-runner/pkg/api"
)

var (
	// 45%|████▌     | 45/100 [00:12<00:15, 3.60it/s]
	tqdmPattern = regexp.MustCompile(`(\d+)%\|[^|]*\|\s*(\d+)\s*/\s*(\d+)`)
	// Processing sample 3/10...
	samplePattern = regexp.MustCompile(`[Ss]ample\s+(\d+)\s*/\s*(\d+)`)
	// 30/100 samples
	samplesPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)\s+samples?`)
)

// ParseProgress returns the progress reported by a single output line, if
// any. Terminal style redraws separated by carriage returns are reduced to
// the last segment.
func ParseProgress(line string) (api.Progress, bool) {
	if i := strings.LastIndexByte(strings.TrimRight(line, "\r"), '\r'); i >= 0 {
		line = line[i+1:]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return api.Progress{}, false
	}

	if m := tqdmPattern.FindStringSubmatch(line); m != nil {
		return build(m[2], m[3], line)
	}
	if m := samplePattern.FindStringSubmatch(line); m != nil {
		return build(m[1], m[2], line)
	}
	if m := samplesPattern.FindStringSubmatch(line); m != nil {
		return build(m[1], m[2], line)
	}
	return api.Progress{}, false
}

func build(current string, total string, message string) (api.Progress, bool) {
	c, err := strconv.Atoi(current)
	if err != nil {
		return api.Progress{}, false
	}
	t, err := strconv.Atoi(total)
	if err != nil || t <= 0 || c > t {
		return api.Progress{}, false
	}
	percentage := math.Round(float64(c)/float64(t)*10000) / 100
	return api.Progress{Current: c, Total: t, Percentage: percentage, Message: message}, true
}
