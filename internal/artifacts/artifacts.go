// Package artifacts owns the on-disk layout of a run directory.
package artifacts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/eval-hub/bench-runner/pkg/api"
)

const (
	CommandFile = "command.txt"
	ConfigFile  = "config.json"
	StdoutFile  = "stdout.log"
	StderrFile  = "stderr.log"
	MetaFile    = "meta.json"
	SummaryFile = "summary.json"
)

// Layout maps run ids to their artifact directories under RunsDir.
type Layout struct {
	RunsDir string
}

func NewLayout(runsDir string) (*Layout, error) {
	abs, err := filepath.Abs(runsDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Layout{RunsDir: abs}, nil
}

func (l *Layout) Dir(runID string) string {
	return filepath.Join(l.RunsDir, runID)
}

// Create makes the artifact directory of a new run.
func (l *Layout) Create(runID string) (string, error) {
	dir := l.Dir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Remove deletes the artifact directory of a run that was never recorded.
func (l *Layout) Remove(runID string) error {
	return os.RemoveAll(l.Dir(runID))
}

// StreamFile returns the log file name for an output stream.
func StreamFile(stream api.Stream) string {
	if stream == api.StreamStderr {
		return StderrFile
	}
	return StdoutFile
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// writeFileAtomic replaces path so that readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func WriteConfig(dir string, config *api.RunConfig) error {
	return writeJSON(filepath.Join(dir, ConfigFile), config)
}

func WriteCommand(dir string, command string) error {
	return writeFileAtomic(filepath.Join(dir, CommandFile), []byte(command+"\n"))
}

func WriteMeta(dir string, meta *api.RunMeta) error {
	return writeJSON(filepath.Join(dir, MetaFile), meta)
}

// WriteSummary stores the raw results payload reported by the benchmark.
func WriteSummary(dir string, summary []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, summary, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	return writeFileAtomic(filepath.Join(dir, SummaryFile), buf.Bytes())
}

func ReadConfig(dir string) (*api.RunConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	var config api.RunConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func ReadMeta(dir string) (*api.RunMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	var meta api.RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// OpenLog creates (or truncates) the log file for a stream.
func OpenLog(dir string, stream api.Stream) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, StreamFile(stream)), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// ReadLines returns every complete line of a stream log. A trailing line
// without a newline is still being written and is left out, so the index of
// each returned line is its sequence number. A missing file has no lines.
func ReadLines(dir string, stream api.Stream) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, StreamFile(stream)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	lines := []string{}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return nil, err
		}
		lines = append(lines, line[:len(line)-1])
	}
}

// ReadTail returns at most the last n complete lines of a stream log.
func ReadTail(dir string, stream api.Stream, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	lines, err := ReadLines(dir, stream)
	if err != nil {
		return nil, err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
