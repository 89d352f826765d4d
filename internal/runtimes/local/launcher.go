package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/kballard/go-shellquote"
)

type Launcher struct {
	logger *slog.Logger
	prefix []string
	env    []string
	grace  time.Duration
}

// NewLauncher resolves the bench executable once. When it is not installed
// and the mock is allowed, runs go to this binary's mock-bench subcommand.
func NewLauncher(logger *slog.Logger, runnerConfig *config.RunnerConfig) (*Launcher, error) {
	if runnerConfig == nil || runnerConfig.Executable == "" {
		return nil, errors.New("runner executable is not configured")
	}
	prefix, err := resolveExecutable(logger, runnerConfig)
	if err != nil {
		return nil, err
	}
	env := os.Environ()
	for _, v := range runnerConfig.Env {
		env = append(env, v.Name+"="+v.Value)
	}
	return &Launcher{
		logger: logger,
		prefix: prefix,
		env:    env,
		grace:  runnerConfig.TerminateGracePeriod,
	}, nil
}

func resolveExecutable(logger *slog.Logger, runnerConfig *config.RunnerConfig) ([]string, error) {
	path, err := exec.LookPath(runnerConfig.Executable)
	if err == nil {
		logger.Info("Using the bench executable", "path", path)
		return []string{runnerConfig.Executable}, nil
	}
	if !runnerConfig.MockWhenMissing {
		// left unresolved so every run fails with the spawn error
		logger.Warn("The bench executable was not found", "executable", runnerConfig.Executable, "error", err.Error())
		return []string{runnerConfig.Executable}, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	logger.Warn("The bench executable was not found, using the mock bench", "executable", runnerConfig.Executable, "mock", self)
	return []string{self, constants.MockBenchCommand}, nil
}

func (l *Launcher) Name() string {
	return "local"
}

// Argv returns the resolved bench invocation followed by args.
func (l *Launcher) Argv(args ...string) []string {
	argv := append([]string{}, l.prefix...)
	return append(argv, args...)
}

func (l *Launcher) argv(config *api.RunConfig) []string {
	return l.Argv(BuildArgs(config)...)
}

func (l *Launcher) CommandLine(config *api.RunConfig) string {
	return shellquote.Join(l.argv(config)...)
}

func (l *Launcher) Start(ctx context.Context, runID string, dir string, config *api.RunConfig) (abstractions.ProcessHandle, error) {
	argv := l.argv(config)
	if err := ctx.Err(); err != nil {
		return nil, serviceerrors.NewSpawnError(argv[0], err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = l.env
	cmd.SysProcAttr = newProcAttr()

	// the pipes are ours rather than exec's so that reaping the process never
	// waits for a child that inherited them
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, serviceerrors.NewSpawnError(argv[0], err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, serviceerrors.NewSpawnError(argv[0], err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	startErr := cmd.Start()
	closeAll(stdoutW, stderrW)
	if startErr != nil {
		closeAll(stdout, stderr)
		return nil, serviceerrors.NewSpawnError(argv[0], startErr)
	}
	l.logger.Info("Started the bench process", "run_id", runID, "pid", cmd.Process.Pid)

	h := &handle{
		cmd:    cmd,
		stdout: &streamReader{file: stdout},
		stderr: &streamReader{file: stderr},
		grace:  l.grace,
		drain:  l.drainDelay(),
		logger: l.logger.With("run_id", runID, "pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

// drainDelay is how long the streams may stay open after the process exited.
func (l *Launcher) drainDelay() time.Duration {
	if l.grace > 0 {
		return l.grace
	}
	return defaultDrainDelay
}

const defaultDrainDelay = 2 * time.Second

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// streamReader ends with io.EOF once the drain deadline passes and closes
// the pipe when reading is over.
type streamReader struct {
	file *os.File
	once sync.Once
}

func (r *streamReader) Read(p []byte) (int, error) {
	n, err := r.file.Read(p)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	r.once.Do(func() { _ = r.file.Close() })
	return n, err
}

func (r *streamReader) expire() {
	// fails only when the reader already closed the pipe
	_ = r.file.SetReadDeadline(time.Now())
}

type handle struct {
	cmd    *exec.Cmd
	stdout *streamReader
	stderr *streamReader
	grace  time.Duration
	drain  time.Duration
	logger *slog.Logger

	outcome abstractions.ExitOutcome

	mu          sync.Mutex
	done        chan struct{}
	terminating bool
	killTimer   *time.Timer
}

func (h *handle) PID() int          { return h.cmd.Process.Pid }
func (h *handle) Stdout() io.Reader { return h.stdout }
func (h *handle) Stderr() io.Reader { return h.stderr }

// reap waits for the process itself. Output still buffered in the pipes can
// be read for the drain delay; after that a child holding them open no
// longer keeps the streams alive.
func (h *handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.outcome = exitOutcome(h.cmd.ProcessState, err, h.terminating)
	close(h.done)
	h.mu.Unlock()

	time.AfterFunc(h.drain, func() {
		h.stdout.expire()
		h.stderr.expire()
	})
}

// Wait returns once the process has exited, whether or not its output has
// been read to the end.
func (h *handle) Wait() abstractions.ExitOutcome {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited() || h.terminating {
		return nil
	}
	h.terminating = true

	if h.grace <= 0 {
		h.logger.Info("Killing the bench process")
		return killGroup(h.cmd.Process)
	}
	h.logger.Info("Stopping the bench process", "grace_period", h.grace.String())
	if err := stopGroup(h.cmd.Process); err != nil {
		return err
	}
	h.killTimer = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.exited() {
			return
		}
		h.logger.Warn("The bench process did not stop within the grace period, killing it")
		if err := killGroup(h.cmd.Process); err != nil {
			h.logger.Error("Failed to kill the bench process", "error", err.Error())
		}
	})
	return nil
}

func exitOutcome(state *os.ProcessState, err error, terminated bool) abstractions.ExitOutcome {
	if state == nil {
		return abstractions.ExitOutcome{ExitCode: -1, Signaled: terminated, Err: err}
	}
	outcome := abstractions.ExitOutcome{ExitCode: state.ExitCode(), Signaled: terminated}
	if signal, ok := exitSignal(state); ok {
		outcome.Signaled = true
		outcome.Signal = signal
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		outcome.Err = err
	}
	return outcome
}
