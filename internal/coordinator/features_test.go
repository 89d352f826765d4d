package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/eval-hub/bench-runner/internal/artifacts"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/pkg/api"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			initializeScenario(t, sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// scenarioConfig keeps the state of one scenario.
type scenarioConfig struct {
	t         *testing.T
	harness   *harness
	record    *api.RunRecord
	submitErr error
	observed  chan []api.RunEvent
	cancels   []api.RunStatus
}

func initializeScenario(t *testing.T, sc *godog.ScenarioContext) {
	tc := &scenarioConfig{t: t}

	sc.Step(`^the bench executable prints samples$`, tc.theBenchExecutable(benchScript, ""))
	sc.Step(`^the bench executable runs until stopped$`, tc.theBenchExecutable(sleepScript, ""))
	sc.Step(`^the bench executable is missing$`, tc.theBenchExecutable(benchScript, "missing-bench"))
	sc.Step(`^I submit a run of "([^"]*)" with model "([^"]*)"$`, tc.iSubmitARun)
	sc.Step(`^I submit a run of "([^"]*)" with model "([^"]*)" and limit (\d+)$`, tc.iSubmitARunWithLimit)
	sc.Step(`^the submitted run is "([^"]*)"$`, tc.theSubmittedRunIs)
	sc.Step(`^the run reaches "([^"]*)"$`, tc.theRunReaches)
	sc.Step(`^the observed statuses are "([^"]*)"$`, tc.theObservedStatusesAre)
	sc.Step(`^the exit code is (\d+)$`, tc.theExitCodeIs)
	sc.Step(`^the stdout log has at least (\d+) lines containing "([^"]*)"$`, tc.theStdoutLogHasLines)
	sc.Step(`^the run has an error$`, tc.theRunHasAnError)
	sc.Step(`^the run never started$`, tc.theRunNeverStarted)
	sc.Step(`^I cancel the run twice$`, tc.iCancelTheRunTwice)
	sc.Step(`^every cancel reports "([^"]*)"$`, tc.everyCancelReports)
	sc.Step(`^the process is stopped within (\d+) seconds$`, tc.theProcessIsStopped)
	sc.Step(`^the submission is rejected with "([^"]*)"$`, tc.theSubmissionIsRejected)
	sc.Step(`^no runs are stored$`, tc.noRunsAreStored)
}

func (tc *scenarioConfig) theBenchExecutable(script string, missing string) func() error {
	return func() error {
		if missing != "" {
			tc.harness = newHarness(tc.t, script, withExecutable(filepath.Join(tc.t.TempDir(), missing)))
		} else {
			tc.harness = newHarness(tc.t, script)
		}
		return nil
	}
}

func (tc *scenarioConfig) submit(config *api.RunConfig) error {
	ctx := context.Background()
	tc.record, tc.submitErr = tc.harness.coordinator.Submit(ctx, config)
	if tc.submitErr != nil {
		return nil
	}
	subscription, err := tc.harness.coordinator.Subscribe(ctx, tc.record.RunID)
	if err != nil {
		return err
	}
	tc.observed = make(chan []api.RunEvent, 1)
	go func() {
		defer subscription.Close()
		events, _ := drain(subscription, 15*time.Second)
		tc.observed <- events
	}()
	return nil
}

func (tc *scenarioConfig) iSubmitARun(benchmark string, model string) error {
	return tc.submit(&api.RunConfig{Benchmark: benchmark, Model: model})
}

func (tc *scenarioConfig) iSubmitARunWithLimit(benchmark string, model string, limit int) error {
	return tc.submit(&api.RunConfig{Benchmark: benchmark, Model: model, Limit: &limit})
}

func (tc *scenarioConfig) theSubmittedRunIs(status string) error {
	if tc.submitErr != nil {
		return tc.submitErr
	}
	if string(tc.record.Status) != status {
		return fmt.Errorf("expected the submitted run to be %s, got %s", status, tc.record.Status)
	}
	return nil
}

func (tc *scenarioConfig) theRunReaches(status string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		record, err := tc.harness.coordinator.Get(context.Background(), tc.record.RunID)
		if err != nil {
			return err
		}
		if string(record.Status) == status {
			tc.record = record
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("run %s never reached %s", tc.record.RunID, status)
}

func (tc *scenarioConfig) theObservedStatusesAre(expected string) error {
	events := <-tc.observed
	var got []string
	for _, s := range statuses(events) {
		got = append(got, string(s))
	}
	if strings.Join(got, ",") != expected {
		return fmt.Errorf("expected statuses %s, observed %s", expected, strings.Join(got, ","))
	}
	if len(events) == 0 || !events[len(events)-1].Kind.IsTerminal() {
		return fmt.Errorf("the last observed event is not terminal")
	}
	return nil
}

func (tc *scenarioConfig) theExitCodeIs(code int) error {
	if tc.record.ExitCode == nil || *tc.record.ExitCode != code {
		return fmt.Errorf("expected exit code %d, got %v", code, tc.record.ExitCode)
	}
	return nil
}

func (tc *scenarioConfig) theStdoutLogHasLines(count int, text string) error {
	lines, err := artifacts.ReadLines(tc.record.ArtifactDir, api.StreamStdout)
	if err != nil {
		return err
	}
	n := 0
	for _, line := range lines {
		if strings.Contains(line, text) {
			n++
		}
	}
	if n < count {
		return fmt.Errorf("expected at least %d lines containing %q, got %d", count, text, n)
	}
	return nil
}

func (tc *scenarioConfig) theRunHasAnError() error {
	if tc.record.Error == "" {
		return fmt.Errorf("the failed run has no error")
	}
	return nil
}

func (tc *scenarioConfig) theRunNeverStarted() error {
	if tc.record.StartedAt != nil {
		return fmt.Errorf("expected no started_at, got %s", tc.record.StartedAt)
	}
	return nil
}

func (tc *scenarioConfig) iCancelTheRunTwice() error {
	for range 2 {
		status, err := tc.harness.coordinator.Cancel(context.Background(), tc.record.RunID)
		if err != nil {
			return err
		}
		tc.cancels = append(tc.cancels, status)
	}
	return nil
}

func (tc *scenarioConfig) everyCancelReports(status string) error {
	for _, s := range tc.cancels {
		if string(s) != status {
			return fmt.Errorf("expected cancel to report %s, got %s", status, s)
		}
	}
	return nil
}

func (tc *scenarioConfig) theProcessIsStopped(seconds int) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for time.Now().Before(deadline) {
		// meta.json is written once the process has been reaped
		if meta, err := artifacts.ReadMeta(tc.record.ArtifactDir); err == nil {
			if meta.Status != api.RunStatusCanceled {
				return fmt.Errorf("expected canceled metadata, got %s", meta.Status)
			}
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("the process of run %s was not stopped within %d seconds", tc.record.RunID, seconds)
}

func (tc *scenarioConfig) theSubmissionIsRejected(code string) error {
	var se *serviceerrors.ServiceError
	if tc.submitErr == nil {
		return fmt.Errorf("expected the submission to be rejected")
	}
	if !errors.As(tc.submitErr, &se) || se.MessageCode().GetID() != code {
		return fmt.Errorf("expected %s, got %v", code, tc.submitErr)
	}
	return nil
}

func (tc *scenarioConfig) noRunsAreStored() error {
	results, err := tc.harness.coordinator.List(context.Background(), api.RunFilter{Limit: 10})
	if err != nil {
		return err
	}
	if results.TotalStored != 0 {
		return fmt.Errorf("expected no runs, got %d", results.TotalStored)
	}
	return nil
}
