package statemachine_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/logging"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/internal/statemachine"
	"github.com/eval-hub/bench-runner/internal/storage"
	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/google/uuid"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []api.RunEvent
}

func (p *fakePublisher) Publish(runID string, event api.RunEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) kinds() []api.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []api.EventKind
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func (p *fakePublisher) terminalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Kind.IsTerminal() {
			n++
		}
	}
	return n
}

func setup(t *testing.T) (abstractions.Storage, *fakePublisher, *statemachine.Machine) {
	t.Helper()
	databaseConfig := map[string]any{
		"driver": "sqlite",
		"url":    "file:" + filepath.Join(t.TempDir(), "runs.db"),
	}
	store, err := storage.NewStorage(&databaseConfig, logging.FallbackLogger())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	publisher := &fakePublisher{}
	return store, publisher, statemachine.New(store, publisher, logging.FallbackLogger())
}

func createRun(t *testing.T, store abstractions.Storage) string {
	t.Helper()
	id := uuid.New().String()
	err := store.CreateRun(&api.RunRecord{
		RunID:     id,
		Benchmark: "mmlu",
		Model:     "mock/model",
		Config:    api.RunConfig{Benchmark: "mmlu", Model: "mock/model"},
		Status:    api.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
		Command:   "bench eval mmlu --model mock/model",
	})
	if err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	return id
}

func TestLifecycle(t *testing.T) {
	store, publisher, machine := setup(t)
	id := createRun(t, store)

	record, applied, err := machine.Start(id)
	if err != nil || !applied {
		t.Fatalf("Start() applied=%v err=%v", applied, err)
	}
	if record.Status != api.RunStatusRunning || record.StartedAt == nil {
		t.Fatalf("Unexpected record after start %+v", record)
	}

	if _, applied, _ := machine.Start(id); applied {
		t.Fatalf("Start() must not apply twice")
	}

	metric := 0.85
	record, applied, err = machine.Complete(id, 0, &metric, "accuracy")
	if err != nil || !applied {
		t.Fatalf("Complete() applied=%v err=%v", applied, err)
	}
	if record.Status != api.RunStatusCompleted || record.FinishedAt == nil || *record.ExitCode != 0 {
		t.Fatalf("Unexpected record after complete %+v", record)
	}

	expected := []api.EventKind{api.EventStatus, api.EventStatus, api.EventCompleted}
	got := publisher.kinds()
	if len(got) != len(expected) {
		t.Fatalf("Expected events %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Expected events %v, got %v", expected, got)
		}
	}
}

func TestSpawnFailureNeverStarts(t *testing.T) {
	store, publisher, machine := setup(t)
	id := createRun(t, store)

	record, applied, err := machine.Fail(id, nil, "failed to start bench: executable file not found")
	if err != nil || !applied {
		t.Fatalf("Fail() applied=%v err=%v", applied, err)
	}
	if record.StartedAt != nil {
		t.Fatalf("A run that never spawned must not have started_at")
	}
	if record.Error == "" || record.ExitCode != nil {
		t.Fatalf("Unexpected failed record %+v", record)
	}
	if publisher.terminalCount() != 1 {
		t.Fatalf("Expected a single terminal event, got %v", publisher.kinds())
	}

	// completing a failed run is a no-op
	record, applied, err = machine.Complete(id, 0, nil, "")
	if err != nil || applied || record.Status != api.RunStatusFailed {
		t.Fatalf("Complete() on a failed run: applied=%v err=%v status=%s", applied, err, record.Status)
	}
}

func TestCancel(t *testing.T) {
	store, publisher, machine := setup(t)
	id := createRun(t, store)

	hookCalls := 0
	record, applied, err := machine.Cancel(id, func(r *api.RunRecord) {
		hookCalls++
		if r.Status != api.RunStatusCanceled {
			t.Errorf("Hook saw status %s", r.Status)
		}
		// the terminal event is already published when the hook runs
		if publisher.terminalCount() != 1 {
			t.Errorf("Hook ran before the terminal event was published")
		}
	})
	if err != nil || !applied || record.Status != api.RunStatusCanceled {
		t.Fatalf("Cancel() applied=%v err=%v", applied, err)
	}
	if hookCalls != 1 {
		t.Fatalf("Expected the hook once, got %d", hookCalls)
	}

	record, applied, err = machine.Cancel(id, func(*api.RunRecord) { hookCalls++ })
	if err != nil || applied || record.Status != api.RunStatusCanceled {
		t.Fatalf("Second Cancel() applied=%v err=%v", applied, err)
	}
	if hookCalls != 1 {
		t.Fatalf("Hook must not run when the cancel does not apply")
	}

	if _, _, err := machine.Cancel("missing", nil); !serviceerrors.HasMessageCode(err, messages.RunNotFound) {
		t.Fatalf("Expected run not found, got %v", err)
	}
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	store, publisher, machine := setup(t)
	id := createRun(t, store)
	if _, _, err := machine.Start(id); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}

	var wg sync.WaitGroup
	applied := make(chan api.RunStatus, 3)
	for _, op := range []func() (*api.RunRecord, bool, error){
		func() (*api.RunRecord, bool, error) { return machine.Complete(id, 0, nil, "") },
		func() (*api.RunRecord, bool, error) { return machine.Cancel(id, nil) },
		func() (*api.RunRecord, bool, error) { return machine.Fail(id, nil, "boom") },
	} {
		wg.Add(1)
		go func(op func() (*api.RunRecord, bool, error)) {
			defer wg.Done()
			record, ok, err := op()
			if err != nil {
				t.Errorf("transition returned error: %v", err)
				return
			}
			if ok {
				applied <- record.Status
			}
		}(op)
	}
	wg.Wait()
	close(applied)

	count := 0
	for range applied {
		count++
	}
	if count != 1 {
		t.Fatalf("Expected exactly one terminal transition, got %d", count)
	}
	if publisher.terminalCount() != 1 {
		t.Fatalf("Expected exactly one terminal event, got %v", publisher.kinds())
	}
}
