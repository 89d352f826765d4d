package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/eventbus"
	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/handlers"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/logging"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/eval-hub/bench-runner/pkg/api"
)

func TestNew(t *testing.T) {
	h := handlers.New(nil, nil, nil)
	if h == nil {
		t.Error("New() returned nil")
	}
}

func createExecutionContext() *executioncontext.ExecutionContext {
	return executioncontext.NewExecutionContext(context.Background(), "test-request-id", logging.FallbackLogger(), time.Minute)
}

type MockRequest struct {
	method     string
	uri        string
	headers    map[string]string
	body       []byte
	pathValues map[string]string
}

func createMockRequest(method string, uri string) *MockRequest {
	return &MockRequest{
		method:     method,
		uri:        uri,
		headers:    map[string]string{},
		pathValues: map[string]string{},
	}
}

func (r *MockRequest) withBody(body string) *MockRequest {
	r.body = []byte(body)
	return r
}

func (r *MockRequest) withPathValue(name string, value string) *MockRequest {
	r.pathValues[name] = value
	return r
}

func (r *MockRequest) Method() string                     { return r.method }
func (r *MockRequest) URI() string                        { return r.uri }
func (r *MockRequest) Header(key string) string           { return r.headers[key] }
func (r *MockRequest) SetHeader(key string, value string) { r.headers[key] = value }
func (r *MockRequest) BodyAsBytes() ([]byte, error)       { return r.body, nil }
func (r *MockRequest) PathValue(name string) string       { return r.pathValues[name] }

func (r *MockRequest) Path() string {
	u, err := url.Parse(r.uri)
	if err != nil {
		return r.uri
	}
	return u.Path
}

func (r *MockRequest) Query(key string) []string {
	u, err := url.Parse(r.uri)
	if err != nil {
		return nil
	}
	return u.Query()[key]
}

// MockResponseWrapper writes to a recorder. When gate is set every event
// write waits for it, which lets a test hold a stream back.
type MockResponseWrapper struct {
	w    *httptest.ResponseRecorder
	gate chan struct{}
}

func (m *MockResponseWrapper) Error(err error, requestId string) {
	var serviceError abstractions.ServiceError
	if errors.As(err, &serviceError) {
		m.ErrorWithMessageCode(requestId, serviceError.MessageCode(), serviceError.MessageParams()...)
		return
	}
	m.ErrorWithMessageCode(requestId, messages.UnknownError, "Error", err.Error())
}

func (m *MockResponseWrapper) ErrorWithMessageCode(requestId string, messageCode *messages.MessageCode, messageParams ...any) {
	m.WriteJSON(api.Error{
		MessageCode: messageCode.GetID(),
		Message:     messages.GetErrorMessage(messageCode, messageParams...),
		Trace:       requestId,
	}, messageCode.GetCode())
}

func (m *MockResponseWrapper) SetHeader(key string, value string) { m.w.Header().Set(key, value) }
func (m *MockResponseWrapper) DeleteHeader(key string)            { m.w.Header().Del(key) }
func (m *MockResponseWrapper) SetStatusCode(code int)             { m.w.WriteHeader(code) }
func (m *MockResponseWrapper) Write(buf []byte) (int, error)      { return m.w.Write(buf) }

func (m *MockResponseWrapper) WriteJSON(v any, code int) {
	m.w.Header().Set("Content-Type", "application/json")
	m.w.WriteHeader(code)
	_ = json.NewEncoder(m.w).Encode(v)
}

func (m *MockResponseWrapper) EventStream() (http_wrappers.EventStream, error) {
	m.w.Header().Set("Content-Type", "text/event-stream")
	m.w.WriteHeader(http.StatusOK)
	return m, nil
}

func (m *MockResponseWrapper) Send(event string, data []byte) error {
	if m.gate != nil {
		<-m.gate
	}
	_, err := fmt.Fprintf(m.w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// fakeRuns is an in-memory run service. Subscriptions come from a real bus
// fed by the stored records.
type fakeRuns struct {
	handlers.RunService

	records   map[string]*api.RunRecord
	submitted []string
	submitErr error
	healthErr error
	filter    api.RunFilter
	total     int
	logLines  int
	bus       *eventbus.Bus
}

func newFakeRuns() *fakeRuns {
	f := &fakeRuns{records: map[string]*api.RunRecord{}}
	f.bus = eventbus.New(f, &config.EventsConfig{BufferSize: 2, HeartbeatInterval: time.Hour, TerminalTimeout: 100 * time.Millisecond}, logging.FallbackLogger())
	return f
}

func (f *fakeRuns) SubmitJSON(_ context.Context, body []byte) (*api.RunRecord, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, string(body))
	record := &api.RunRecord{RunID: "run-1", Benchmark: "mmlu", Model: "openai/gpt-4o", Status: api.RunStatusQueued, CreatedAt: time.Now().UTC()}
	f.records[record.RunID] = record
	return record, nil
}

func (f *fakeRuns) Get(_ context.Context, runID string) (*api.RunRecord, error) {
	record, ok := f.records[runID]
	if !ok {
		return nil, serviceerrors.NewServiceError(messages.RunNotFound, "RunId", runID)
	}
	return record, nil
}

func (f *fakeRuns) List(_ context.Context, filter api.RunFilter) (*abstractions.QueryResults[api.RunRecord], error) {
	f.filter = filter
	items := []api.RunRecord{}
	for _, record := range f.records {
		items = append(items, *record)
	}
	total := f.total
	if total == 0 {
		total = len(items)
	}
	return &abstractions.QueryResults[api.RunRecord]{Items: items, TotalStored: total}, nil
}

func (f *fakeRuns) Cancel(ctx context.Context, runID string) (api.RunStatus, error) {
	record, err := f.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if !record.Status.IsTerminal() {
		record.Status = api.RunStatusCanceled
	}
	return record.Status, nil
}

func (f *fakeRuns) LogTail(record *api.RunRecord, n int) (*api.RunLogs, error) {
	f.logLines = n
	return &api.RunLogs{Stdout: []string{"Processing sample 1/2..."}, Stderr: []string{}}, nil
}

func (f *fakeRuns) Subscribe(_ context.Context, runID string) (*eventbus.Subscription, error) {
	return f.bus.Subscribe(runID)
}

func (f *fakeRuns) Health(context.Context) error {
	return f.healthErr
}

func (f *fakeRuns) Snapshot(runID string) (*eventbus.Snapshot, error) {
	record, ok := f.records[runID]
	if !ok {
		return nil, serviceerrors.NewServiceError(messages.RunNotFound, "RunId", runID)
	}
	copied := *record
	return &eventbus.Snapshot{Record: &copied}, nil
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.Error {
	t.Helper()
	var response api.Error
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal error response: %v", err)
	}
	return response
}
