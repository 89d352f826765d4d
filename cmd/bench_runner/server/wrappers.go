package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/logging"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/pkg/api"
)

// maxBodyBytes caps request bodies; run submissions are small.
const maxBodyBytes = 1 << 20

type ReqWrapper struct {
	Request *http.Request
}

func NewRequestWrapper(r *http.Request) *ReqWrapper {
	return &ReqWrapper{Request: r}
}

func (r *ReqWrapper) Method() string {
	return r.Request.Method
}

func (r *ReqWrapper) URI() string {
	return r.Request.URL.RequestURI()
}

func (r *ReqWrapper) Header(key string) string {
	return r.Request.Header.Get(key)
}

func (r *ReqWrapper) SetHeader(key string, value string) {
	r.Request.Header.Set(key, value)
}

func (r *ReqWrapper) Path() string {
	return r.Request.URL.Path
}

func (r *ReqWrapper) Query(key string) []string {
	return r.Request.URL.Query()[key]
}

func (r *ReqWrapper) BodyAsBytes() ([]byte, error) {
	if r.Request.Body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(r.Request.Body, maxBodyBytes))
}

func (r *ReqWrapper) PathValue(name string) string {
	return r.Request.PathValue(name)
}

type RespWrapper struct {
	w   http.ResponseWriter
	ctx *executioncontext.ExecutionContext
}

func NewRespWrapper(w http.ResponseWriter, ctx *executioncontext.ExecutionContext) *RespWrapper {
	return &RespWrapper{w: w, ctx: ctx}
}

// Error writes a service error with its message code, anything else as an
// unknown error.
func (r *RespWrapper) Error(err error, requestId string) {
	var serviceError abstractions.ServiceError
	if errors.As(err, &serviceError) {
		r.ErrorWithMessageCode(requestId, serviceError.MessageCode(), serviceError.MessageParams()...)
		return
	}
	r.ErrorWithMessageCode(requestId, messages.UnknownError, "Error", err.Error())
}

func (r *RespWrapper) ErrorWithMessageCode(requestId string, messageCode *messages.MessageCode, messageParams ...any) {
	msg := messages.GetErrorMessage(messageCode, messageParams...)
	body, err := json.Marshal(api.Error{MessageCode: messageCode.GetID(), Message: msg, Trace: requestId})
	if err != nil {
		// cannot happen for a struct of strings
		body = []byte(fmt.Sprintf(`{"message_code":%q}`, messageCode.GetID()))
	}
	header := r.w.Header()
	// Delete the Content-Length header, which might be for some other content.
	header.Del("Content-Length")
	header.Set("Content-Type", "application/json; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")
	r.w.WriteHeader(messageCode.GetCode())
	_, _ = r.w.Write(body)
	_, _ = r.w.Write([]byte("\n"))

	logging.LogRequestFailed(r.ctx, messageCode.GetCode(), msg)
}

func (r *RespWrapper) SetHeader(key string, value string) {
	r.w.Header().Set(key, value)
}

func (r *RespWrapper) DeleteHeader(key string) {
	r.w.Header().Del(key)
}

func (r *RespWrapper) SetStatusCode(code int) {
	r.w.WriteHeader(code)
}

func (r *RespWrapper) Write(buf []byte) (int, error) {
	return r.w.Write(buf)
}

func (r *RespWrapper) WriteJSON(v any, code int) {
	body, err := json.Marshal(v)
	if err != nil {
		r.ErrorWithMessageCode(r.ctx.RequestID, messages.InternalServerError, "Error", err.Error())
		return
	}
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(code)
	_, _ = r.w.Write(body)

	logging.LogRequestSuccess(r.ctx, code, nil)
}

func (r *RespWrapper) EventStream() (http_wrappers.EventStream, error) {
	flusher, ok := r.w.(http.Flusher)
	if !ok {
		return nil, errors.New("the response writer cannot flush")
	}
	header := r.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	// stop proxies from buffering the stream
	header.Set("X-Accel-Buffering", "no")
	r.w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logging.LogRequestSuccess(r.ctx, http.StatusOK, nil)
	return &eventStream{w: r.w, flusher: flusher}, nil
}

type eventStream struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *eventStream) Send(event string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
