package server

import (
	"net/http"
	"time"

	"github.com/eval-hub/bench-runner/internal/executioncontext"
)

// requestTimeout bounds plain request handling. Event streams run for as
// long as the client stays connected.
const requestTimeout = time.Minute

// newExecutionContext creates the request-scoped context handed to the
// handlers. The request id comes from the X-Global-Transaction-Id header or
// is generated, and the logger carries the request fields.
//
// The context is the request's own, so a client going away ends any work
// done on its behalf.
func (s *Server) newExecutionContext(r *http.Request) *executioncontext.ExecutionContext {
	requestID, enhancedLogger := s.loggerWithRequest(r)
	return executioncontext.NewExecutionContext(
		r.Context(),
		requestID,
		enhancedLogger,
		requestTimeout,
	)
}
