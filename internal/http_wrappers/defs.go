package http_wrappers

import "github.com/eval-hub/bench-runner/internal/messages"

// RequestWrapper abstracts the underlying HTTP request.
type RequestWrapper interface {
	Method() string
	URI() string
	Header(key string) string
	SetHeader(key string, value string)
	Path() string
	Query(key string) []string
	BodyAsBytes() ([]byte, error)
	PathValue(name string) string
}

// Response abstraction of underlying HTTP library
type ResponseWrapper interface {
	Error(err error, requestId string)
	ErrorWithMessageCode(requestId string, messageCode *messages.MessageCode, messageParams ...any)
	SetHeader(key string, value string)
	DeleteHeader(key string)
	SetStatusCode(code int)
	Write(buf []byte) (n int, err error)
	WriteJSON(v any, code int)
	// EventStream switches the response to server-sent events. It fails
	// before anything is written when the writer cannot flush.
	EventStream() (EventStream, error)
}

// EventStream writes server-sent events, flushing after each one.
type EventStream interface {
	Send(event string, data []byte) error
}
