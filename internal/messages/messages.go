package messages

import (
	"fmt"
	"net/http"
	"strings"
)

// This package provides all the error messages that should be reported to the user.
// Note that we add a comment with the message parameters so that it is possible
// to see the parameters in the IDE when creating an error message.
var (
	// API errors that are not storage specific

	// MissingPathParameter The path parameter '{{.ParameterName}}' is required.
	MissingPathParameter = createMessage(
		"missing_path_parameter",
		http.StatusNotFound,
		"The path parameter '{{.ParameterName}}' is required.",
	)

	// ResourceNotFound The {{.Type}} resource {{.ResourceId}} was not found.
	ResourceNotFound = createMessage(
		"resource_not_found",
		http.StatusNotFound,
		"The {{.Type}} resource {{.ResourceId}} was not found.",
	)

	// RunNotFound The run {{.RunId}} was not found.
	RunNotFound = createMessage(
		"run_not_found",
		http.StatusNotFound,
		"The run {{.RunId}} was not found.",
	)

	// BenchmarkNotFound The benchmark {{.Benchmark}} was not found.
	BenchmarkNotFound = createMessage(
		"benchmark_not_found",
		http.StatusNotFound,
		"The benchmark {{.Benchmark}} was not found.",
	)

	// QueryParameterInvalid The query parameter '{{.ParameterName}}' is not a valid {{.Type}}: '{{.Value}}'.
	QueryParameterInvalid = createMessage(
		"query_parameter_invalid",
		http.StatusBadRequest,
		"The query parameter '{{.ParameterName}}' is not a valid {{.Type}}: '{{.Value}}'.",
	)

	// RequestBodyInvalid The request body is not valid: '{{.Error}}'.
	RequestBodyInvalid = createMessage(
		"request_body_invalid",
		http.StatusBadRequest,
		"The request body is not valid: '{{.Error}}'.",
	)

	// Submission errors

	// ValidationFailed The field '{{.Field}}' failed the '{{.Rule}}' check.
	ValidationFailed = createMessage(
		"validation_failed",
		http.StatusBadRequest,
		"The field '{{.Field}}' failed the '{{.Rule}}' check.",
	)

	// UnknownBenchmark The benchmark '{{.Benchmark}}' is not in the catalog.
	UnknownBenchmark = createMessage(
		"unknown_benchmark",
		http.StatusBadRequest,
		"The benchmark '{{.Benchmark}}' is not in the catalog.",
	)

	// UnknownModel The model '{{.Model}}' is not a known model or provider.
	UnknownModel = createMessage(
		"unknown_model",
		http.StatusBadRequest,
		"The model '{{.Model}}' is not a known model or provider.",
	)

	// SubmissionsSuspended New runs are not accepted: '{{.Error}}'.
	SubmissionsSuspended = createMessage(
		"submissions_suspended",
		http.StatusServiceUnavailable,
		"New runs are not accepted: '{{.Error}}'.",
	)

	// StreamingUnsupported The response writer does not support event streaming.
	StreamingUnsupported = createMessage(
		"streaming_unsupported",
		http.StatusInternalServerError,
		"The response writer does not support event streaming.",
	)

	// Configuration related errors

	// ConfigurationFailed The service startup failed: '{{.Error}}'.
	ConfigurationFailed = createMessage(
		"configuration_failed",
		http.StatusInternalServerError,
		"The service startup failed: '{{.Error}}'.",
	)

	// JSON errors that are not coming from user input

	// JSONUnmarshalFailed The JSON unmarshalling failed for the {{.Type}}: '{{.Error}}'.
	JSONUnmarshalFailed = createMessage(
		"json_unmarshal_failed",
		http.StatusInternalServerError,
		"The JSON unmarshalling failed for the {{.Type}}: '{{.Error}}'.",
	)

	// Storage related errors

	// DatabaseOperationFailed The request for the {{.Type}} resource {{.ResourceId}} failed: '{{.Error}}'.
	DatabaseOperationFailed = createMessage(
		"database_operation_failed",
		http.StatusInternalServerError,
		"The request for the {{.Type}} resource {{.ResourceId}} failed: '{{.Error}}'.",
	)
	// QueryFailed The request for the {{.Type}} failed: '{{.Error}}'.
	QueryFailed = createMessage(
		"query_failed",
		http.StatusInternalServerError,
		"The request for the {{.Type}} failed: '{{.Error}}'.",
	)

	// InternalServerError An internal server error occurred: '{{.Error}}'.
	InternalServerError = createMessage(
		"internal_server_error",
		http.StatusInternalServerError,
		"An internal server error occurred: '{{.Error}}'.",
	)

	// MethodNotAllowed The HTTP method {{.Method}} is not allowed for the API {{.Api}}.
	MethodNotAllowed = createMessage(
		"method_not_allowed",
		http.StatusMethodNotAllowed,
		"The HTTP method {{.Method}} is not allowed for the API {{.Api}}.",
	)

	// UnknownError An unknown error occurred: '{{.Error}}'. This is a fallback error if the error is not a service error.
	UnknownError = createMessage(
		"unknown_error",
		http.StatusInternalServerError,
		"An unknown error occurred: {{.Error}}.",
	)
)

type MessageCode struct {
	code   string
	status int
	one    string
}

// GetID returns the stable identifier reported to callers as message_code.
func (m *MessageCode) GetID() string {
	return m.code
}

func (m *MessageCode) GetCode() int {
	return m.status
}

func (m *MessageCode) GetMessage() string {
	return m.one
}

func createMessage(code string, status int, one string) *MessageCode {
	return &MessageCode{
		code,
		status,
		one,
	}
}

func GetErrorMessage(messageCode *MessageCode, messageParams ...any) string {
	msg := messageCode.GetMessage()
	for i := 0; i < len(messageParams); i += 2 {
		param := messageParams[i]
		var paramValue any
		if i+1 < len(messageParams) {
			paramValue = messageParams[i+1]
		} else {
			paramValue = "NOT_DEFINED" // this is a placeholder for a missing parameter value - if you see this value then the code needs to be fixed
		}
		msg = strings.ReplaceAll(msg, fmt.Sprintf("{{.%v}}", param), fmt.Sprintf("%v", paramValue))
	}
	return msg
}
