package serialization

import (
	_ "embed"
	"strings"

	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/run_request.json
var runRequestSchema []byte

var runRequest = gojsonschema.NewBytesLoader(runRequestSchema)

// ValidateRunRequest checks a submission body against the request schema
// before any defaults are applied.
func ValidateRunRequest(body []byte) error {
	result, err := gojsonschema.Validate(runRequest, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return serviceerrors.NewServiceError(messages.RequestBodyInvalid, "Error", err.Error())
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return serviceerrors.NewServiceError(messages.RequestBodyInvalid, "Error", strings.Join(details, "; "))
}
