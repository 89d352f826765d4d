package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/eval-hub/bench-runner/internal/serviceerrors"
	validator "github.com/go-playground/validator/v10"
)

// Unmarshal decodes jsonBytes into v, rejecting unknown fields, and then
// validates v. Failures are returned as service errors naming the first
// offending field.
func Unmarshal(ctx context.Context, logger *slog.Logger, validate *validator.Validate, jsonBytes []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(jsonBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return serviceerrors.NewServiceError(messages.RequestBodyInvalid, "Error", err.Error())
	}
	// now validate the unmarshalled data
	err := validate.StructCtx(ctx, v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return serviceerrors.NewServiceError(messages.RequestBodyInvalid, "Error", err.Error())
	}
	for _, validationError := range validationErrors {
		logger.Info("Validation error", "field", validationError.Field(), "tag", validationError.Tag(), "value", validationError.Value())
	}
	first := validationErrors[0]
	return serviceerrors.NewServiceError(messages.ValidationFailed, "Field", first.Field(), "Rule", first.Tag())
}
