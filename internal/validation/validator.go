package validation

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// catalogIDPattern matches benchmark names and model identifiers such as
// "mmlu" or "openai/gpt-4o-mini".
var catalogIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-/:]+$`)

// NewValidator returns the validator shared by the service. Field names in
// validation errors are reported using their JSON names.
func NewValidator() (*validator.Validate, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonTagName)
	if err := validate.RegisterValidation("catalog_id", isCatalogID); err != nil {
		return nil, err
	}
	return validate, nil
}

func isCatalogID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if len(value) > 256 {
		return false
	}
	return catalogIDPattern.MatchString(value)
}

func jsonTagName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return field.Name
	}
	return name
}
