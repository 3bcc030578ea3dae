// Package ingest validates request payloads at the service boundary. Everything past
// this package works with typed, checked values.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/policy-hub/coordinator/internal/apperror"
)

// DecodeJSON decodes a single JSON document into v, rejecting unknown fields.
// Failures are returned as validation errors with a field path.
func DecodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return apperror.Validation(field.ErrorList{decodeError(err)})
	}
	if dec.More() {
		return apperror.Validation(field.ErrorList{
			field.Invalid(field.NewPath("body"), "<trailing data>", "body must contain a single JSON document"),
		})
	}
	return nil
}

func decodeError(err error) *field.Error {
	var (
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)

	switch {
	case errors.As(err, &typeErr):
		return field.Invalid(jsonPath(typeErr.Field), typeErr.Value, fmt.Sprintf("expected %s", typeErr.Type))
	case errors.As(err, &syntaxErr):
		return field.Invalid(field.NewPath("body"), fmt.Sprintf("offset %d", syntaxErr.Offset), "malformed JSON")
	case errors.Is(err, io.EOF):
		return field.Required(field.NewPath("body"), "request body is empty")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return field.Forbidden(field.NewPath(name), "unknown field")
	default:
		return field.Invalid(field.NewPath("body"), "", err.Error())
	}
}

// jsonPath turns a decoder field path such as "summaries.hour" into a field.Path.
func jsonPath(p string) *field.Path {
	if p == "" {
		return field.NewPath("body")
	}
	parts := strings.Split(p, ".")
	return field.NewPath(parts[0], parts[1:]...)
}
