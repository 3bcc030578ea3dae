package api

import (
	"encoding/json"
	"net/http"

	"github.com/policy-hub/coordinator/internal/apperror"
)

// ErrorBody is the error envelope of every failed request.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail describes a failure.
type ErrorDetail struct {
	Code    apperror.Kind `json:"code"`
	Message string        `json:"message"`
	Fields  []FieldError  `json:"fields,omitempty"`
}

// FieldError is one invalid field of a request.
type FieldError struct {
	Field  string `json:"field"`
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperror.KindOf(err)
	status := apperror.HTTPStatus(kind)

	switch kind {
	case apperror.KindInternal:
		s.log.Error(err, "Request failed", "method", r.Method, "path", r.URL.Path)
	case apperror.KindRateLimited:
		w.Header().Set("Retry-After", "1")
	case apperror.KindAuthentication:
		w.Header().Set("WWW-Authenticate", `Bearer realm="policy-hub"`)
	}

	body := ErrorBody{Error: ErrorDetail{Code: kind, Message: apperror.PublicMessage(err)}}
	for _, fe := range apperror.FieldsOf(err) {
		body.Error.Fields = append(body.Error.Fields, FieldError{
			Field:  fe.Field,
			Type:   string(fe.Type),
			Detail: fe.Detail,
		})
	}
	writeJSON(w, status, body)
}
