// Package apperror defines the coordinator's error taxonomy and its mapping to
// transport status codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindAuthentication    Kind = "AuthenticationError"
	KindAuthorization     Kind = "AuthorizationError"
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFoundError"
	KindInvalidTransition Kind = "InvalidStateTransition"
	KindAlreadyTerminal   Kind = "AlreadyTerminal"
	KindClusterMismatch   Kind = "ClusterMismatch"
	KindRateLimited       Kind = "RateLimited"
	KindInternal          Kind = "InternalError"
)

// Error is a classified error. Fields is set for validation failures.
type Error struct {
	Kind    Kind
	Message string
	Fields  field.ErrorList
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == ""
}

// Authentication reports a missing, invalid, expired or revoked credential.
func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

// Authorization reports a valid credential without the required scope.
func Authorization(scope string) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf("missing required scope %q", scope)}
}

// ClusterCredentialRequired reports an organization credential used where only a
// cluster's own credential is accepted.
func ClusterCredentialRequired() *Error {
	return &Error{Kind: KindAuthorization, Message: "operation requires a cluster-bound credential"}
}

// Validation wraps a field-level error list. It returns nil for an empty list.
func Validation(errs field.ErrorList) error {
	if len(errs) == 0 {
		return nil
	}
	return &Error{Kind: KindValidation, Message: errs.ToAggregate().Error(), Fields: errs}
}

// NotFound reports an unknown resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidTransition reports an illegal lifecycle move.
func InvalidTransition(from, to string) *Error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf("cannot transition from %s to %s", from, to)}
}

// AlreadyTerminal reports a terminal write that conflicts with an earlier one.
func AlreadyTerminal(current, requested string) *Error {
	return &Error{Kind: KindAlreadyTerminal, Message: fmt.Sprintf("already %s, cannot mark %s", current, requested)}
}

// ClusterMismatch reports a payload cluster that differs from the authenticated one.
func ClusterMismatch(authenticated, payload string) *Error {
	return &Error{
		Kind:    KindClusterMismatch,
		Message: fmt.Sprintf("payload cluster %q does not match authenticated cluster %q", payload, authenticated),
	}
}

// RateLimited reports an exhausted request budget.
func RateLimited(key string) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf("rate limit exceeded for %s", key)}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// FieldsOf returns the field errors carried by err, if any.
func FieldsOf(err error) field.ErrorList {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization, KindClusterMismatch:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindAlreadyTerminal:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to callers.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
