package grpcapi

import (
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/policy-hub/coordinator/internal/apperror"
)

// toStatus converts an error to a gRPC status error carrying the error kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var e *apperror.Error
	if !errors.As(err, &e) {
		if _, ok := status.FromError(err); ok {
			return err
		}
	}

	kind := apperror.KindOf(err)
	msg := apperror.PublicMessage(err)
	if fields := apperror.FieldsOf(err); len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for _, fe := range fields {
			parts = append(parts, fe.Error())
		}
		msg = strings.Join(parts, "; ")
	}
	return status.Error(codeFor(kind), string(kind)+": "+msg)
}

func codeFor(k apperror.Kind) codes.Code {
	switch k {
	case apperror.KindAuthentication:
		return codes.Unauthenticated
	case apperror.KindAuthorization, apperror.KindClusterMismatch:
		return codes.PermissionDenied
	case apperror.KindValidation:
		return codes.InvalidArgument
	case apperror.KindNotFound:
		return codes.NotFound
	case apperror.KindInvalidTransition, apperror.KindAlreadyTerminal:
		return codes.FailedPrecondition
	case apperror.KindRateLimited:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}
