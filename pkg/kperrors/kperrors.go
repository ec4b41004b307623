// Package kperrors centralizes the mapping between the spec's error
// taxonomy (spec.md §7) and the grpc codes.Code values the rest of the
// module already uses to construct errors (pkg/digest, pkg/ibf,
// pkg/keystore, ...), plus the HTTP status the server package should
// answer with for each. This mirrors the teacher's own
// status.FromError / codes.Code plumbing.
package kperrors

import (
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind names one of the error kinds from spec.md §7, for documentation
// and logging; the actual errors passed around the module are plain
// *status.Status-backed errors (via status.Error*), not this type.
type Kind int

const (
	KindMalformedInput Kind = iota
	KindNotFound
	KindNotDecodable
	KindEstimatorExhausted
	KindNotAvailable
	KindResourceExhausted
	KindTransportFailure
	KindUnknown
)

// codeToKind maps the grpc code each constructor in this module uses
// back to the spec's named kind, for logging and metrics labels.
var codeToKind = map[codes.Code]Kind{
	codes.InvalidArgument:    KindMalformedInput,
	codes.NotFound:           KindNotFound,
	codes.DataLoss:           KindNotDecodable,
	codes.FailedPrecondition: KindEstimatorExhausted,
	codes.Unimplemented:      KindNotAvailable,
	codes.ResourceExhausted:  KindResourceExhausted,
	codes.Unavailable:        KindTransportFailure,
}

// KindOf classifies err by the grpc code it (or its nearest
// status-wrapped ancestor) carries.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	st, ok := status.FromError(err)
	if !ok {
		return KindUnknown
	}
	if k, ok := codeToKind[st.Code()]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindMalformedInput:
		return "malformed_input"
	case KindNotFound:
		return "not_found"
	case KindNotDecodable:
		return "not_decodable"
	case KindEstimatorExhausted:
		return "estimator_exhausted"
	case KindNotAvailable:
		return "not_available"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// HTTPStatus maps err to the HTTP status pkg/kpserver should answer
// with, following the grpc-gateway convention of deriving HTTP status
// from a grpc code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DataLoss, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.ResourceExhausted:
		return http.StatusInsufficientStorage
	case codes.Unavailable:
		return http.StatusBadGateway
	case codes.PermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
