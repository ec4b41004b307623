package kperrors_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/kperrors"
)

func TestKindOfMapsEveryTaxonomyCode(t *testing.T) {
	cases := []struct {
		code codes.Code
		kind kperrors.Kind
		http int
	}{
		{codes.InvalidArgument, kperrors.KindMalformedInput, http.StatusBadRequest},
		{codes.NotFound, kperrors.KindNotFound, http.StatusNotFound},
		{codes.DataLoss, kperrors.KindNotDecodable, http.StatusConflict},
		{codes.FailedPrecondition, kperrors.KindEstimatorExhausted, http.StatusConflict},
		{codes.Unimplemented, kperrors.KindNotAvailable, http.StatusNotImplemented},
		{codes.ResourceExhausted, kperrors.KindResourceExhausted, http.StatusInsufficientStorage},
		{codes.Unavailable, kperrors.KindTransportFailure, http.StatusBadGateway},
	}
	for _, c := range cases {
		err := status.Error(c.code, "boom")
		require.Equal(t, c.kind, kperrors.KindOf(err))
		require.Equal(t, c.http, kperrors.HTTPStatus(err))
	}
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	require.Equal(t, kperrors.KindUnknown, kperrors.KindOf(require.AnError))
	require.Equal(t, http.StatusInternalServerError, kperrors.HTTPStatus(require.AnError))
}

func TestKindOfNilIsUnknown(t *testing.T) {
	require.Equal(t, kperrors.KindUnknown, kperrors.KindOf(nil))
	require.Equal(t, http.StatusOK, kperrors.HTTPStatus(nil))
}

func TestKindStringNames(t *testing.T) {
	require.Equal(t, "malformed_input", kperrors.KindMalformedInput.String())
	require.Equal(t, "not_decodable", kperrors.KindNotDecodable.String())
	require.Equal(t, "unknown", kperrors.KindUnknown.String())
}
