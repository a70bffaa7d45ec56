package lifecycle

import (
	"net/http"
	"strings"
)

const (
	GRPCCodeAborted            = "Aborted"
	GRPCCodeCanceled           = "Canceled"
	GRPCCodeFailedPrecondition = "FailedPrecondition"
	GRPCCodeInternal           = "Internal"
	GRPCCodeInvalidArgument    = "InvalidArgument"
	GRPCCodeNotFound           = "NotFound"
	GRPCCodeUnavailable        = "Unavailable"
)

const rpcCodeInternal = "LIFECYCLE_INTERNAL"

// TransportErrorMapping defines protocol-level mappings for engine errors.
type TransportErrorMapping struct {
	Code       string
	HTTPStatus int
	GRPCCode   string
	RPCCode    string
}

// RPCErrorEnvelope is the RPC transport error shape.
type RPCErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MapError maps engine error codes to transport protocol categories.
func MapError(err error) TransportErrorMapping {
	if IsCanceled(err) {
		return TransportErrorMapping{
			HTTPStatus: 499,
			GRPCCode:   GRPCCodeCanceled,
			RPCCode:    "LIFECYCLE_CANCELED",
		}
	}
	code := strings.TrimSpace(ErrorCode(err))

	switch code {
	case CodeNotFound:
		return TransportErrorMapping{Code: code, HTTPStatus: http.StatusNotFound, GRPCCode: GRPCCodeNotFound, RPCCode: code}
	case CodeInvalidDefinition, CodeInvalidPolicy:
		return TransportErrorMapping{Code: code, HTTPStatus: http.StatusUnprocessableEntity, GRPCCode: GRPCCodeInvalidArgument, RPCCode: code}
	case CodeNoInitialState, CodePreconditionFailed:
		return TransportErrorMapping{Code: code, HTTPStatus: http.StatusPreconditionFailed, GRPCCode: GRPCCodeFailedPrecondition, RPCCode: code}
	case CodeInvalidAckTransition, CodeConflict:
		return TransportErrorMapping{Code: code, HTTPStatus: http.StatusConflict, GRPCCode: GRPCCodeAborted, RPCCode: code}
	case CodeSubscriberFailed:
		return TransportErrorMapping{Code: code, HTTPStatus: http.StatusBadGateway, GRPCCode: GRPCCodeUnavailable, RPCCode: code}
	default:
		return TransportErrorMapping{Code: code, HTTPStatus: http.StatusInternalServerError, GRPCCode: GRPCCodeInternal, RPCCode: rpcCodeInternal}
	}
}

// HTTPStatusForError returns the mapped HTTP status code for an engine error.
func HTTPStatusForError(err error) int {
	return MapError(err).HTTPStatus
}

// GRPCCodeForError returns the mapped gRPC status code string for an engine error.
func GRPCCodeForError(err error) string {
	return MapError(err).GRPCCode
}

// RPCErrorForError returns an RPC envelope for engine errors.
func RPCErrorForError(err error) *RPCErrorEnvelope {
	if err == nil {
		return nil
	}
	mapping := MapError(err)
	return &RPCErrorEnvelope{
		Code:    mapping.RPCCode,
		Message: err.Error(),
	}
}
