package dispatch

import (
	"fmt"
	"net/http"
)

// Code is the stable error taxonomy surfaced to clients.
type Code string

const (
	CodeInvalidModel        Code = "INVALID_MODEL"
	CodeNoProvider          Code = "NO_PROVIDER_AVAILABLE"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeProviderTimeout     Code = "PROVIDER_TIMEOUT"
	CodeProviderTransport   Code = "PROVIDER_TRANSPORT_ERROR"
	CodeProviderBadResponse Code = "PROVIDER_BAD_RESPONSE"
	CodeInternal            Code = "INTERNAL"
)

// Error is a routing failure carrying its taxonomy code. The HTTP surface
// maps it to a structured error envelope without inspecting the message.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the taxonomy to response status codes.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidModel, CodeNoProvider:
		return http.StatusBadRequest
	case CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case CodeProviderTransport, CodeProviderBadResponse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// APIType is the OpenAI-style "type" field of the error envelope.
func (e *Error) APIType() string {
	if s := e.HTTPStatus(); s >= 400 && s < 500 {
		return "invalid_request_error"
	}
	return "api_error"
}

// APICode is the wire-level "code" field. NO_PROVIDER_AVAILABLE keeps the
// legacy model_not_available code clients already match on.
func (e *Error) APICode() string {
	switch e.Code {
	case CodeInvalidModel:
		return "invalid_model"
	case CodeNoProvider:
		return "model_not_available"
	case CodeInsufficientBalance:
		return "insufficient_balance"
	case CodeProviderTimeout:
		return "provider_timeout"
	case CodeProviderTransport:
		return "provider_transport_error"
	case CodeProviderBadResponse:
		return "provider_bad_response"
	}
	return "internal_error"
}

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
