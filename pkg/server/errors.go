package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aeolun/supportline/pkg/protocol"
)

// Send and history failures wrap exactly one of these.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrAuthorization = errors.New("not authorized")
	ErrStorage       = errors.New("storage error")
)

// ErrMessageTooLong is the validation failure for oversized content.
var ErrMessageTooLong = fmt.Errorf("%w: message content too long", ErrValidation)

// errorKind names the taxonomy entry for clients and metric labels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	default:
		return "storage"
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func protocolCode(err error) uint16 {
	switch {
	case errors.Is(err, ErrMessageTooLong):
		return protocol.ErrCodeMessageTooLong
	case errors.Is(err, ErrValidation):
		return protocol.ErrCodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return protocol.ErrCodeNotFound
	case errors.Is(err, ErrAuthorization):
		return protocol.ErrCodePermissionDenied
	default:
		return protocol.ErrCodeDatabaseError
	}
}

// publicMessage hides backend details of storage failures.
func publicMessage(err error) string {
	if errorKind(err) == "storage" {
		return "failed to store message"
	}
	return err.Error()
}
