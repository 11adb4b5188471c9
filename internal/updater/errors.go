package updater

import (
	"errors"
	"net/http"
)

// Client protocol errors. None of them is retried and none mutates anything.
var (
	ErrMalformed       = errors.New("state token is malformed")
	ErrTampered        = errors.New("state token failed integrity verification")
	ErrExpired         = errors.New("state token has expired")
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownStep     = errors.New("unknown step")
	ErrStepMismatch    = errors.New("state token was not issued for this step")
	ErrMissingToken    = errors.New("stateToken is required")
	ErrInvalidParams   = errors.New("invalid request parameters")
	ErrForbidden       = errors.New("insufficient permissions for this step")
	ErrStaleToken      = errors.New("state token was superseded by a later step of this run")
)

// ErrMaintenanceNotOwned is returned when a step other than an entry step
// tries to acquire maintenance mode.
var ErrMaintenanceNotOwned = errors.New("only entry steps may acquire maintenance mode")

// ProtocolError is a rejected request. Code is a stable machine readable
// name, Err is the underlying cause.
type ProtocolError struct {
	Code string
	Err  error
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Reject wraps err as a client protocol error with the given code.
func Reject(code string, err error) error {
	return &ProtocolError{Code: code, Err: err}
}

// HTTPStatus maps an Execute error onto a response status.
func HTTPStatus(err error) int {
	var pe *ProtocolError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrStaleToken):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the ProtocolError code of err, or "Internal".
func ErrorCode(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "Internal"
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "Malformed"
	case errors.Is(err, ErrTampered):
		return "Tampered"
	case errors.Is(err, ErrExpired):
		return "Expired"
	case errors.Is(err, ErrUnknownWorkflow):
		return "UnknownWorkflow"
	case errors.Is(err, ErrUnknownStep):
		return "UnknownStep"
	case errors.Is(err, ErrStepMismatch):
		return "StepMismatch"
	case errors.Is(err, ErrMissingToken):
		return "MissingToken"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrStaleToken):
		return "StaleToken"
	default:
		return "InvalidParams"
	}
}
