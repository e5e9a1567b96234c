package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeError represents an error that can be returned to clients.
type ServeError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *ServeError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ServeError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *ServeError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors. These map the serving pipeline's failure modes onto
// client-visible status codes: an unroutable request is 404, an exhausted
// upstream group is 502, an upstream deadline is 504.
var (
	ErrNotFound = &ServeError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &ServeError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrBadRequest = &ServeError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrUnauthorized = &ServeError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &ServeError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrBadGateway = &ServeError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &ServeError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &ServeError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &ServeError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ServeError][]byte

func init() {
	bases := []*ServeError{
		ErrNotFound, ErrMethodNotAllowed, ErrBadRequest, ErrUnauthorized,
		ErrForbidden, ErrBadGateway, ErrServiceUnavailable,
		ErrGatewayTimeout, ErrInternalServer,
	}
	preSerialized = make(map[*ServeError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ServeError.
func New(code int, message string) *ServeError {
	return &ServeError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, code int, message string) *ServeError {
	return &ServeError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error.
func (e *ServeError) WithDetails(details string) *ServeError {
	return &ServeError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error.
func (e *ServeError) WithRequestID(requestID string) *ServeError {
	return &ServeError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsServeError checks if an error is a ServeError.
func IsServeError(err error) (*ServeError, bool) {
	if se, ok := err.(*ServeError); ok {
		return se, true
	}
	return nil, false
}
