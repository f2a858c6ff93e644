// Package handlers implements the HTTP resource layer over the coordination
// core. Every response uses the uniform Response envelope; errors map their
// structured code to an HTTP status.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vantage6/vantage6-sub005/types"
)

// Response is the uniform API response structure.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the serialized error payload.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes an error envelope from any error, unwrapping the
// structured code when present.
func WriteError(w http.ResponseWriter, err error) {
	structured := asStructured(err)

	status := structured.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(structured.Code)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(structured.Code),
			Message:   structured.Message,
			Retryable: structured.Retryable,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage writes a simple error envelope.
func WriteErrorMessage(w http.ResponseWriter, code types.ErrorCode, message string) {
	WriteError(w, types.NewError(code, message))
}

func asStructured(err error) *types.Error {
	var structured *types.Error
	if errors.As(err, &structured) {
		return structured
	}
	return types.NewError(types.ErrInternalError, "internal error").WithCause(err)
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrUnsupportedFormat:
		return http.StatusBadRequest
	case types.ErrAuthentication:
		return http.StatusUnauthorized
	case types.ErrAuthorization:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConsistency, types.ErrAtomicity:
		return http.StatusConflict
	case types.ErrDecryption:
		return http.StatusUnprocessableEntity
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrTimeout, types.ErrLivenessTimeout:
		return http.StatusGatewayTimeout
	case types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return types.NewError(types.ErrInvalidRequest, "malformed request body").WithCause(err)
	}
	return nil
}
