// Package apperrors holds the request-level error taxonomy and its mapping to
// HTTP status codes and response bodies.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ErrorCode string

const (
	CodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeInvalidUpload   ErrorCode = "INVALID_UPLOAD"
	CodeIntakeIO        ErrorCode = "INTAKE_IO_ERROR"
	CodeEngineSpawn     ErrorCode = "ENGINE_SPAWN_ERROR"
	CodeEngineExecution ErrorCode = "ENGINE_EXECUTION_ERROR"
	CodeEmptyResult     ErrorCode = "EMPTY_RESULT"
	CodeTimeout         ErrorCode = "INVOCATION_TIMEOUT"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// AppError is a classified failure carrying the status and message that are
// sent to the client. Cause is kept for logs only.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Detail: e.Message}
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func PayloadTooLarge(limit int64) *AppError {
	return &AppError{
		Code:       CodePayloadTooLarge,
		Message:    fmt.Sprintf("File too large: uploads are limited to %s", FormatBytes(limit)),
		HTTPStatus: http.StatusBadRequest,
	}
}

func InvalidUpload(reason string) *AppError {
	return &AppError{
		Code:       CodeInvalidUpload,
		Message:    fmt.Sprintf("Invalid upload: %s", reason),
		HTTPStatus: http.StatusBadRequest,
	}
}

func IntakeIO(cause error) *AppError {
	return &AppError{
		Code:       CodeIntakeIO,
		Message:    "Failed to store the uploaded file",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func EngineSpawn(cause error) *AppError {
	return &AppError{
		Code:       CodeEngineSpawn,
		Message:    "Transcription engine could not be started",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// EngineExecution reports a non-zero engine exit. The captured diagnostic is
// part of the client-facing message.
func EngineExecution(diagnostic string, cause error) *AppError {
	message := "Transcription failed"
	if d := strings.TrimSpace(diagnostic); d != "" {
		message = message + ": " + d
	}
	return &AppError{
		Code:       CodeEngineExecution,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func EmptyResult() *AppError {
	return &AppError{
		Code:       CodeEmptyResult,
		Message:    "Transcription produced no text",
		HTTPStatus: http.StatusInternalServerError,
	}
}

func InvocationTimeout(limit time.Duration) *AppError {
	return &AppError{
		Code:       CodeTimeout,
		Message:    fmt.Sprintf("Transcription timed out after %s", limit),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

func Internal(cause error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// FormatBytes renders n using binary units, e.g. 104857600 -> "100 MiB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	suffix := []string{"KiB", "MiB", "GiB", "TiB"}[exp]
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d %s", int64(value), suffix)
	}
	return fmt.Sprintf("%.1f %s", value, suffix)
}
