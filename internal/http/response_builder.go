// Package http provides the admin JSON API.
//
// This file implements the Builder Pattern for constructing JSON responses
// and maps domain errors to HTTP status codes in one place.

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"participa/internal/core"
	applog "participa/internal/log"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	payload    any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}

	if b.payload == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	body, err := json.Marshal(b.payload)
	if err != nil {
		slog.Error("Failed to encode response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(append(body, '\n'))
}

type errorBody struct {
	Error string `json:"error"`
}

// ErrorResponse creates a standard {"error": "..."} response.
func ErrorResponse(statusCode int, message string) *JSONResponseBuilder {
	return NewJSONResponse().Status(statusCode).Body(errorBody{Error: message})
}

func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, message)
}

func NotFoundError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, message)
}

func ConflictError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusConflict, message)
}

func InternalServerError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, message)
}

func TooManyRequestsError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded, try again later").
		Header("Retry-After", "60")
}

// StatusForError maps domain errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrConcurrentRunConflict),
		errors.Is(err, core.ErrGroupHasHeadings),
		errors.Is(err, core.ErrBudgetHasInvestments):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// DomainError builds the response for an error returned by a service.
// Internal errors are logged and not echoed to the client.
func DomainError(r *http.Request, err error) *JSONResponseBuilder {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Admin request failed",
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			applog.FieldError, err)
		return InternalServerError("internal error")
	}
	return ErrorResponse(status, err.Error())
}
