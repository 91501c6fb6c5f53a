package log

import (
	"context"
	"net/http"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
)

// NewContext returns a copy of ctx carrying logger.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// FromContext extracts a logger from the context, falling back to the default logger
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return Default("unknown")
}

// Middleware adds a request-scoped logger carrying the request ID to the request context
func Middleware(logger *Logger, extractRequestID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scoped := logger
			if extractRequestID != nil {
				if id := extractRequestID(r); id != "" {
					scoped = logger.With(FieldRequestID, id)
				}
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), scoped)))
		})
	}
}
