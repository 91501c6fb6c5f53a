package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	applog "participa/internal/log"
)

// ContextKey type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"

	// RequestIDHeader carries the request ID in and out of the server.
	RequestIDHeader = "X-Request-ID"
)

// Incoming IDs are echoed only when they cannot break a log line.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Middleware handles request tracing and logging
type Middleware struct {
	logger    *applog.Logger
	extractIP func(*http.Request) string

	totalRequests atomic.Int64
	totalMicros   atomic.Int64
}

// Metrics tracks request metrics
type Metrics struct {
	TotalRequests       int64
	AverageResponseTime int64 // in microseconds
}

func NewMiddleware(logger *applog.Logger, extractIP func(*http.Request) string) *Middleware {
	if logger == nil {
		logger = applog.Default(applog.ComponentTrace)
	}
	return &Middleware{logger: logger, extractIP: extractIP}
}

// Middleware assigns every request an ID, returns it in X-Request-ID and
// logs the request's completion at a level matching its status.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := ""
		if m.extractIP != nil {
			clientIP = m.extractIP(r)
		}

		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(requestID) {
			requestID = GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		r = r.WithContext(ctx)

		m.logger.DebugContext(ctx, "HTTP request started",
			applog.FieldRequestID, requestID,
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			applog.FieldClientIP, clientIP,
			"content_length", r.ContentLength)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		m.totalRequests.Add(1)
		m.totalMicros.Add(duration.Microseconds())

		level := slog.LevelInfo
		if rw.statusCode >= 500 {
			level = slog.LevelError
		} else if rw.statusCode >= 400 {
			level = slog.LevelWarn
		}

		m.logger.Log(ctx, level, "HTTP request completed",
			applog.FieldComponent, m.logger.Component(),
			applog.FieldRequestID, requestID,
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			"query", r.URL.RawQuery,
			applog.FieldStatusCode, rw.statusCode,
			applog.FieldDuration, duration.Milliseconds(),
			applog.FieldClientIP, clientIP,
			applog.FieldSuccess, rw.statusCode < 400)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// GenerateRequestID creates a unique request ID for tracing
func GenerateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestID returns the ID the trace middleware assigned to r.
func RequestID(r *http.Request) string {
	return GetRequestID(r.Context())
}

func (m *Middleware) GetMetrics() Metrics {
	total := m.totalRequests.Load()
	metrics := Metrics{TotalRequests: total}
	if total > 0 {
		metrics.AverageResponseTime = m.totalMicros.Load() / total
	}
	return metrics
}
