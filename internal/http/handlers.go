package http

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.appMetrics.uptime).String(),
	}).Write(w)
}

// handleReady runs every readiness check and fails if any of them does.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any, len(s.checks)+2)

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = fmt.Sprintf("failed: %v", err)
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	if s.results != nil {
		checks["result_cache"] = map[string]any{
			"entries": s.results.Size(),
			"status":  "ok",
		}
	}
	checks["rate_limiter"] = map[string]any{
		"active_clients": s.rateLimiter.ActiveClients(),
		"status":         "ok",
	}

	NewJSONResponse().Status(httpStatus).Body(map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleMetrics provides application and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	securityMetrics := s.securityDetector.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	traceMetrics := s.traceMiddleware.GetMetrics()

	resultEntries := 0
	if s.results != nil {
		resultEntries = s.results.Size()
	}

	metrics := []struct {
		name, help, kind string
		value            float64
	}{
		{"http_requests_total", "Total number of HTTP requests", "counter", float64(traceMetrics.TotalRequests)},
		{"http_request_duration_avg_microseconds", "Average request duration", "gauge", float64(traceMetrics.AverageResponseTime)},
		{"winner_calculation_triggers_total", "Accepted winner calculation triggers", "counter", float64(s.appMetrics.calculationTriggers.Load())},
		{"winner_calculation_runs_scheduled_total", "Heading calculation runs handed to the scheduler", "counter", float64(s.appMetrics.scheduledRuns.Load())},
		{"ballots_cast_total", "Ballots recorded through the admin API", "counter", float64(s.appMetrics.ballotsCast.Load())},
		{"result_cache_entries", "Current cached heading results", "gauge", float64(resultEntries)},
		{"rate_limit_hits_total", "Total rate limit hits", "counter", float64(rateLimitMetrics.TotalHits)},
		{"active_rate_limit_clients", "Currently tracked rate limit clients", "gauge", float64(rateLimitMetrics.ClientCount)},
		{"suspicious_requests_total", "Total suspicious requests detected", "counter", float64(securityMetrics.SuspiciousRequests)},
		{"uptime_seconds", "Application uptime in seconds", "gauge", time.Since(s.appMetrics.uptime).Seconds()},
	}
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	w.WriteHeader(http.StatusOK)
	for _, m := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		fmt.Fprintf(w, "%s %.0f\n\n", m.name, m.value)
	}
}
