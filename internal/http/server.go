package http

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"participa/internal/cache"
	applog "participa/internal/log"
	"participa/internal/middleware/ratelimit"
	"participa/internal/middleware/security"
	"participa/internal/middleware/trace"
	"participa/internal/services"
)

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Dependencies are the collaborators of the admin API.
type Dependencies struct {
	Admin   *services.AdminService
	Winners *services.WinnersService
	// Results is invalidated for every heading a trigger schedules. Optional.
	Results *cache.ResultStore
	// Checks are run by /readyz, keyed by dependency name.
	Checks    map[string]ReadinessCheck
	RateLimit ratelimit.Config
	Logger    *applog.Logger
}

type Server struct {
	http.Server
	admin   *services.AdminService
	winners *services.WinnersService
	results *cache.ResultStore
	checks  map[string]ReadinessCheck
	logger  *applog.Logger

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	appMetrics       *appMetrics

	shutdownOnce sync.Once
}

type appMetrics struct {
	calculationTriggers atomic.Int64
	scheduledRuns       atomic.Int64
	ballotsCast         atomic.Int64
	uptime              time.Time
}

// NewServer wires routes and middleware, returning a ready-to-run http.Server.
func NewServer(addr string, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = applog.Default(applog.ComponentHTTP)
	}

	limits := deps.RateLimit
	if len(limits.Methods) == 0 {
		limits.Methods = ratelimit.DefaultConfig().Methods
	}

	detector := security.NewDetector()
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		admin:            deps.Admin,
		winners:          deps.Winners,
		results:          deps.Results,
		checks:           deps.Checks,
		logger:           logger,
		rateLimiter:      ratelimit.NewLimiter(limits),
		securityDetector: detector,
		traceMiddleware:  trace.NewMiddleware(logger.WithComponent(applog.ComponentTrace), detector.ExtractClientIP),
		appMetrics:       &appMetrics{uptime: time.Now()},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /admin/budgets", s.handleListBudgets)
	mux.HandleFunc("POST /admin/budgets", s.handleCreateBudget)
	mux.HandleFunc("GET /admin/budgets/{id}", s.handleGetBudget)
	mux.HandleFunc("PATCH /admin/budgets/{id}", s.handleUpdateBudget)
	mux.HandleFunc("DELETE /admin/budgets/{id}", s.handleDeleteBudget)
	mux.HandleFunc("POST /admin/budgets/{id}/publish", s.handlePublishBudget)

	mux.HandleFunc("POST /admin/budgets/{id}/calculate_winners", s.handleCalculateWinners)
	mux.HandleFunc("POST /admin/budgets/{id}/retry_failed", s.handleRetryFailed)
	mux.HandleFunc("GET /admin/budgets/{id}/runs", s.handleListRuns)

	mux.HandleFunc("GET /admin/budgets/{id}/groups", s.handleListGroups)
	mux.HandleFunc("POST /admin/budgets/{id}/groups", s.handleCreateGroup)
	mux.HandleFunc("PATCH /admin/budgets/{id}/groups/{groupID}", s.handleUpdateGroup)
	mux.HandleFunc("DELETE /admin/budgets/{id}/groups/{groupID}", s.handleDeleteGroup)
	mux.HandleFunc("GET /admin/budgets/{id}/groups/{groupID}/headings", s.handleListHeadings)
	mux.HandleFunc("POST /admin/budgets/{id}/groups/{groupID}/headings", s.handleCreateHeading)

	mux.HandleFunc("GET /admin/headings/{id}/investments", s.handleListInvestments)
	mux.HandleFunc("POST /admin/headings/{id}/investments", s.handleCreateInvestment)
	mux.HandleFunc("POST /admin/headings/{id}/ballots", s.handleCastBallot)
	mux.HandleFunc("GET /admin/headings/{id}/result", s.handleGetResult)

	// Outermost first.
	var handler http.Handler = mux
	handler = s.rateLimiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		s.logger.WarnContext(r.Context(), "Rate limit exceeded",
			applog.FieldClientIP, detector.ExtractClientIP(r),
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path)
		TooManyRequestsError().Write(w)
	})(handler)
	handler = applog.Middleware(logger, trace.RequestID)(handler)
	handler = s.traceMiddleware.Middleware(handler)
	handler = detector.Middleware(logger.WithComponent(applog.ComponentSecurity))(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	s.Handler = handler

	return s
}

// Shutdown stops background routines and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
