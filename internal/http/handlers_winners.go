package http

import (
	"net/http"

	applog "participa/internal/log"
	"participa/internal/services"
)

type calculateRequest struct {
	Force bool `json:"force"`
}

type scheduleResponse struct {
	Status   string                    `json:"status"`
	BudgetID int64                     `json:"budget_id"`
	Runs     []runView                 `json:"runs"`
	Failures []services.HeadingFailure `json:"failures,omitempty"`
}

// handleCalculateWinners schedules one calculation per heading and answers
// before any of them runs.
func (s *Server) handleCalculateWinners(w http.ResponseWriter, r *http.Request) {
	budgetID, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	var req calculateRequest
	if resp := DecodeJSON(w, r, &req, true); resp != nil {
		resp.Write(w)
		return
	}
	force := req.Force || QueryBool(r.URL.Query(), "force")

	report, err := s.winners.CalculateWinners(r.Context(), budgetID, services.CalculateOptions{Force: force})
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	s.appMetrics.calculationTriggers.Add(1)
	s.writeScheduleReport(w, r, report)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	budgetID, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	report, err := s.winners.RetryFailed(r.Context(), budgetID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	s.writeScheduleReport(w, r, report)
}

func (s *Server) writeScheduleReport(w http.ResponseWriter, r *http.Request, report services.ScheduleReport) {
	headingIDs := make([]int64, 0, len(report.Runs))
	for _, run := range report.Runs {
		headingIDs = append(headingIDs, run.HeadingID)
	}
	if s.results != nil {
		s.results.Invalidate(headingIDs...)
	}
	s.appMetrics.scheduledRuns.Add(int64(len(report.Runs)))

	s.logger.InfoContext(r.Context(), "Winner calculation scheduled",
		applog.FieldBudgetID, report.BudgetID,
		"runs", len(report.Runs),
		"failures", len(report.Failures))

	NewJSONResponse().Status(http.StatusAccepted).Body(scheduleResponse{
		Status:   "scheduled",
		BudgetID: report.BudgetID,
		Runs:     mapViews(report.Runs, toRunView),
		Failures: report.Failures,
	}).Write(w)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	budgetID, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	runs, err := s.admin.ListRuns(r.Context(), budgetID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]any{"runs": mapViews(runs, toRunView)}).Write(w)
}
