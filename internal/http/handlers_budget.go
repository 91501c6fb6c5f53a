package http

import (
	"net/http"
	"strconv"

	"participa/internal/core"
	"participa/internal/ports"
	"participa/internal/services"
)

// pathBudgetID resolves {id} as a budget id or, when not numeric, a slug.
func (s *Server) pathBudgetID(r *http.Request) (int64, *JSONResponseBuilder) {
	raw := r.PathValue("id")
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	budget, err := s.admin.ResolveBudget(r.Context(), raw)
	if err != nil {
		return 0, DomainError(r, err)
	}
	return budget.ID, nil
}

// pathGroupID resolves {groupID} within the budget by id or slug.
func (s *Server) pathGroupID(r *http.Request, budgetID int64) (int64, *JSONResponseBuilder) {
	raw := r.PathValue("groupID")
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	group, err := s.admin.ResolveGroup(r.Context(), budgetID, raw)
	if err != nil {
		return 0, DomainError(r, err)
	}
	return group.ID, nil
}

type createBudgetRequest struct {
	Name           string `json:"name"`
	CurrencySymbol string `json:"currency_symbol"`
	VotingStyle    string `json:"voting_style"`
}

type updateBudgetRequest struct {
	Name           *string `json:"name"`
	CurrencySymbol *string `json:"currency_symbol"`
	VotingStyle    *string `json:"voting_style"`
	Phase          *string `json:"phase"`
}

type groupRequest struct {
	Name               string `json:"name"`
	MaxVotableHeadings int    `json:"max_votable_headings"`
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ports.BudgetFilter(sanitizeInput(query.Get("filter")))
	page := QueryInt(query, "page", 1)

	budgets, err := s.admin.ListBudgets(r.Context(), filter, page)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]any{
		"budgets":  mapViews(budgets, toBudgetView),
		"page":     page,
		"per_page": services.BudgetsPerPage,
	}).Write(w)
}

func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if resp := DecodeJSON(w, r, &req, false); resp != nil {
		resp.Write(w)
		return
	}

	budget, err := s.admin.CreateBudget(r.Context(), services.BudgetInput{
		Name:           sanitizeInput(req.Name),
		CurrencySymbol: sanitizeInput(req.CurrencySymbol),
		VotingStyle:    core.VotingStyle(sanitizeInput(req.VotingStyle)),
	})
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(toBudgetView(budget)).Write(w)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	id, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	summary, err := s.admin.BudgetSummary(r.Context(), id)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(toBudgetSummaryView(summary)).Write(w)
}

func (s *Server) handleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	id, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	var req updateBudgetRequest
	if resp := DecodeJSON(w, r, &req, false); resp != nil {
		resp.Write(w)
		return
	}

	patch := services.BudgetPatch{
		Name:           sanitizePtr(req.Name),
		CurrencySymbol: sanitizePtr(req.CurrencySymbol),
	}
	if v := sanitizePtr(req.VotingStyle); v != nil {
		style := core.VotingStyle(*v)
		patch.VotingStyle = &style
	}
	if v := sanitizePtr(req.Phase); v != nil {
		phase := core.Phase(*v)
		patch.Phase = &phase
	}

	budget, err := s.admin.UpdateBudget(r.Context(), id, patch)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(toBudgetView(budget)).Write(w)
}

func (s *Server) handlePublishBudget(w http.ResponseWriter, r *http.Request) {
	id, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	budget, err := s.admin.PublishBudget(r.Context(), id)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(toBudgetView(budget)).Write(w)
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	id, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	if err := s.admin.DeleteBudget(r.Context(), id); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	budgetID, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	if _, err := s.admin.GetBudget(r.Context(), budgetID); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	groups, err := s.admin.ListGroups(r.Context(), budgetID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]any{"groups": mapViews(groups, toGroupView)}).Write(w)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	budgetID, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	var req groupRequest
	if resp := DecodeJSON(w, r, &req, false); resp != nil {
		resp.Write(w)
		return
	}
	group, err := s.admin.CreateGroup(r.Context(), budgetID, services.GroupInput{
		Name:               sanitizeInput(req.Name),
		MaxVotableHeadings: req.MaxVotableHeadings,
	})
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(toGroupView(group)).Write(w)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	budgetID, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	groupID, resp := s.pathGroupID(r, budgetID)
	if resp != nil {
		resp.Write(w)
		return
	}
	var req groupRequest
	if resp := DecodeJSON(w, r, &req, false); resp != nil {
		resp.Write(w)
		return
	}
	group, err := s.admin.UpdateGroup(r.Context(), budgetID, groupID, services.GroupInput{
		Name:               sanitizeInput(req.Name),
		MaxVotableHeadings: req.MaxVotableHeadings,
	})
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(toGroupView(group)).Write(w)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	budgetID, resp := s.pathBudgetID(r)
	if resp != nil {
		resp.Write(w)
		return
	}
	groupID, resp := s.pathGroupID(r, budgetID)
	if resp != nil {
		resp.Write(w)
		return
	}
	if err := s.admin.DeleteGroup(r.Context(), budgetID, groupID); err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}
