package http

import (
	"net/http"

	"participa/internal/services"
)

type headingRequest struct {
	Name string `json:"name"`
	// Amount is a decimal such as "1500" or "1234,50".
	Amount     string `json:"amount"`
	Population int64  `json:"population"`
}

type investmentRequest struct {
	Title string `json:"title"`
	Cost  string `json:"cost"`
}

type ballotRequest struct {
	VoterID       string  `json:"voter_id"`
	InvestmentIDs []int64 `json:"investment_ids"`
}

func (s *Server) handleListHeadings(w http.ResponseWriter, r *http.Request) {
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
	headings, err := s.admin.ListGroupHeadings(r.Context(), budgetID, groupID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]any{"headings": mapViews(headings, toHeadingView)}).Write(w)
}

func (s *Server) handleCreateHeading(w http.ResponseWriter, r *http.Request) {
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
	var req headingRequest
	if resp := DecodeJSON(w, r, &req, false); resp != nil {
		resp.Write(w)
		return
	}
	amount, resp := ParseAmount("amount", req.Amount)
	if resp != nil {
		resp.Write(w)
		return
	}

	heading, err := s.admin.CreateHeading(r.Context(), budgetID, groupID, services.HeadingInput{
		Name:       sanitizeInput(req.Name),
		Amount:     amount,
		Population: req.Population,
	})
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(toHeadingView(heading)).Write(w)
}

func (s *Server) handleListInvestments(w http.ResponseWriter, r *http.Request) {
	headingID, resp := PathID(r, "id")
	if resp != nil {
		resp.Write(w)
		return
	}
	var winnersOnly bool
	switch filter := sanitizeInput(r.URL.Query().Get("filter")); filter {
	case "", "all":
	case "winners":
		winnersOnly = true
	default:
		BadRequestError("unknown investment filter " + filter).Write(w)
		return
	}

	investments, err := s.admin.ListInvestments(r.Context(), headingID, winnersOnly)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]any{"investments": mapViews(investments, toInvestmentView)}).Write(w)
}

func (s *Server) handleCreateInvestment(w http.ResponseWriter, r *http.Request) {
	headingID, resp := PathID(r, "id")
	if resp != nil {
		resp.Write(w)
		return
	}
	var req investmentRequest
	if resp := DecodeJSON(w, r, &req, false); resp != nil {
		resp.Write(w)
		return
	}
	cost, resp := ParseAmount("cost", req.Cost)
	if resp != nil {
		resp.Write(w)
		return
	}

	inv, err := s.admin.CreateInvestment(r.Context(), headingID, services.InvestmentInput{
		Title: sanitizeInput(req.Title),
		Cost:  cost,
	})
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(toInvestmentView(inv)).Write(w)
}

func (s *Server) handleCastBallot(w http.ResponseWriter, r *http.Request) {
	headingID, resp := PathID(r, "id")
	if resp != nil {
		resp.Write(w)
		return
	}
	var req ballotRequest
	if resp := DecodeJSON(w, r, &req, false); resp != nil {
		resp.Write(w)
		return
	}

	ballot, err := s.admin.CastBallot(r.Context(), headingID, sanitizeInput(req.VoterID), req.InvestmentIDs)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	s.appMetrics.ballotsCast.Add(1)
	NewJSONResponse().Status(http.StatusCreated).Body(toBallotView(ballot)).Write(w)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	headingID, resp := PathID(r, "id")
	if resp != nil {
		resp.Write(w)
		return
	}
	result, err := s.admin.GetResult(r.Context(), headingID)
	if err != nil {
		DomainError(r, err).Write(w)
		return
	}
	NewJSONResponse().Body(toResultView(result)).Write(w)
}
