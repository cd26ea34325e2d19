package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/claimrules/audit"
	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/internal/logger"
	"github.com/liamcoop/claimrules/multitenantengine"
	"github.com/liamcoop/claimrules/rules"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.manager.ListTenants()),
	})
}

// tenant resolves the {tenantId} URL parameter, writing the error response on failure
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (*multitenantengine.TenantEngine, bool) {
	te, err := s.manager.Tenant(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return nil, false
	}
	return te, true
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.manager.Tenants(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	if tenants == nil {
		tenants = []*multitenantengine.Tenant{}
	}
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.manager.CreateTenant(r.Context(), req.Name, req.ExtraColumns)
	if err != nil {
		respondError(w, statusFor(err), "failed to create tenant", err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, te.Tenant)
}

func (s *Server) handleUpdateColumns(w http.ResponseWriter, r *http.Request) {
	var req UpdateColumnsRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.manager.UpdateColumns(r.Context(), chi.URLParam(r, "tenantId"), req.ExtraColumns)
	if err != nil {
		respondError(w, statusFor(err), "failed to update columns", err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleReloadTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if err := s.manager.ReloadTenant(r.Context(), tenantID); err != nil {
		respondError(w, statusFor(err), "failed to reload tenant", err)
		return
	}
	te, err := s.manager.Tenant(r.Context(), tenantID)
	if err != nil {
		respondError(w, statusFor(err), "tenant not found", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "reloaded",
		"loaded_at":         te.LoadedAt,
		"compiled_programs": te.Engine.CompiledPrograms(),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	list, err := te.Engine.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule := req.toRule()
	if err := te.Engine.AddRule(r.Context(), rule); err != nil {
		respondError(w, statusFor(err), "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	rule, err := te.Engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")
	existing, err := te.Engine.GetRule(r.Context(), ruleID)
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}

	rule := req.toRule()
	rule.ID = ruleID
	rule.CreatedAt = existing.CreatedAt
	if req.Active == nil {
		rule.Active = existing.Active
	}
	if err := te.Engine.UpdateRule(r.Context(), rule); err != nil {
		respondError(w, statusFor(err), "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if err := te.Engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleVersions(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	versions, err := te.Engine.RuleVersions(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		te, ok := s.tenant(w, r)
		if !ok {
			return
		}
		rule, err := te.Engine.SetActive(r.Context(), chi.URLParam(r, "ruleId"), active)
		if err != nil {
			respondError(w, statusFor(err), "failed to change rule state", err)
			return
		}
		respondJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) handleAddClaims(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req AddClaimsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Claims) == 0 {
		respondError(w, http.StatusBadRequest, "claims are required", nil)
		return
	}

	// check the whole batch before storing any of it
	for i, c := range req.Claims {
		if c == nil || c.ClaimID == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("claim %d has no claim_id", i), nil)
			return
		}
		if err := te.Tenant.CheckClaim(c); err != nil {
			respondError(w, http.StatusBadRequest, "claim does not match tenant columns", err)
			return
		}
	}

	resp := AddClaimsResponse{IngestionID: req.IngestionID, IDs: make([]string, 0, len(req.Claims))}
	for _, c := range req.Claims {
		c.ID = ""
		c.TenantID = te.Tenant.ID
		if req.IngestionID != "" {
			c.IngestionID = req.IngestionID
		}
		if err := s.claims.Add(r.Context(), c); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to store claim", err)
			return
		}
		resp.IDs = append(resp.IDs, c.ID)
	}
	respondJSON(w, http.StatusCreated, resp)
}

// storedClaim loads a claim and hides claims of other tenants
func (s *Server) storedClaim(ctx context.Context, tenantID, id string) (*claims.Claim, error) {
	c, err := s.claims.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, fmt.Errorf("claim %s: %w", id, claims.ErrClaimNotFound)
	}
	return c, nil
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	c, err := s.storedClaim(r.Context(), te.Tenant.ID, chi.URLParam(r, "claimId"))
	if err != nil {
		respondError(w, statusFor(err), "claim not found", err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleBlockNDC(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req BlockNDCRequest
	if !decode(w, r, &req) {
		return
	}
	if claims.NormalizeCode(req.NDC) == "" {
		respondError(w, http.StatusBadRequest, "ndc is required", nil)
		return
	}
	if err := s.claims.BlockNDC(r.Context(), te.Tenant.ID, req.NDC, req.Reason); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to block ndc", err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req EvaluateRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var claim *claims.Claim
	switch {
	case req.ClaimID != "":
		c, err := s.storedClaim(ctx, te.Tenant.ID, req.ClaimID)
		if err != nil {
			respondError(w, statusFor(err), "claim not found", err)
			return
		}
		claim = c
	case req.Claim != nil:
		claim = req.Claim
		claim.TenantID = te.Tenant.ID
		if err := te.Tenant.CheckClaim(claim); err != nil {
			respondError(w, http.StatusBadRequest, "claim does not match tenant columns", err)
			return
		}
	default:
		respondError(w, http.StatusBadRequest, "claim or claim_id is required", nil)
		return
	}

	start := time.Now()
	resp := EvaluateResponse{Results: []*rules.EvaluationResult{}}
	record := func(res *rules.EvaluationResult, err error) {
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			return
		}
		resp.Results = append(resp.Results, res)
		if res.Matched {
			resp.Matched++
		}
	}

	switch {
	case req.Rule != nil:
		rule := req.Rule.toRule()
		rule.TenantID = te.Tenant.ID
		rule.LogicKind = rule.Kind()
		if err := rules.ValidateRule(rule); err != nil {
			respondError(w, http.StatusBadRequest, "invalid rule", err)
			return
		}
		record(te.Engine.Evaluate(ctx, claim, rule))

	case len(req.RuleIDs) > 0:
		for _, id := range req.RuleIDs {
			record(te.Engine.EvaluateByID(ctx, claim, id))
		}

	default:
		results, err := te.Engine.EvaluateAll(ctx, claim)
		if results == nil && err != nil {
			respondError(w, http.StatusInternalServerError, "evaluation failed", err)
			return
		}
		for _, res := range results {
			record(res, nil)
		}
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
		}
	}

	resp.EvaluationTime = time.Since(start).String()
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req StartRunRequest
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Limit < 0 {
		respondError(w, http.StatusBadRequest, "limit must not be negative", nil)
		return
	}

	run, err := s.runner.Run(r.Context(), te.Engine, audit.RunRequest{
		IngestionID: req.IngestionID,
		Limit:       req.Limit,
	})
	if err != nil && run == nil {
		respondError(w, http.StatusInternalServerError, "failed to start audit run", err)
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, run)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	list, err := s.runs.List(r.Context(), audit.RunFilter{
		TenantID: te.Tenant.ID,
		Status:   audit.RunStatus(r.URL.Query().Get("status")),
		Limit:    limit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	if list == nil {
		list = []*audit.AuditRun{}
	}
	respondJSON(w, http.StatusOK, RunsListResponse{Runs: list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	run, err := s.runs.Get(r.Context(), te.Tenant.ID, chi.URLParam(r, "runId"))
	if err != nil {
		respondError(w, statusFor(err), "run not found", err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := audit.FlagFilter{
		TenantID: te.Tenant.ID,
		RuleID:   q.Get("rule_id"),
		RunID:    q.Get("run_id"),
		ClaimID:  q.Get("claim_id"),
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset", err)
		return
	}
	if v := q.Get("reviewed"); v != "" {
		reviewed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid reviewed filter", err)
			return
		}
		filter.Reviewed = &reviewed
	}

	list, err := s.flags.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list flags", err)
		return
	}
	if list == nil {
		list = []*audit.FlaggedClaim{}
	}
	respondJSON(w, http.StatusOK, FlagsListResponse{Flags: list})
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	f, err := s.flags.Get(r.Context(), te.Tenant.ID, chi.URLParam(r, "flagId"))
	if err != nil {
		respondError(w, statusFor(err), "flag not found", err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (s *Server) handleReviewFlag(w http.ResponseWriter, r *http.Request) {
	te, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req ReviewFlagRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		respondError(w, http.StatusBadRequest, "reviewer is required", nil)
		return
	}
	f, err := s.flags.MarkReviewed(r.Context(), te.Tenant.ID, chi.URLParam(r, "flagId"), req.Reviewer, req.Note)
	if err != nil {
		respondError(w, statusFor(err), "failed to review flag", err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, multitenantengine.ErrTenantNotFound),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, claims.ErrClaimNotFound),
		errors.Is(err, audit.ErrFlagNotFound),
		errors.Is(err, audit.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, multitenantengine.ErrTenantExists),
		errors.Is(err, rules.ErrRuleExists),
		errors.Is(err, audit.ErrFlagExists):
		return http.StatusConflict
	case errors.Is(err, multitenantengine.ErrInvalidTenant),
		errors.Is(err, rules.ErrInvalidRule):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx()
	}
	respondJSON(w, status, response)
}
