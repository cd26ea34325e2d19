package main

import (
	"github.com/liamcoop/claimrules/audit"
	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/multitenantengine"
	"github.com/liamcoop/claimrules/rules"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name         string                         `json:"name" example:"Acme Pharmacy"`
	ExtraColumns multitenantengine.ColumnSchema `json:"extra_columns,omitempty"`
}

// UpdateColumnsRequest replaces a tenant's extra column declarations
type UpdateColumnsRequest struct {
	ExtraColumns multitenantengine.ColumnSchema `json:"extra_columns"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []*multitenantengine.Tenant `json:"tenants"`
}

// RuleRequest is the body for creating or replacing a rule
type RuleRequest struct {
	ID          string         `json:"id,omitempty"`
	Code        string         `json:"code,omitempty" example:"QTY-001"`
	Name        string         `json:"name" example:"Quantity exceeds plan limit"`
	Description string         `json:"description,omitempty"`
	LogicKind   string         `json:"logic_kind" example:"THRESHOLD"`
	Parameters  map[string]any `json:"parameters"`
	Severity    string         `json:"severity,omitempty" example:"FINANCIAL"`
	Category    string         `json:"category,omitempty" example:"QTY_DAYS_SUPPLY"`
	Recoupable  bool           `json:"recoupable"`
	Active      *bool          `json:"active,omitempty"`
}

func (req RuleRequest) toRule() *rules.Rule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &rules.Rule{
		ID:          req.ID,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		LogicKind:   rules.LogicKind(req.LogicKind),
		Parameters:  req.Parameters,
		Severity:    rules.Severity(req.Severity),
		Category:    req.Category,
		Recoupable:  req.Recoupable,
		Active:      active,
	}
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// AddClaimsRequest carries one batch of claims for a tenant
type AddClaimsRequest struct {
	IngestionID string          `json:"ingestion_id,omitempty" example:"upload-2025-03-01"`
	Claims      []*claims.Claim `json:"claims"`
}

// AddClaimsResponse lists the IDs assigned to stored claims, in request order
type AddClaimsResponse struct {
	IngestionID string   `json:"ingestion_id,omitempty"`
	IDs         []string `json:"ids"`
}

// BlockNDCRequest adds a drug code to the tenant's blocked list
type BlockNDCRequest struct {
	NDC    string `json:"ndc" example:"00093-7424-56"`
	Reason string `json:"reason,omitempty" example:"manufacturer recall"`
}

// EvaluateRequest evaluates rules against a stored claim (ClaimID) or an inline claim.
// RuleIDs restricts evaluation to those rules; Rule dry-runs an unsaved definition.
type EvaluateRequest struct {
	ClaimID string        `json:"claim_id,omitempty"`
	Claim   *claims.Claim `json:"claim,omitempty"`
	RuleIDs []string      `json:"rule_ids,omitempty"`
	Rule    *RuleRequest  `json:"rule,omitempty"`
}

// EvaluateResponse represents the response for rule evaluation
type EvaluateResponse struct {
	Results        []*rules.EvaluationResult `json:"results"`
	Matched        int                       `json:"matched"`
	Errors         []string                  `json:"errors,omitempty"`
	EvaluationTime string                    `json:"evaluation_time" example:"2.3ms"`
}

// StartRunRequest scopes an audit run
type StartRunRequest struct {
	IngestionID string `json:"ingestion_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// RunsListResponse represents the response for listing audit runs
type RunsListResponse struct {
	Runs []*audit.AuditRun `json:"runs"`
}

// FlagsListResponse represents the response for listing flagged claims
type FlagsListResponse struct {
	Flags []*audit.FlaggedClaim `json:"flags"`
}

// ReviewFlagRequest records a reviewer's decision on a flag
type ReviewFlagRequest struct {
	Reviewer string `json:"reviewer" example:"auditor@example.com"`
	Note     string `json:"note,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"rule not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status" example:"healthy"`
	TenantsLoaded int    `json:"tenants_loaded"`
	Error         string `json:"error,omitempty"`
}
