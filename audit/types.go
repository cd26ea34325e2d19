// Package audit runs a tenant's active rules over its claims and records the flags they raise.
package audit

import (
	"errors"
	"time"

	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/rules"
)

var (
	ErrFlagNotFound = errors.New("flagged claim not found")
	ErrFlagExists   = errors.New("claim already flagged by rule")
	ErrRunNotFound  = errors.New("audit run not found")
)

// RunStatus is the lifecycle state of an audit run
type RunStatus string

const (
	StatusRunning             RunStatus = "running"
	StatusCompleted           RunStatus = "completed"
	StatusCompletedWithErrors RunStatus = "completed_with_errors"
	StatusNoClaims            RunStatus = "no_claims"
	StatusNoRules             RunStatus = "no_rules"
	StatusFailed              RunStatus = "failed"
)

// maxErrorMessages bounds the error messages kept on a run; ErrorCount still counts all
const maxErrorMessages = 20

// FlaggedClaim records that a rule matched a claim
type FlaggedClaim struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ClaimID     string            `json:"claim_id"`
	ClaimNumber string            `json:"claim_number"`
	RuleID      string            `json:"rule_id"`
	RuleName    string            `json:"rule_name"`
	RuleVersion int               `json:"rule_version"`
	LogicKind   rules.LogicKind   `json:"logic_kind"`
	Severity    rules.Severity    `json:"severity,omitempty"`
	Category    string            `json:"category,omitempty"`
	Recoupable  bool              `json:"recoupable"`
	Explanation rules.Explanation `json:"explanation"`
	Fields      map[string]any    `json:"fields,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	FlaggedAt   time.Time         `json:"flagged_at"`
	Reviewed    bool              `json:"reviewed"`
	ReviewedBy  string            `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time        `json:"reviewed_at,omitempty"`
	ReviewNote  string            `json:"review_note,omitempty"`
}

// NewFlag builds the flag for a matched evaluation result
func NewFlag(c *claims.Claim, res *rules.EvaluationResult, runID string, at time.Time) *FlaggedClaim {
	return &FlaggedClaim{
		TenantID:    c.TenantID,
		ClaimID:     c.ID,
		ClaimNumber: c.ClaimID,
		RuleID:      res.RuleID,
		RuleName:    res.RuleName,
		RuleVersion: res.RuleVersion,
		LogicKind:   res.LogicKind,
		Severity:    res.Severity,
		Category:    res.Category,
		Recoupable:  res.Recoupable,
		Explanation: res.Explanation,
		Fields:      res.Fields,
		RunID:       runID,
		FlaggedAt:   at,
	}
}

// Pair identifies a (claim, rule) combination
type Pair struct {
	ClaimID string
	RuleID  string
}

// FlagFilter selects flagged claims; zero values match everything
type FlagFilter struct {
	TenantID string
	RuleID   string
	RunID    string
	ClaimID  string
	Reviewed *bool
	Limit    int
	Offset   int
}

// AuditRun summarizes one batch evaluation
type AuditRun struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	IngestionID     string     `json:"ingestion_id,omitempty"`
	Status          RunStatus  `json:"status"`
	RulesExecuted   int        `json:"rules_executed"`
	ClaimsProcessed int        `json:"claims_processed"`
	FlagsGenerated  int        `json:"flags_generated"`
	SkippedExisting int        `json:"skipped_existing"`
	ErrorCount      int        `json:"error_count"`
	ErrorMessages   []string   `json:"error_messages,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Duration is the run's wall time, or zero while it is still running
func (r *AuditRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunFilter selects audit runs
type RunFilter struct {
	TenantID string
	Status   RunStatus
	Limit    int
}
