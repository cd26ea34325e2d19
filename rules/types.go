package rules

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
	ErrInvalidRule  = errors.New("rule validation failed")
)

// LogicKind selects the evaluator that interprets a rule's parameters
type LogicKind string

const (
	KindThreshold           LogicKind = "THRESHOLD"
	KindDuplicate           LogicKind = "DUPLICATE"
	KindDuplicateWindow     LogicKind = "DUPLICATE_WINDOW"
	KindEarlyRefill         LogicKind = "EARLY_REFILL"
	KindOverlap             LogicKind = "OVERLAP"
	KindCountWindow         LogicKind = "COUNT_WINDOW"
	KindRatioRange          LogicKind = "RATIO_RANGE"
	KindExpressionTolerance LogicKind = "EXPRESSION_TOLERANCE"
	KindFieldCompare        LogicKind = "FIELD_COMPARE"
	KindRegex               LogicKind = "REGEX"
	KindDateCompareToday    LogicKind = "DATE_COMPARE_TODAY"
	KindInList              LogicKind = "IN_LIST"
	KindNotInList           LogicKind = "NOT_IN_LIST"
	KindAnyOf               LogicKind = "ANY_OF"
	KindJoinExists          LogicKind = "JOIN_EXISTS"
	KindJoinDateRange       LogicKind = "JOIN_DATE_RANGE"
	KindJoinInList          LogicKind = "JOIN_IN_LIST"
	KindCustomSQL           LogicKind = "CUSTOM_SQL"
	KindCEL                 LogicKind = "CEL"

	// kindSimple is the historical name for THRESHOLD
	kindSimple LogicKind = "SIMPLE"
)

// Severity tells reviewers whether a flag is recoverable money or a compliance finding
type Severity string

const (
	SeverityFinancial  Severity = "FINANCIAL"
	SeverityCompliance Severity = "COMPLIANCE"
)

// Rule categories used by rule authors to group findings
const (
	CategoryDuplicateBilling    = "DUPLICATE_BILLING"
	CategoryUtilization         = "UTILIZATION"
	CategoryQtyDaysSupply       = "QTY_DAYS_SUPPLY"
	CategoryPricing             = "PRICING"
	CategoryEligibilityNetwork  = "ELIGIBILITY_NETWORK"
	CategoryDrugRestrictions    = "DRUG_RESTRICTIONS"
	CategoryPrescriberIntegrity = "PRESCRIBER_INTEGRITY"
	CategoryDateIntegrity       = "DATE_INTEGRITY"
	CategoryDocumentation       = "DOCUMENTATION"
	CategoryExtendedValidation  = "EXTENDED_VALIDATION"
	CategoryOther               = "OTHER"
)

// Rule is a tenant-defined audit rule: a logic kind plus its parameters.
// Rules are treated as immutable snapshots while they are evaluated.
type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	TenantID    string         `json:"tenant_id" yaml:"tenant_id,omitempty"`
	Code        string         `json:"code,omitempty" yaml:"code,omitempty"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	LogicKind   LogicKind      `json:"logic_kind" yaml:"logic_kind"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
	Severity    Severity       `json:"severity,omitempty" yaml:"severity,omitempty"`
	Category    string         `json:"category,omitempty" yaml:"category,omitempty"`
	Recoupable  bool           `json:"recoupable" yaml:"recoupable,omitempty"`
	Active      bool           `json:"active" yaml:"active"`
	Version     int            `json:"version" yaml:"version,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// Kind returns the normalized logic kind of the rule
func (r *Rule) Kind() LogicKind {
	return NormalizeKind(r.LogicKind, r.Parameters)
}

// Clone returns a copy of the rule whose parameter map can be modified independently
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Parameters = cloneParams(r.Parameters)
	return &cp
}

// RuleVersion is a historical snapshot of a rule definition
type RuleVersion struct {
	RuleID     string         `json:"rule_id"`
	Version    int            `json:"version"`
	LogicKind  LogicKind      `json:"logic_kind"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NormalizeKind upper-cases a logic kind and maps historical names onto current ones.
// Rules stored before logic kinds existed carry only conditions and evaluate as THRESHOLD.
func NormalizeKind(kind LogicKind, params map[string]any) LogicKind {
	k := LogicKind(strings.ToUpper(strings.TrimSpace(string(kind))))
	switch k {
	case kindSimple:
		return KindThreshold
	case "":
		if _, ok := params["conditions"]; ok {
			return KindThreshold
		}
		if _, ok := params["field"]; ok {
			return KindThreshold
		}
	}
	return k
}

// EvaluationResult is the outcome of evaluating one rule against one claim
type EvaluationResult struct {
	RuleID      string         `json:"rule_id"`
	RuleName    string         `json:"rule_name"`
	RuleVersion int            `json:"rule_version"`
	LogicKind   LogicKind      `json:"logic_kind"`
	Severity    Severity       `json:"severity,omitempty"`
	Category    string         `json:"category,omitempty"`
	Recoupable  bool           `json:"recoupable"`
	Matched     bool           `json:"matched"`
	Explanation Explanation    `json:"explanation"`
	Fields      map[string]any `json:"fields,omitempty"`
}

func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
