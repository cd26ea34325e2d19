package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidateRule checks that a rule is well formed before it is stored.
// Evaluation never depends on this: malformed rules still evaluate to a diagnostic no-match.
func ValidateRule(r *Rule) error {
	if r == nil {
		return errors.New("rule is nil")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	switch r.Severity {
	case "", SeverityFinancial, SeverityCompliance:
	default:
		return fmt.Errorf("severity must be %s or %s, got %q", SeverityFinancial, SeverityCompliance, r.Severity)
	}

	kind := r.Kind()
	if kind == "" {
		return errors.New("logic_kind is required")
	}
	p := Params(r.Parameters)

	switch kind {
	case KindThreshold:
		g, err := parseThreshold(p)
		if err != nil {
			return fmt.Errorf("THRESHOLD: %w", err)
		}
		return validateGroup(g)

	case KindDuplicate, KindDuplicateWindow, KindEarlyRefill, KindOverlap, KindCountWindow:
		if len(usableKeys(p)) == 0 {
			return fmt.Errorf("%s: keys must name at least one field besides tenant_id", kind)
		}
		for _, key := range []string{"window_days", "max_count"} {
			if v, err := p.Int(key, 1); err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			} else if v < 0 {
				return fmt.Errorf("%s: %s must not be negative", kind, key)
			}
		}
		if _, err := p.Float("pct", 0.8); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}

	case KindRatioRange:
		if p.String("numerator_field", "") == "" || p.String("denominator_field", "") == "" {
			return errors.New("RATIO_RANGE: numerator_field and denominator_field are required")
		}
		lo, err := p.Float("min", 0.1)
		if err != nil {
			return fmt.Errorf("RATIO_RANGE: %w", err)
		}
		hi, err := p.Float("max", 20.0)
		if err != nil {
			return fmt.Errorf("RATIO_RANGE: %w", err)
		}
		if lo > hi {
			return fmt.Errorf("RATIO_RANGE: min %g exceeds max %g", lo, hi)
		}

	case KindExpressionTolerance:
		if p.String("lhs", "") == "" || len(p.Strings("rhs")) == 0 {
			return errors.New("EXPRESSION_TOLERANCE: lhs and rhs are required")
		}
		if op := p.String("rhs_op", "+"); op != "+" && op != "-" {
			return fmt.Errorf("EXPRESSION_TOLERANCE: rhs_op must be + or -, got %q", op)
		}
		if _, err := p.Float("tolerance", 0.01); err != nil {
			return fmt.Errorf("EXPRESSION_TOLERANCE: %w", err)
		}

	case KindFieldCompare:
		if p.String("left_field", "") == "" || p.String("right_field", "") == "" {
			return errors.New("FIELD_COMPARE: left_field and right_field are required")
		}
		if op := p.String("op", p.String("operator", "")); !ValidOperator(op) {
			return fmt.Errorf("FIELD_COMPARE: %w: %q", ErrUnknownOperator, op)
		}

	case KindRegex:
		pattern, _ := p["pattern"].(string)
		if p.String("field", "") == "" || pattern == "" {
			return errors.New("REGEX: field and pattern are required")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("REGEX: %w", err)
		}
		for _, key := range []string{"case_insensitive", "null_is_fail", "match_means_valid"} {
			if _, _, err := p.Bool(key); err != nil {
				return fmt.Errorf("REGEX: %w", err)
			}
		}

	case KindDateCompareToday:
		if p.String("field", "") == "" {
			return errors.New("DATE_COMPARE_TODAY: field is required")
		}
		switch op := p.String("op", p.String("operator", OpGT)); op {
		case OpGT, OpLT, OpGTE, OpLTE:
		default:
			return fmt.Errorf("DATE_COMPARE_TODAY: unsupported operator %q", op)
		}
		if _, err := p.Int("allowed_future_days", 0); err != nil {
			return fmt.Errorf("DATE_COMPARE_TODAY: %w", err)
		}

	case KindInList:
		ref := strings.ToUpper(p.String("list_ref", "BLOCKED_NDC"))
		if _, ok := listRefs[ref]; !ok {
			return fmt.Errorf("IN_LIST: unsupported list_ref %q", ref)
		}

	case KindNotInList:
		if p.String("field", "") == "" {
			return errors.New("NOT_IN_LIST: field is required")
		}
		if len(p.Strings("allowed_values")) == 0 {
			return errors.New("NOT_IN_LIST: allowed_values must not be empty")
		}

	case KindAnyOf:
		conds := p.Maps("conditions")
		if len(conds) == 0 {
			return errors.New("ANY_OF: at least one condition is required")
		}
		for i, m := range conds {
			cp := Params(m)
			if cp.String("field", "") == "" {
				return fmt.Errorf("ANY_OF: condition %d has no field", i)
			}
			switch op := strings.ToUpper(cp.String("op", cp.String("operator", ""))); op {
			case OpAssignEQ, OpEQ, OpGT, OpLT, "IS_NULL":
			default:
				return fmt.Errorf("ANY_OF: condition %d has unsupported operator %q", i, op)
			}
		}

	case KindCEL:
		expr := p.String("expression", "")
		if expr == "" {
			return errors.New("CEL: expression is required")
		}
		if err := ValidateExpression(expr); err != nil {
			return fmt.Errorf("CEL: %w", err)
		}

	case KindJoinExists, KindJoinDateRange, KindJoinInList, KindCustomSQL:
		// accepted so rule sets can carry them; they always evaluate to no-match

	default:
		return fmt.Errorf("unknown logic kind %q", kind)
	}
	return nil
}

func validateGroup(g conditionGroup) error {
	if g.Logic != logicAnd && g.Logic != logicOr {
		return fmt.Errorf("THRESHOLD: unknown logic %q", g.Logic)
	}
	for _, c := range g.Conditions {
		if !ValidOperator(c.Op) {
			return fmt.Errorf("THRESHOLD: %w: %q", ErrUnknownOperator, c.Op)
		}
	}
	for _, sub := range g.Groups {
		if err := validateGroup(sub); err != nil {
			return err
		}
	}
	return nil
}

func usableKeys(p Params) []string {
	var out []string
	for _, k := range p.Strings("keys") {
		if !strings.EqualFold(k, "tenant_id") {
			out = append(out, k)
		}
	}
	return out
}
