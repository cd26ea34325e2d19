package rules

import (
	"fmt"
	"time"

	"github.com/liamcoop/claimrules/claims"
)

// Explanation is the evidence attached to every evaluation result.
// It always carries summary, rule_name, matched and logic_kind, and holds only
// JSON-native values so it survives storage as an opaque document.
type Explanation map[string]any

// Summary returns the human-readable verdict
func (e Explanation) Summary() string {
	s, _ := e["summary"].(string)
	return s
}

// Matched returns the verdict recorded in the explanation
func (e Explanation) Matched() bool {
	b, _ := e["matched"].(bool)
	return b
}

// reserved keys are always set by the builder and cannot be overridden by evaluator details
var reservedKeys = map[string]bool{
	"summary":      true,
	"rule_name":    true,
	"rule_id":      true,
	"rule_version": true,
	"matched":      true,
	"logic_kind":   true,
}

// buildExplanation normalizes an evaluator outcome into an Explanation
func buildExplanation(r *Rule, kind LogicKind, o Outcome) Explanation {
	e := make(Explanation, len(o.Details)+6)
	for k, v := range o.Details {
		if reservedKeys[k] {
			continue
		}
		e[k] = jsonValue(v)
	}

	summary := o.Summary
	if summary == "" {
		if o.Matched {
			summary = fmt.Sprintf("claim matched rule %q", r.Name)
		} else {
			summary = fmt.Sprintf("claim did not match rule %q", r.Name)
		}
	}

	e["summary"] = summary
	e["rule_name"] = r.Name
	e["rule_id"] = r.ID
	e["rule_version"] = float64(r.Version)
	e["matched"] = o.Matched
	e["logic_kind"] = string(kind)
	if r.Code != "" {
		e["rule_code"] = r.Code
	}
	return e
}

// faultExplanation describes an evaluator failure that was downgraded to a no-match
func faultExplanation(r *Rule, kind LogicKind, reason string) Explanation {
	return buildExplanation(r, kind, Outcome{
		Summary: fmt.Sprintf("rule could not be evaluated: %s", reason),
		Details: map[string]any{"fault": reason},
	})
}

// jsonValue converts evaluator values into the shapes encoding/json decodes to,
// so an explanation compares equal to itself after a round trip
func jsonValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.Format(claims.DateLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Format(claims.DateLayout)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = jsonValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = jsonValue(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = jsonValue(e)
		}
		return out
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
