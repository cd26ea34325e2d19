package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liamcoop/claimrules/claims"
)

const (
	logicAnd = "AND"
	logicOr  = "OR"
)

// condition is a single field comparison
type condition struct {
	Field string
	Op    string
	Value any
}

// conditionGroup is the normalized form of every THRESHOLD parameter shape.
// Groups may contain one level of nested groups.
type conditionGroup struct {
	Logic      string
	Conditions []condition
	Groups     []conditionGroup
	Flat       bool
}

func (g conditionGroup) size() int {
	n := len(g.Conditions)
	for _, sub := range g.Groups {
		n += sub.size()
	}
	return n
}

var errNoConditions = errors.New("no conditions defined")

// parseThreshold normalizes the three historical THRESHOLD shapes:
// a flat {field, op, value}; {logic, conditions} with optional nested groups;
// and bare {conditions}, which combines with AND.
func parseThreshold(p Params) (conditionGroup, error) {
	if p.Has("field") && !p.Has("conditions") {
		c, err := parseCondition(p)
		if err != nil {
			return conditionGroup{}, err
		}
		return conditionGroup{Logic: logicAnd, Conditions: []condition{c}, Flat: true}, nil
	}

	return parseGroup(p, logicAnd, 0)
}

func parseGroup(p Params, inherited string, depth int) (conditionGroup, error) {
	logic := strings.ToUpper(p.String("logic", inherited))
	g := conditionGroup{Logic: logic}

	raw, present := p["conditions"]
	if !present || raw == nil {
		return g, errNoConditions
	}
	items, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]map[string]any); ok {
			for _, m := range typed {
				items = append(items, m)
			}
		} else {
			return g, fmt.Errorf("conditions must be a list, got %T", raw)
		}
	}
	if len(items) == 0 {
		return g, errNoConditions
	}

	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return g, fmt.Errorf("condition %d must be an object", i)
		}
		sub := Params(m)
		if sub.Has("conditions") {
			if depth >= 1 {
				return g, fmt.Errorf("condition %d nests groups more than one level deep", i)
			}
			nested, err := parseGroup(sub, logic, depth+1)
			if err != nil {
				return g, fmt.Errorf("group %d: %w", i, err)
			}
			g.Groups = append(g.Groups, nested)
			continue
		}
		c, err := parseCondition(sub)
		if err != nil {
			return g, fmt.Errorf("condition %d: %w", i, err)
		}
		g.Conditions = append(g.Conditions, c)
	}
	return g, nil
}

func parseCondition(p Params) (condition, error) {
	field := p.String("field", "")
	if field == "" {
		return condition{}, errors.New("condition has no field")
	}
	op := p.String("op", p.String("operator", ""))
	if op == "" {
		return condition{}, fmt.Errorf("condition on %s has no operator", field)
	}
	return condition{Field: field, Op: op, Value: p["value"]}, nil
}

type conditionHit struct {
	cond  condition
	value any
}

// evaluate combines condition results by the group's logic.
// Unknown operators or logic tokens surface as an error for the caller to report.
func (g conditionGroup) evaluate(c *claims.Claim, hits *[]conditionHit, fields map[string]any) (bool, error) {
	if g.Logic != logicAnd && g.Logic != logicOr {
		return false, fmt.Errorf("unknown logic %q", g.Logic)
	}

	results := make([]bool, 0, len(g.Conditions)+len(g.Groups))
	for _, cond := range g.Conditions {
		actual := claims.Resolve(c, cond.Field)
		fields[cond.Field] = actual
		ok, err := Compare(actual, cond.Op, cond.Value)
		if err != nil {
			return false, err
		}
		if ok {
			*hits = append(*hits, conditionHit{cond: cond, value: actual})
		}
		results = append(results, ok)
	}
	for _, sub := range g.Groups {
		ok, err := sub.evaluate(c, hits, fields)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}

	if g.Logic == logicAnd {
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return len(results) > 0, nil
	}
	for _, r := range results {
		if r {
			return true, nil
		}
	}
	return false, nil
}

func evalThreshold(_ context.Context, in Input) (Outcome, error) {
	group, err := parseThreshold(in.Params)
	if errors.Is(err, errNoConditions) {
		return noMatch("no conditions in rule", map[string]any{"total_conditions": 0}), nil
	}
	if err != nil {
		return invalid(err), nil
	}

	var hits []conditionHit
	fields := make(map[string]any)
	matched, err := group.evaluate(in.Claim, &hits, fields)
	if err != nil {
		return noMatch(err.Error(), map[string]any{"diagnostic": err.Error(), "logic": group.Logic}), nil
	}

	matchedConditions := make([]any, 0, len(hits))
	lines := make([]any, 0, len(hits))
	for i, h := range hits {
		matchedConditions = append(matchedConditions, map[string]any{
			"condition_index": i,
			"field":           h.cond.Field,
			"operator":        h.cond.Op,
			"expected_value":  h.cond.Value,
			"actual_value":    h.value,
		})
		lines = append(lines, fmt.Sprintf("%s %s %v (actual: %s)", h.cond.Field, h.cond.Op, h.cond.Value, claims.Text(h.value)))
	}

	total := group.size()
	details := map[string]any{
		"logic":              group.Logic,
		"matched_conditions": matchedConditions,
		"total_conditions":   total,
		"matched_count":      len(hits),
	}

	var summary string
	switch {
	case !matched:
		summary = fmt.Sprintf("claim %s did not match", claimLabel(in.Claim))
		details["details"] = []any{}
	case group.Flat || group.Logic == logicAnd:
		summary = fmt.Sprintf("claim %s matched all %d conditions", claimLabel(in.Claim), total)
		details["details"] = lines
	default:
		summary = fmt.Sprintf("claim %s matched %d of %d conditions", claimLabel(in.Claim), len(hits), total)
		details["details"] = lines
	}

	return Outcome{Matched: matched, Summary: summary, Details: details, Fields: fields}, nil
}

func claimLabel(c *claims.Claim) string {
	if c == nil {
		return "<nil>"
	}
	if c.ClaimID != "" {
		return c.ClaimID
	}
	return c.ID
}
