package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/liamcoop/claimrules/claims"
)

func evalRatioRange(_ context.Context, in Input) (Outcome, error) {
	numField := in.Params.String("numerator_field", "")
	denField := in.Params.String("denominator_field", "")
	if numField == "" || denField == "" {
		return invalid(errors.New("numerator_field and denominator_field are required")), nil
	}
	lo, err := in.Params.Float("min", 0.1)
	if err != nil {
		return invalid(err), nil
	}
	hi, err := in.Params.Float("max", 20.0)
	if err != nil {
		return invalid(err), nil
	}

	numRaw := claims.Resolve(in.Claim, numField)
	denRaw := claims.Resolve(in.Claim, denField)
	fields := map[string]any{numField: numRaw, denField: denRaw}

	num, ok := toFloat(numRaw)
	if !ok {
		return Outcome{Summary: fmt.Sprintf("claim has no %s", numField), Fields: fields}, nil
	}
	den, ok := toFloat(denRaw)
	if !ok || den == 0 {
		return Outcome{Summary: fmt.Sprintf("%s is missing or zero", denField), Fields: fields}, nil
	}

	ratio := num / den
	details := map[string]any{
		"numerator_field":   numField,
		"denominator_field": denField,
		"ratio":             ratio,
		"min":               lo,
		"max":               hi,
	}
	if ratio < lo || ratio > hi {
		return Outcome{
			Matched: true,
			Summary: fmt.Sprintf("%s/%s ratio %.4f is outside [%g, %g]", numField, denField, ratio, lo, hi),
			Details: details,
			Fields:  fields,
		}, nil
	}
	return Outcome{
		Summary: fmt.Sprintf("%s/%s ratio %.4f is within range", numField, denField, ratio),
		Details: details,
		Fields:  fields,
	}, nil
}

func evalExpressionTolerance(_ context.Context, in Input) (Outcome, error) {
	lhsField := in.Params.String("lhs", "")
	rhsFields := in.Params.Strings("rhs")
	if lhsField == "" || len(rhsFields) == 0 {
		return invalid(errors.New("lhs and rhs are required")), nil
	}
	rhsOp := in.Params.String("rhs_op", "+")
	if rhsOp != "+" && rhsOp != "-" {
		return invalid(fmt.Errorf("rhs_op must be + or -, got %q", rhsOp)), nil
	}
	tolerance, err := in.Params.Float("tolerance", 0.01)
	if err != nil {
		return invalid(err), nil
	}

	fields := map[string]any{}
	lhsRaw := claims.Resolve(in.Claim, lhsField)
	fields[lhsField] = lhsRaw
	lhs, ok := toFloat(lhsRaw)
	if !ok {
		return Outcome{Summary: fmt.Sprintf("claim has no %s", lhsField), Fields: fields}, nil
	}

	var rhs float64
	for i, f := range rhsFields {
		raw := claims.Resolve(in.Claim, f)
		fields[f] = raw
		v, _ := toFloat(raw)
		if rhsOp == "-" && i > 0 {
			rhs -= v
		} else {
			rhs += v
		}
	}

	diff := math.Abs(lhs - rhs)
	expr := lhsField + " = " + strings.Join(rhsFields, " "+rhsOp+" ")
	details := map[string]any{
		"expression": expr,
		"lhs_value":  lhs,
		"rhs_value":  rhs,
		"difference": diff,
		"tolerance":  tolerance,
	}
	if diff > tolerance {
		return Outcome{
			Matched: true,
			Summary: fmt.Sprintf("%s is off by %.2f (tolerance %.2f)", expr, diff, tolerance),
			Details: details,
			Fields:  fields,
		}, nil
	}
	return Outcome{Summary: fmt.Sprintf("%s holds within tolerance", expr), Details: details, Fields: fields}, nil
}

func evalFieldCompare(_ context.Context, in Input) (Outcome, error) {
	left := in.Params.String("left_field", "")
	right := in.Params.String("right_field", "")
	op := in.Params.String("op", in.Params.String("operator", ""))
	if left == "" || right == "" || op == "" {
		return invalid(errors.New("left_field, right_field and op are required")), nil
	}

	lv := claims.Resolve(in.Claim, left)
	rv := claims.Resolve(in.Claim, right)
	fields := map[string]any{left: lv, right: rv}
	if lv == nil || rv == nil {
		return Outcome{Summary: fmt.Sprintf("%s or %s is missing", left, right), Fields: fields}, nil
	}

	matched, err := Compare(lv, op, rv)
	if err != nil {
		return noMatch(err.Error(), map[string]any{"diagnostic": err.Error()}), nil
	}
	details := map[string]any{
		"left_field":  left,
		"right_field": right,
		"operator":    op,
		"left_value":  lv,
		"right_value": rv,
	}
	verdict := "does not hold"
	if matched {
		verdict = "holds"
	}
	return Outcome{
		Matched: matched,
		Summary: fmt.Sprintf("%s %s %s %s (%s vs %s)", left, op, right, verdict, claims.Text(lv), claims.Text(rv)),
		Details: details,
		Fields:  fields,
	}, nil
}

// anchored reports whether a pattern is pinned at both ends, which marks it as a
// format validator unless the rule says otherwise
func anchored(pattern string) bool {
	return strings.HasPrefix(pattern, "^") && strings.HasSuffix(pattern, "$")
}

func evalRegex(_ context.Context, in Input) (Outcome, error) {
	field := in.Params.String("field", "")
	pattern, _ := in.Params["pattern"].(string)
	if field == "" || pattern == "" {
		return invalid(errors.New("field and pattern are required")), nil
	}
	caseInsensitive, err := in.Params.BoolDefault("case_insensitive", false)
	if err != nil {
		return invalid(err), nil
	}
	nullIsFail, err := in.Params.BoolDefault("null_is_fail", false)
	if err != nil {
		return invalid(err), nil
	}
	matchMeansValid, explicit, err := in.Params.Bool("match_means_valid")
	if err != nil {
		return invalid(err), nil
	}
	if !explicit {
		matchMeansValid = anchored(pattern) || nullIsFail
	}

	expr := pattern
	if caseInsensitive {
		expr = "(?i)" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return invalid(fmt.Errorf("pattern %q: %w", pattern, err)), nil
	}

	raw := claims.Resolve(in.Claim, field)
	fields := map[string]any{field: raw}
	mode := "monitor"
	if matchMeansValid {
		mode = "validator"
	}
	details := map[string]any{
		"field":             field,
		"pattern":           pattern,
		"mode":              mode,
		"match_means_valid": matchMeansValid,
		"null_is_fail":      nullIsFail,
	}

	if raw == nil {
		summary := fmt.Sprintf("%s is empty", field)
		if nullIsFail {
			summary += " and a value is required"
		}
		return Outcome{Matched: nullIsFail, Summary: summary, Details: details, Fields: fields}, nil
	}

	value := claims.Text(raw)
	found := re.MatchString(value)
	details["value"] = value
	details["pattern_matched"] = found

	if matchMeansValid {
		if !found {
			return Outcome{Matched: true, Summary: fmt.Sprintf("%s %q does not match the required format", field, value), Details: details, Fields: fields}, nil
		}
		return Outcome{Summary: fmt.Sprintf("%s has a valid format", field), Details: details, Fields: fields}, nil
	}
	if found {
		return Outcome{Matched: true, Summary: fmt.Sprintf("%s %q matches a monitored pattern", field, value), Details: details, Fields: fields}, nil
	}
	return Outcome{Summary: fmt.Sprintf("%s does not match the monitored pattern", field), Details: details, Fields: fields}, nil
}

func evalDateCompareToday(_ context.Context, in Input) (Outcome, error) {
	field := in.Params.String("field", "")
	if field == "" {
		return invalid(errors.New("field is required")), nil
	}
	op := in.Params.String("op", in.Params.String("operator", OpGT))
	switch op {
	case OpGT, OpLT, OpGTE, OpLTE:
	default:
		return invalid(fmt.Errorf("op must be one of >, <, >=, <=; got %q", op)), nil
	}
	allowed, err := in.Params.Int("allowed_future_days", 0)
	if err != nil {
		return invalid(err), nil
	}

	raw := claims.Resolve(in.Claim, field)
	fields := map[string]any{field: raw}
	d, ok := raw.(time.Time)
	if !ok {
		if s, isStr := raw.(string); isStr {
			d, ok = claims.ParseDate(s)
		}
	}
	if !ok {
		return Outcome{Summary: fmt.Sprintf("claim has no %s", field), Fields: fields}, nil
	}
	d = claims.Truncate(d)

	// the allowance only widens the future bound; < and <= compare against today
	today := in.Env.today()
	ref := today
	if op == OpGT || op == OpGTE {
		ref = today.AddDate(0, 0, allowed)
	}
	matched := compareOrdered(d.Compare(ref), op)

	details := map[string]any{
		"field":               field,
		"operator":            op,
		"value":               d,
		"today":               today,
		"reference_date":      ref,
		"allowed_future_days": allowed,
	}
	summary := fmt.Sprintf("%s %s is not %s %s", field, d.Format(claims.DateLayout), op, ref.Format(claims.DateLayout))
	if matched {
		summary = fmt.Sprintf("%s %s is %s %s", field, d.Format(claims.DateLayout), op, ref.Format(claims.DateLayout))
	}
	return Outcome{Matched: matched, Summary: summary, Details: details, Fields: fields}, nil
}

// listRefs maps accepted list_ref spellings to the one implemented reference list
var listRefs = map[string]string{
	"BLOCKED_NDC":   "BLOCKED_NDC",
	"BLOCKED_NDCS":  "BLOCKED_NDC",
	"BLOCKED_DRUGS": "BLOCKED_NDC",
	"NDC_BLOCKLIST": "BLOCKED_NDC",
}

func evalInList(ctx context.Context, in Input) (Outcome, error) {
	field := in.Params.String("field", "ndc")
	ref := strings.ToUpper(in.Params.String("list_ref", "BLOCKED_NDC"))
	list, ok := listRefs[ref]
	if !ok {
		return noMatch(fmt.Sprintf("reference list %s is not available", ref), map[string]any{
			"list_ref":   ref,
			"diagnostic": "unsupported list_ref",
		}), nil
	}

	raw := claims.Resolve(in.Claim, field)
	fields := map[string]any{field: raw}
	if raw == nil {
		return Outcome{Summary: fmt.Sprintf("claim has no %s", field), Fields: fields}, nil
	}
	if in.Env == nil || in.Env.Lists == nil {
		return Outcome{}, errors.New("no reference lists configured")
	}

	value := claims.Text(raw)
	found, err := in.Env.Lists.InBlockedList(ctx, in.Claim.TenantID, value)
	if err != nil {
		return Outcome{}, lookupFailed("check blocked list", err)
	}

	details := map[string]any{"field": field, "list_ref": list, "value": value}
	if found {
		return Outcome{Matched: true, Summary: fmt.Sprintf("%s %s is on the %s list", field, value, list), Details: details, Fields: fields}, nil
	}
	return Outcome{Summary: fmt.Sprintf("%s %s is not on the %s list", field, value, list), Details: details, Fields: fields}, nil
}

func evalNotInList(_ context.Context, in Input) (Outcome, error) {
	field := in.Params.String("field", "")
	if field == "" {
		return invalid(errors.New("field is required")), nil
	}
	nullIsFail, err := in.Params.BoolDefault("null_is_fail", true)
	if err != nil {
		return invalid(err), nil
	}

	allowed := make(map[string]bool)
	var allowedList []any
	for _, v := range in.Params.Strings("allowed_values") {
		norm := claims.NormalizeCode(v)
		allowed[norm] = true
		allowedList = append(allowedList, norm)
	}

	raw := claims.Resolve(in.Claim, field)
	fields := map[string]any{field: raw}
	details := map[string]any{
		"field":          field,
		"allowed_values": allowedList,
		"null_is_fail":   nullIsFail,
	}
	if raw == nil {
		summary := fmt.Sprintf("%s is empty", field)
		if nullIsFail {
			summary += " and must be one of the allowed values"
		}
		return Outcome{Matched: nullIsFail, Summary: summary, Details: details, Fields: fields}, nil
	}

	value := claims.NormalizeCode(claims.Text(raw))
	details["value"] = value
	if allowed[value] {
		return Outcome{Summary: fmt.Sprintf("%s %s is allowed", field, value), Details: details, Fields: fields}, nil
	}
	return Outcome{Matched: true, Summary: fmt.Sprintf("%s %s is not in the allowed values", field, value), Details: details, Fields: fields}, nil
}

func evalAnyOf(_ context.Context, in Input) (Outcome, error) {
	conds := in.Params.Maps("conditions")
	if len(conds) == 0 {
		return noMatch("no conditions in rule", map[string]any{"total_conditions": 0}), nil
	}

	fields := map[string]any{}
	var hits []any
	for i, m := range conds {
		p := Params(m)
		field := p.String("field", "")
		op := strings.ToUpper(p.String("op", p.String("operator", "")))
		if field == "" {
			return invalid(fmt.Errorf("condition %d has no field", i)), nil
		}
		actual := claims.Resolve(in.Claim, field)
		fields[field] = actual

		var ok bool
		switch op {
		case "IS_NULL":
			ok = actual == nil
		case OpAssignEQ, OpEQ, OpGT, OpLT:
			var err error
			ok, err = Compare(actual, op, p["value"])
			if err != nil {
				return invalid(err), nil
			}
		default:
			return invalid(fmt.Errorf("condition %d: operator %q is not supported here", i, op)), nil
		}

		if ok {
			hits = append(hits, map[string]any{
				"condition_index": i,
				"field":           field,
				"operator":        op,
				"expected_value":  p["value"],
				"actual_value":    actual,
			})
		}
	}

	details := map[string]any{
		"matched_conditions": hits,
		"matched_count":      len(hits),
		"total_conditions":   len(conds),
	}
	if len(hits) == 0 {
		details["matched_conditions"] = []any{}
		return Outcome{Summary: "none of the conditions matched", Details: details, Fields: fields}, nil
	}
	return Outcome{
		Matched: true,
		Summary: fmt.Sprintf("%d of %d conditions matched", len(hits), len(conds)),
		Details: details,
		Fields:  fields,
	}, nil
}

func evalNotImplemented(_ context.Context, in Input) (Outcome, error) {
	kind := in.Rule.Kind()
	return noMatch(fmt.Sprintf("logic kind %s is not implemented", kind), map[string]any{
		"not_implemented": true,
	}), nil
}

// evalCustomSQL never runs tenant-supplied SQL
func evalCustomSQL(_ context.Context, _ Input) (Outcome, error) {
	return noMatch("CUSTOM_SQL rules are disabled for security", map[string]any{
		"disabled": true,
	}), nil
}
