package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/liamcoop/claimrules/claims"
)

const (
	defaultDateField       = "fill_date"
	defaultDaysSupplyField = "days_supply"
	maxReportedDuplicates  = 5
	// overlapLookback bounds how far back OVERLAP searches for earlier coverage
	overlapLookback = 365
	day             = 24 * time.Hour
)

var errNoLookup = errors.New("no claim lookup configured")

// keyFilter resolves the rule's key fields on the claim. Tenant keys are implied by the
// lookup itself and empty values are skipped, so the filter only holds usable keys.
type keyFilter struct {
	equals  map[string]any
	used    []string
	skipped []string
}

func buildKeyFilter(in Input) keyFilter {
	kf := keyFilter{equals: make(map[string]any)}
	for _, key := range in.Params.Strings("keys") {
		if strings.EqualFold(key, "tenant_id") {
			continue
		}
		v := claims.Resolve(in.Claim, key)
		if v == nil {
			kf.skipped = append(kf.skipped, key)
			continue
		}
		kf.equals[key] = v
		kf.used = append(kf.used, key)
	}
	return kf
}

func (kf keyFilter) details() map[string]any {
	values := make(map[string]any, len(kf.equals))
	for k, v := range kf.equals {
		values[k] = v
	}
	return map[string]any{
		"keys":       stringsToAny(kf.used),
		"key_values": values,
	}
}

func missingKeys(kf keyFilter) Outcome {
	return noMatch("missing key values", map[string]any{
		"missing_keys": stringsToAny(kf.skipped),
	})
}

func lookupFrom(in Input) (claims.Lookup, error) {
	if in.Env == nil || in.Env.Lookup == nil {
		return nil, errNoLookup
	}
	return in.Env.Lookup, nil
}

func claimDate(c *claims.Claim, field string) (time.Time, bool) {
	t, ok := claims.Resolve(c, field).(time.Time)
	if !ok {
		return time.Time{}, false
	}
	return claims.Truncate(t), true
}

func duplicateIDs(found []*claims.Claim) []any {
	ids := make([]any, 0, maxReportedDuplicates)
	for _, d := range found {
		if len(ids) == maxReportedDuplicates {
			break
		}
		ids = append(ids, claimLabel(d))
	}
	return ids
}

func evalDuplicate(ctx context.Context, in Input) (Outcome, error) {
	return findDuplicates(ctx, in, nil)
}

func evalDuplicateWindow(ctx context.Context, in Input) (Outcome, error) {
	field := in.Params.String("date_field", defaultDateField)
	window, err := in.Params.Int("window_days", 7)
	if err != nil {
		return invalid(err), nil
	}
	d, ok := claimDate(in.Claim, field)
	if !ok {
		return noMatch(fmt.Sprintf("claim has no %s", field), map[string]any{"date_field": field}), nil
	}

	start := d.AddDate(0, 0, -window)
	return findDuplicates(ctx, in, &claims.DateFilter{Field: field, Start: &start, End: &d})
}

func findDuplicates(ctx context.Context, in Input, window *claims.DateFilter) (Outcome, error) {
	kf := buildKeyFilter(in)
	if len(kf.used) == 0 {
		return missingKeys(kf), nil
	}
	lookup, err := lookupFrom(in)
	if err != nil {
		return Outcome{}, err
	}

	found, err := lookup.FindClaims(ctx, claims.Query{
		TenantID:  in.Claim.TenantID,
		Equals:    kf.equals,
		ExcludeID: in.Claim.ID,
		Date:      window,
	})
	if err != nil {
		return Outcome{}, lookupFailed("find duplicate claims", err)
	}

	details := kf.details()
	details["duplicate_count"] = len(found)
	details["duplicate_claim_ids"] = duplicateIDs(found)
	if window != nil {
		details["date_field"] = window.Field
		details["window_start"] = *window.Start
		details["window_end"] = *window.End
	}

	if len(found) == 0 {
		return Outcome{Summary: "no duplicate claims found", Details: details, Fields: kf.equals}, nil
	}
	summary := fmt.Sprintf("%d duplicate claim(s) share %s", len(found), strings.Join(kf.used, ", "))
	if window != nil {
		summary += fmt.Sprintf(" within the window before %s", window.End.Format(claims.DateLayout))
	}
	return Outcome{Matched: true, Summary: summary, Details: details, Fields: kf.equals}, nil
}

func evalEarlyRefill(ctx context.Context, in Input) (Outcome, error) {
	field := in.Params.String("date_field", defaultDateField)
	supplyField := in.Params.String("days_supply_field", defaultDaysSupplyField)
	pct, err := in.Params.Float("pct", 0.8)
	if err != nil {
		return invalid(err), nil
	}

	kf := buildKeyFilter(in)
	if len(kf.used) == 0 {
		return missingKeys(kf), nil
	}
	d, ok := claimDate(in.Claim, field)
	if !ok {
		return noMatch(fmt.Sprintf("claim has no %s", field), map[string]any{"date_field": field}), nil
	}
	lookup, err := lookupFrom(in)
	if err != nil {
		return Outcome{}, err
	}

	prior, err := lookup.FindClaims(ctx, claims.Query{
		TenantID:  in.Claim.TenantID,
		Equals:    kf.equals,
		ExcludeID: in.Claim.ID,
		Date:      &claims.DateFilter{Field: field, End: &d},
		OrderDesc: field,
		Limit:     1,
	})
	if err != nil {
		return Outcome{}, lookupFailed("find prior fill", err)
	}

	details := kf.details()
	details["date_field"] = field
	if len(prior) == 0 {
		return Outcome{Summary: "no prior fill found", Details: details, Fields: kf.equals}, nil
	}

	p := prior[0]
	pd, ok := claimDate(p, field)
	if !ok {
		return Outcome{Summary: "prior fill has no date", Details: details, Fields: kf.equals}, nil
	}

	priorSupply := 30.0
	if v, ok := toFloat(claims.Resolve(p, supplyField)); ok {
		priorSupply = v
	}
	elapsed := int(d.Sub(pd) / day)
	required := priorSupply * pct

	details["prior_claim_id"] = claimLabel(p)
	details["prior_date"] = pd
	details["prior_days_supply"] = priorSupply
	details["days_elapsed"] = elapsed
	details["required_days"] = required
	details["pct"] = pct

	if float64(elapsed) < required {
		return Outcome{
			Matched: true,
			Summary: fmt.Sprintf("refilled after %d days; %.1f days of the prior %.0f-day supply required", elapsed, required, priorSupply),
			Details: details,
			Fields:  kf.equals,
		}, nil
	}
	return Outcome{
		Summary: fmt.Sprintf("refill after %d days is not early", elapsed),
		Details: details,
		Fields:  kf.equals,
	}, nil
}

func evalOverlap(ctx context.Context, in Input) (Outcome, error) {
	field := in.Params.String("date_field", defaultDateField)
	supplyField := in.Params.String("days_supply_field", defaultDaysSupplyField)

	start, ok := claimDate(in.Claim, field)
	if !ok {
		return noMatch(fmt.Sprintf("claim has no %s", field), map[string]any{"date_field": field}), nil
	}
	supply, ok := toFloat(claims.Resolve(in.Claim, supplyField))
	if !ok || supply <= 0 {
		return noMatch(fmt.Sprintf("claim has no %s", supplyField), map[string]any{"days_supply_field": supplyField}), nil
	}
	end := start.AddDate(0, 0, int(math.Ceil(supply)))

	kf := buildKeyFilter(in)
	if len(kf.used) == 0 {
		return missingKeys(kf), nil
	}
	lookup, err := lookupFrom(in)
	if err != nil {
		return Outcome{}, err
	}

	from := start.AddDate(0, 0, -overlapLookback)
	candidates, err := lookup.FindClaims(ctx, claims.Query{
		TenantID:  in.Claim.TenantID,
		Equals:    kf.equals,
		ExcludeID: in.Claim.ID,
		Date:      &claims.DateFilter{Field: field, Start: &from, End: &end, StartInclusive: true},
	})
	if err != nil {
		return Outcome{}, lookupFailed("find overlapping claims", err)
	}

	var overlapping []any
	for _, other := range candidates {
		bStart, ok := claimDate(other, field)
		if !ok {
			continue
		}
		bSupply, ok := toFloat(claims.Resolve(other, supplyField))
		if !ok || bSupply <= 0 {
			continue
		}
		bEnd := bStart.AddDate(0, 0, int(math.Ceil(bSupply)))
		if !(!end.After(bStart) || !start.Before(bEnd)) {
			overlapping = append(overlapping, map[string]any{
				"claim_id": claimLabel(other),
				"start":    bStart,
				"end":      bEnd,
			})
		}
	}

	details := kf.details()
	details["coverage_start"] = start
	details["coverage_end"] = end
	details["overlap_count"] = len(overlapping)
	if len(overlapping) > maxReportedDuplicates {
		overlapping = overlapping[:maxReportedDuplicates]
	}
	details["overlapping_claims"] = overlapping

	fields := map[string]any{field: start, supplyField: supply}
	if len(overlapping) == 0 {
		return Outcome{Summary: "no overlapping coverage", Details: details, Fields: fields}, nil
	}
	return Outcome{
		Matched: true,
		Summary: fmt.Sprintf("coverage %s to %s overlaps %d other claim(s)", start.Format(claims.DateLayout), end.Format(claims.DateLayout), details["overlap_count"]),
		Details: details,
		Fields:  fields,
	}, nil
}

func evalCountWindow(ctx context.Context, in Input) (Outcome, error) {
	field := in.Params.String("date_field", defaultDateField)
	window, err := in.Params.Int("window_days", 90)
	if err != nil {
		return invalid(err), nil
	}
	maxCount, err := in.Params.Int("max_count", 3)
	if err != nil {
		return invalid(err), nil
	}

	kf := buildKeyFilter(in)
	if len(kf.used) == 0 {
		return missingKeys(kf), nil
	}
	d, ok := claimDate(in.Claim, field)
	if !ok {
		return noMatch(fmt.Sprintf("claim has no %s", field), map[string]any{"date_field": field}), nil
	}
	lookup, err := lookupFrom(in)
	if err != nil {
		return Outcome{}, err
	}

	start := d.AddDate(0, 0, -window)
	others, err := lookup.FindClaims(ctx, claims.Query{
		TenantID:  in.Claim.TenantID,
		Equals:    kf.equals,
		ExcludeID: in.Claim.ID,
		Date:      &claims.DateFilter{Field: field, Start: &start, End: &d, StartInclusive: true, EndInclusive: true},
	})
	if err != nil {
		return Outcome{}, lookupFailed("count claims in window", err)
	}

	count := len(others) + 1
	details := kf.details()
	details["count"] = count
	details["max_count"] = maxCount
	details["window_days"] = window
	details["window_start"] = start
	details["window_end"] = d

	if count > maxCount {
		return Outcome{
			Matched: true,
			Summary: fmt.Sprintf("%d claims in %d days exceeds the limit of %d", count, window, maxCount),
			Details: details,
			Fields:  kf.equals,
		}, nil
	}
	return Outcome{
		Summary: fmt.Sprintf("%d claims in %d days is within the limit of %d", count, window, maxCount),
		Details: details,
		Fields:  kf.equals,
	}, nil
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
