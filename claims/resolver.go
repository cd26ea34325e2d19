package claims

import (
	"sort"
	"strings"
)

type accessor func(c *Claim) any

// accessors maps canonical field names to claim attributes.
// Unset optional values and empty strings resolve to nil.
var accessors = map[string]accessor{
	"id":                   func(c *Claim) any { return str(c.ID) },
	"tenant_id":            func(c *Claim) any { return str(c.TenantID) },
	"ingestion_id":         func(c *Claim) any { return str(c.IngestionID) },
	"claim_id":             func(c *Claim) any { return str(c.ClaimID) },
	"patient_id":           func(c *Claim) any { return str(c.PatientID) },
	"rx_number":            func(c *Claim) any { return str(c.RxNumber) },
	"ndc":                  func(c *Claim) any { return str(c.NDC) },
	"drug_name":            func(c *Claim) any { return str(c.DrugName) },
	"drug_class":           func(c *Claim) any { return str(c.DrugClass) },
	"prescriber_id":        func(c *Claim) any { return str(c.PrescriberID) },
	"pharmacy_id":          func(c *Claim) any { return str(c.PharmacyID) },
	"plan_id":              func(c *Claim) any { return str(c.PlanID) },
	"fill_date":            func(c *Claim) any { return date(c.FillDate) },
	"submitted_at":         func(c *Claim) any { return date(c.SubmittedAt) },
	"reversal_date":        func(c *Claim) any { return date(c.ReversalDate) },
	"days_supply":          func(c *Claim) any { return integer(c.DaysSupply) },
	"quantity":             func(c *Claim) any { return number(c.Quantity) },
	"copay_amount":         func(c *Claim) any { return number(c.CopayAmount) },
	"plan_paid_amount":     func(c *Claim) any { return number(c.PlanPaidAmount) },
	"ingredient_cost":      func(c *Claim) any { return number(c.IngredientCost) },
	"usual_and_customary":  func(c *Claim) any { return number(c.UsualAndCustomary) },
	"paid_amount":          func(c *Claim) any { return number(c.PaidAmount) },
	"allowed_amount":       func(c *Claim) any { return number(c.AllowedAmount) },
	"dispensing_fee":       func(c *Claim) any { return number(c.DispensingFee) },
	"status":               func(c *Claim) any { return str(string(c.Status)) },
	"prior_auth_required":  func(c *Claim) any { return boolean(c.PriorAuthRequired) },
	"prior_auth_reference": func(c *Claim) any { return str(c.PriorAuthReference) },
	"reversal_indicator":   func(c *Claim) any { return boolean(c.ReversalIndicator) },
	"reversal_reference":   func(c *Claim) any { return str(c.ReversalReference) },
	"generic_available":    func(c *Claim) any { return boolean(c.GenericAvailable) },
	"daw_code":             func(c *Claim) any { return str(c.DAWCode) },
}

// aliases links legacy field names to the current claim schema, in both directions.
// Rules authored against the old schema keep resolving through this table.
var aliases = map[string]string{
	"claim_number":      "claim_id",
	"drug_code":         "ndc",
	"copay":             "copay_amount",
	"plan_paid":         "plan_paid_amount",
	"amount":            "ingredient_cost",
	"prescription_date": "fill_date",

	"claim_id":         "claim_number",
	"ndc":              "drug_code",
	"copay_amount":     "copay",
	"plan_paid_amount": "plan_paid",
	"ingredient_cost":  "amount",
	"fill_date":        "prescription_date",
}

// Resolve returns the value of a named field on the claim, or nil when the field is
// unknown or unset. Direct attributes and Extra are tried first, then the alias table.
func Resolve(c *Claim, field string) any {
	if c == nil {
		return nil
	}
	name := normalize(field)
	if name == "" {
		return nil
	}
	if v := direct(c, name); v != nil {
		return v
	}
	if alt, ok := aliases[name]; ok {
		return direct(c, alt)
	}
	return nil
}

// Canonical maps a field name to the name of a dedicated claim attribute, following
// aliases. The second result is false when the field only exists in Extra.
func Canonical(field string) (string, bool) {
	name := normalize(field)
	if _, ok := accessors[name]; ok {
		return name, true
	}
	if alt, ok := aliases[name]; ok {
		if _, ok := accessors[alt]; ok {
			return alt, true
		}
	}
	return name, false
}

// Fields returns every non-nil field of the claim keyed by canonical name, with Extra
// values included under their own keys when they do not shadow an attribute.
func Fields(c *Claim) map[string]any {
	out := make(map[string]any, len(accessors)+len(c.Extra))
	for name, get := range accessors {
		if v := get(c); v != nil {
			out[name] = v
		}
	}
	for k, v := range c.Extra {
		k = normalize(k)
		if _, taken := out[k]; taken || isEmpty(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// KnownFields lists the canonical claim attributes, sorted
func KnownFields() []string {
	names := make([]string, 0, len(accessors))
	for name := range accessors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func direct(c *Claim, name string) any {
	if get, ok := accessors[name]; ok {
		if v := get(c); v != nil {
			return v
		}
	}
	if c.Extra == nil {
		return nil
	}
	v, ok := c.Extra[name]
	if !ok || isEmpty(v) {
		return nil
	}
	return v
}

func normalize(field string) string {
	return strings.ToLower(strings.TrimSpace(field))
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
