package claims

import (
	"encoding/json"
	"testing"
	"time"
)

func sampleClaim() *Claim {
	return &Claim{
		ID:             "c-1",
		TenantID:       "tenant-a",
		ClaimID:        "CLM-001",
		PatientID:      "P-1",
		NDC:            "00093-7146",
		FillDate:       Date("2025-01-01"),
		DaysSupply:     Ptr(30),
		IngredientCost: Ptr(600.0),
		CopayAmount:    Ptr(10.0),
		PlanPaidAmount: Ptr(590.0),
		Extra: map[string]any{
			"member_state": "OH",
			"blank":        "  ",
		},
	}
}

func TestResolveDirectFields(t *testing.T) {
	c := sampleClaim()

	tests := []struct {
		field string
		want  any
	}{
		{"claim_id", "CLM-001"},
		{"patient_id", "P-1"},
		{"ndc", "00093-7146"},
		{"days_supply", 30},
		{"ingredient_cost", 600.0},
		{"member_state", "OH"},
		{"  NDC  ", "00093-7146"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got := Resolve(c, tt.field)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestResolveAliases(t *testing.T) {
	c := sampleClaim()

	tests := []struct {
		legacy string
		want   any
	}{
		{"claim_number", "CLM-001"},
		{"drug_code", "00093-7146"},
		{"copay", 10.0},
		{"plan_paid", 590.0},
		{"amount", 600.0},
	}

	for _, tt := range tests {
		t.Run(tt.legacy, func(t *testing.T) {
			if got := Resolve(c, tt.legacy); got != tt.want {
				t.Errorf("Resolve(%q) = %v, want %v", tt.legacy, got, tt.want)
			}
		})
	}

	got, ok := Resolve(c, "prescription_date").(time.Time)
	if !ok || got.Format(DateLayout) != "2025-01-01" {
		t.Errorf("prescription_date should resolve to fill_date, got %v", got)
	}
}

func TestResolveReverseAliasFromExtra(t *testing.T) {
	// legacy data keeps the old column name in Extra; new rules ask for the new name
	c := &Claim{TenantID: "t", Extra: map[string]any{"claim_number": "OLD-9", "amount": 42.5}}

	if got := Resolve(c, "claim_id"); got != "OLD-9" {
		t.Errorf("claim_id = %v, want OLD-9", got)
	}
	if got := Resolve(c, "ingredient_cost"); got != 42.5 {
		t.Errorf("ingredient_cost = %v, want 42.5", got)
	}
}

func TestResolveMissingIsNil(t *testing.T) {
	c := sampleClaim()

	for _, field := range []string{"", "nonexistent", "quantity", "prescriber_id", "blank", "reversal_date"} {
		if got := Resolve(c, field); got != nil {
			t.Errorf("Resolve(%q) = %v, want nil", field, got)
		}
	}

	if got := Resolve(nil, "ndc"); got != nil {
		t.Errorf("Resolve(nil claim) = %v, want nil", got)
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		column bool
	}{
		{"ndc", "ndc", true},
		{"drug_code", "ndc", true},
		{"Prescription_Date", "fill_date", true},
		{"member_state", "member_state", false},
	}
	for _, tt := range tests {
		got, ok := Canonical(tt.in)
		if got != tt.want || ok != tt.column {
			t.Errorf("Canonical(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.column)
		}
	}
}

func TestFields(t *testing.T) {
	f := Fields(sampleClaim())

	if f["claim_id"] != "CLM-001" {
		t.Errorf("claim_id = %v", f["claim_id"])
	}
	if f["member_state"] != "OH" {
		t.Errorf("member_state = %v", f["member_state"])
	}
	if _, ok := f["blank"]; ok {
		t.Error("blank extra values should be omitted")
	}
	if _, ok := f["quantity"]; ok {
		t.Error("unset quantity should be omitted")
	}
}

func TestClaimUnmarshalDates(t *testing.T) {
	raw := `{"tenant_id":"t","claim_id":"X","fill_date":"2025-03-04","submitted_at":"2025-03-05T10:00:00Z","days_supply":30}`

	var c Claim
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if c.FillDate == nil || c.FillDate.Format(DateLayout) != "2025-03-04" {
		t.Errorf("FillDate = %v", c.FillDate)
	}
	if c.SubmittedAt == nil || c.SubmittedAt.Hour() != 10 {
		t.Errorf("SubmittedAt = %v", c.SubmittedAt)
	}
	if c.DaysSupply == nil || *c.DaysSupply != 30 {
		t.Errorf("DaysSupply = %v", c.DaysSupply)
	}

	if err := json.Unmarshal([]byte(`{"fill_date":"03/04/2025"}`), &c); err == nil {
		t.Error("expected error for malformed fill_date")
	}
}
