package claims

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status of a pharmacy claim
type Status string

const (
	StatusPaid     Status = "PAID"
	StatusReversed Status = "REVERSED"
)

// DateLayout is the calendar date format used for claim dates and rule parameters
const DateLayout = "2006-01-02"

// Claim is one pharmacy claim record as produced by ingestion.
// Optional values are pointers; a nil pointer means the value was not supplied.
type Claim struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	IngestionID string `json:"ingestion_id,omitempty"`

	ClaimID      string `json:"claim_id"`
	PatientID    string `json:"patient_id,omitempty"`
	RxNumber     string `json:"rx_number,omitempty"`
	NDC          string `json:"ndc,omitempty"`
	DrugName     string `json:"drug_name,omitempty"`
	DrugClass    string `json:"drug_class,omitempty"`
	PrescriberID string `json:"prescriber_id,omitempty"`
	PharmacyID   string `json:"pharmacy_id,omitempty"`
	PlanID       string `json:"plan_id,omitempty"`

	FillDate     *time.Time `json:"fill_date,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	ReversalDate *time.Time `json:"reversal_date,omitempty"`

	DaysSupply        *int     `json:"days_supply,omitempty"`
	Quantity          *float64 `json:"quantity,omitempty"`
	CopayAmount       *float64 `json:"copay_amount,omitempty"`
	PlanPaidAmount    *float64 `json:"plan_paid_amount,omitempty"`
	IngredientCost    *float64 `json:"ingredient_cost,omitempty"`
	UsualAndCustomary *float64 `json:"usual_and_customary,omitempty"`
	PaidAmount        *float64 `json:"paid_amount,omitempty"`
	AllowedAmount     *float64 `json:"allowed_amount,omitempty"`
	DispensingFee     *float64 `json:"dispensing_fee,omitempty"`

	Status             Status `json:"status,omitempty"`
	PriorAuthRequired  *bool  `json:"prior_auth_required,omitempty"`
	PriorAuthReference string `json:"prior_auth_reference,omitempty"`
	ReversalIndicator  *bool  `json:"reversal_indicator,omitempty"`
	ReversalReference  string `json:"reversal_reference,omitempty"`
	GenericAvailable   *bool  `json:"generic_available,omitempty"`
	DAWCode            string `json:"daw_code,omitempty"`

	// Extra holds tenant-specific columns that have no dedicated field
	Extra map[string]any `json:"extra,omitempty"`
}

// UnmarshalJSON accepts claim dates either as YYYY-MM-DD or RFC 3339 timestamps
func (c *Claim) UnmarshalJSON(data []byte) error {
	type plain Claim
	aux := struct {
		*plain
		FillDate     *string `json:"fill_date,omitempty"`
		SubmittedAt  *string `json:"submitted_at,omitempty"`
		ReversalDate *string `json:"reversal_date,omitempty"`
	}{plain: (*plain)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if c.FillDate, err = parseOptionalDate("fill_date", aux.FillDate); err != nil {
		return err
	}
	if c.SubmittedAt, err = parseOptionalDate("submitted_at", aux.SubmittedAt); err != nil {
		return err
	}
	if c.ReversalDate, err = parseOptionalDate("reversal_date", aux.ReversalDate); err != nil {
		return err
	}
	return nil
}

func parseOptionalDate(field string, s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, ok := ParseDate(*s)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, *s)
	}
	return &t, nil
}

// ParseDate parses YYYY-MM-DD or an RFC 3339 timestamp
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Truncate reduces a timestamp to its UTC calendar day
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
