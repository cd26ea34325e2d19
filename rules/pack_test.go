package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/liamcoop/claimrules/claims"
)

const samplePack = `
name: opioid-audit
rules:
  - id: high-quantity
    name: High opioid quantity
    logic_kind: THRESHOLD
    severity: COMPLIANCE
    active: true
    parameters:
      logic: AND
      conditions:
        - field: drug_class
          op: "=="
          value: OPIOID
        - field: quantity
          op: ">"
          value: 120
  - name: Plan eligibility
    logic_kind: NOT_IN_LIST
    active: true
    parameters:
      field: plan_id
      allowed_values: [PLANA, PLANB]
`

func TestPackFromYAML(t *testing.T) {
	p, err := PackFromYAML([]byte(samplePack))
	if err != nil {
		t.Fatalf("PackFromYAML() failed: %v", err)
	}
	if p.Name != "opioid-audit" || len(p.Rules) != 2 {
		t.Fatalf("unexpected pack: %+v", p)
	}
	if p.Rules[1].ID != "rule-2" {
		t.Errorf("unnamed rule got ID %q", p.Rules[1].ID)
	}
	if p.Rules[0].Version != 1 {
		t.Errorf("version = %d, want 1", p.Rules[0].Version)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	// integers decoded from YAML are normalized the way JSON would decode them
	conds := p.Rules[0].Parameters["conditions"].([]any)
	if v := conds[1].(map[string]any)["value"]; v != 120.0 {
		t.Errorf("value = %#v, want float64 120", v)
	}

	en := newTestEngine(t, nil)
	c := &claims.Claim{ClaimID: "C1", DrugClass: "OPIOID", Quantity: claims.Ptr(180.0), PlanID: "PLANC"}
	for _, r := range p.Rules {
		res, err := en.Evaluate(context.Background(), c, r)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Matched {
			t.Errorf("rule %s should match: %s", r.ID, res.Explanation.Summary())
		}
	}
}

func TestPackErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"duplicate ids", "rules:\n  - id: a\n    name: a\n  - id: a\n    name: b\n", "duplicate rule id"},
		{"malformed yaml", "rules: [", "parse rule pack"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PackFromYAML([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("PackFromYAML() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	p, err := PackFromYAML([]byte("rules:\n  - id: x\n    name: x\n    logic_kind: REGEX\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(); err == nil || !strings.Contains(err.Error(), "rule x") {
		t.Errorf("Validate() = %v, want error naming rule x", err)
	}
}

func TestLoadPack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	if err := os.WriteFile(path, []byte(samplePack), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPack(path)
	if err != nil {
		t.Fatalf("LoadPack() failed: %v", err)
	}
	if len(p.Rules) != 2 {
		t.Errorf("LoadPack() returned %d rules", len(p.Rules))
	}

	if _, err := LoadPack(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadPack() on a missing file should fail")
	}
}
