package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liamcoop/claimrules/rules"
)

// storeSeed names claims and rules that already exist for the stores under test
type storeSeed struct {
	tenantA, tenantB string
	claimsA          []string
	rulesA           []string
	claimB, ruleB    string
}

func memorySeed() storeSeed {
	return storeSeed{
		tenantA: "tenant-a",
		tenantB: "tenant-b",
		claimsA: []string{"claim-1", "claim-2"},
		rulesA:  []string{"rule-1", "rule-2"},
		claimB:  "claim-b",
		ruleB:   "rule-b",
	}
}

func testFlag(tenantID, claimID, ruleID, runID string, at time.Time) *FlaggedClaim {
	return &FlaggedClaim{
		TenantID:    tenantID,
		ClaimID:     claimID,
		ClaimNumber: "RX-" + claimID,
		RuleID:      ruleID,
		RuleName:    "rule " + ruleID,
		RuleVersion: 1,
		LogicKind:   rules.KindThreshold,
		Severity:    rules.SeverityFinancial,
		Category:    rules.CategoryPricing,
		Recoupable:  true,
		Explanation: rules.Explanation{"rule_id": ruleID, "matched": true, "summary": "paid over limit"},
		Fields:      map[string]any{"paid_amount": 950.0},
		RunID:       runID,
		FlaggedAt:   at,
	}
}

func runFlagStoreSuite(t *testing.T, flags FlagStore, runs RunStore, seed storeSeed) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	run := &AuditRun{TenantID: seed.tenantA, Status: StatusRunning, StartedAt: base}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	saved := []*FlaggedClaim{
		testFlag(seed.tenantA, seed.claimsA[0], seed.rulesA[0], run.ID, base),
		testFlag(seed.tenantA, seed.claimsA[0], seed.rulesA[1], run.ID, base.Add(time.Minute)),
		testFlag(seed.tenantA, seed.claimsA[1], seed.rulesA[0], "", base.Add(2*time.Minute)),
		testFlag(seed.tenantB, seed.claimB, seed.ruleB, "", base),
	}
	for _, f := range saved {
		if err := flags.Save(ctx, f); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
		if f.ID == "" {
			t.Fatal("Save() should assign an ID")
		}
	}

	t.Run("duplicate pair", func(t *testing.T) {
		dup := testFlag(seed.tenantA, seed.claimsA[0], seed.rulesA[0], "", base)
		if err := flags.Save(ctx, dup); !errors.Is(err, ErrFlagExists) {
			t.Errorf("Save(duplicate) = %v, want ErrFlagExists", err)
		}
	})

	t.Run("existing pairs", func(t *testing.T) {
		pairs, err := flags.ExistingPairs(ctx, seed.tenantA, []string{seed.claimsA[0], seed.claimB})
		if err != nil {
			t.Fatalf("ExistingPairs() failed: %v", err)
		}
		if len(pairs) != 2 {
			t.Errorf("ExistingPairs() = %v, want the two pairs of %s", pairs, seed.claimsA[0])
		}
		if !pairs[Pair{ClaimID: seed.claimsA[0], RuleID: seed.rulesA[1]}] {
			t.Error("missing pair for the second rule")
		}
		empty, err := flags.ExistingPairs(ctx, seed.tenantA, nil)
		if err != nil || len(empty) != 0 {
			t.Errorf("ExistingPairs(nil) = %v, %v", empty, err)
		}
	})

	t.Run("get", func(t *testing.T) {
		got, err := flags.Get(ctx, seed.tenantA, saved[0].ID)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got.ClaimNumber != "RX-"+seed.claimsA[0] || got.Severity != rules.SeverityFinancial || !got.Recoupable {
			t.Errorf("unexpected flag: %+v", got)
		}
		if got.Explanation.Summary() != "paid over limit" || got.Fields["paid_amount"] != 950.0 {
			t.Errorf("explanation or fields lost: %v %v", got.Explanation, got.Fields)
		}
		if _, err := flags.Get(ctx, seed.tenantB, saved[0].ID); !errors.Is(err, ErrFlagNotFound) {
			t.Errorf("Get() across tenants = %v, want ErrFlagNotFound", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		reviewed := false
		tests := []struct {
			name   string
			filter FlagFilter
			want   []string
		}{
			{"tenant newest first", FlagFilter{TenantID: seed.tenantA}, []string{saved[2].ID, saved[1].ID, saved[0].ID}},
			{"by rule", FlagFilter{TenantID: seed.tenantA, RuleID: seed.rulesA[0]}, []string{saved[2].ID, saved[0].ID}},
			{"by run", FlagFilter{TenantID: seed.tenantA, RunID: run.ID}, []string{saved[1].ID, saved[0].ID}},
			{"by claim", FlagFilter{TenantID: seed.tenantA, ClaimID: seed.claimsA[1]}, []string{saved[2].ID}},
			{"unreviewed", FlagFilter{TenantID: seed.tenantB, Reviewed: &reviewed}, []string{saved[3].ID}},
			{"paged", FlagFilter{TenantID: seed.tenantA, Limit: 1, Offset: 1}, []string{saved[1].ID}},
			{"past the end", FlagFilter{TenantID: seed.tenantA, Offset: 10}, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := flags.List(ctx, tt.filter)
				if err != nil {
					t.Fatalf("List() failed: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("List() returned %d flags, want %d", len(got), len(tt.want))
				}
				for i, f := range got {
					if f.ID != tt.want[i] {
						t.Errorf("List()[%d] = %s, want %s", i, f.ID, tt.want[i])
					}
				}
			})
		}
	})

	t.Run("mark reviewed", func(t *testing.T) {
		got, err := flags.MarkReviewed(ctx, seed.tenantA, saved[1].ID, "auditor@example.com", "confirmed overpayment")
		if err != nil {
			t.Fatalf("MarkReviewed() failed: %v", err)
		}
		if !got.Reviewed || got.ReviewedBy != "auditor@example.com" || got.ReviewedAt == nil {
			t.Errorf("flag not reviewed: %+v", got)
		}
		if got.ReviewNote != "confirmed overpayment" {
			t.Errorf("note = %q", got.ReviewNote)
		}

		done := true
		list, _ := flags.List(ctx, FlagFilter{TenantID: seed.tenantA, Reviewed: &done})
		if len(list) != 1 || list[0].ID != saved[1].ID {
			t.Errorf("reviewed filter returned %v", list)
		}
		if _, err := flags.MarkReviewed(ctx, seed.tenantB, saved[0].ID, "x", ""); !errors.Is(err, ErrFlagNotFound) {
			t.Errorf("MarkReviewed() across tenants = %v, want ErrFlagNotFound", err)
		}
	})
}

func runRunStoreSuite(t *testing.T, runs RunStore, tenantA, tenantB string) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	older := &AuditRun{TenantID: tenantA, Status: StatusRunning, StartedAt: base}
	newer := &AuditRun{TenantID: tenantA, IngestionID: "batch-7", Status: StatusRunning, StartedAt: base.Add(time.Hour)}
	other := &AuditRun{TenantID: tenantB, Status: StatusRunning, StartedAt: base}
	for _, r := range []*AuditRun{older, newer, other} {
		if err := runs.Create(ctx, r); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	completed := base.Add(90 * time.Second)
	older.Status = StatusCompletedWithErrors
	older.ClaimsProcessed = 10
	older.RulesExecuted = 3
	older.FlagsGenerated = 4
	older.SkippedExisting = 1
	older.ErrorCount = 2
	older.ErrorMessages = []string{"claim RX-1: lookup failed", "claim RX-2: lookup failed"}
	older.CompletedAt = &completed
	if err := runs.Finish(ctx, older); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}

	got, err := runs.Get(ctx, tenantA, older.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != StatusCompletedWithErrors || got.FlagsGenerated != 4 || got.SkippedExisting != 1 {
		t.Errorf("unexpected run: %+v", got)
	}
	if len(got.ErrorMessages) != 2 || got.Duration() != 90*time.Second {
		t.Errorf("messages=%v duration=%s", got.ErrorMessages, got.Duration())
	}
	if _, err := runs.Get(ctx, tenantB, older.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get() across tenants = %v, want ErrRunNotFound", err)
	}

	ghost := &AuditRun{ID: "00000000-0000-0000-0000-000000000000", TenantID: tenantA, StartedAt: base}
	if err := runs.Finish(ctx, ghost); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Finish(unknown) = %v, want ErrRunNotFound", err)
	}

	list, err := runs.List(ctx, RunFilter{TenantID: tenantA})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[0].IngestionID != "batch-7" {
		t.Errorf("List() should return newest first, got %+v", list)
	}
	running, _ := runs.List(ctx, RunFilter{TenantID: tenantA, Status: StatusRunning})
	if len(running) != 1 || running[0].ID != newer.ID {
		t.Errorf("status filter returned %+v", running)
	}
	limited, _ := runs.List(ctx, RunFilter{TenantID: tenantA, Limit: 1})
	if len(limited) != 1 {
		t.Errorf("List(limit 1) returned %d runs", len(limited))
	}
}

func TestInMemoryFlagStore(t *testing.T) {
	runFlagStoreSuite(t, NewInMemoryFlagStore(), NewInMemoryRunStore(), memorySeed())
}

func TestInMemoryRunStore(t *testing.T) {
	runRunStoreSuite(t, NewInMemoryRunStore(), "tenant-a", "tenant-b")
}

func TestInMemoryFlagStore_CopiesOnWrite(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryFlagStore()
	f := testFlag("t1", "c1", "r1", "", time.Now())
	if err := store.Save(ctx, f); err != nil {
		t.Fatal(err)
	}
	f.Explanation["summary"] = "mutated"
	f.Fields["paid_amount"] = 1.0

	got, _ := store.Get(ctx, "t1", f.ID)
	if got.Explanation.Summary() != "paid over limit" || got.Fields["paid_amount"] != 950.0 {
		t.Errorf("store shares state with the caller: %v %v", got.Explanation, got.Fields)
	}
}
