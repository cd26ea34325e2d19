package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/internal/logger"
	"github.com/liamcoop/claimrules/rules"
)

const tenant = "t1"

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
	flags    int
}

func (o *recordingObserver) ObserveRun(_ string, status string, flags int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
	o.flags += flags
}

type failingLookup struct{}

func (failingLookup) FindClaims(context.Context, claims.Query) ([]*claims.Claim, error) {
	return nil, errors.New("connection reset")
}

type fixture struct {
	claims *claims.MemoryStore
	flags  *InMemoryFlagStore
	runs   *InMemoryRunStore
	engine *rules.Engine
	runner *Runner
	obs    *recordingObserver
}

func newFixture(t *testing.T, engineOpts ...rules.Option) *fixture {
	t.Helper()
	f := &fixture{
		claims: claims.NewMemoryStore(),
		flags:  NewInMemoryFlagStore(),
		runs:   NewInMemoryRunStore(),
		obs:    &recordingObserver{},
	}
	opts := append([]rules.Option{
		rules.WithTenant(tenant),
		rules.WithLookup(f.claims),
		rules.WithReferenceLists(f.claims),
	}, engineOpts...)
	eng, err := rules.NewEngine(rules.NewInMemoryRuleStore(), opts...)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	f.engine = eng
	f.runner = NewRunner(f.claims, f.flags, f.runs, WithWorkers(4), WithRunObserver(f.obs))
	return f
}

func (f *fixture) addClaims(t *testing.T, batch string, quantities ...float64) {
	t.Helper()
	for i, q := range quantities {
		c := &claims.Claim{
			TenantID:    tenant,
			IngestionID: batch,
			ClaimID:     fmt.Sprintf("%s-%d", batch, i),
			PatientID:   fmt.Sprintf("P%d", i),
			Quantity:    claims.Ptr(q),
		}
		if err := f.claims.Add(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) addRule(t *testing.T, r *rules.Rule) {
	t.Helper()
	r.Active = true
	if err := f.engine.AddRule(context.Background(), r); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
}

func quantityRule(limit float64) *rules.Rule {
	return &rules.Rule{
		Name:       fmt.Sprintf("quantity over %v", limit),
		LogicKind:  rules.KindThreshold,
		Parameters: map[string]any{"field": "quantity", "op": ">", "value": limit},
		Severity:   rules.SeverityCompliance,
	}
}

func TestRun_FlagsMatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addClaims(t, "b1", 10, 200, 500)
	f.addRule(t, quantityRule(100))
	f.addRule(t, quantityRule(300))

	run, err := f.runner.Run(ctx, f.engine, RunRequest{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if run.ClaimsProcessed != 3 || run.RulesExecuted != 2 || run.FlagsGenerated != 3 {
		t.Errorf("run = %+v", run)
	}
	if run.CompletedAt == nil || run.Duration() < 0 {
		t.Error("run should be completed")
	}

	flags, _ := f.flags.List(ctx, FlagFilter{TenantID: tenant, RunID: run.ID})
	if len(flags) != 3 {
		t.Fatalf("stored %d flags, want 3", len(flags))
	}
	for _, fl := range flags {
		if fl.RuleVersion != 1 || fl.ClaimNumber == "" || fl.Severity != rules.SeverityCompliance {
			t.Errorf("incomplete flag: %+v", fl)
		}
		if !fl.Explanation.Matched() {
			t.Errorf("flag explanation should record the match: %v", fl.Explanation)
		}
	}

	stored, err := f.runs.Get(ctx, tenant, run.ID)
	if err != nil || stored.Status != StatusCompleted || stored.FlagsGenerated != 3 {
		t.Errorf("stored run = %+v, %v", stored, err)
	}
	if len(f.obs.statuses) != 1 || f.obs.flags != 3 {
		t.Errorf("observer saw %v with %d flags", f.obs.statuses, f.obs.flags)
	}
}

func TestRun_SkipsAlreadyFlaggedPairs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addClaims(t, "b1", 200, 200)
	f.addRule(t, quantityRule(100))

	first, err := f.runner.Run(ctx, f.engine, RunRequest{})
	if err != nil || first.FlagsGenerated != 2 {
		t.Fatalf("first run = %+v, %v", first, err)
	}

	second, err := f.runner.Run(ctx, f.engine, RunRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if second.FlagsGenerated != 0 || second.SkippedExisting != 2 {
		t.Errorf("second run flags=%d skipped=%d, want 0 and 2", second.FlagsGenerated, second.SkippedExisting)
	}

	all, _ := f.flags.List(ctx, FlagFilter{TenantID: tenant})
	if len(all) != 2 {
		t.Errorf("flags after two runs = %d, want 2", len(all))
	}
}

func TestRun_IngestionScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addClaims(t, "b1", 200)
	f.addClaims(t, "b2", 200, 300)
	f.addRule(t, quantityRule(100))

	run, err := f.runner.Run(ctx, f.engine, RunRequest{IngestionID: "b2"})
	if err != nil {
		t.Fatal(err)
	}
	if run.ClaimsProcessed != 2 || run.FlagsGenerated != 2 || run.IngestionID != "b2" {
		t.Errorf("run = %+v", run)
	}

	limited, _ := f.runner.Run(ctx, f.engine, RunRequest{IngestionID: "b1", Limit: 1})
	if limited.ClaimsProcessed != 1 {
		t.Errorf("limited run processed %d claims", limited.ClaimsProcessed)
	}
}

func TestRun_EmptyInputs(t *testing.T) {
	ctx := context.Background()

	noClaims := newFixture(t)
	noClaims.addRule(t, quantityRule(1))
	run, err := noClaims.runner.Run(ctx, noClaims.engine, RunRequest{})
	if err != nil || run.Status != StatusNoClaims {
		t.Errorf("run without claims = %s, %v", run.Status, err)
	}

	noRules := newFixture(t)
	noRules.addClaims(t, "b1", 5)
	run, err = noRules.runner.Run(ctx, noRules.engine, RunRequest{})
	if err != nil || run.Status != StatusNoRules {
		t.Errorf("run without rules = %s, %v", run.Status, err)
	}
	if run.CompletedAt == nil {
		t.Error("empty runs are still completed")
	}
}

func TestRun_LookupFailuresAreRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rules.WithLookup(failingLookup{}))
	f.addClaims(t, "b1", 200, 200)
	f.addRule(t, quantityRule(100))
	f.addRule(t, &rules.Rule{
		Name:       "duplicate fill",
		LogicKind:  rules.KindDuplicate,
		Parameters: map[string]any{"keys": []any{"patient_id"}},
	})

	run, err := f.runner.Run(ctx, f.engine, RunRequest{})
	if err != nil {
		t.Fatalf("lookup failures must not fail the run: %v", err)
	}
	if run.Status != StatusCompletedWithErrors {
		t.Errorf("status = %s, want completed_with_errors", run.Status)
	}
	if run.ErrorCount != 2 || len(run.ErrorMessages) != 2 {
		t.Errorf("errors = %d %v", run.ErrorCount, run.ErrorMessages)
	}
	if !strings.Contains(run.ErrorMessages[0], "connection reset") {
		t.Errorf("error message = %q", run.ErrorMessages[0])
	}
	if run.FlagsGenerated != 2 {
		t.Errorf("threshold rule should still flag both claims, got %d", run.FlagsGenerated)
	}
}

type brokenClaims struct{}

func (brokenClaims) ListClaims(context.Context, claims.ListFilter) ([]*claims.Claim, error) {
	return nil, errors.New("database unavailable")
}

func TestRun_FailsWhenClaimsCannotBeListed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runner := NewRunner(brokenClaims{}, f.flags, f.runs, WithRunObserver(f.obs))

	run, err := runner.Run(ctx, f.engine, RunRequest{})
	if err == nil {
		t.Fatal("Run() should fail")
	}
	if run.Status != StatusFailed || run.ErrorCount != 1 {
		t.Errorf("run = %+v", run)
	}
	stored, _ := f.runs.Get(ctx, tenant, run.ID)
	if stored.Status != StatusFailed {
		t.Errorf("failed run should be persisted, got %s", stored.Status)
	}
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.addClaims(t, "b1", 200, 200, 200)
	f.addRule(t, quantityRule(100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := f.runner.Run(ctx, f.engine, RunRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if _, err := f.runs.Get(context.Background(), tenant, run.ID); err != nil {
		t.Errorf("cancelled run should still be finished in the store: %v", err)
	}
}

func TestRun_ErrorMessagesAreBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rules.WithLookup(failingLookup{}))
	quantities := make([]float64, 30)
	f.addClaims(t, "b1", quantities...)
	f.addRule(t, &rules.Rule{
		Name:       "duplicate fill",
		LogicKind:  rules.KindDuplicate,
		Parameters: map[string]any{"keys": []any{"patient_id"}},
	})

	run, _ := f.runner.Run(ctx, f.engine, RunRequest{})
	if run.ErrorCount != 30 {
		t.Errorf("ErrorCount = %d, want 30", run.ErrorCount)
	}
	if len(run.ErrorMessages) != maxErrorMessages {
		t.Errorf("kept %d messages, want %d", len(run.ErrorMessages), maxErrorMessages)
	}
}

func TestRun_FailureIsLoggedWithRunScope(t *testing.T) {
	tests := []struct {
		name   string
		source func(f *fixture) ClaimSource
		cancel bool
		reason string
	}{
		{
			name:   "claims cannot be listed",
			source: func(*fixture) ClaimSource { return brokenClaims{} },
			reason: "database unavailable",
		},
		{
			name:   "cancelled",
			source: func(f *fixture) ClaimSource { return f.claims },
			cancel: true,
			reason: context.Canceled.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addClaims(t, "b1", 200)
			f.addRule(t, quantityRule(100))

			var buf bytes.Buffer
			runner := NewRunner(tt.source(f), f.flags, f.runs,
				WithRunLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}
			failedBefore := logger.FailedRuns.Load()
			run, err := runner.Run(ctx, f.engine, RunRequest{})
			if err == nil {
				t.Fatal("Run() should fail")
			}
			if logger.FailedRuns.Load()-failedBefore != 1 {
				t.Error("failed run was not counted")
			}

			var failure map[string]any
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var entry map[string]any
				if err := json.Unmarshal([]byte(line), &entry); err != nil {
					t.Fatalf("log line is not JSON: %q", line)
				}
				if entry["msg"] == "audit run failed" {
					failure = entry
				}
			}
			if failure == nil {
				t.Fatalf("no failure logged through the run logger:\n%s", buf.String())
			}
			if failure["run_id"] != run.ID || failure["tenant_id"] != tenant {
				t.Errorf("failure log is missing run scope: %v", failure)
			}
			if msg, _ := failure["error"].(string); !strings.Contains(msg, tt.reason) {
				t.Errorf("error = %q, want it to mention %q", msg, tt.reason)
			}
		})
	}
}
