package rules

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/claimrules/claims"
)

type failingLookup struct{ err error }

func (f failingLookup) FindClaims(context.Context, claims.Query) ([]*claims.Claim, error) {
	return nil, f.err
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingObserver) ObserveEvaluation(_ string, _ LogicKind, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func TestNewEngine(t *testing.T) {
	en, err := NewEngine(NewInMemoryRuleStore())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	if en == nil {
		t.Fatal("NewEngine() should return non-nil engine")
	}
}

func TestNewEngineCompilesActiveCELRules(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	for _, r := range []*Rule{
		rule("good", KindCEL, map[string]any{"expression": `claim.quantity > 1`}),
		rule("broken", KindCEL, map[string]any{"expression": `claim.quantity >`}),
		{ID: "inactive", Name: "inactive", LogicKind: KindCEL, Parameters: map[string]any{"expression": `true`}},
		rule("threshold", KindThreshold, map[string]any{"field": "quantity", "op": ">", "value": 1}),
	} {
		if err := store.Add(ctx, r); err != nil {
			t.Fatalf("Add(%s) failed: %v", r.ID, err)
		}
	}

	// a rule that does not compile must not stop the engine from starting
	en, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	if got := en.CompiledPrograms(); got != 1 {
		t.Errorf("CompiledPrograms() = %d, want 1", got)
	}

	res, err := en.EvaluateByID(ctx, &claims.Claim{Quantity: claims.Ptr(2.0)}, "broken")
	if err != nil {
		t.Fatalf("EvaluateByID() failed: %v", err)
	}
	if res.Matched {
		t.Error("uncompilable rule must not match")
	}
}

func TestEvaluateUnknownKind(t *testing.T) {
	en := newTestEngine(t, nil)
	claimsUnderTest := []*claims.Claim{
		{ClaimID: "C1"},
		{ClaimID: "C2", IngredientCost: claims.Ptr(1e6), PatientID: "P1"},
	}

	for _, kind := range []LogicKind{"TELEPATHY", "JOIN_EVERYTHING"} {
		for _, c := range claimsUnderTest {
			res := mustEvaluate(t, en, c, rule("r", kind, map[string]any{"field": "amount"}))
			if res.Matched {
				t.Errorf("%s matched claim %s", kind, c.ClaimID)
			}
			if !strings.Contains(res.Explanation.Summary(), string(kind)) {
				t.Errorf("summary %q does not name %s", res.Explanation.Summary(), kind)
			}
		}
	}
}

func TestEvaluatorFaultsAreContained(t *testing.T) {
	tests := []struct {
		name string
		ev   Evaluator
	}{
		{"panic", EvaluatorFunc(func(context.Context, Input) (Outcome, error) {
			var m map[string]int
			m["boom"]++
			return Outcome{Matched: true}, nil
		})},
		{"error", EvaluatorFunc(func(context.Context, Input) (Outcome, error) {
			return Outcome{Matched: true}, errors.New("type coercion failed")
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			en := newTestEngine(t, nil, WithEvaluator(KindThreshold, tt.ev), WithObserver(obs))

			res, err := en.Evaluate(context.Background(), &claims.Claim{ClaimID: "C1"}, rule("r", KindThreshold, nil))
			if err != nil {
				t.Fatalf("fault escaped as error: %v", err)
			}
			if res.Matched {
				t.Error("a faulting evaluator must not flag the claim")
			}
			if _, ok := res.Explanation["fault"]; !ok {
				t.Errorf("explanation has no fault: %v", res.Explanation)
			}
			if obs.outcomes[OutcomeFault] != 1 {
				t.Errorf("observer outcomes = %v", obs.outcomes)
			}
		})
	}
}

func TestEvaluateLookupFailurePropagates(t *testing.T) {
	cause := errors.New("connection refused")
	en := newTestEngine(t, nil, WithLookup(failingLookup{err: cause}))
	c := &claims.Claim{ID: "a", TenantID: "t1", ClaimID: "A", PatientID: "P1", NDC: "N1", FillDate: claims.Date("2025-01-10"), DaysSupply: claims.Ptr(30)}

	for _, kind := range []LogicKind{KindDuplicate, KindDuplicateWindow, KindEarlyRefill, KindOverlap, KindCountWindow} {
		t.Run(string(kind), func(t *testing.T) {
			res, err := en.Evaluate(context.Background(), c, rule("r", kind, map[string]any{"keys": []any{"patient_id", "ndc"}}))
			if err == nil {
				t.Fatalf("expected lookup error, got result %v", res)
			}
			var lookupErr *claims.LookupError
			if !errors.As(err, &lookupErr) {
				t.Errorf("error %v is not a LookupError", err)
			}
			if !errors.Is(err, cause) {
				t.Errorf("error %v does not wrap the cause", err)
			}
		})
	}
}

func TestEvaluateWithoutLookupIsFault(t *testing.T) {
	en := newTestEngine(t, nil)
	c := &claims.Claim{ID: "a", TenantID: "t1", PatientID: "P1"}
	res := mustEvaluate(t, en, c, rule("r", KindDuplicate, map[string]any{"keys": []any{"patient_id"}}))
	if res.Matched {
		t.Error("missing collaborator must not flag")
	}
	if _, ok := res.Explanation["fault"]; !ok {
		t.Errorf("expected fault explanation, got %v", res.Explanation)
	}
}

func TestEvaluateNilClaim(t *testing.T) {
	en := newTestEngine(t, nil)
	res := mustEvaluate(t, en, nil, rule("r", KindThreshold, map[string]any{"field": "amount", "op": ">", "value": 1}))
	if res.Matched {
		t.Error("nil claim must not match")
	}
}

func explanationFixtures(t *testing.T) (*Engine, []*claims.Claim, []*Rule) {
	a := &claims.Claim{ID: "a", ClaimID: "A", PatientID: "P1", NDC: "N1", FillDate: claims.Date("2025-01-01"), DaysSupply: claims.Ptr(30), IngredientCost: claims.Ptr(600.0)}
	b := &claims.Claim{ID: "b", ClaimID: "B", PatientID: "P1", NDC: "N1", FillDate: claims.Date("2025-01-15"), DaysSupply: claims.Ptr(30), PlanID: "planA"}
	en := newTestEngine(t, seed(t, a, b))

	rs := []*Rule{
		rule("threshold", KindThreshold, map[string]any{"field": "amount", "op": ">", "value": 500}),
		rule("overlap", KindOverlap, map[string]any{"keys": []any{"patient_id", "ndc"}}),
		rule("early", KindEarlyRefill, map[string]any{"keys": []any{"patient_id", "ndc"}}),
		rule("count", KindCountWindow, map[string]any{"keys": []any{"patient_id"}, "max_count": 1}),
		rule("future", KindDateCompareToday, map[string]any{"field": "fill_date", "op": "<"}),
		rule("plans", KindNotInList, map[string]any{"field": "plan_id", "allowed_values": []any{"PLANA"}}),
		rule("cel", KindCEL, map[string]any{"expression": `claim.days_supply >= 30`}),
		rule("unknown", "MYSTERY", nil),
		rule("sql", KindCustomSQL, map[string]any{"sql": "SELECT 1"}),
	}
	rs[0].Code = "FIN-001"
	return en, []*claims.Claim{a, b}, rs
}

func TestEvaluateIsIdempotent(t *testing.T) {
	en, cs, rs := explanationFixtures(t)

	for _, c := range cs {
		for _, r := range rs {
			first := mustEvaluate(t, en, c, r)
			second := mustEvaluate(t, en, c, r)
			if !reflect.DeepEqual(first, second) {
				t.Errorf("claim %s rule %s: results differ\nfirst:  %v\nsecond: %v", c.ClaimID, r.ID, first, second)
			}
		}
	}
}

func TestExplanationRoundTrip(t *testing.T) {
	en, cs, rs := explanationFixtures(t)

	for _, c := range cs {
		for _, r := range rs {
			res := mustEvaluate(t, en, c, r)

			for _, key := range []string{"summary", "rule_name", "matched", "logic_kind"} {
				if _, ok := res.Explanation[key]; !ok {
					t.Errorf("rule %s: explanation lacks %s", r.ID, key)
				}
			}

			data, err := json.Marshal(res.Explanation)
			if err != nil {
				t.Fatalf("rule %s: marshal failed: %v", r.ID, err)
			}
			var back Explanation
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("rule %s: unmarshal failed: %v", r.ID, err)
			}
			if !reflect.DeepEqual(back, res.Explanation) {
				t.Errorf("rule %s: round trip changed explanation\nbefore: %#v\nafter:  %#v", r.ID, res.Explanation, back)
			}
			if back.Matched() != res.Matched {
				t.Errorf("rule %s: explanation matched %v, result matched %v", r.ID, back.Matched(), res.Matched)
			}
		}
	}
}

func TestExplanationCarriesRuleMetadata(t *testing.T) {
	en, cs, rs := explanationFixtures(t)
	res := mustEvaluate(t, en, cs[0], rs[0])

	if res.Explanation["rule_code"] != "FIN-001" {
		t.Errorf("rule_code = %v", res.Explanation["rule_code"])
	}
	if res.Explanation["rule_version"] != 1.0 {
		t.Errorf("rule_version = %v", res.Explanation["rule_version"])
	}
	if res.Fields["amount"] != 600.0 {
		t.Errorf("fields = %v", res.Fields)
	}
}

func TestEngineAddRule(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, nil)

	r := &Rule{Name: "High cost", LogicKind: "simple", Parameters: map[string]any{"field": "amount", "op": ">", "value": 500}, Active: true}
	if err := en.AddRule(ctx, r); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if r.ID == "" {
		t.Error("AddRule() should assign an ID")
	}
	if r.Version != 1 || r.TenantID != "t1" || r.LogicKind != KindThreshold {
		t.Errorf("unexpected rule after add: version=%d tenant=%s kind=%s", r.Version, r.TenantID, r.LogicKind)
	}

	got, err := en.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if got.Name != "High cost" {
		t.Errorf("stored name = %q", got.Name)
	}
}

func TestEngineAddRuleValidation(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, nil)

	invalid := []*Rule{
		{Name: "no kind", Parameters: map[string]any{}},
		{Name: "", LogicKind: KindCustomSQL},
		{Name: "bad cel", LogicKind: KindCEL, Parameters: map[string]any{"expression": "claim."}},
		{Name: "bad op", LogicKind: KindThreshold, Parameters: map[string]any{"field": "amount", "op": "~", "value": 1}},
		{Name: "bad severity", LogicKind: KindCustomSQL, Severity: "CRITICAL"},
	}
	for _, r := range invalid {
		if err := en.AddRule(ctx, r); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("AddRule(%q) = %v, want ErrInvalidRule", r.Name, err)
		}
	}

	all, err := en.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("rejected rules were stored: %d", len(all))
	}
}

func TestEngineUpdateRuleVersioning(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, nil)

	r := &Rule{ID: "qty", Name: "Quantity", LogicKind: KindThreshold, Parameters: map[string]any{"field": "quantity", "op": ">", "value": 100.0}, Active: true}
	if err := en.AddRule(ctx, r); err != nil {
		t.Fatal(err)
	}

	renamed := r.Clone()
	renamed.Name = "Quantity limit"
	if err := en.UpdateRule(ctx, renamed); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	if renamed.Version != 1 {
		t.Errorf("rename bumped version to %d", renamed.Version)
	}

	tightened := renamed.Clone()
	tightened.Parameters["value"] = 50.0
	if err := en.UpdateRule(ctx, tightened); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	if tightened.Version != 2 {
		t.Errorf("parameter change left version at %d", tightened.Version)
	}

	versions, err := en.RuleVersions(ctx, "qty")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].Version != 2 || versions[1].Version != 1 {
		t.Errorf("unexpected version history: %+v", versions)
	}
	if versions[1].Parameters["value"] != 100.0 {
		t.Errorf("history lost old parameters: %v", versions[1].Parameters)
	}

	if err := en.UpdateRule(ctx, &Rule{ID: "missing", Name: "x", LogicKind: KindCustomSQL}); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestEngineUpdateRecompilesCEL(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, nil)
	c := &claims.Claim{Quantity: claims.Ptr(150.0)}

	r := &Rule{ID: "cel", Name: "cel", LogicKind: KindCEL, Parameters: map[string]any{"expression": `claim.quantity > 100`}, Active: true}
	if err := en.AddRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	if res, _ := en.EvaluateByID(ctx, c, "cel"); !res.Matched {
		t.Fatal("expected match before update")
	}

	updated := r.Clone()
	updated.Parameters["expression"] = `claim.quantity > 200`
	if err := en.UpdateRule(ctx, updated); err != nil {
		t.Fatal(err)
	}
	res, err := en.EvaluateByID(ctx, c, "cel")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched || res.RuleVersion != 2 {
		t.Errorf("after update matched=%v version=%d", res.Matched, res.RuleVersion)
	}
}

func TestEngineEvaluateAll(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, nil)

	for _, r := range []*Rule{
		{ID: "r1", Name: "big", LogicKind: KindThreshold, Parameters: map[string]any{"field": "quantity", "op": ">", "value": 100}, Active: true},
		{ID: "r2", Name: "small", LogicKind: KindThreshold, Parameters: map[string]any{"field": "quantity", "op": "<", "value": 10}, Active: true},
		{ID: "r3", Name: "off", LogicKind: KindThreshold, Parameters: map[string]any{"field": "quantity", "op": ">", "value": 0}, Active: false},
	} {
		if err := en.AddRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	results, err := en.EvaluateAll(ctx, &claims.Claim{Quantity: claims.Ptr(150.0)})
	if err != nil {
		t.Fatalf("EvaluateAll() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 active results, got %d", len(results))
	}
	matched := map[string]bool{}
	for _, r := range results {
		matched[r.RuleID] = r.Matched
	}
	if !matched["r1"] || matched["r2"] {
		t.Errorf("unexpected verdicts: %v", matched)
	}

	if _, err := en.SetActive(ctx, "r3", true); err != nil {
		t.Fatal(err)
	}
	results, _ = en.EvaluateAll(ctx, &claims.Claim{Quantity: claims.Ptr(150.0)})
	if len(results) != 3 {
		t.Errorf("activated rule not picked up: %d results", len(results))
	}

	if err := en.DeleteRule(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	results, _ = en.EvaluateAll(ctx, &claims.Claim{Quantity: claims.Ptr(150.0)})
	if len(results) != 2 {
		t.Errorf("deleted rule still evaluated: %d results", len(results))
	}
}

func TestEngineEvaluateAllJoinsLookupErrors(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, nil, WithLookup(failingLookup{err: errors.New("timeout")}))

	for _, r := range []*Rule{
		{ID: "dup", Name: "dup", LogicKind: KindDuplicate, Parameters: map[string]any{"keys": []any{"patient_id"}}, Active: true},
		{ID: "qty", Name: "qty", LogicKind: KindThreshold, Parameters: map[string]any{"field": "quantity", "op": ">", "value": 1}, Active: true},
	} {
		if err := en.AddRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	results, err := en.EvaluateAll(ctx, &claims.Claim{TenantID: "t1", PatientID: "P1", Quantity: claims.Ptr(2.0)})
	var lookupErr *claims.LookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("expected joined lookup error, got %v", err)
	}
	if len(results) != 1 || results[0].RuleID != "qty" {
		t.Errorf("other rules should still be evaluated: %v", results)
	}
}

func TestEngineActiveRulesCache(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	en := newTestEngine(t, nil, WithCache(cache))

	if err := en.AddRule(ctx, &Rule{ID: "r1", Name: "r1", LogicKind: KindCustomSQL, Active: true}); err != nil {
		t.Fatal(err)
	}
	if cache.IsValid() {
		t.Error("AddRule should invalidate the cache")
	}

	for i := 0; i < 3; i++ {
		if _, err := en.ActiveRules(ctx); err != nil {
			t.Fatal(err)
		}
	}
	hits, _ := cache.Stats()
	if hits != 2 {
		t.Errorf("cache hits = %d, want 2", hits)
	}
}

func TestEngineConcurrentEvaluate(t *testing.T) {
	a := &claims.Claim{ID: "a", ClaimID: "A", PatientID: "P1", NDC: "N1", FillDate: claims.Date("2025-01-01"), DaysSupply: claims.Ptr(30), Quantity: claims.Ptr(240.0)}
	b := &claims.Claim{ID: "b", ClaimID: "B", PatientID: "P1", NDC: "N1", FillDate: claims.Date("2025-01-15"), DaysSupply: claims.Ptr(30), Quantity: claims.Ptr(10.0)}
	en := newTestEngine(t, seed(t, a, b))

	rs := []*Rule{
		rule("cel", KindCEL, map[string]any{"expression": `claim.quantity > 100`}),
		rule("overlap", KindOverlap, map[string]any{"keys": []any{"patient_id", "ndc"}}),
		rule("qty", KindThreshold, map[string]any{"field": "quantity", "op": ">", "value": 100}),
	}
	want := map[string]bool{"A/cel": true, "B/cel": false, "A/overlap": true, "B/overlap": true, "A/qty": true, "B/qty": false}

	var wg sync.WaitGroup
	errs := make(chan string, 600)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, c := range []*claims.Claim{a, b} {
				for _, r := range rs {
					res, err := en.Evaluate(context.Background(), c, r)
					if err != nil {
						errs <- err.Error()
						continue
					}
					if key := c.ClaimID + "/" + r.ID; res.Matched != want[key] {
						errs <- key
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Errorf("concurrent evaluation mismatch: %s", e)
	}
}

func TestEvaluateUnsavedCELRules(t *testing.T) {
	en := newTestEngine(t, nil)
	c := &claims.Claim{Quantity: claims.Ptr(50.0)}

	for _, tt := range []struct {
		expression string
		want       bool
	}{
		{`claim.quantity > 10`, true},
		{`claim.quantity > 100`, false},
	} {
		r := &Rule{Name: "draft", LogicKind: KindCEL, Parameters: map[string]any{"expression": tt.expression}}
		res, err := en.Evaluate(context.Background(), c, r)
		if err != nil {
			t.Fatal(err)
		}
		if res.Matched != tt.want {
			t.Errorf("%s matched = %v, want %v", tt.expression, res.Matched, tt.want)
		}
	}
	if got := en.CompiledPrograms(); got != 0 {
		t.Errorf("unsaved rules should not be cached, have %d programs", got)
	}
}

// pausingStore holds the first armed ListActive after it has read the store
// until release is closed
type pausingStore struct {
	RuleStore
	armed   atomic.Bool
	listed  chan struct{}
	release chan struct{}
}

func (s *pausingStore) ListActive(ctx context.Context) ([]*Rule, error) {
	active, err := s.RuleStore.ListActive(ctx)
	if s.armed.CompareAndSwap(true, false) {
		close(s.listed)
		<-s.release
	}
	return active, err
}

func TestEngineActiveRulesDropsStaleRefill(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ctx context.Context, en *Engine) error
		want   []string
	}{
		{
			name: "add",
			mutate: func(ctx context.Context, en *Engine) error {
				return en.AddRule(ctx, &Rule{ID: "r2", Name: "r2", LogicKind: KindCustomSQL, Active: true})
			},
			want: []string{"r1", "r2"},
		},
		{
			name: "deactivate",
			mutate: func(ctx context.Context, en *Engine) error {
				_, err := en.SetActive(ctx, "r1", false)
				return err
			},
			want: nil,
		},
		{
			name: "delete",
			mutate: func(ctx context.Context, en *Engine) error {
				return en.DeleteRule(ctx, "r1")
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			inner := NewInMemoryRuleStore()
			if err := inner.Add(ctx, &Rule{ID: "r1", Name: "r1", LogicKind: KindCustomSQL, Active: true, Version: 1}); err != nil {
				t.Fatal(err)
			}
			store := &pausingStore{RuleStore: inner, listed: make(chan struct{}), release: make(chan struct{})}
			en, err := NewEngine(store, WithTenant("t1"), WithCache(NewInMemoryRulesCache(DefaultCacheConfig())))
			if err != nil {
				t.Fatal(err)
			}
			en.invalidate()
			store.armed.Store(true)

			done := make(chan error, 1)
			go func() {
				_, err := en.ActiveRules(ctx)
				done <- err
			}()

			<-store.listed
			if err := tt.mutate(ctx, en); err != nil {
				t.Fatal(err)
			}
			close(store.release)
			if err := <-done; err != nil {
				t.Fatal(err)
			}

			active, err := en.ActiveRules(ctx)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, r := range active {
				got = append(got, r.ID)
			}
			sort.Strings(got)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ActiveRules() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateNilRule(t *testing.T) {
	en := newTestEngine(t, nil)
	res, err := en.Evaluate(context.Background(), &claims.Claim{ID: "a"}, nil)
	if err != nil {
		t.Fatalf("nil rule should not escape as an error: %v", err)
	}
	if res.Matched {
		t.Error("nil rule must not match")
	}
	if res.Explanation["fault"] != "rule is nil" {
		t.Errorf("expected fault explanation, got %v", res.Explanation)
	}
}
