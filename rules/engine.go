package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/internal/logger"
)

// Evaluation outcomes reported to an Observer
const (
	OutcomeMatched     = "matched"
	OutcomeNoMatch     = "no_match"
	OutcomeFault       = "fault"
	OutcomeUnknownKind = "unknown_kind"
	OutcomeLookupError = "lookup_error"
)

// Observer receives one call per evaluated (claim, rule) pair
type Observer interface {
	ObserveEvaluation(tenantID string, kind LogicKind, outcome string, elapsed time.Duration)
}

// Engine dispatches rules to their logic-kind evaluators and manages one tenant's rule set.
// Evaluate is safe for concurrent use; the only shared state is the compiled CEL program cache.
type Engine struct {
	tenantID      string
	store         RuleStore
	cache         RulesCache
	evaluators    map[LogicKind]Evaluator
	env           *Env
	log           *slog.Logger
	observer      Observer
	slowThreshold time.Duration
	mu            sync.RWMutex

	// cacheGen counts rule mutations. A refill read under an older generation
	// is returned to its caller but never stored.
	cacheGen  uint64
	cacheMu   sync.Mutex
	refilling singleflight.Group
}

// Option configures an Engine
type Option func(*Engine)

// WithTenant scopes the engine to a tenant; rules added through it are stamped with the ID
func WithTenant(tenantID string) Option {
	return func(en *Engine) { en.tenantID = tenantID }
}

// WithLookup sets the claim lookup used by cross-record logic kinds
func WithLookup(l claims.Lookup) Option {
	return func(en *Engine) { en.env.Lookup = l }
}

// WithReferenceLists sets the reference lists used by IN_LIST
func WithReferenceLists(l claims.ReferenceLists) Option {
	return func(en *Engine) { en.env.Lists = l }
}

// WithClock overrides the clock behind DATE_COMPARE_TODAY and the CEL today variable
func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.env.Now = now }
}

// WithCache replaces the active-rules cache
func WithCache(c RulesCache) Option {
	return func(en *Engine) { en.cache = c }
}

// WithLogger sets the engine's logger
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) { en.log = l }
}

// WithObserver registers an evaluation observer, typically the metrics collector
func WithObserver(o Observer) Option {
	return func(en *Engine) { en.observer = o }
}

// WithSlowThreshold warns about evaluations slower than d; zero disables the check
func WithSlowThreshold(d time.Duration) Option {
	return func(en *Engine) { en.slowThreshold = d }
}

// WithEvaluator registers or replaces the evaluator for a logic kind
func WithEvaluator(kind LogicKind, ev Evaluator) Option {
	return func(en *Engine) { en.evaluators[NormalizeKind(kind, nil)] = ev }
}

// NewEngine creates an engine over store and precompiles its active CEL rules
func NewEngine(store RuleStore, opts ...Option) (*Engine, error) {
	programs, err := newProgramCache()
	if err != nil {
		return nil, err
	}

	en := &Engine{
		store:      store,
		cache:      NewInMemoryRulesCache(DefaultCacheConfig()),
		evaluators: defaultRegistry(),
		env:        &Env{programs: programs},
	}
	for _, opt := range opts {
		opt(en)
	}
	if en.log == nil {
		en.log = logger.Logger
	}
	if en.tenantID != "" {
		en.log = en.log.With("tenant_id", en.tenantID)
	}

	if err := en.CompileAllRules(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return en, nil
}

// TenantID returns the tenant the engine serves
func (en *Engine) TenantID() string {
	return en.tenantID
}

// CompileAllRules warms the CEL program cache and the active-rules cache.
// Rules that fail to compile are logged and left to evaluate as diagnostic no-matches.
func (en *Engine) CompileAllRules(ctx context.Context) error {
	gen := en.generation()
	active, err := en.store.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, r := range active {
		if r.Kind() != KindCEL {
			continue
		}
		expr := Params(r.Parameters).String("expression", "")
		if _, err := en.env.programs.program(r, expr); err != nil {
			en.log.Warn("rule does not compile", "rule_id", r.ID, "error", err)
		}
	}

	en.storeActive(gen, active)
	return nil
}

// CompiledPrograms returns the number of cached CEL programs
func (en *Engine) CompiledPrograms() int {
	return en.env.programs.size()
}

func (en *Engine) evaluator(kind LogicKind) (Evaluator, bool) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	ev, ok := en.evaluators[kind]
	return ev, ok
}

// Evaluate runs one rule against one claim.
// The only error returned is a claim lookup failure (wrapping *claims.LookupError);
// every other problem is reported as a no-match whose explanation says why.
func (en *Engine) Evaluate(ctx context.Context, c *claims.Claim, r *Rule) (*EvaluationResult, error) {
	if r == nil {
		return &EvaluationResult{Explanation: faultExplanation(&Rule{}, "", "rule is nil")}, nil
	}

	start := time.Now()
	kind := r.Kind()
	result := &EvaluationResult{
		RuleID:      r.ID,
		RuleName:    r.Name,
		RuleVersion: r.Version,
		LogicKind:   kind,
		Severity:    r.Severity,
		Category:    r.Category,
		Recoupable:  r.Recoupable,
	}

	outcome, err := en.dispatch(ctx, c, r, kind, result)
	elapsed := time.Since(start)
	if en.observer != nil {
		en.observer.ObserveEvaluation(en.tenantID, kind, outcome, elapsed)
	}
	if en.slowThreshold > 0 && elapsed > en.slowThreshold {
		logger.WarnSlowEvaluation()
		en.log.Warn("slow rule evaluation", "rule_id", r.ID, "logic_kind", kind, "elapsed", elapsed)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (en *Engine) dispatch(ctx context.Context, c *claims.Claim, r *Rule, kind LogicKind, result *EvaluationResult) (string, error) {
	ev, ok := en.evaluator(kind)
	if !ok {
		msg := fmt.Sprintf("unknown logic kind %q", string(kind))
		result.Explanation = buildExplanation(r, kind, Outcome{
			Summary: msg,
			Details: map[string]any{"diagnostic": msg},
		})
		return OutcomeUnknownKind, nil
	}
	if c == nil {
		result.Explanation = faultExplanation(r, kind, "claim is nil")
		return OutcomeFault, nil
	}

	o, err := safeEvaluate(ctx, ev, Input{Claim: c, Rule: r, Params: Params(r.Parameters), Env: en.env})

	var lookupErr *claims.LookupError
	switch {
	case errors.As(err, &lookupErr):
		logger.ErrorLookup()
		en.log.Error("claim lookup failed", "rule_id", r.ID, "claim_id", c.ClaimID, "error", err)
		return OutcomeLookupError, fmt.Errorf("evaluate rule %s: %w", r.ID, err)

	case err != nil:
		logger.WarnEvaluationFault()
		en.log.Warn("rule evaluation fault", "rule_id", r.ID, "claim_id", c.ClaimID, "error", err)
		result.Explanation = faultExplanation(r, kind, err.Error())
		return OutcomeFault, nil
	}

	result.Matched = o.Matched
	result.Explanation = buildExplanation(r, kind, o)
	if len(o.Fields) > 0 {
		result.Fields = make(map[string]any, len(o.Fields))
		for k, v := range o.Fields {
			result.Fields[k] = jsonValue(v)
		}
	}
	if o.Matched {
		return OutcomeMatched, nil
	}
	return OutcomeNoMatch, nil
}

// safeEvaluate converts an evaluator panic into an error
func safeEvaluate(ctx context.Context, ev Evaluator, in Input) (o Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			o = Outcome{}
			err = fmt.Errorf("evaluator panic: %v", p)
		}
	}()
	return ev.Evaluate(ctx, in)
}

// EvaluateByID loads a rule and evaluates it against the claim
func (en *Engine) EvaluateByID(ctx context.Context, c *claims.Claim, ruleID string) (*EvaluationResult, error) {
	r, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return en.Evaluate(ctx, c, r)
}

// EvaluateAll evaluates every active rule. Rules whose lookups fail are left out of the
// results and their errors are joined; the remaining rules are still evaluated.
func (en *Engine) EvaluateAll(ctx context.Context, c *claims.Claim) ([]*EvaluationResult, error) {
	active, err := en.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*EvaluationResult, 0, len(active))
	var errs []error
	for _, r := range active {
		res, err := en.Evaluate(ctx, c, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// ActiveRules returns the active rule set, served from cache between mutations
func (en *Engine) ActiveRules(ctx context.Context) ([]*Rule, error) {
	if cached := en.cache.Get(); cached != nil {
		return cached, nil
	}

	gen := en.generation()
	v, err, _ := en.refilling.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		active, err := en.store.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		en.storeActive(gen, active)
		return active, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneRules(v.([]*Rule)), nil
}

func (en *Engine) generation() uint64 {
	en.cacheMu.Lock()
	defer en.cacheMu.Unlock()
	return en.cacheGen
}

// storeActive caches rules listed under gen unless a mutation has happened since
func (en *Engine) storeActive(gen uint64, active []*Rule) {
	en.cacheMu.Lock()
	defer en.cacheMu.Unlock()
	if gen == en.cacheGen {
		en.cache.Set(active)
	}
}

// invalidate must run after the store write so a refill started later sees it
func (en *Engine) invalidate() {
	en.cacheMu.Lock()
	defer en.cacheMu.Unlock()
	en.cacheGen++
	en.cache.Invalidate()
}

func cloneRules(in []*Rule) []*Rule {
	out := make([]*Rule, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// AddRule validates and stores a new rule at version 1
func (en *Engine) AddRule(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if en.tenantID != "" {
		r.TenantID = en.tenantID
	}
	r.LogicKind = r.Kind()
	if err := ValidateRule(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	r.Version = 1
	if err := en.store.Add(ctx, r); err != nil {
		return err
	}

	en.invalidate()
	en.log.Info("rule added", "rule_id", r.ID, "logic_kind", r.LogicKind)
	return nil
}

// UpdateRule replaces a rule. The version is bumped only when the logic kind or
// parameters change; renames and activation toggles keep the current version.
func (en *Engine) UpdateRule(ctx context.Context, r *Rule) error {
	existing, err := en.store.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if en.tenantID != "" {
		r.TenantID = en.tenantID
	}
	r.LogicKind = r.Kind()
	if err := ValidateRule(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	r.Version = existing.Version
	if definitionChanged(existing, r) {
		r.Version++
	}
	if err := en.store.Update(ctx, r); err != nil {
		return err
	}

	en.env.programs.forget(r.ID)
	en.invalidate()
	en.log.Info("rule updated", "rule_id", r.ID, "version", r.Version)
	return nil
}

// SetActive enables or disables a rule without changing its version
func (en *Engine) SetActive(ctx context.Context, ruleID string, active bool) (*Rule, error) {
	r, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	r.Active = active
	if err := en.store.Update(ctx, r); err != nil {
		return nil, err
	}
	en.invalidate()
	return r, nil
}

// DeleteRule removes a rule and its compiled program
func (en *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	if err := en.store.Delete(ctx, ruleID); err != nil {
		return err
	}
	en.env.programs.forget(ruleID)
	en.invalidate()
	return nil
}

// GetRule returns a rule by ID
func (en *Engine) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	return en.store.Get(ctx, ruleID)
}

// ListRules returns every rule, active or not
func (en *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return en.store.List(ctx)
}

// RuleVersions returns a rule's definition history, newest first
func (en *Engine) RuleVersions(ctx context.Context, ruleID string) ([]*RuleVersion, error) {
	return en.store.Versions(ctx, ruleID)
}

func definitionChanged(before, after *Rule) bool {
	if before.Kind() != after.Kind() {
		return true
	}
	a, errA := json.Marshal(before.Parameters)
	b, errB := json.Marshal(after.Parameters)
	if errA != nil || errB != nil {
		return true
	}
	return string(a) != string(b)
}
