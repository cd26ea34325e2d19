package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/internal/logger"
	"github.com/liamcoop/claimrules/rules"
)

// ClaimSource lists the claims a run evaluates
type ClaimSource interface {
	ListClaims(ctx context.Context, f claims.ListFilter) ([]*claims.Claim, error)
}

// RuleEvaluator is the part of rules.Engine a run needs
type RuleEvaluator interface {
	TenantID() string
	ActiveRules(ctx context.Context) ([]*rules.Rule, error)
	Evaluate(ctx context.Context, c *claims.Claim, r *rules.Rule) (*rules.EvaluationResult, error)
}

// RunObserver receives one call per finished run
type RunObserver interface {
	ObserveRun(tenantID, status string, flags int, elapsed time.Duration)
}

// RunRequest scopes a run. An empty IngestionID evaluates every claim of the tenant.
type RunRequest struct {
	IngestionID string
	Limit       int
}

// Runner evaluates the claim x rule product of a tenant with bounded parallelism
type Runner struct {
	claims   ClaimSource
	flags    FlagStore
	runs     RunStore
	workers  int
	observer RunObserver
	log      *slog.Logger
	now      func() time.Time
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithWorkers sets how many claims are evaluated concurrently
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRunObserver registers a run observer, typically the metrics collector
func WithRunObserver(o RunObserver) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithRunLogger sets the runner's logger
func WithRunLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// WithRunClock overrides the clock used for run and flag timestamps
func WithRunClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner over the claim source and the flag and run stores
func NewRunner(src ClaimSource, flags FlagStore, runs RunStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		claims:  src,
		flags:   flags,
		runs:    runs,
		workers: 8,
		log:     logger.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// progress is the mutable part of a run shared between workers
type progress struct {
	mu       sync.Mutex
	flags    int
	skipped  int
	errCount int
	messages []string
}

func (p *progress) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errCount++
	if len(p.messages) < maxErrorMessages {
		p.messages = append(p.messages, err.Error())
	}
}

func (p *progress) add(flags, skipped int) {
	p.mu.Lock()
	p.flags += flags
	p.skipped += skipped
	p.mu.Unlock()
}

// Run evaluates every active rule against the selected claims and persists a flag for
// each match. Pairs flagged by an earlier run are skipped. A failed lookup is recorded
// on the run and evaluation continues; the returned error is non-nil only when the
// run could not proceed at all.
func (r *Runner) Run(ctx context.Context, eng RuleEvaluator, req RunRequest) (*AuditRun, error) {
	tenantID := eng.TenantID()
	run := &AuditRun{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		IngestionID: req.IngestionID,
		Status:      StatusRunning,
		StartedAt:   r.now(),
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	log := r.log.With("tenant_id", tenantID, "run_id", run.ID)

	err := r.execute(ctx, eng, req, run, log)
	if err != nil {
		run.Status = StatusFailed
		run.ErrorCount++
		run.ErrorMessages = append(run.ErrorMessages, err.Error())
		logger.ErrorRunFailed()
		log.Error("audit run failed", "error", err)
	}

	completed := r.now()
	run.CompletedAt = &completed
	if ferr := r.runs.Finish(context.WithoutCancel(ctx), run); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if r.observer != nil {
		r.observer.ObserveRun(tenantID, string(run.Status), run.FlagsGenerated, run.Duration())
	}
	log.Info("audit run finished",
		"status", run.Status,
		"claims", run.ClaimsProcessed,
		"rules", run.RulesExecuted,
		"flags", run.FlagsGenerated,
		"skipped", run.SkippedExisting,
		"errors", run.ErrorCount)
	return run, err
}

func (r *Runner) execute(ctx context.Context, eng RuleEvaluator, req RunRequest, run *AuditRun, log *slog.Logger) error {
	batch, err := r.claims.ListClaims(ctx, claims.ListFilter{
		TenantID:    run.TenantID,
		IngestionID: req.IngestionID,
		Limit:       req.Limit,
	})
	if err != nil {
		return fmt.Errorf("list claims: %w", err)
	}
	if len(batch) == 0 {
		run.Status = StatusNoClaims
		return nil
	}

	active, err := eng.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}
	if len(active) == 0 {
		run.Status = StatusNoRules
		return nil
	}
	run.ClaimsProcessed = len(batch)
	run.RulesExecuted = len(active)
	log.Info("audit run started", "claims", len(batch), "rules", len(active))

	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	existing, err := r.flags.ExistingPairs(ctx, run.TenantID, ids)
	if err != nil {
		return err
	}

	p := &progress{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, c := range batch {
		g.Go(func() error {
			return r.evaluateClaim(gctx, eng, c, active, existing, run.ID, p)
		})
	}
	waitErr := g.Wait()

	run.FlagsGenerated = p.flags
	run.SkippedExisting = p.skipped
	run.ErrorCount = p.errCount
	run.ErrorMessages = p.messages
	if waitErr != nil {
		return waitErr
	}
	if run.ErrorCount > 0 {
		run.Status = StatusCompletedWithErrors
	} else {
		run.Status = StatusCompleted
	}
	return nil
}

func (r *Runner) evaluateClaim(ctx context.Context, eng RuleEvaluator, c *claims.Claim, active []*rules.Rule,
	existing map[Pair]bool, runID string, p *progress) error {
	flags, skipped := 0, 0
	defer func() { p.add(flags, skipped) }()

	for _, rule := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		if existing[Pair{ClaimID: c.ID, RuleID: rule.ID}] {
			skipped++
			continue
		}

		res, err := eng.Evaluate(ctx, c, rule)
		if err != nil {
			p.fail(fmt.Errorf("claim %s: %w", c.ClaimID, err))
			continue
		}
		if !res.Matched {
			continue
		}

		err = r.flags.Save(ctx, NewFlag(c, res, runID, r.now()))
		switch {
		case errors.Is(err, ErrFlagExists):
			skipped++
		case err != nil:
			p.fail(fmt.Errorf("claim %s rule %s: %w", c.ClaimID, rule.ID, err))
		default:
			flags++
		}
	}
	return nil
}
