package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/claimrules/claims"
)

// Input is everything an evaluator may look at for one (claim, rule) pair
type Input struct {
	Claim  *claims.Claim
	Rule   *Rule
	Params Params
	Env    *Env
}

// Outcome is an evaluator's raw verdict before it is normalized into an Explanation
type Outcome struct {
	Matched bool
	Summary string
	Details map[string]any
	// Fields records the claim values the evaluator consulted
	Fields map[string]any
}

// Evaluator decides whether a claim violates a rule of one logic kind.
// A returned error that wraps *claims.LookupError is passed back to the caller;
// any other error is downgraded to a no-match with a fault explanation.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Outcome, error)
}

// EvaluatorFunc adapts a plain function to Evaluator
type EvaluatorFunc func(ctx context.Context, in Input) (Outcome, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	return f(ctx, in)
}

// Env carries the collaborators shared by evaluators
type Env struct {
	Lookup claims.Lookup
	Lists  claims.ReferenceLists
	Now    func() time.Time

	programs *programCache
}

func (e *Env) today() time.Time {
	now := time.Now
	if e != nil && e.Now != nil {
		now = e.Now
	}
	return claims.Truncate(now())
}

// defaultRegistry lists every built-in logic kind
func defaultRegistry() map[LogicKind]Evaluator {
	return map[LogicKind]Evaluator{
		KindThreshold:           EvaluatorFunc(evalThreshold),
		KindDuplicate:           EvaluatorFunc(evalDuplicate),
		KindDuplicateWindow:     EvaluatorFunc(evalDuplicateWindow),
		KindEarlyRefill:         EvaluatorFunc(evalEarlyRefill),
		KindOverlap:             EvaluatorFunc(evalOverlap),
		KindCountWindow:         EvaluatorFunc(evalCountWindow),
		KindRatioRange:          EvaluatorFunc(evalRatioRange),
		KindExpressionTolerance: EvaluatorFunc(evalExpressionTolerance),
		KindFieldCompare:        EvaluatorFunc(evalFieldCompare),
		KindRegex:               EvaluatorFunc(evalRegex),
		KindDateCompareToday:    EvaluatorFunc(evalDateCompareToday),
		KindInList:              EvaluatorFunc(evalInList),
		KindNotInList:           EvaluatorFunc(evalNotInList),
		KindAnyOf:               EvaluatorFunc(evalAnyOf),
		KindJoinExists:          EvaluatorFunc(evalNotImplemented),
		KindJoinDateRange:       EvaluatorFunc(evalNotImplemented),
		KindJoinInList:          EvaluatorFunc(evalNotImplemented),
		KindCustomSQL:           EvaluatorFunc(evalCustomSQL),
		KindCEL:                 EvaluatorFunc(evalCEL),
	}
}

// BuiltinKinds returns the logic kinds the engine understands out of the box
func BuiltinKinds() []LogicKind {
	reg := defaultRegistry()
	kinds := make([]LogicKind, 0, len(reg))
	for k := range reg {
		kinds = append(kinds, k)
	}
	return kinds
}

func noMatch(summary string, details map[string]any) Outcome {
	return Outcome{Matched: false, Summary: summary, Details: details}
}

// invalid reports malformed rule parameters as a diagnostic no-match
func invalid(err error) Outcome {
	return Outcome{
		Summary: fmt.Sprintf("invalid rule parameters: %v", err),
		Details: map[string]any{"diagnostic": err.Error()},
	}
}

func lookupFailed(op string, err error) error {
	return &claims.LookupError{Op: op, Err: err}
}
