package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/liamcoop/claimrules/claims"
)

// celCostLimit bounds the work a single tenant expression may do
const celCostLimit = 1000000

// newCELEnv declares the claim as a dynamic map plus today's date
func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("claim", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("today", cel.TimestampType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// programCache holds compiled CEL programs keyed by rule ID and version
type programCache struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

func newProgramCache() (*programCache, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	return &programCache{env: env, programs: make(map[string]cel.Program)}, nil
}

func programKey(r *Rule) string {
	return r.ID + "@" + strconv.Itoa(r.Version)
}

// compile type-checks an expression and builds a cost-limited program
func (pc *programCache) compile(expression string) (cel.Program, error) {
	ast, issues := pc.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prog, err := pc.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// program returns the cached program for a rule, compiling it on first use.
// Unsaved rules have no ID and are compiled without caching.
func (pc *programCache) program(r *Rule, expression string) (cel.Program, error) {
	if r.ID == "" {
		return pc.compile(expression)
	}
	key := programKey(r)

	pc.mu.RLock()
	prog, ok := pc.programs[key]
	pc.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := pc.compile(expression)
	if err != nil {
		return nil, err
	}

	pc.mu.Lock()
	pc.programs[key] = prog
	pc.mu.Unlock()
	return prog, nil
}

// forget drops every cached program of a rule
func (pc *programCache) forget(ruleID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	prefix := ruleID + "@"
	for key := range pc.programs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(pc.programs, key)
		}
	}
}

func (pc *programCache) size() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.programs)
}

func evalCEL(_ context.Context, in Input) (Outcome, error) {
	expression := in.Params.String("expression", "")
	if expression == "" {
		return invalid(errors.New("expression is required")), nil
	}
	if in.Env == nil || in.Env.programs == nil {
		return Outcome{}, errors.New("CEL programs are not configured")
	}

	prog, err := in.Env.programs.program(in.Rule, expression)
	if err != nil {
		return invalid(err), nil
	}

	fields := claims.Fields(in.Claim)
	out, _, err := prog.Eval(map[string]any{
		"claim": fields,
		"today": in.Env.today(),
	})
	details := map[string]any{"expression": expression}
	if err != nil {
		details["diagnostic"] = err.Error()
		return Outcome{Summary: fmt.Sprintf("expression could not be evaluated: %v", err), Details: details}, nil
	}

	matched, ok := out.Value().(bool)
	if !ok {
		details["diagnostic"] = fmt.Sprintf("expression returned %T, not bool", out.Value())
		return Outcome{Summary: "expression did not return a boolean", Details: details}, nil
	}
	if matched {
		return Outcome{Matched: true, Summary: "expression matched: " + expression, Details: details, Fields: fields}, nil
	}
	return Outcome{Summary: "expression did not match", Details: details, Fields: fields}, nil
}

// ValidateExpression compiles a CEL expression without caching it
func ValidateExpression(expression string) error {
	pc, err := newProgramCache()
	if err != nil {
		return err
	}
	_, err = pc.compile(expression)
	return err
}
