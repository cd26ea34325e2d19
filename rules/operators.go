package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/claimrules/claims"
)

// ErrUnknownOperator is returned by Compare for operator tokens outside the supported set
var ErrUnknownOperator = errors.New("unknown operator")

// Operator tokens understood by Compare
const (
	OpGT         = ">"
	OpLT         = "<"
	OpGTE        = ">="
	OpLTE        = "<="
	OpEQ         = "=="
	OpAssignEQ   = "="
	OpNE         = "!="
	OpIn         = "IN"
	OpNotIn      = "NOT_IN"
	OpContains   = "CONTAINS"
	OpStartsWith = "STARTS_WITH"
)

// ValidOperator reports whether op is one of the supported comparison tokens
func ValidOperator(op string) bool {
	switch normalizeOp(op) {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpAssignEQ, OpNE, OpIn, OpNotIn, OpContains, OpStartsWith:
		return true
	}
	return false
}

// Compare applies op to a resolved claim value and a rule-supplied expected value.
// A nil actual value never matches. Values that cannot be coerced for the operator
// are a no-match rather than an error; only an unknown operator is an error.
func Compare(actual any, op string, expected any) (bool, error) {
	op = normalizeOp(op)
	if !ValidOperator(op) {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
	if actual == nil {
		return false, nil
	}

	if at, ok := actual.(time.Time); ok {
		switch op {
		case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpAssignEQ, OpNE:
			et, ok := asDate(expected)
			if !ok {
				return false, nil
			}
			return compareOrdered(claims.Truncate(at).Compare(claims.Truncate(et)), op), nil
		}
	}

	switch op {
	case OpGT, OpLT, OpGTE, OpLTE:
		a, ok := toFloat(actual)
		if !ok {
			return false, nil
		}
		e, ok := toFloat(expected)
		if !ok {
			return false, nil
		}
		return compareOrdered(compareFloat(a, e), op), nil

	case OpEQ, OpAssignEQ, OpNE:
		equal := looseEqual(actual, expected)
		if op == OpNE {
			return !equal, nil
		}
		return equal, nil

	case OpIn, OpNotIn:
		found := false
		for _, member := range listOf(expected) {
			if memberEqual(actual, member) {
				found = true
				break
			}
		}
		if op == OpNotIn {
			return !found, nil
		}
		return found, nil

	case OpContains:
		return strings.Contains(lowerText(actual), lowerText(expected)), nil

	case OpStartsWith:
		return strings.HasPrefix(lowerText(actual), lowerText(expected)), nil
	}

	return false, nil
}

func normalizeOp(op string) string {
	return strings.ToUpper(strings.TrimSpace(op))
}

func compareOrdered(cmp int, op string) bool {
	switch op {
	case OpGT:
		return cmp > 0
	case OpLT:
		return cmp < 0
	case OpGTE:
		return cmp >= 0
	case OpLTE:
		return cmp <= 0
	case OpEQ, OpAssignEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// looseEqual compares numerically when both sides coerce, else by exact text
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return claims.Text(a) == claims.Text(b)
}

// memberEqual compares list members numerically when possible, else case-insensitively
func memberEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return lowerText(a) == lowerText(b)
}

func lowerText(v any) string {
	return strings.ToLower(strings.TrimSpace(claims.Text(v)))
}

// toFloat coerces numbers and numeric strings
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// asDate reads a date from a time value or a YYYY-MM-DD string
func asDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(claims.DateLayout, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
