package claims

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyFilter is returned when a lookup is attempted without any equality filter
var ErrEmptyFilter = errors.New("claim lookup requires at least one equality filter")

// ErrClaimNotFound is returned by Get for unknown claim IDs
var ErrClaimNotFound = errors.New("claim not found")

// DateFilter bounds a lookup to claims whose date field falls between Start and End.
// A nil bound is open.
type DateFilter struct {
	Field          string
	Start          *time.Time
	End            *time.Time
	StartInclusive bool
	EndInclusive   bool
}

// Contains reports whether t lies inside the filter's bounds
func (f DateFilter) Contains(t time.Time) bool {
	t = Truncate(t)
	if f.Start != nil {
		s := Truncate(*f.Start)
		if t.Before(s) || (!f.StartInclusive && t.Equal(s)) {
			return false
		}
	}
	if f.End != nil {
		e := Truncate(*f.End)
		if t.After(e) || (!f.EndInclusive && t.Equal(e)) {
			return false
		}
	}
	return true
}

// Query describes a bounded cross-claim lookup. Equals must contain at least one entry.
type Query struct {
	TenantID  string
	Equals    map[string]any
	Date      *DateFilter
	ExcludeID string
	// OrderDesc names a date field to sort newest first; empty leaves order unspecified
	OrderDesc string
	Limit     int
}

// Validate rejects unbounded queries
func (q Query) Validate() error {
	if q.TenantID == "" {
		return errors.New("claim lookup requires a tenant")
	}
	if len(q.Equals) == 0 {
		return ErrEmptyFilter
	}
	return nil
}

// Matches reports whether a claim satisfies the query's filters.
// Ordering and limits are applied by the caller.
func (q Query) Matches(c *Claim) bool {
	if c.TenantID != q.TenantID {
		return false
	}
	if q.ExcludeID != "" && c.ID == q.ExcludeID {
		return false
	}
	for field, want := range q.Equals {
		if !EqualValues(Resolve(c, field), want) {
			return false
		}
	}
	if q.Date != nil {
		t, ok := Resolve(c, q.Date.Field).(time.Time)
		if !ok || !q.Date.Contains(t) {
			return false
		}
	}
	return true
}

// Lookup finds other claims of the same tenant for cross-record rules
type Lookup interface {
	FindClaims(ctx context.Context, q Query) ([]*Claim, error)
}

// ReferenceLists answers membership questions against tenant reference lists
type ReferenceLists interface {
	InBlockedList(ctx context.Context, tenantID, value string) (bool, error)
}

// LookupError reports a failure of a lookup collaborator. It is the only failure
// class that evaluation passes back to callers.
type LookupError struct {
	Op  string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// EqualValues compares two resolved field values, numerically when both are numbers,
// by calendar day for dates, and by exact text otherwise.
func EqualValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return Truncate(ta).Equal(Truncate(tb))
		}
		if s, ok := b.(string); ok {
			tb, ok := ParseDate(s)
			return ok && Truncate(ta).Equal(Truncate(tb))
		}
		return false
	}
	fa, aok := numeric(a)
	fb, bok := numeric(b)
	if aok && bok {
		return fa == fb
	}
	return Text(a) == Text(b)
}

// Text renders a resolved value as a string
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(DateLayout)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
