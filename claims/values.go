package claims

import (
	"strings"
	"time"
)

func str(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func date(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func integer(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func number(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolean(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// Ptr returns a pointer to v; handy when building claims by hand
func Ptr[T any](v T) *T {
	return &v
}

// Date parses a YYYY-MM-DD literal into a pointer, panicking on bad input.
// Intended for fixtures and tests.
func Date(s string) *time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}
