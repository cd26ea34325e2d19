package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Params gives typed access to a rule's parameter map.
// Missing keys yield the supplied default; present but malformed values yield an error.
type Params map[string]any

// Has reports whether key is present with a non-nil value
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns a trimmed string parameter
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Float returns a numeric parameter
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("parameter %s must be a number, got %v", key, v)
	}
	return f, nil
}

// Int returns an integral parameter
func (p Params) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("parameter %s must be a whole number, got %v", key, f)
	}
	return int(f), nil
}

// Bool returns a boolean parameter. The second result is false when the key is absent.
func (p Params) Bool(key string) (bool, bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, true, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, true, fmt.Errorf("parameter %s must be a boolean, got %q", key, b)
		}
		return parsed, true, nil
	default:
		return false, true, fmt.Errorf("parameter %s must be a boolean, got %v", key, v)
	}
}

// BoolDefault returns a boolean parameter or def when absent
func (p Params) BoolDefault(key string, def bool) (bool, error) {
	b, ok, err := p.Bool(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return def, nil
	}
	return b, nil
}

// Strings returns a list parameter. A comma-separated string is split; a scalar is a single element.
func (p Params) Strings(key string) []string {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	for _, e := range listOf(v) {
		if s := strings.TrimSpace(fmt.Sprint(e)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Maps returns a list of objects, skipping entries that are not objects
func (p Params) Maps(key string) []map[string]any {
	raw, ok := p[key].([]any)
	if !ok {
		if typed, ok := p[key].([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// listOf turns a list, a comma-separated string, or a scalar into a slice
func listOf(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		if !strings.Contains(t, ",") {
			return []any{t}
		}
		parts := strings.Split(t, ",")
		out := make([]any, 0, len(parts))
		for _, s := range parts {
			out = append(out, strings.TrimSpace(s))
		}
		return out
	default:
		return []any{v}
	}
}
