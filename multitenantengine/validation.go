package multitenantengine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/liamcoop/claimrules/claims"
)

const (
	maxExtraColumns = 200
	maxNameLength   = 100
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	tenantNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 _.-]*$`)
)

var columnTypes = map[string]bool{
	"string": true,
	"number": true,
	"bool":   true,
	"date":   true,
}

// CEL reserves these words, so a column named after one could not be read as claim.<name>
var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"in": true, "as": true, "break": true, "const": true, "continue": true,
	"else": true, "for": true, "function": true, "if": true, "import": true,
	"let": true, "loop": true, "package": true, "namespace": true,
	"return": true, "var": true, "void": true, "while": true,
}

// ValidateTenantName checks a tenant display name
func ValidateTenantName(name string) error {
	if name == "" {
		return fmt.Errorf("tenant name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("tenant name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if !tenantNamePattern.MatchString(name) {
		return fmt.Errorf("tenant name %q must start with a letter or digit and contain only letters, digits, spaces, '_', '.' or '-'", name)
	}
	return nil
}

// ValidateColumns checks a tenant's extra column declarations
func ValidateColumns(columns ColumnSchema) error {
	if len(columns) > maxExtraColumns {
		return fmt.Errorf("schema declares %d extra columns, maximum allowed is %d", len(columns), maxExtraColumns)
	}
	for name, typ := range columns {
		if err := ValidateIdentifier(name); err != nil {
			return fmt.Errorf("invalid column name %q: %w", name, err)
		}
		if _, builtin := claims.Canonical(name); builtin {
			return fmt.Errorf("column %q shadows a standard claim field", name)
		}
		if strings.TrimSpace(typ) != typ || !columnTypes[typ] {
			return fmt.Errorf("column %q has invalid type %q (must be one of: string, number, bool, date)", name, typ)
		}
	}
	return nil
}

// ValidateIdentifier checks a column name: 1-100 characters matching ^[a-zA-Z_][a-zA-Z0-9_]*$
// and not a reserved word
func ValidateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// CheckClaim verifies the claim's extra values against the tenant's declared columns.
// A tenant without declarations accepts any extra columns.
func (t *Tenant) CheckClaim(c *claims.Claim) error {
	if len(t.ExtraColumns) == 0 {
		return nil
	}
	for name, v := range c.Extra {
		typ, ok := t.ExtraColumns[name]
		if !ok {
			return fmt.Errorf("extra column %q is not declared for tenant %s", name, t.Name)
		}
		if v == nil {
			continue
		}
		if !valueMatches(typ, v) {
			return fmt.Errorf("extra column %q expects %s, got %T", name, typ, v)
		}
	}
	return nil
}

func valueMatches(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "date":
		switch d := v.(type) {
		case time.Time:
			return true
		case string:
			_, ok := claims.ParseDate(d)
			return ok
		}
		return false
	}
	return false
}
