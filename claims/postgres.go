package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type columnKind int

const (
	textColumn columnKind = iota
	numberColumn
	dateColumn
	boolColumn
)

// columns whitelists the claim attributes that may appear in a lookup filter
var columns = map[string]columnKind{
	"id":                   textColumn,
	"ingestion_id":         textColumn,
	"claim_id":             textColumn,
	"patient_id":           textColumn,
	"rx_number":            textColumn,
	"ndc":                  textColumn,
	"drug_name":            textColumn,
	"drug_class":           textColumn,
	"prescriber_id":        textColumn,
	"pharmacy_id":          textColumn,
	"plan_id":              textColumn,
	"fill_date":            dateColumn,
	"submitted_at":         dateColumn,
	"reversal_date":        dateColumn,
	"days_supply":          numberColumn,
	"quantity":             numberColumn,
	"copay_amount":         numberColumn,
	"plan_paid_amount":     numberColumn,
	"ingredient_cost":      numberColumn,
	"usual_and_customary":  numberColumn,
	"paid_amount":          numberColumn,
	"allowed_amount":       numberColumn,
	"dispensing_fee":       numberColumn,
	"status":               textColumn,
	"prior_auth_required":  boolColumn,
	"prior_auth_reference": textColumn,
	"reversal_indicator":   boolColumn,
	"reversal_reference":   textColumn,
	"generic_available":    boolColumn,
	"daw_code":             textColumn,
}

const claimCols = `id, tenant_id, COALESCE(ingestion_id, ''), claim_id,
	COALESCE(patient_id, ''), COALESCE(rx_number, ''), COALESCE(ndc, ''),
	COALESCE(drug_name, ''), COALESCE(drug_class, ''), COALESCE(prescriber_id, ''),
	COALESCE(pharmacy_id, ''), COALESCE(plan_id, ''),
	fill_date, submitted_at, reversal_date,
	days_supply, quantity, copay_amount, plan_paid_amount, ingredient_cost,
	usual_and_customary, paid_amount, allowed_amount, dispensing_fee,
	COALESCE(status, ''), prior_auth_required, COALESCE(prior_auth_reference, ''),
	reversal_indicator, COALESCE(reversal_reference, ''), generic_available,
	COALESCE(daw_code, ''), extra`

// PostgresStore reads claims and reference lists through a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// NewPool opens and pings a pgx connection pool
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) conn() queryable {
	return s.pool
}

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var status string
	var extra []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.IngestionID, &c.ClaimID,
		&c.PatientID, &c.RxNumber, &c.NDC,
		&c.DrugName, &c.DrugClass, &c.PrescriberID,
		&c.PharmacyID, &c.PlanID,
		&c.FillDate, &c.SubmittedAt, &c.ReversalDate,
		&c.DaysSupply, &c.Quantity, &c.CopayAmount, &c.PlanPaidAmount, &c.IngredientCost,
		&c.UsualAndCustomary, &c.PaidAmount, &c.AllowedAmount, &c.DispensingFee,
		&status, &c.PriorAuthRequired, &c.PriorAuthReference,
		&c.ReversalIndicator, &c.ReversalReference, &c.GenericAvailable,
		&c.DAWCode, &extra)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &c.Extra); err != nil {
			return nil, fmt.Errorf("decode extra columns for claim %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func collect(rows pgx.Rows) ([]*Claim, error) {
	defer rows.Close()
	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Add inserts a claim, assigning an ID when none is set
func (s *PostgresStore) Add(ctx context.Context, c *Claim) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var extra []byte
	if len(c.Extra) > 0 {
		b, err := json.Marshal(c.Extra)
		if err != nil {
			return fmt.Errorf("encode extra columns: %w", err)
		}
		extra = b
	}

	_, err := s.conn().Exec(ctx, `
		INSERT INTO claims (id, tenant_id, ingestion_id, claim_id, patient_id, rx_number, ndc,
			drug_name, drug_class, prescriber_id, pharmacy_id, plan_id,
			fill_date, submitted_at, reversal_date,
			days_supply, quantity, copay_amount, plan_paid_amount, ingredient_cost,
			usual_and_customary, paid_amount, allowed_amount, dispensing_fee,
			status, prior_auth_required, prior_auth_reference,
			reversal_indicator, reversal_reference, generic_available, daw_code, extra)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,NULLIF($25,''),$26,$27,$28,$29,$30,$31,$32)`,
		c.ID, c.TenantID, c.IngestionID, c.ClaimID, c.PatientID, c.RxNumber, c.NDC,
		c.DrugName, c.DrugClass, c.PrescriberID, c.PharmacyID, c.PlanID,
		c.FillDate, c.SubmittedAt, c.ReversalDate,
		c.DaysSupply, c.Quantity, c.CopayAmount, c.PlanPaidAmount, c.IngredientCost,
		c.UsualAndCustomary, c.PaidAmount, c.AllowedAmount, c.DispensingFee,
		string(c.Status), c.PriorAuthRequired, c.PriorAuthReference,
		c.ReversalIndicator, c.ReversalReference, c.GenericAvailable, c.DAWCode, extra)
	if err != nil {
		return fmt.Errorf("insert claim %s: %w", c.ClaimID, err)
	}
	return nil
}

// Get returns a claim by internal ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Claim, error) {
	c, err := scanClaim(s.conn().QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim %s: %w", id, ErrClaimNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// ListClaims returns a tenant's claims, optionally limited to one ingestion job
func (s *PostgresStore) ListClaims(ctx context.Context, f ListFilter) ([]*Claim, error) {
	sql := `SELECT ` + claimCols + ` FROM claims WHERE tenant_id = $1`
	args := []any{f.TenantID}
	if f.IngestionID != "" {
		args = append(args, f.IngestionID)
		sql += fmt.Sprintf(" AND ingestion_id = $%d", len(args))
	}
	sql += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("scan claims: %w", err)
	}
	return out, nil
}

// FindClaims implements Lookup. Filters on fields without a dedicated column are
// matched against the extra JSON document as text.
func (s *PostgresStore) FindClaims(ctx context.Context, q Query) ([]*Claim, error) {
	sql, args, err := buildFindQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find claims: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("scan claims: %w", err)
	}
	return out, nil
}

func buildFindQuery(q Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	args := []any{q.TenantID}
	b.WriteString(`SELECT ` + claimCols + ` FROM claims WHERE tenant_id = $1`)

	// stable ordering of filters keeps generated SQL deterministic
	for _, field := range sortedKeys(q.Equals) {
		value := q.Equals[field]
		name, ok := Canonical(field)
		kind, whitelisted := columns[name]
		if !ok || !whitelisted {
			args = append(args, name, Text(value))
			fmt.Fprintf(&b, " AND extra->>$%d = $%d", len(args)-1, len(args))
			continue
		}
		expr, arg, err := columnParam(name, kind, value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, arg)
		fmt.Fprintf(&b, " AND %s = $%d", expr, len(args))
	}

	if q.ExcludeID != "" {
		args = append(args, q.ExcludeID)
		fmt.Fprintf(&b, " AND id <> $%d", len(args))
	}

	if q.Date != nil {
		name, _ := Canonical(q.Date.Field)
		if columns[name] != dateColumn {
			return "", nil, fmt.Errorf("field %q is not a date column", q.Date.Field)
		}
		if q.Date.Start != nil {
			op := ">"
			if q.Date.StartInclusive {
				op = ">="
			}
			args = append(args, Truncate(*q.Date.Start))
			fmt.Fprintf(&b, " AND %s::date %s $%d::date", name, op, len(args))
		}
		if q.Date.End != nil {
			op := "<"
			if q.Date.EndInclusive {
				op = "<="
			}
			args = append(args, Truncate(*q.Date.End))
			fmt.Fprintf(&b, " AND %s::date %s $%d::date", name, op, len(args))
		}
	}

	if q.OrderDesc != "" {
		name, _ := Canonical(q.OrderDesc)
		if columns[name] != dateColumn {
			return "", nil, fmt.Errorf("field %q is not a date column", q.OrderDesc)
		}
		fmt.Fprintf(&b, " ORDER BY %s DESC NULLS LAST, id", name)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func columnParam(name string, kind columnKind, value any) (string, any, error) {
	switch kind {
	case numberColumn:
		f, ok := numeric(value)
		if !ok {
			return "", nil, fmt.Errorf("field %s expects a number, got %T", name, value)
		}
		return name + "::float8", f, nil
	case dateColumn:
		switch v := value.(type) {
		case time.Time:
			return name + "::date", Truncate(v), nil
		case string:
			t, ok := ParseDate(v)
			if !ok {
				return "", nil, fmt.Errorf("field %s expects a date, got %q", name, v)
			}
			return name + "::date", t, nil
		default:
			return "", nil, fmt.Errorf("field %s expects a date, got %T", name, value)
		}
	case boolColumn:
		b, ok := value.(bool)
		if !ok {
			return "", nil, fmt.Errorf("field %s expects a boolean, got %T", name, value)
		}
		return name, b, nil
	default:
		return name, Text(value), nil
	}
}

// InBlockedList implements ReferenceLists against the blocked_ndc table
func (s *PostgresStore) InBlockedList(ctx context.Context, tenantID, value string) (bool, error) {
	var exists bool
	err := s.conn().QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM blocked_ndc WHERE tenant_id = $1 AND drug_code = $2)`,
		tenantID, NormalizeCode(value)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blocked list: %w", err)
	}
	return exists, nil
}

// BlockNDC adds a drug code to the tenant's blocked list
func (s *PostgresStore) BlockNDC(ctx context.Context, tenantID, ndc, reason string) error {
	_, err := s.conn().Exec(ctx, `
		INSERT INTO blocked_ndc (tenant_id, drug_code, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, drug_code) DO UPDATE SET reason = EXCLUDED.reason`,
		tenantID, NormalizeCode(ndc), reason)
	if err != nil {
		return fmt.Errorf("block ndc: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
