package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/liamcoop/claimrules/rules"
)

// PostgresFlagStore implements FlagStore on the flagged_claims table
type PostgresFlagStore struct {
	db *sql.DB
}

// NewPostgresFlagStore creates a FlagStore over db
func NewPostgresFlagStore(db *sql.DB) *PostgresFlagStore {
	return &PostgresFlagStore{db: db}
}

const flagColumns = `id, tenant_id, claim_id, claim_number, rule_id, rule_name, rule_version,
	logic_kind, COALESCE(severity, ''), COALESCE(category, ''), recoupable, explanation, fields,
	COALESCE(run_id, ''), flagged_at, reviewed, COALESCE(reviewed_by, ''), reviewed_at,
	COALESCE(review_note, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (*FlaggedClaim, error) {
	var f FlaggedClaim
	var kind, severity string
	var explanation, fields []byte
	var reviewedAt sql.NullTime
	if err := row.Scan(&f.ID, &f.TenantID, &f.ClaimID, &f.ClaimNumber, &f.RuleID, &f.RuleName,
		&f.RuleVersion, &kind, &severity, &f.Category, &f.Recoupable, &explanation, &fields,
		&f.RunID, &f.FlaggedAt, &f.Reviewed, &f.ReviewedBy, &reviewedAt, &f.ReviewNote); err != nil {
		return nil, err
	}
	f.LogicKind = rules.LogicKind(kind)
	f.Severity = rules.Severity(severity)
	if err := json.Unmarshal(explanation, &f.Explanation); err != nil {
		return nil, fmt.Errorf("decode explanation of flag %s: %w", f.ID, err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &f.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of flag %s: %w", f.ID, err)
		}
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		f.ReviewedAt = &t
	}
	return &f, nil
}

func (s *PostgresFlagStore) Save(ctx context.Context, f *FlaggedClaim) error {
	explanation, err := json.Marshal(f.Explanation)
	if err != nil {
		return fmt.Errorf("failed to encode explanation: %w", err)
	}
	var fields []byte
	if len(f.Fields) > 0 {
		if fields, err = json.Marshal(f.Fields); err != nil {
			return fmt.Errorf("failed to encode fields: %w", err)
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.FlaggedAt.IsZero() {
		f.FlaggedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flagged_claims (id, tenant_id, claim_id, claim_number, rule_id, rule_name,
			rule_version, logic_kind, severity, category, recoupable, explanation, fields,
			run_id, flagged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13,
			NULLIF($14, ''), $15)
	`, f.ID, f.TenantID, f.ClaimID, f.ClaimNumber, f.RuleID, f.RuleName, f.RuleVersion,
		string(f.LogicKind), string(f.Severity), f.Category, f.Recoupable, explanation, fields,
		f.RunID, f.FlaggedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("claim %s rule %s: %w", f.ClaimID, f.RuleID, ErrFlagExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert flagged claim: %w", err)
	}
	return nil
}

func (s *PostgresFlagStore) ExistingPairs(ctx context.Context, tenantID string, claimIDs []string) (map[Pair]bool, error) {
	out := make(map[Pair]bool)
	if len(claimIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT claim_id, rule_id FROM flagged_claims
		WHERE tenant_id = $1 AND claim_id = ANY($2)
	`, tenantID, pq.Array(claimIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load existing flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.ClaimID, &p.RuleID); err != nil {
			return nil, fmt.Errorf("failed to scan flag pair: %w", err)
		}
		out[p] = true
	}
	return out, rows.Err()
}

func (s *PostgresFlagStore) Get(ctx context.Context, tenantID, id string) (*FlaggedClaim, error) {
	f, err := scanFlag(s.db.QueryRowContext(ctx, `
		SELECT `+flagColumns+` FROM flagged_claims WHERE id = $1 AND tenant_id = $2
	`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag %s: %w", id, ErrFlagNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flagged claim: %w", err)
	}
	return f, nil
}

func (s *PostgresFlagStore) List(ctx context.Context, filter FlagFilter) ([]*FlaggedClaim, error) {
	var b strings.Builder
	args := []any{filter.TenantID}
	b.WriteString(`SELECT ` + flagColumns + ` FROM flagged_claims WHERE tenant_id = $1`)

	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+clause, len(args))
	}
	if filter.RuleID != "" {
		add("rule_id = $%d", filter.RuleID)
	}
	if filter.RunID != "" {
		add("run_id = $%d", filter.RunID)
	}
	if filter.ClaimID != "" {
		add("claim_id = $%d", filter.ClaimID)
	}
	if filter.Reviewed != nil {
		add("reviewed = $%d", *filter.Reviewed)
	}
	b.WriteString(" ORDER BY flagged_at DESC, id")
	if filter.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged claims: %w", err)
	}
	defer rows.Close()

	var out []*FlaggedClaim
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flagged claim: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flagged claims: %w", err)
	}
	return out, nil
}

func (s *PostgresFlagStore) MarkReviewed(ctx context.Context, tenantID, id, reviewer, note string) (*FlaggedClaim, error) {
	f, err := scanFlag(s.db.QueryRowContext(ctx, `
		UPDATE flagged_claims
		SET reviewed = true, reviewed_by = NULLIF($3, ''), reviewed_at = now(), review_note = NULLIF($4, '')
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+flagColumns, id, tenantID, reviewer, note))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag %s: %w", id, ErrFlagNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark flag reviewed: %w", err)
	}
	return f, nil
}

// PostgresRunStore implements RunStore on the audit_rule_runs table
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates a RunStore over db
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

const runColumns = `id, tenant_id, COALESCE(ingestion_id, ''), status, rules_executed,
	claims_processed, flags_generated, skipped_existing, error_count, error_messages,
	started_at, completed_at`

func scanRun(row rowScanner) (*AuditRun, error) {
	var r AuditRun
	var status string
	var messages []byte
	var completed sql.NullTime
	if err := row.Scan(&r.ID, &r.TenantID, &r.IngestionID, &status, &r.RulesExecuted,
		&r.ClaimsProcessed, &r.FlagsGenerated, &r.SkippedExisting, &r.ErrorCount, &messages,
		&r.StartedAt, &completed); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &r.ErrorMessages); err != nil {
			return nil, fmt.Errorf("decode error messages of run %s: %w", r.ID, err)
		}
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func encodeMessages(msgs []string) ([]byte, error) {
	if msgs == nil {
		msgs = []string{}
	}
	return json.Marshal(msgs)
}

func (s *PostgresRunStore) Create(ctx context.Context, run *AuditRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	messages, err := encodeMessages(run.ErrorMessages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_rule_runs (id, tenant_id, ingestion_id, status, error_messages, started_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`, run.ID, run.TenantID, run.IngestionID, string(run.Status), messages, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create audit run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Finish(ctx context.Context, run *AuditRun) error {
	messages, err := encodeMessages(run.ErrorMessages)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_rule_runs
		SET status = $3, rules_executed = $4, claims_processed = $5, flags_generated = $6,
			skipped_existing = $7, error_count = $8, error_messages = $9, completed_at = $10
		WHERE id = $1 AND tenant_id = $2
	`, run.ID, run.TenantID, string(run.Status), run.RulesExecuted, run.ClaimsProcessed,
		run.FlagsGenerated, run.SkippedExisting, run.ErrorCount, messages, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to finish audit run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunNotFound)
	}
	return nil
}

func (s *PostgresRunStore) Get(ctx context.Context, tenantID, id string) (*AuditRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM audit_rule_runs WHERE id = $1 AND tenant_id = $2
	`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit run: %w", err)
	}
	return r, nil
}

func (s *PostgresRunStore) List(ctx context.Context, filter RunFilter) ([]*AuditRun, error) {
	q := `SELECT ` + runColumns + ` FROM audit_rule_runs WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += ` AND status = $2`
	}
	q += ` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit runs: %w", err)
	}
	defer rows.Close()

	var out []*AuditRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit runs: %w", err)
	}
	return out, nil
}
