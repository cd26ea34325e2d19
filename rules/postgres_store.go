package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL, scoped to one tenant
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

const ruleColumns = `id, tenant_id, COALESCE(code, ''), name, COALESCE(description, ''),
	logic_kind, parameters, COALESCE(severity, ''), COALESCE(category, ''),
	recoupable, active, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var kind, severity string
	var params []byte
	if err := row.Scan(&r.ID, &r.TenantID, &r.Code, &r.Name, &r.Description,
		&kind, &params, &severity, &r.Category,
		&r.Recoupable, &r.Active, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.LogicKind = LogicKind(kind)
	r.Severity = Severity(severity)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of rule %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// Add inserts a new rule and its first version in one transaction
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	params, err := json.Marshal(rule.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND tenant_id = $2)
	`, rule.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now().UTC()
	if rule.Version == 0 {
		rule.Version = 1
	}
	rule.TenantID = s.tenantID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (id, tenant_id, code, name, description, logic_kind, parameters,
			severity, category, recoupable, active, version, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), NULLIF($9, ''),
			$10, $11, $12, $13, $14)
	`, rule.ID, s.tenantID, rule.Code, rule.Name, rule.Description, string(rule.LogicKind), params,
		string(rule.Severity), rule.Category, rule.Recoupable, rule.Active, rule.Version,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := insertVersion(ctx, tx, rule, params, now); err != nil {
		return err
	}
	return tx.Commit()
}

func insertVersion(ctx context.Context, tx *sql.Tx, rule *Rule, params []byte, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rule_versions (rule_id, version, logic_kind, parameters, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rule.ID, rule.Version, string(rule.LogicKind), params, at)
	if err != nil {
		return fmt.Errorf("failed to record rule version: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules for the tenant
func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`)
}

// ListActive returns all active rules for the tenant
func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND active = true
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(ctx context.Context, q string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// Update modifies an existing rule; a changed Version is recorded in rule_versions
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	params, err := json.Marshal(rule.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT version, created_at FROM rules WHERE id = $1 AND tenant_id = $2 FOR UPDATE
	`, rule.ID, s.tenantID).Scan(&current, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load rule: %w", err)
	}

	now := time.Now().UTC()
	if rule.Version == 0 {
		rule.Version = current
	}
	rule.TenantID = s.tenantID
	rule.CreatedAt = createdAt
	rule.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE rules
		SET code = NULLIF($1, ''), name = $2, description = NULLIF($3, ''), logic_kind = $4,
			parameters = $5, severity = NULLIF($6, ''), category = NULLIF($7, ''),
			recoupable = $8, active = $9, version = $10, updated_at = $11
		WHERE id = $12 AND tenant_id = $13
	`, rule.Code, rule.Name, rule.Description, string(rule.LogicKind), params,
		string(rule.Severity), rule.Category, rule.Recoupable, rule.Active, rule.Version, now,
		rule.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	if rule.Version != current {
		if err := insertVersion(ctx, tx, rule, params, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Delete removes a rule from the database; its versions cascade
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

// Versions returns the rule's history, newest first
func (s *PostgresRuleStore) Versions(ctx context.Context, id string) ([]*RuleVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.rule_id, v.version, v.logic_kind, v.parameters, v.created_at
		FROM rule_versions v
		JOIN rules r ON r.id = v.rule_id
		WHERE v.rule_id = $1 AND r.tenant_id = $2
		ORDER BY v.version DESC
	`, id, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule versions: %w", err)
	}
	defer rows.Close()

	var out []*RuleVersion
	for rows.Next() {
		var v RuleVersion
		var kind string
		var params []byte
		if err := rows.Scan(&v.RuleID, &v.Version, &kind, &params, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule version: %w", err)
		}
		v.LogicKind = LogicKind(kind)
		if err := json.Unmarshal(params, &v.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of rule %s v%d: %w", v.RuleID, v.Version, err)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule versions: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return out, nil
}
