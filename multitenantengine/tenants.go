package multitenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
	ErrInvalidTenant  = errors.New("invalid tenant definition")
)

// ColumnSchema declares a tenant's extra claim columns, mapping column name to
// one of the column types: string, number, bool, date
type ColumnSchema map[string]string

// Tenant is one customer whose claims and rules are isolated from every other tenant
type Tenant struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ExtraColumns ColumnSchema `json:"extra_columns,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// TenantSource persists tenants
type TenantSource interface {
	ListTenants(ctx context.Context) ([]*Tenant, error)
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	CreateTenant(ctx context.Context, name string, columns ColumnSchema) (*Tenant, error)
	UpdateColumns(ctx context.Context, id string, columns ColumnSchema) (*Tenant, error)
}

// InMemoryTenantStore is a TenantSource for tests and database-less runs
type InMemoryTenantStore struct {
	tenants map[string]*Tenant
	mu      sync.RWMutex
}

// NewInMemoryTenantStore creates an empty tenant store
func NewInMemoryTenantStore() *InMemoryTenantStore {
	return &InMemoryTenantStore{tenants: make(map[string]*Tenant)}
}

func copyTenant(t *Tenant) *Tenant {
	cp := *t
	if t.ExtraColumns != nil {
		cp.ExtraColumns = make(ColumnSchema, len(t.ExtraColumns))
		for k, v := range t.ExtraColumns {
			cp.ExtraColumns[k] = v
		}
	}
	return &cp
}

func (s *InMemoryTenantStore) ListTenants(_ context.Context) ([]*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, copyTenant(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryTenantStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantNotFound)
	}
	return copyTenant(t), nil
}

func (s *InMemoryTenantStore) CreateTenant(_ context.Context, name string, columns ColumnSchema) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Name == name {
			return nil, fmt.Errorf("tenant %q: %w", name, ErrTenantExists)
		}
	}
	t := &Tenant{ID: uuid.NewString(), Name: name, ExtraColumns: columns, CreatedAt: time.Now().UTC()}
	s.tenants[t.ID] = copyTenant(t)
	return t, nil
}

func (s *InMemoryTenantStore) UpdateColumns(_ context.Context, id string, columns ColumnSchema) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantNotFound)
	}
	t.ExtraColumns = columns
	return copyTenant(t), nil
}

// PostgresTenantStore reads and writes the tenants table
type PostgresTenantStore struct {
	db *sql.DB
}

// NewPostgresTenantStore creates a TenantSource over db
func NewPostgresTenantStore(db *sql.DB) *PostgresTenantStore {
	return &PostgresTenantStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var columns []byte
	if err := row.Scan(&t.ID, &t.Name, &columns, &t.CreatedAt); err != nil {
		return nil, err
	}
	if len(columns) > 0 {
		if err := json.Unmarshal(columns, &t.ExtraColumns); err != nil {
			return nil, fmt.Errorf("invalid column schema for tenant %s: %w", t.ID, err)
		}
	}
	if len(t.ExtraColumns) == 0 {
		t.ExtraColumns = nil
	}
	return &t, nil
}

func encodeColumns(columns ColumnSchema) ([]byte, error) {
	if columns == nil {
		columns = ColumnSchema{}
	}
	return json.Marshal(columns)
}

func (s *PostgresTenantStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, extra_columns, created_at
		FROM tenants
		ORDER BY created_at ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return out, nil
}

func (s *PostgresTenantStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `
		SELECT id, name, extra_columns, created_at FROM tenants WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresTenantStore) CreateTenant(ctx context.Context, name string, columns ColumnSchema) (*Tenant, error) {
	encoded, err := encodeColumns(columns)
	if err != nil {
		return nil, err
	}
	t, err := scanTenant(s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (name, extra_columns) VALUES ($1, $2)
		RETURNING id, name, extra_columns, created_at
	`, name, encoded))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return nil, fmt.Errorf("tenant %q: %w", name, ErrTenantExists)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresTenantStore) UpdateColumns(ctx context.Context, id string, columns ColumnSchema) (*Tenant, error) {
	encoded, err := encodeColumns(columns)
	if err != nil {
		return nil, err
	}
	t, err := scanTenant(s.db.QueryRowContext(ctx, `
		UPDATE tenants SET extra_columns = $2 WHERE id = $1
		RETURNING id, name, extra_columns, created_at
	`, id, encoded))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant columns: %w", err)
	}
	return t, nil
}
