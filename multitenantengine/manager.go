// Package multitenantengine keeps one rules engine per tenant and loads them from a tenant source.
package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/claimrules/internal/logger"
	"github.com/liamcoop/claimrules/rules"
)

// EngineFactory builds the engine for one tenant
type EngineFactory func(tenant *Tenant) (*rules.Engine, error)

// TenantEngine wraps a rules.Engine with tenant metadata
type TenantEngine struct {
	Tenant   *Tenant
	Engine   *rules.Engine
	LoadedAt time.Time
}

// Manager manages engines for all tenants. Engines are built on first use and
// swapped atomically on reload.
type Manager struct {
	engines   map[string]*TenantEngine
	tenants   TenantSource
	newEngine EngineFactory
	log       *slog.Logger
	mu        sync.RWMutex

	// first-use loads share one build per tenant
	loading singleflight.Group
}

// NewManager creates a manager over a tenant source
func NewManager(tenants TenantSource, factory EngineFactory) *Manager {
	return &Manager{
		engines:   make(map[string]*TenantEngine),
		tenants:   tenants,
		newEngine: factory,
		log:       logger.Logger.With("component", "tenant_manager"),
	}
}

// LoadAllTenants builds an engine for every tenant in the source
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	tenants, err := m.tenants.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if _, err := m.load(t); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", t.ID, err)
		}
	}
	m.log.Info("tenants loaded", "count", len(tenants))
	return nil
}

func (m *Manager) load(t *Tenant) (*TenantEngine, error) {
	te, err := m.build(t)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.engines[t.ID] = te
	m.mu.Unlock()
	return te, nil
}

// loadIfAbsent stores a freshly built engine unless one was loaded meanwhile,
// in which case the loaded engine wins
func (m *Manager) loadIfAbsent(t *Tenant) (*TenantEngine, error) {
	te, err := m.build(t)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.engines[t.ID]; ok {
		return existing, nil
	}
	m.engines[t.ID] = te
	return te, nil
}

func (m *Manager) build(t *Tenant) (*TenantEngine, error) {
	engine, err := m.newEngine(t)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return &TenantEngine{Tenant: t, Engine: engine, LoadedAt: time.Now().UTC()}, nil
}

func (m *Manager) loaded(tenantID string) (*TenantEngine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	te, ok := m.engines[tenantID]
	return te, ok
}

// CreateTenant validates and stores a new tenant, then builds its engine
func (m *Manager) CreateTenant(ctx context.Context, name string, columns ColumnSchema) (*Tenant, error) {
	if err := ValidateTenantName(name); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTenant, err)
	}
	if err := ValidateColumns(columns); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTenant, err)
	}
	t, err := m.tenants.CreateTenant(ctx, name, columns)
	if err != nil {
		return nil, err
	}
	if _, err := m.load(t); err != nil {
		return nil, err
	}
	m.log.Info("tenant created", "tenant_id", t.ID, "name", t.Name)
	return t, nil
}

// Tenant returns the loaded tenant engine, loading it from the source on first use
func (m *Manager) Tenant(ctx context.Context, tenantID string) (*TenantEngine, error) {
	if te, ok := m.loaded(tenantID); ok {
		return te, nil
	}

	v, err, _ := m.loading.Do(tenantID, func() (any, error) {
		if te, ok := m.loaded(tenantID); ok {
			return te, nil
		}
		t, err := m.tenants.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return m.loadIfAbsent(t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TenantEngine), nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *Manager) GetEngine(ctx context.Context, tenantID string) (*rules.Engine, error) {
	te, err := m.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return te.Engine, nil
}

// UpdateColumns replaces a tenant's extra column declarations and reloads its engine
func (m *Manager) UpdateColumns(ctx context.Context, tenantID string, columns ColumnSchema) (*Tenant, error) {
	if err := ValidateColumns(columns); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTenant, err)
	}
	t, err := m.tenants.UpdateColumns(ctx, tenantID, columns)
	if err != nil {
		return nil, err
	}
	if _, err := m.load(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ReloadTenant rebuilds a tenant's engine from storage and swaps it in. Evaluations
// already holding the old engine finish against it.
func (m *Manager) ReloadTenant(ctx context.Context, tenantID string) error {
	t, err := m.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	te, err := m.load(t)
	if err != nil {
		return err
	}
	m.log.Info("tenant reloaded", "tenant_id", tenantID, "compiled_programs", te.Engine.CompiledPrograms())
	return nil
}

// ListTenants returns all loaded tenant IDs, sorted
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// Tenants returns every tenant in the source
func (m *Manager) Tenants(ctx context.Context) ([]*Tenant, error) {
	return m.tenants.ListTenants(ctx)
}

// EvictTenant drops a tenant's engine from memory; the tenant stays in storage
// and is reloaded on next use
func (m *Manager) EvictTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	delete(m.engines, tenantID)
	return nil
}

// IsNotFound reports whether err means the tenant does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound)
}
