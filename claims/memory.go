package claims

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ListFilter selects claims for a batch run
type ListFilter struct {
	TenantID    string
	IngestionID string
	Limit       int
}

// Store is the full claim repository used by the API and batch runs
type Store interface {
	Lookup
	ReferenceLists
	Add(ctx context.Context, c *Claim) error
	Get(ctx context.Context, id string) (*Claim, error)
	ListClaims(ctx context.Context, f ListFilter) ([]*Claim, error)
	BlockNDC(ctx context.Context, tenantID, ndc, reason string) error
}

// MemoryStore keeps claims and blocked drug codes in memory.
// It implements Lookup and ReferenceLists and is safe for concurrent use.
type MemoryStore struct {
	claims  map[string]*Claim
	order   []string
	blocked map[string]map[string]string // tenant -> normalized code -> reason
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:  make(map[string]*Claim),
		blocked: make(map[string]map[string]string),
	}
}

// Add stores a claim, assigning an ID when none is set
func (s *MemoryStore) Add(_ context.Context, c *Claim) error {
	if c.TenantID == "" {
		return fmt.Errorf("claim %q has no tenant", c.ClaimID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.claims[c.ID]; exists {
		return fmt.Errorf("claim with ID %s already exists", c.ID)
	}
	s.claims[c.ID] = c
	s.order = append(s.order, c.ID)
	return nil
}

// Get returns a claim by internal ID
func (s *MemoryStore) Get(_ context.Context, id string) (*Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, ErrClaimNotFound)
	}
	return c, nil
}

// ListClaims returns the tenant's claims in insertion order
func (s *MemoryStore) ListClaims(_ context.Context, f ListFilter) ([]*Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Claim
	for _, id := range s.order {
		c := s.claims[id]
		if c.TenantID != f.TenantID {
			continue
		}
		if f.IngestionID != "" && c.IngestionID != f.IngestionID {
			continue
		}
		out = append(out, c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// FindClaims implements Lookup
func (s *MemoryStore) FindClaims(ctx context.Context, q Query) ([]*Claim, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*Claim
	for _, id := range s.order {
		if c := s.claims[id]; q.Matches(c) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	if q.OrderDesc != "" {
		sort.SliceStable(out, func(i, j int) bool {
			ti, _ := Resolve(out[i], q.OrderDesc).(time.Time)
			tj, _ := Resolve(out[j], q.OrderDesc).(time.Time)
			return ti.After(tj)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// BlockNDC adds a drug code to the tenant's blocked list
func (s *MemoryStore) BlockNDC(_ context.Context, tenantID, ndc, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.blocked[tenantID]
	if !ok {
		list = make(map[string]string)
		s.blocked[tenantID] = list
	}
	list[NormalizeCode(ndc)] = reason
	return nil
}

// InBlockedList implements ReferenceLists
func (s *MemoryStore) InBlockedList(_ context.Context, tenantID, value string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blocked[tenantID][NormalizeCode(value)]
	return ok, nil
}

// NormalizeCode trims and upper-cases a code for list membership checks
func NormalizeCode(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
