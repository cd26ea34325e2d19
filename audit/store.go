package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FlagStore persists flagged claims
type FlagStore interface {
	// Save inserts a flag, returning ErrFlagExists when the pair is already flagged
	Save(ctx context.Context, f *FlaggedClaim) error
	ExistingPairs(ctx context.Context, tenantID string, claimIDs []string) (map[Pair]bool, error)
	Get(ctx context.Context, tenantID, id string) (*FlaggedClaim, error)
	List(ctx context.Context, f FlagFilter) ([]*FlaggedClaim, error)
	MarkReviewed(ctx context.Context, tenantID, id, reviewer, note string) (*FlaggedClaim, error)
}

// RunStore persists audit run summaries
type RunStore interface {
	Create(ctx context.Context, run *AuditRun) error
	Finish(ctx context.Context, run *AuditRun) error
	Get(ctx context.Context, tenantID, id string) (*AuditRun, error)
	List(ctx context.Context, f RunFilter) ([]*AuditRun, error)
}

// InMemoryFlagStore is a FlagStore for tests and offline runs
type InMemoryFlagStore struct {
	flags map[string]*FlaggedClaim
	pairs map[string]map[Pair]string // tenant -> pair -> flag ID
	mu    sync.RWMutex
}

// NewInMemoryFlagStore creates an empty flag store
func NewInMemoryFlagStore() *InMemoryFlagStore {
	return &InMemoryFlagStore{
		flags: make(map[string]*FlaggedClaim),
		pairs: make(map[string]map[Pair]string),
	}
}

// copyFlag detaches the explanation and fields maps through a JSON round trip
func copyFlag(f *FlaggedClaim) *FlaggedClaim {
	cp := *f
	if data, err := json.Marshal(f.Explanation); err == nil {
		cp.Explanation = nil
		_ = json.Unmarshal(data, &cp.Explanation)
	}
	if f.Fields != nil {
		if data, err := json.Marshal(f.Fields); err == nil {
			cp.Fields = nil
			_ = json.Unmarshal(data, &cp.Fields)
		}
	}
	if f.ReviewedAt != nil {
		at := *f.ReviewedAt
		cp.ReviewedAt = &at
	}
	return &cp
}

func (s *InMemoryFlagStore) Save(_ context.Context, f *FlaggedClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := Pair{ClaimID: f.ClaimID, RuleID: f.RuleID}
	if _, ok := s.pairs[f.TenantID][pair]; ok {
		return fmt.Errorf("claim %s rule %s: %w", f.ClaimID, f.RuleID, ErrFlagExists)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.FlaggedAt.IsZero() {
		f.FlaggedAt = time.Now().UTC()
	}
	if s.pairs[f.TenantID] == nil {
		s.pairs[f.TenantID] = make(map[Pair]string)
	}
	s.pairs[f.TenantID][pair] = f.ID
	s.flags[f.ID] = copyFlag(f)
	return nil
}

func (s *InMemoryFlagStore) ExistingPairs(_ context.Context, tenantID string, claimIDs []string) (map[Pair]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(claimIDs))
	for _, id := range claimIDs {
		wanted[id] = true
	}
	out := make(map[Pair]bool)
	for pair := range s.pairs[tenantID] {
		if wanted[pair.ClaimID] {
			out[pair] = true
		}
	}
	return out, nil
}

func (s *InMemoryFlagStore) Get(_ context.Context, tenantID, id string) (*FlaggedClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[id]
	if !ok || f.TenantID != tenantID {
		return nil, fmt.Errorf("flag %s: %w", id, ErrFlagNotFound)
	}
	return copyFlag(f), nil
}

func (s *InMemoryFlagStore) List(_ context.Context, filter FlagFilter) ([]*FlaggedClaim, error) {
	s.mu.RLock()
	var out []*FlaggedClaim
	for _, f := range s.flags {
		if matchesFlag(f, filter) {
			out = append(out, copyFlag(f))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FlaggedAt.Equal(out[j].FlaggedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FlaggedAt.After(out[j].FlaggedAt)
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func matchesFlag(f *FlaggedClaim, filter FlagFilter) bool {
	switch {
	case f.TenantID != filter.TenantID:
		return false
	case filter.RuleID != "" && f.RuleID != filter.RuleID:
		return false
	case filter.RunID != "" && f.RunID != filter.RunID:
		return false
	case filter.ClaimID != "" && f.ClaimID != filter.ClaimID:
		return false
	case filter.Reviewed != nil && f.Reviewed != *filter.Reviewed:
		return false
	}
	return true
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *InMemoryFlagStore) MarkReviewed(_ context.Context, tenantID, id, reviewer, note string) (*FlaggedClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[id]
	if !ok || f.TenantID != tenantID {
		return nil, fmt.Errorf("flag %s: %w", id, ErrFlagNotFound)
	}
	now := time.Now().UTC()
	f.Reviewed = true
	f.ReviewedBy = reviewer
	f.ReviewedAt = &now
	f.ReviewNote = note
	return copyFlag(f), nil
}

// InMemoryRunStore is a RunStore for tests and offline runs
type InMemoryRunStore struct {
	runs map[string]*AuditRun
	mu   sync.RWMutex
}

// NewInMemoryRunStore creates an empty run store
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]*AuditRun)}
}

func copyRun(r *AuditRun) *AuditRun {
	cp := *r
	cp.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func (s *InMemoryRunStore) Create(_ context.Context, run *AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *InMemoryRunStore) Finish(_ context.Context, run *AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunNotFound)
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *InMemoryRunStore) Get(_ context.Context, tenantID, id string) (*AuditRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok || r.TenantID != tenantID {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return copyRun(r), nil
}

func (s *InMemoryRunStore) List(_ context.Context, filter RunFilter) ([]*AuditRun, error) {
	s.mu.RLock()
	var out []*AuditRun
	for _, r := range s.runs {
		if r.TenantID != filter.TenantID || (filter.Status != "" && r.Status != filter.Status) {
			continue
		}
		out = append(out, copyRun(r))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return page(out, 0, filter.Limit), nil
}
