package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval for one tenant
type RuleStore interface {
	// Add a new rule and record its first version
	Add(ctx context.Context, rule *Rule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*Rule, error)

	// List all rules, active or not
	List(ctx context.Context) ([]*Rule, error)

	// List all active rules
	ListActive(ctx context.Context) ([]*Rule, error)

	// Update an existing rule, recording a version when Version changed
	Update(ctx context.Context, rule *Rule) error

	// Delete a rule
	Delete(ctx context.Context, id string) error

	// Versions returns the rule's version history, newest first
	Versions(ctx context.Context, id string) ([]*RuleVersion, error)
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	rules    map[string]*Rule
	versions map[string][]*RuleVersion
	mu       sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:    make(map[string]*Rule),
		versions: make(map[string][]*RuleVersion),
	}
}

// Add adds a new rule to the store
func (s *InMemoryRuleStore) Add(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	if rule.Version == 0 {
		rule.Version = 1
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	s.versions[rule.ID] = []*RuleVersion{snapshot(rule, now)}
	return nil
}

// Get retrieves a rule by ID. The returned rule is a copy.
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// List returns every rule, oldest first
func (s *InMemoryRuleStore) List(_ context.Context) ([]*Rule, error) {
	return s.filter(func(*Rule) bool { return true }), nil
}

// ListActive returns all active rules, oldest first
func (s *InMemoryRuleStore) ListActive(_ context.Context) ([]*Rule, error) {
	return s.filter(func(r *Rule) bool { return r.Active }), nil
}

func (s *InMemoryRuleStore) filter(keep func(*Rule) bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if keep(rule) {
			out = append(out, rule.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update replaces an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	now := time.Now()
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = now
	if rule.Version == 0 {
		rule.Version = existing.Version
	}
	s.rules[rule.ID] = rule.Clone()
	if rule.Version != existing.Version {
		s.versions[rule.ID] = append(s.versions[rule.ID], snapshot(rule, now))
	}
	return nil
}

// Delete removes a rule and its history
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	delete(s.versions, id)
	return nil
}

// Versions returns the rule's history, newest first
func (s *InMemoryRuleStore) Versions(_ context.Context, id string) ([]*RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	out := make([]*RuleVersion, len(history))
	for i, v := range history {
		out[len(history)-1-i] = v
	}
	return out, nil
}

func snapshot(r *Rule, at time.Time) *RuleVersion {
	return &RuleVersion{
		RuleID:     r.ID,
		Version:    r.Version,
		LogicKind:  r.LogicKind,
		Parameters: cloneParams(r.Parameters),
		CreatedAt:  at,
	}
}
