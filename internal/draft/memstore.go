package draft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/flowdesk/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[string]Draft
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]Draft), now: time.Now}
}

// Create persists a new draft.
func (s *MemoryStore) Create(_ context.Context, d Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.drafts[d.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("draft %q already exists", d.ID))
	}
	d.Flow = d.Flow.Clone()
	s.drafts[d.ID] = d
	return nil
}

// Get retrieves a draft by id, scoped to an organization.
func (s *MemoryStore) Get(_ context.Context, orgID, draftID string) (Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.drafts[draftID]
	if !exists || d.OrganizationID != orgID {
		return Draft{}, model.NewNotFoundError(fmt.Sprintf("draft %q not found", draftID))
	}
	d.Flow = d.Flow.Clone()
	return d, nil
}

// Update persists d with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, d Draft) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.drafts[d.ID]
	if !exists || existing.OrganizationID != d.OrganizationID {
		return Draft{}, model.NewNotFoundError(fmt.Sprintf("draft %q not found", d.ID))
	}
	if existing.Version != d.Version {
		return Draft{}, model.NewConflictError(
			fmt.Sprintf("draft %q version conflict (expected %d, got %d)", d.ID, d.Version, existing.Version),
		)
	}

	d.Version++
	d.UpdatedAt = s.now().UTC()
	d.Flow = d.Flow.Clone()
	s.drafts[d.ID] = d
	out := d
	out.Flow = d.Flow.Clone()
	return out, nil
}

// Delete removes a draft.
func (s *MemoryStore) Delete(_ context.Context, orgID, draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.drafts[draftID]
	if !exists || d.OrganizationID != orgID {
		return model.NewNotFoundError(fmt.Sprintf("draft %q not found", draftID))
	}
	delete(s.drafts, draftID)
	return nil
}

// DeleteExpired removes drafts whose expiry is before cutoff.
func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.drafts {
		if d.Expired(cutoff) {
			delete(s.drafts, id)
			n++
		}
	}
	return n, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored drafts. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drafts)
}
