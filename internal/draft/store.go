// Package draft persists editing sessions. A draft holds the working copy
// of one flow while a user adds, edits and removes rules, until it is saved
// or discarded. Drafts are versioned so two tabs editing the same draft
// cannot silently overwrite each other, and they expire after a TTL.
package draft

import (
	"context"
	"time"

	"github.com/pitabwire/flowdesk/model"
)

// Draft is one editing session.
type Draft struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	SubjectID      string     `json:"subjectId"`
	Flow           model.Flow `json:"flow"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
}

// Expired reports whether d has passed its expiry at now.
func (d Draft) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// Store persists drafts.
type Store interface {
	// Create persists a new draft. Returns CONFLICT if the id exists.
	Create(ctx context.Context, d Draft) error

	// Get retrieves a draft scoped to an organization. Returns NOT_FOUND if
	// it does not exist or belongs to another organization.
	Get(ctx context.Context, orgID, draftID string) (Draft, error)

	// Update persists d with optimistic locking: d.Version must equal the
	// stored version, which is then incremented. Returns CONFLICT on
	// mismatch.
	Update(ctx context.Context, d Draft) (Draft, error)

	// Delete removes a draft.
	Delete(ctx context.Context, orgID, draftID string) error

	// DeleteExpired removes drafts that expired before cutoff and returns
	// how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}
