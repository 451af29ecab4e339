package draft

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowdesk/model"
)

// Schema creates the flow_drafts table.
//
//go:embed schema.sql
var Schema string

// PgStore is a PostgreSQL-backed Store using pgx/v5. The flow working copy
// is stored as jsonb.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL draft store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies Schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate flow_drafts: %w", err)
	}
	return nil
}

// Create inserts a new draft.
func (s *PgStore) Create(ctx context.Context, d Draft) error {
	flowJSON, err := json.Marshal(d.Flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flow_drafts (
			id, organization_id, subject_id, flow, version,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.OrganizationID, d.SubjectID, flowJSON, d.Version,
		d.CreatedAt, d.UpdatedAt, d.ExpiresAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("draft %q already exists", d.ID))
	}
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

// Get retrieves a draft by id, scoped to an organization.
func (s *PgStore) Get(ctx context.Context, orgID, draftID string) (Draft, error) {
	var d Draft
	var flowJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, subject_id, flow, version,
		       created_at, updated_at, expires_at
		FROM flow_drafts
		WHERE id = $1 AND organization_id = $2`,
		draftID, orgID,
	).Scan(
		&d.ID, &d.OrganizationID, &d.SubjectID, &flowJSON, &d.Version,
		&d.CreatedAt, &d.UpdatedAt, &d.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Draft{}, model.NewNotFoundError(fmt.Sprintf("draft %q not found", draftID))
	}
	if err != nil {
		return Draft{}, fmt.Errorf("query draft: %w", err)
	}
	if err := json.Unmarshal(flowJSON, &d.Flow); err != nil {
		return Draft{}, fmt.Errorf("unmarshal draft flow: %w", err)
	}
	return d, nil
}

// Update persists d with optimistic locking.
func (s *PgStore) Update(ctx context.Context, d Draft) (Draft, error) {
	flowJSON, err := json.Marshal(d.Flow)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal flow: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE flow_drafts SET
			flow = $1,
			version = $2,
			updated_at = $3,
			expires_at = $4
		WHERE id = $5 AND organization_id = $6 AND version = $7`,
		flowJSON, d.Version+1, now, d.ExpiresAt,
		d.ID, d.OrganizationID, d.Version,
	)
	if err != nil {
		return Draft{}, fmt.Errorf("update draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, d.OrganizationID, d.ID); err != nil {
			return Draft{}, err
		}
		return Draft{}, model.NewConflictError(
			fmt.Sprintf("draft %q version conflict (expected %d)", d.ID, d.Version),
		)
	}
	d.Version++
	d.UpdatedAt = now
	return d, nil
}

// Delete removes a draft.
func (s *PgStore) Delete(ctx context.Context, orgID, draftID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM flow_drafts
		WHERE id = $1 AND organization_id = $2`,
		draftID, orgID,
	)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("draft %q not found", draftID))
	}
	return nil
}

// DeleteExpired removes drafts whose expiry is before cutoff.
func (s *PgStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flow_drafts WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired drafts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
