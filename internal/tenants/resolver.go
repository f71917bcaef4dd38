// Package tenants implements the tenant resolver: batched find-or-create
// of tenants from caller-supplied external ids, converging concurrent
// writers to a single row via upsert-on-conflict.
package tenants

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"usagemeter/internal/models"
)

// Resolver resolves external tenant ids to internal tenant ids.
type Resolver struct {
	db *sql.DB
}

// New constructs a Resolver.
func New(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve deduplicates externalIDs, batch-looks-up existing tenants, and
// upserts any that are missing. It returns externalId → tenantId for every
// input id.
func (r *Resolver) Resolve(ctx context.Context, orgID string, externalIDs []string) (map[string]string, error) {
	unique := dedupe(externalIDs)
	if len(unique) == 0 {
		return map[string]string{}, nil
	}

	result := make(map[string]string, len(unique))

	existing, err := r.lookupExisting(ctx, orgID, unique)
	if err != nil {
		return nil, fmt.Errorf("lookup existing tenants: %w", err)
	}
	for extID, tenantID := range existing {
		result[extID] = tenantID
	}

	var missing []string
	for _, extID := range unique {
		if _, ok := result[extID]; !ok {
			missing = append(missing, extID)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	created, err := r.upsertMissing(ctx, orgID, missing)
	if err != nil {
		return nil, fmt.Errorf("upsert missing tenants: %w", err)
	}
	for extID, tenantID := range created {
		result[extID] = tenantID
	}

	return result, nil
}

func (r *Resolver) lookupExisting(ctx context.Context, orgID string, externalIDs []string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT external_id, id FROM tenants
		WHERE organization_id = $1 AND external_id = ANY($2)
	`, orgID, pq.Array(externalIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var extID, tenantID string
		if err := rows.Scan(&extID, &tenantID); err != nil {
			return nil, err
		}
		found[extID] = tenantID
	}
	return found, rows.Err()
}

// upsertMissing creates tenants that did not already exist. It is run
// inside a transaction per missing-id set so concurrent ingesters converge
// to a single row per (orgId, externalId); the unique constraint on
// (organization_id, external_id) is the ultimate guarantor even if two
// transactions race.
func (r *Resolver) upsertMissing(ctx context.Context, orgID string, externalIDs []string) (map[string]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	created := make(map[string]string, len(externalIDs))
	for _, extID := range externalIDs {
		var tenantID string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tenants (organization_id, external_id, name, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (organization_id, external_id) DO UPDATE SET updated_at = tenants.updated_at
			RETURNING id
		`, orgID, extID, extID, models.TenantActive).Scan(&tenantID)
		if err != nil {
			return nil, err
		}
		created[extID] = tenantID
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
