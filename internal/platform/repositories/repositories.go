package repositories

import (
	"context"
	"database/sql"

	"callrelay/internal/platform/database"
	"callrelay/internal/platform/models"
)

type TenantRepository struct {
	db *database.DB
}

func NewTenantRepository(db *database.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetByID returns nil, nil when the tenant does not exist.
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	tenant := &models.Tenant{}
	var credential, cluster sql.NullString
	var deletedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, name, upstream_token, upstream_cluster, status, deleted_at, created_at, updated_at
		FROM tenants WHERE id = ?
	`), id).Scan(&tenant.ID, &tenant.Name, &credential, &cluster, &tenant.Status, &deletedAt, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	tenant.Credential = credential.String
	tenant.Cluster = cluster.String
	if deletedAt.Valid {
		tenant.DeletedAt = &deletedAt.Int64
	}
	return tenant, nil
}

// ListIDsWithActiveWebhooks returns active, non-deleted tenants owning at
// least one active webhook.
func (r *TenantRepository) ListIDsWithActiveWebhooks(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT DISTINCT t.id
		FROM tenants t
		JOIN webhooks w ON w.tenant_id = t.id
		WHERE t.status = 'active' AND t.deleted_at IS NULL AND w.status = 'active'
		ORDER BY t.id
	`)
}

func (r *TenantRepository) ListInactiveIDs(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT id FROM tenants
		WHERE status <> 'active' OR deleted_at IS NOT NULL
		ORDER BY id
	`)
}

func (r *TenantRepository) listIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
