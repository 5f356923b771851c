package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"callrelay/internal/platform/database"
	"callrelay/internal/platform/models"
)

type ExecutionRepository struct {
	db *database.DB
}

func NewExecutionRepository(db *database.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Insert(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = "exe_" + uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO webhook_executions (id, webhook_id, tenant_id, event_type, status, http_status, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.WebhookID, rec.TenantID, rec.EventType, rec.Status, rec.HTTPStatus, rec.Response, rec.CreatedAt)
	return err
}

// PruneTenant deletes every record of the tenant except the newest keep rows
// in one statement.
func (r *ExecutionRepository) PruneTenant(ctx context.Context, tenantID string, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM webhook_executions WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (ORDER BY created_at DESC, id DESC) AS rn
				FROM webhook_executions WHERE tenant_id = ?
			) ranked WHERE rn > ?
		)
	`), tenantID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListIDsBeyond returns the ids of the tenant's records older than the newest keep.
func (r *ExecutionRepository) ListIDsBeyond(ctx context.Context, tenantID string, keep int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT id FROM webhook_executions WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
	`), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	seen := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen++
		if seen > keep {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (r *ExecutionRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhook_executions WHERE id = ?`), id)
	return err
}
