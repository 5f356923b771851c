package repositories

import (
	"context"
	"database/sql"
	"encoding/json"

	"callrelay/internal/platform/database"
	"callrelay/internal/platform/models"
)

type WebhookRepository struct {
	db *database.DB
}

func NewWebhookRepository(db *database.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// ListActiveByTenant returns the tenant's active webhooks expanded with their
// subscribed event names and per-event filter predicates. Nothing is returned
// for inactive or soft-deleted tenants.
func (r *WebhookRepository) ListActiveByTenant(ctx context.Context, tenantID string) ([]*models.Webhook, error) {
	query := `
		SELECT w.id, w.tenant_id, w.name, w.url, w.status, w.created_at, w.updated_at, et.name, we.filters
		FROM webhooks w
		JOIN tenants t ON t.id = w.tenant_id
		LEFT JOIN webhook_events we ON we.webhook_id = w.id
		LEFT JOIN event_types et ON et.id = we.event_type_id
		WHERE w.tenant_id = ? AND w.status = 'active'
		  AND t.status = 'active' AND t.deleted_at IS NULL
		ORDER BY w.created_at, w.id
	`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	byID := make(map[string]*models.Webhook)
	for rows.Next() {
		var w models.Webhook
		var eventName, filtersJSON sql.NullString
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.URL, &w.Status, &w.CreatedAt, &w.UpdatedAt, &eventName, &filtersJSON); err != nil {
			return nil, err
		}

		hook, ok := byID[w.ID]
		if !ok {
			hook = &w
			hook.Events = []string{}
			byID[w.ID] = hook
			webhooks = append(webhooks, hook)
		}

		if !eventName.Valid || eventName.String == "" {
			continue
		}
		hook.Events = append(hook.Events, eventName.String)

		if filtersJSON.Valid && filtersJSON.String != "" {
			var preds []models.FilterPredicate
			if err := json.Unmarshal([]byte(filtersJSON.String), &preds); err != nil {
				// a malformed filter column must not take the webhook down with it
				continue
			}
			if len(preds) > 0 {
				if hook.Filters == nil {
					hook.Filters = make(map[string][]models.FilterPredicate)
				}
				hook.Filters[eventName.String] = preds
			}
		}
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) ListEventTypes(ctx context.Context) ([]*models.EventType, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, display_name FROM event_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []*models.EventType
	for rows.Next() {
		var et models.EventType
		if err := rows.Scan(&et.ID, &et.Name, &et.DisplayName); err != nil {
			return nil, err
		}
		types = append(types, &et)
	}
	return types, rows.Err()
}
