package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"product-importer/internal/models"
)

// CreateWebhook registers a subscriber endpoint for an event type.
func (s *Store) CreateWebhook(ctx context.Context, url, eventType string) (models.Webhook, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhooks (url, event_type, is_active, created_at, updated_at)
		VALUES ($1, $2, TRUE, NOW(), NOW())
		RETURNING id, url, event_type, is_active, created_at, updated_at
	`, url, eventType)
	wh, err := scanWebhook(row)
	if err != nil {
		return models.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	return wh, nil
}

// GetWebhook fetches a webhook by id.
func (s *Store) GetWebhook(ctx context.Context, id int64) (models.Webhook, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, url, event_type, is_active, created_at, updated_at
		FROM webhooks WHERE id = $1
	`, id)
	wh, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Webhook{}, ErrNotFound
	}
	if err != nil {
		return models.Webhook{}, fmt.Errorf("get webhook: %w", err)
	}
	return wh, nil
}

// ListWebhooks returns all registered webhooks.
func (s *Store) ListWebhooks(ctx context.Context) ([]models.Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, url, event_type, is_active, created_at, updated_at
		FROM webhooks ORDER BY id
	`)
}

// ActiveWebhooks returns active subscribers for one event type.
func (s *Store) ActiveWebhooks(ctx context.Context, eventType string) ([]models.Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, url, event_type, is_active, created_at, updated_at
		FROM webhooks WHERE event_type = $1 AND is_active ORDER BY id
	`, eventType)
}

// DeleteWebhook removes a webhook by id.
func (s *Store) DeleteWebhook(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]models.Webhook, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []models.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

func scanWebhook(row rowScanner) (models.Webhook, error) {
	var wh models.Webhook
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&wh.ID, &wh.URL, &wh.EventType, &wh.IsActive, &createdAt, &updatedAt); err != nil {
		return models.Webhook{}, err
	}
	wh.CreatedAt = createdAt.Time
	wh.UpdatedAt = updatedAt.Time
	return wh, nil
}
