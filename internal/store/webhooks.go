package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordWebhookEvent stores a delivery key and reports whether it was seen
// for the first time. Providers deliver at least once.
func RecordWebhookEvent(ctx context.Context, db *sql.DB, provider, eventKey, eventType string) (bool, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, event_key, event_type, received_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (provider, event_key) DO NOTHING`,
		provider, eventKey, eventType)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}
