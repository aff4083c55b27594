package processor

import (
	"context"
	"fmt"

	"urbanride/internal/common/database"
)

// WebhookEventStore de-duplicates processor webhook deliveries by event id
type WebhookEventStore struct {
	db *database.DB
}

// NewWebhookEventStore creates a new webhook dedupe store
func NewWebhookEventStore(db *database.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// MarkProcessed records an event id; returns false when it was already seen
func (s *WebhookEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("recording webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Forget releases an event id after a failed handling attempt
func (s *WebhookEventStore) Forget(ctx context.Context, eventID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("releasing webhook event: %w", err)
	}
	return nil
}
