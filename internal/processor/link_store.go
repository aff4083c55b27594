package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"urbanride/internal/common/database"
)

// Link maps a platform user to the processor's customer identifier
type Link struct {
	OwnerUserID         string    `json:"owner_user_id"`
	ProcessorCustomerID string    `json:"processor_customer_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// LinkStore persists external customer links
type LinkStore struct {
	db *database.DB
}

// NewLinkStore creates a new link store
func NewLinkStore(db *database.DB) *LinkStore {
	return &LinkStore{db: db}
}

// Get looks up the link for a user
func (s *LinkStore) Get(ctx context.Context, ownerUserID string) (*Link, error) {
	var link Link
	err := s.db.QueryRow(ctx, `
		SELECT owner_user_id, processor_customer_id, created_at
		FROM external_customer_links
		WHERE owner_user_id = $1`,
		ownerUserID,
	).Scan(&link.OwnerUserID, &link.ProcessorCustomerID, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("getting customer link: %w", err)
	}
	return &link, nil
}

// Insert persists a link. Insert-or-fetch: when another writer won the
// unique constraint race, the stored link is returned and the caller's
// customer id is reported as abandoned via ok=false.
func (s *LinkStore) Insert(ctx context.Context, ownerUserID, customerID string) (link *Link, ok bool, err error) {
	var stored Link
	insertErr := s.db.QueryRow(ctx, `
		INSERT INTO external_customer_links (owner_user_id, processor_customer_id)
		VALUES ($1, $2)
		ON CONFLICT (owner_user_id) DO NOTHING
		RETURNING owner_user_id, processor_customer_id, created_at`,
		ownerUserID, customerID,
	).Scan(&stored.OwnerUserID, &stored.ProcessorCustomerID, &stored.CreatedAt)
	if insertErr == nil {
		return &stored, true, nil
	}
	if !errors.Is(insertErr, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("inserting customer link: %w", insertErr)
	}

	existing, err := s.Get(ctx, ownerUserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}
