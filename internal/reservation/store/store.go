package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"urbanride/internal/common/database"
	"urbanride/internal/reservation/domain"
)

// Store provides access to reservations
type Store struct {
	db *database.DB
}

// New creates a new reservation store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const reservationColumns = `id, user_id, bicycle_series, bicycle_id, instrument_id, requested_at`

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(
		&res.ID,
		&res.UserID,
		&res.BicycleSeries,
		&res.BicycleID,
		&res.InstrumentID,
		&res.RequestedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning reservation: %w", err)
	}
	return &res, nil
}

// AcquireLocksTx takes transaction-scoped advisory locks on the user and
// bicycle keys, serializing concurrent reservation attempts so the window
// checks and insert are atomic against each other.
func (s *Store) AcquireLocksTx(ctx context.Context, q database.Querier, userKey, bicycleKey string) error {
	if _, err := q.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1)), pg_advisory_xact_lock(hashtext($2))`,
		userKey, bicycleKey,
	); err != nil {
		return fmt.Errorf("acquiring reservation locks: %w", err)
	}
	return nil
}

// ExistsRecentByUserTx reports whether the user has a reservation at or
// after the given instant.
func (s *Store) ExistsRecentByUserTx(ctx context.Context, q database.Querier, userID string, since time.Time) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE user_id = $1 AND requested_at >= $2)`,
		userID, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking user cooldown: %w", err)
	}
	return exists, nil
}

// ExistsRecentByBicycleTx reports whether the bicycle has a reservation at
// or after the given instant.
func (s *Store) ExistsRecentByBicycleTx(ctx context.Context, q database.Querier, series, bicycleID string, since time.Time) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE bicycle_series = $1 AND bicycle_id = $2 AND requested_at >= $3)`,
		series, bicycleID, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking bicycle cooldown: %w", err)
	}
	return exists, nil
}

// CreateTx inserts a reservation within a transaction
func (s *Store) CreateTx(ctx context.Context, q database.Querier, res *domain.Reservation) error {
	err := q.QueryRow(ctx, `
		INSERT INTO reservations (user_id, bicycle_series, bicycle_id, instrument_id, requested_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		res.UserID, res.BicycleSeries, res.BicycleID, res.InstrumentID, res.RequestedAt,
	).Scan(&res.ID)
	if err != nil {
		return fmt.Errorf("inserting reservation: %w", err)
	}
	return nil
}

// GetForUser retrieves a reservation scoped to its owner
func (s *Store) GetForUser(ctx context.Context, userID string, id int64) (*domain.Reservation, error) {
	query := fmt.Sprintf(`SELECT %s FROM reservations WHERE id = $1 AND user_id = $2`, reservationColumns)
	return scanReservation(s.db.QueryRow(ctx, query, id, userID))
}

// Delete removes a reservation owned by the user and returns the deleted row
func (s *Store) Delete(ctx context.Context, userID string, id int64) (*domain.Reservation, error) {
	query := fmt.Sprintf(`DELETE FROM reservations WHERE id = $1 AND user_id = $2 RETURNING %s`, reservationColumns)
	return scanReservation(s.db.QueryRow(ctx, query, id, userID))
}

// ListByUser lists a user's reservations, newest first
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*domain.Reservation, error) {
	query := fmt.Sprintf(`SELECT %s FROM reservations WHERE user_id = $1 ORDER BY requested_at DESC`, reservationColumns)
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListByBicycle lists reservations for a bicycle, newest first
func (s *Store) ListByBicycle(ctx context.Context, series, bicycleID string) ([]*domain.Reservation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM reservations
		WHERE bicycle_series = $1 AND bicycle_id = $2
		ORDER BY requested_at DESC`, reservationColumns)
	rows, err := s.db.Query(ctx, query, series, bicycleID)
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
