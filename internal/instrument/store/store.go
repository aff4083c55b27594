package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"urbanride/internal/common/database"
	"urbanride/internal/common/money"
	"urbanride/internal/instrument/domain"
)

// Store provides access to payment instruments
type Store struct {
	db *database.DB
}

// New creates a new instrument store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const instrumentColumns = `id, owner_user_id, card_type, masked_number, full_number, owner_name,
	expiration_date, brand, state, balance_minor, currency, billing_address, postal_code,
	registered_at, updated_at`

func scanInstrument(row pgx.Row) (*domain.Instrument, error) {
	var inst domain.Instrument
	var balanceMinor int64
	var currency string

	err := row.Scan(
		&inst.ID,
		&inst.OwnerUserID,
		&inst.CardType,
		&inst.MaskedNumber,
		&inst.FullNumber,
		&inst.OwnerName,
		&inst.ExpirationDate,
		&inst.Brand,
		&inst.State,
		&balanceMinor,
		&currency,
		&inst.BillingAddress,
		&inst.PostalCode,
		&inst.RegisteredAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning instrument: %w", err)
	}

	inst.Balance = money.New(balanceMinor, money.Currency(currency))
	return &inst, nil
}

// CreateTx inserts a new instrument within a transaction
func (s *Store) CreateTx(ctx context.Context, q database.Querier, inst *domain.Instrument) error {
	query := `
		INSERT INTO payment_instruments (
			owner_user_id, card_type, masked_number, full_number, owner_name,
			expiration_date, brand, state, balance_minor, currency,
			billing_address, postal_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, registered_at, updated_at`

	err := q.QueryRow(ctx, query,
		inst.OwnerUserID,
		inst.CardType,
		inst.MaskedNumber,
		inst.FullNumber,
		inst.OwnerName,
		inst.ExpirationDate,
		inst.Brand,
		inst.State,
		inst.Balance.AmountMinor,
		inst.Balance.Currency,
		inst.BillingAddress,
		inst.PostalCode,
	).Scan(&inst.ID, &inst.RegisteredAt, &inst.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting instrument: %w", err)
	}
	return nil
}

// Get retrieves an instrument by id, scoped to its owner
func (s *Store) Get(ctx context.Context, ownerUserID string, id int64) (*domain.Instrument, error) {
	query := fmt.Sprintf(`SELECT %s FROM payment_instruments WHERE id = $1 AND owner_user_id = $2`, instrumentColumns)
	return scanInstrument(s.db.QueryRow(ctx, query, id, ownerUserID))
}

// GetForUpdateTx retrieves an instrument with a row lock
func (s *Store) GetForUpdateTx(ctx context.Context, q database.Querier, ownerUserID string, id int64) (*domain.Instrument, error) {
	query := fmt.Sprintf(`SELECT %s FROM payment_instruments WHERE id = $1 AND owner_user_id = $2 FOR UPDATE`, instrumentColumns)
	return scanInstrument(q.QueryRow(ctx, query, id, ownerUserID))
}

// GetPrincipal retrieves the user's principal instrument
func (s *Store) GetPrincipal(ctx context.Context, ownerUserID string) (*domain.Instrument, error) {
	query := fmt.Sprintf(`SELECT %s FROM payment_instruments WHERE owner_user_id = $1 AND state = $2`, instrumentColumns)
	return scanInstrument(s.db.QueryRow(ctx, query, ownerUserID, domain.StateActivePrincipal))
}

// ListActive lists the user's active instruments, oldest first
func (s *Store) ListActive(ctx context.Context, ownerUserID string) ([]*domain.Instrument, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payment_instruments
		WHERE owner_user_id = $1 AND state <> $2
		ORDER BY id`, instrumentColumns)

	rows, err := s.db.Query(ctx, query, ownerUserID, domain.StateInactive)
	if err != nil {
		return nil, fmt.Errorf("listing instruments: %w", err)
	}
	defer rows.Close()

	var instruments []*domain.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

// CountActiveTx counts the user's active instruments
func (s *Store) CountActiveTx(ctx context.Context, q database.Querier, ownerUserID string) (int, error) {
	var count int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_instruments WHERE owner_user_id = $1 AND state <> $2`,
		ownerUserID, domain.StateInactive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting instruments: %w", err)
	}
	return count, nil
}

// DemotePrincipalTx demotes the user's current principal, if any, and
// returns its id.
func (s *Store) DemotePrincipalTx(ctx context.Context, q database.Querier, ownerUserID string) (*int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		UPDATE payment_instruments SET state = $1, updated_at = now()
		WHERE owner_user_id = $2 AND state = $3
		RETURNING id`,
		domain.StateActiveSecondary, ownerUserID, domain.StateActivePrincipal,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("demoting principal: %w", err)
	}
	return &id, nil
}

// PromoteTx promotes an active secondary instrument to principal
func (s *Store) PromoteTx(ctx context.Context, q database.Querier, ownerUserID string, id int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE payment_instruments SET state = $1, updated_at = now()
		WHERE id = $2 AND owner_user_id = $3 AND state = $4`,
		domain.StateActivePrincipal, id, ownerUserID, domain.StateActiveSecondary,
	)
	if err != nil {
		return fmt.Errorf("promoting instrument: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// PromoteLowestSecondaryTx promotes the user's lowest-id active secondary
// instrument, if one exists, and returns its id.
func (s *Store) PromoteLowestSecondaryTx(ctx context.Context, q database.Querier, ownerUserID string) (*int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		UPDATE payment_instruments SET state = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM payment_instruments
			WHERE owner_user_id = $2 AND state = $3
			ORDER BY id
			LIMIT 1
			FOR UPDATE
		)
		RETURNING id`,
		domain.StateActivePrincipal, ownerUserID, domain.StateActiveSecondary,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("promoting secondary: %w", err)
	}
	return &id, nil
}

// DeactivateTx soft-deletes an active instrument and returns its prior state
func (s *Store) DeactivateTx(ctx context.Context, q database.Querier, ownerUserID string, id int64) (domain.State, error) {
	var prior domain.State
	err := q.QueryRow(ctx, `
		UPDATE payment_instruments p SET state = $1, updated_at = now()
		FROM (SELECT id, state FROM payment_instruments WHERE id = $2 AND owner_user_id = $3 AND state <> $1 FOR UPDATE) prev
		WHERE p.id = prev.id
		RETURNING prev.state`,
		domain.StateInactive, id, ownerUserID,
	).Scan(&prior)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", database.ErrNotFound
		}
		return "", fmt.Errorf("deactivating instrument: %w", err)
	}
	return prior, nil
}

// Update persists mutable instrument attributes
func (s *Store) Update(ctx context.Context, inst *domain.Instrument) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_instruments
		SET owner_name = $1, expiration_date = $2, billing_address = $3, postal_code = $4, updated_at = now()
		WHERE id = $5 AND owner_user_id = $6 AND state <> $7`,
		inst.OwnerName, inst.ExpirationDate, inst.BillingAddress, inst.PostalCode,
		inst.ID, inst.OwnerUserID, domain.StateInactive,
	)
	if err != nil {
		return fmt.Errorf("updating instrument: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Credit atomically increments an active instrument's balance and returns
// the before and after balances.
func (s *Store) Credit(ctx context.Context, ownerUserID string, id int64, amount int64) (before, after int64, err error) {
	err = s.db.QueryRow(ctx, `
		UPDATE payment_instruments SET balance_minor = balance_minor + $1, updated_at = now()
		WHERE id = $2 AND owner_user_id = $3 AND state <> $4
		RETURNING balance_minor`,
		amount, id, ownerUserID, domain.StateInactive,
	).Scan(&after)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, database.ErrNotFound
		}
		return 0, 0, fmt.Errorf("crediting balance: %w", err)
	}
	return after - amount, after, nil
}

// Debit atomically decrements an active instrument's balance when it is
// sufficient, returning the before and after balances. Returns
// domain.ErrInsufficientBalance when the balance cannot cover the amount.
func (s *Store) Debit(ctx context.Context, ownerUserID string, id int64, amount int64) (before, after int64, err error) {
	err = s.db.QueryRow(ctx, `
		UPDATE payment_instruments SET balance_minor = balance_minor - $1, updated_at = now()
		WHERE id = $2 AND owner_user_id = $3 AND state <> $4 AND balance_minor >= $1
		RETURNING balance_minor`,
		amount, id, ownerUserID, domain.StateInactive,
	).Scan(&after)
	if err == nil {
		return after + amount, after, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("debiting balance: %w", err)
	}

	// Conditional update matched nothing: distinguish a missing or inactive
	// instrument from an insufficient balance.
	inst, getErr := s.Get(ctx, ownerUserID, id)
	if getErr != nil {
		return 0, 0, getErr
	}
	if !inst.IsActive() {
		return 0, 0, domain.ErrInstrumentInactive
	}
	return 0, 0, domain.ErrInsufficientBalance
}

// TotalBalance sums active-instrument balances for a user and returns the
// number of active instruments.
func (s *Store) TotalBalance(ctx context.Context, ownerUserID string) (total int64, activeCount int, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(balance_minor), 0), COUNT(*)
		FROM payment_instruments
		WHERE owner_user_id = $1 AND state <> $2`,
		ownerUserID, domain.StateInactive,
	).Scan(&total, &activeCount)
	if err != nil {
		return 0, 0, fmt.Errorf("summing balances: %w", err)
	}
	return total, activeCount, nil
}
