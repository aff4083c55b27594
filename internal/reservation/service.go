package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"urbanride/internal/common/database"
	"urbanride/internal/common/events"
	"urbanride/internal/common/money"
	"urbanride/internal/instrument"
	idomain "urbanride/internal/instrument/domain"
	"urbanride/internal/reservation/domain"
	"urbanride/internal/reservation/store"
)

// CooldownWindow is the interval during which a user or bicycle cannot be
// the subject of a second reservation.
const CooldownWindow = 10 * time.Minute

// Store is the persistence interface the service depends on
type Store interface {
	AcquireLocksTx(ctx context.Context, q database.Querier, userKey, bicycleKey string) error
	ExistsRecentByUserTx(ctx context.Context, q database.Querier, userID string, since time.Time) (bool, error)
	ExistsRecentByBicycleTx(ctx context.Context, q database.Querier, series, bicycleID string, since time.Time) (bool, error)
	CreateTx(ctx context.Context, q database.Querier, res *domain.Reservation) error
	GetForUser(ctx context.Context, userID string, id int64) (*domain.Reservation, error)
	Delete(ctx context.Context, userID string, id int64) (*domain.Reservation, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Reservation, error)
	ListByBicycle(ctx context.Context, series, bicycleID string) ([]*domain.Reservation, error)
}

// InstrumentChecker verifies instrument ownership and activity
type InstrumentChecker interface {
	Get(ctx context.Context, ownerUserID string, id int64) (*idomain.Instrument, error)
}

// TxRunner runs a function inside a database transaction
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Emitter publishes domain events best-effort
type Emitter interface {
	Emit(ctx context.Context, eventType, aggregateType, aggregateID, correlationID string, data interface{})
}

// Service orchestrates the reservation lifecycle
type Service struct {
	store       Store
	db          TxRunner
	instruments InstrumentChecker
	authorizer  instrument.Authorizer
	emitter     Emitter
	logger      *slog.Logger
	fee         money.Money
	now         func() time.Time
}

// NewService creates a new reservation service. fee is the flat
// reservation charge authorized on every booking.
func NewService(db *database.DB, instruments InstrumentChecker, authorizer instrument.Authorizer, emitter Emitter, fee money.Money, logger *slog.Logger) *Service {
	return &Service{
		store:       store.New(db),
		db:          db,
		instruments: instruments,
		authorizer:  authorizer,
		emitter:     emitter,
		logger:      logger,
		fee:         fee,
		now:         time.Now,
	}
}

// newServiceWithDeps wires explicit dependencies, used by tests
func newServiceWithDeps(st Store, db TxRunner, instruments InstrumentChecker, authorizer instrument.Authorizer, emitter Emitter, fee money.Money, now func() time.Time, logger *slog.Logger) *Service {
	return &Service{
		store:       st,
		db:          db,
		instruments: instruments,
		authorizer:  authorizer,
		emitter:     emitter,
		logger:      logger,
		fee:         fee,
		now:         now,
	}
}

// CreateReservation books a bicycle for a user. The window checks, the
// reservation insert, and the processor authorization all run inside one
// transaction holding advisory locks on the user and bicycle: concurrent
// attempts serialize, and a failed authorization rolls the insert back so
// no reservation is retained without a charge.
func (s *Service) CreateReservation(ctx context.Context, userID, series, bicycleID string, instrumentID int64, correlationID string) (*domain.Reservation, error) {
	now := s.now().UTC()
	attempt := domain.NewAttempt(userID, series, bicycleID, instrumentID, now)
	since := now.Add(-CooldownWindow)

	res := &domain.Reservation{
		UserID:        userID,
		BicycleSeries: series,
		BicycleID:     bicycleID,
		InstrumentID:  instrumentID,
		RequestedAt:   now,
	}

	var authRef string

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.AcquireLocksTx(ctx, tx, "user:"+userID, "bike:"+series+":"+bicycleID); err != nil {
			return err
		}

		if err := attempt.Advance(domain.AttemptValidatingUserWindow); err != nil {
			return err
		}
		busy, err := s.store.ExistsRecentByUserTx(ctx, tx, userID, since)
		if err != nil {
			return err
		}
		if busy {
			return domain.ErrUserCooldownActive
		}

		if err := attempt.Advance(domain.AttemptValidatingBikeWindow); err != nil {
			return err
		}
		reserved, err := s.store.ExistsRecentByBicycleTx(ctx, tx, series, bicycleID, since)
		if err != nil {
			return err
		}
		if reserved {
			return domain.ErrBicycleAlreadyReserved
		}

		if err := attempt.Advance(domain.AttemptValidatingInstrument); err != nil {
			return err
		}
		inst, err := s.instruments.Get(ctx, userID, instrumentID)
		if err != nil || !inst.IsActive() {
			return domain.ErrInstrumentNotFound
		}

		// Insert before authorizing: the row (under the advisory locks)
		// is what arbitrates concurrent attempts, and the rollback on
		// authorization failure retains neither row nor charge.
		if err := s.store.CreateTx(ctx, tx, res); err != nil {
			return err
		}

		if err := attempt.Advance(domain.AttemptAuthorizing); err != nil {
			return err
		}
		auth, err := s.authorizer.Authorize(ctx, instrument.AuthorizationRequest{
			OwnerUserID:  userID,
			InstrumentID: instrumentID,
			Amount:       s.fee,
			OperationTag: "reservation",
			Metadata: map[string]string{
				"bicycle_series": series,
				"bicycle_id":     bicycleID,
				"instrument_id":  strconv.FormatInt(instrumentID, 10),
			},
		})
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrAuthorizationFailed, err)
		}
		authRef = auth.Reference

		return attempt.Advance(domain.AttemptCommitted)
	})
	if err != nil {
		attempt.Reject()
		return nil, err
	}

	s.logger.Info("reservation created",
		"reservation_id", res.ID,
		"user_id", userID,
		"bicycle", series+":"+bicycleID,
		"instrument_id", instrumentID,
		"auth_reference", authRef,
	)

	s.emitter.Emit(ctx, events.EventReservationCreated, "reservation", strconv.FormatInt(res.ID, 10), correlationID,
		events.ReservationCreatedData{
			ReservationID: res.ID,
			UserID:        userID,
			SeriesNumber:  series,
			BicycleCode:   bicycleID,
			InstrumentID:  instrumentID,
			Amount:        s.fee.AmountMinor,
			Currency:      string(s.fee.Currency),
			ReservedAt:    res.RequestedAt,
		})

	return res, nil
}

// CancelReservation deletes a reservation owned by the user. The original
// authorization is not reversed; the reservation fee is non-refundable.
func (s *Service) CancelReservation(ctx context.Context, userID string, id int64, correlationID string) error {
	res, err := s.store.Delete(ctx, userID, id)
	if err != nil {
		if database.IsNotFound(err) {
			return domain.ErrNotFound
		}
		return err
	}

	s.logger.Info("reservation cancelled",
		"reservation_id", id,
		"user_id", userID,
	)

	s.emitter.Emit(ctx, events.EventReservationCancelled, "reservation", strconv.FormatInt(id, 10), correlationID,
		events.ReservationCancelledData{
			ReservationID: id,
			UserID:        userID,
			SeriesNumber:  res.BicycleSeries,
			BicycleCode:   res.BicycleID,
			CancelledAt:   s.now().UTC(),
		})

	return nil
}

// GetByID retrieves a reservation scoped to its owner
func (s *Service) GetByID(ctx context.Context, userID string, id int64) (*domain.Reservation, error) {
	res, err := s.store.GetForUser(ctx, userID, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return res, nil
}

// ListByUser lists the caller's reservations
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*domain.Reservation, error) {
	return s.store.ListByUser(ctx, userID)
}

// ListByBicycle lists reservations for a bicycle
func (s *Service) ListByBicycle(ctx context.Context, series, bicycleID string) ([]*domain.Reservation, error) {
	return s.store.ListByBicycle(ctx, series, bicycleID)
}
