package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"urbanride/internal/card"
	"urbanride/internal/common/database"
	"urbanride/internal/common/events"
	"urbanride/internal/common/money"
	"urbanride/internal/instrument/domain"
	"urbanride/internal/instrument/store"
)

// Recharge business bounds, in minor units
const (
	MinRechargeMinor = 1_000
	MaxRechargeMinor = 5_000_000
)

// AuthorizationRequest is a charge request sent to the external processor
type AuthorizationRequest struct {
	OwnerUserID  string
	InstrumentID int64
	Amount       money.Money
	OperationTag string
	Metadata     map[string]string
}

// Authorization is the processor's answer to a successful charge request
type Authorization struct {
	Reference string
	Status    string
}

// Authorizer requests charges from the external payment processor
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
}

// Emitter publishes domain events best-effort
type Emitter interface {
	Emit(ctx context.Context, eventType, aggregateType, aggregateID, correlationID string, data interface{})
}

// Store is the persistence interface the service depends on
type Store interface {
	CreateTx(ctx context.Context, q database.Querier, inst *domain.Instrument) error
	Get(ctx context.Context, ownerUserID string, id int64) (*domain.Instrument, error)
	GetPrincipal(ctx context.Context, ownerUserID string) (*domain.Instrument, error)
	ListActive(ctx context.Context, ownerUserID string) ([]*domain.Instrument, error)
	CountActiveTx(ctx context.Context, q database.Querier, ownerUserID string) (int, error)
	DemotePrincipalTx(ctx context.Context, q database.Querier, ownerUserID string) (*int64, error)
	PromoteTx(ctx context.Context, q database.Querier, ownerUserID string, id int64) error
	PromoteLowestSecondaryTx(ctx context.Context, q database.Querier, ownerUserID string) (*int64, error)
	DeactivateTx(ctx context.Context, q database.Querier, ownerUserID string, id int64) (domain.State, error)
	GetForUpdateTx(ctx context.Context, q database.Querier, ownerUserID string, id int64) (*domain.Instrument, error)
	Update(ctx context.Context, inst *domain.Instrument) error
	Credit(ctx context.Context, ownerUserID string, id int64, amount int64) (before, after int64, err error)
	Debit(ctx context.Context, ownerUserID string, id int64, amount int64) (before, after int64, err error)
	TotalBalance(ctx context.Context, ownerUserID string) (total int64, activeCount int, err error)
}

// TxRunner runs a function inside a database transaction
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Service provides payment-instrument operations
type Service struct {
	store      Store
	db         TxRunner
	authorizer Authorizer
	emitter    Emitter
	logger     *slog.Logger
	currency   money.Currency
}

// NewService creates a new instrument service
func NewService(db *database.DB, authorizer Authorizer, emitter Emitter, currency money.Currency, logger *slog.Logger) *Service {
	return &Service{
		store:      store.New(db),
		db:         db,
		authorizer: authorizer,
		emitter:    emitter,
		logger:     logger,
		currency:   currency,
	}
}

// newServiceWithDeps wires explicit dependencies, used by tests
func newServiceWithDeps(st Store, db TxRunner, authorizer Authorizer, emitter Emitter, currency money.Currency, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		db:         db,
		authorizer: authorizer,
		emitter:    emitter,
		logger:     logger,
		currency:   currency,
	}
}

// CreateInstrumentRequest is the request to register a payment instrument
type CreateInstrumentRequest struct {
	CardType       string `json:"card_type" validate:"required,oneof=CREDIT DEBIT BANK_TRANSFER CASH"`
	OwnerName      string `json:"owner_name" validate:"required,max=255"`
	ExpirationDate string `json:"expiration_date" validate:"required"`
	FullNumber     string `json:"full_number,omitempty"`
	IsPrincipal    bool   `json:"is_principal"`
	BillingAddress string `json:"billing_address"`
	PostalCode     string `json:"postal_code"`
}

// CreateInstrument registers a payment instrument for a user. The first
// active instrument always becomes the principal; a later instrument can
// claim the principal slot explicitly, demoting the current one.
func (s *Service) CreateInstrument(ctx context.Context, ownerUserID string, req CreateInstrumentRequest, correlationID string) (*domain.Instrument, error) {
	brand := card.BrandUnknown
	masked := ""
	var fullNumber *string

	if req.FullNumber != "" {
		if !card.ValidateChecksum(req.FullNumber) {
			return nil, domain.ErrInvalidCard
		}
		brand = card.DetectBrand(req.FullNumber)
		masked = card.Mask(req.FullNumber)
		fullNumber = &req.FullNumber
	}

	if err := domain.ValidateExpiration(req.ExpirationDate, time.Now().UTC()); err != nil {
		return nil, err
	}

	inst := &domain.Instrument{
		OwnerUserID:    ownerUserID,
		CardType:       domain.CardType(req.CardType),
		MaskedNumber:   masked,
		FullNumber:     fullNumber,
		OwnerName:      req.OwnerName,
		ExpirationDate: req.ExpirationDate,
		Brand:          brand,
		Balance:        money.Zero(s.currency),
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		active, err := s.store.CountActiveTx(ctx, tx, ownerUserID)
		if err != nil {
			return err
		}

		switch {
		case active == 0:
			inst.State = domain.StateActivePrincipal
		case req.IsPrincipal:
			if _, err := s.store.DemotePrincipalTx(ctx, tx, ownerUserID); err != nil {
				return err
			}
			inst.State = domain.StateActivePrincipal
		default:
			inst.State = domain.StateActiveSecondary
		}

		return s.store.CreateTx(ctx, tx, inst)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("instrument created",
		"instrument_id", inst.ID,
		"user_id", ownerUserID,
		"brand", inst.Brand,
		"state", inst.State,
	)

	s.emitter.Emit(ctx, events.EventInstrumentCreated, "payment_instrument", formatID(inst.ID), correlationID,
		events.InstrumentCreatedData{
			InstrumentID: inst.ID,
			UserID:       ownerUserID,
			CardType:     string(inst.CardType),
			Brand:        string(inst.Brand),
			MaskedNumber: inst.MaskedNumber,
			State:        string(inst.State),
		})

	return inst, nil
}

// ProcessorCard holds card display attributes reported by the processor
type ProcessorCard struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// CreateFromProcessor registers an instrument confirmed asynchronously by
// the processor. Only display attributes are stored, never a full number.
func (s *Service) CreateFromProcessor(ctx context.Context, ownerUserID string, pc ProcessorCard, correlationID string) (*domain.Instrument, error) {
	masked := ""
	if len(pc.Last4) == 4 {
		masked = "**** **** **** " + pc.Last4
	}

	inst := &domain.Instrument{
		OwnerUserID:    ownerUserID,
		CardType:       domain.CardTypeCredit,
		MaskedNumber:   masked,
		OwnerName:      "",
		ExpirationDate: domain.FormatExpiration(pc.ExpMonth, pc.ExpYear),
		Brand:          normalizeBrand(pc.Brand),
		Balance:        money.Zero(s.currency),
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		active, err := s.store.CountActiveTx(ctx, tx, ownerUserID)
		if err != nil {
			return err
		}
		if active == 0 {
			inst.State = domain.StateActivePrincipal
		} else {
			inst.State = domain.StateActiveSecondary
		}
		return s.store.CreateTx(ctx, tx, inst)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("instrument created from processor confirmation",
		"instrument_id", inst.ID,
		"user_id", ownerUserID,
		"brand", inst.Brand,
	)

	s.emitter.Emit(ctx, events.EventInstrumentCreated, "payment_instrument", formatID(inst.ID), correlationID,
		events.InstrumentCreatedData{
			InstrumentID: inst.ID,
			UserID:       ownerUserID,
			CardType:     string(inst.CardType),
			Brand:        string(inst.Brand),
			MaskedNumber: inst.MaskedNumber,
			State:        string(inst.State),
		})

	return inst, nil
}

// UpdateInstrumentRequest is a partial update of instrument attributes
type UpdateInstrumentRequest struct {
	OwnerName      *string `json:"owner_name" validate:"omitempty,max=255"`
	ExpirationDate *string `json:"expiration_date"`
	BillingAddress *string `json:"billing_address"`
	PostalCode     *string `json:"postal_code"`
}

// UpdateInstrument mutates holder name, expiration, billing address and
// postal code only.
func (s *Service) UpdateInstrument(ctx context.Context, ownerUserID string, id int64, req UpdateInstrumentRequest, correlationID string) (*domain.Instrument, error) {
	inst, err := s.store.Get(ctx, ownerUserID, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !inst.IsActive() {
		return nil, domain.ErrNotFound
	}

	if req.ExpirationDate != nil {
		if err := domain.ValidateExpiration(*req.ExpirationDate, time.Now().UTC()); err != nil {
			return nil, err
		}
		inst.ExpirationDate = *req.ExpirationDate
	}
	if req.OwnerName != nil {
		inst.OwnerName = *req.OwnerName
	}
	if req.BillingAddress != nil {
		inst.BillingAddress = *req.BillingAddress
	}
	if req.PostalCode != nil {
		inst.PostalCode = *req.PostalCode
	}

	if err := s.store.Update(ctx, inst); err != nil {
		return nil, mapNotFound(err)
	}

	s.emitter.Emit(ctx, events.EventInstrumentUpdated, "payment_instrument", formatID(inst.ID), correlationID,
		events.InstrumentUpdatedData{
			InstrumentID: inst.ID,
			UserID:       ownerUserID,
			State:        string(inst.State),
		})

	return inst, nil
}

// DeleteInstrument soft-deletes an instrument. When the principal is
// deleted, the lowest-id remaining active instrument is promoted.
func (s *Service) DeleteInstrument(ctx context.Context, ownerUserID string, id int64, correlationID string) error {
	var promoted *int64

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		prior, err := s.store.DeactivateTx(ctx, tx, ownerUserID, id)
		if err != nil {
			return err
		}
		if prior == domain.StateActivePrincipal {
			promoted, err = s.store.PromoteLowestSecondaryTx(ctx, tx, ownerUserID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapNotFound(err)
	}

	s.logger.Info("instrument deleted",
		"instrument_id", id,
		"user_id", ownerUserID,
		"promoted", promoted,
	)

	s.emitter.Emit(ctx, events.EventInstrumentDeleted, "payment_instrument", formatID(id), correlationID,
		events.InstrumentDeletedData{
			InstrumentID:         id,
			UserID:               ownerUserID,
			PromotedInstrumentID: promoted,
		})

	return nil
}

// SetPrincipal atomically demotes the current principal and promotes the
// target instrument.
func (s *Service) SetPrincipal(ctx context.Context, ownerUserID string, id int64, correlationID string) (*domain.Instrument, error) {
	var demoted *int64
	var inst *domain.Instrument

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		target, err := s.store.GetForUpdateTx(ctx, tx, ownerUserID, id)
		if err != nil {
			return err
		}
		if !target.IsActive() {
			return domain.ErrInstrumentInactive
		}
		if target.IsPrincipal() {
			inst = target
			return nil
		}

		demoted, err = s.store.DemotePrincipalTx(ctx, tx, ownerUserID)
		if err != nil {
			return err
		}
		if err := s.store.PromoteTx(ctx, tx, ownerUserID, id); err != nil {
			return err
		}

		target.State = domain.StateActivePrincipal
		inst = target
		return nil
	})
	if err != nil {
		return nil, mapNotFound(err)
	}

	s.emitter.Emit(ctx, events.EventInstrumentSetPrincipal, "payment_instrument", formatID(id), correlationID,
		events.InstrumentSetPrincipalData{
			InstrumentID:        id,
			UserID:              ownerUserID,
			DemotedInstrumentID: demoted,
		})

	return inst, nil
}

// BalanceChange is the result of a recharge or debit
type BalanceChange struct {
	InstrumentID  int64       `json:"instrument_id"`
	Amount        money.Money `json:"amount"`
	BalanceBefore money.Money `json:"balance_before"`
	BalanceAfter  money.Money `json:"balance_after"`
	Reference     string      `json:"reference,omitempty"`
}

// Recharge credits an instrument's balance after a successful processor
// authorization. The balance is untouched on any processor failure.
func (s *Service) Recharge(ctx context.Context, ownerUserID string, id int64, amount int64, description, correlationID string) (*BalanceChange, error) {
	if amount < MinRechargeMinor || amount > MaxRechargeMinor {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", domain.ErrAmountOutOfRange, amount, MinRechargeMinor, MaxRechargeMinor)
	}

	inst, err := s.store.Get(ctx, ownerUserID, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !inst.IsActive() {
		return nil, domain.ErrInstrumentInactive
	}

	auth, err := s.authorizer.Authorize(ctx, AuthorizationRequest{
		OwnerUserID:  ownerUserID,
		InstrumentID: id,
		Amount:       money.New(amount, s.currency),
		OperationTag: "recharge",
		Metadata: map[string]string{
			"instrument_id": formatID(id),
			"description":   description,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProcessor, err)
	}

	before, after, err := s.store.Credit(ctx, ownerUserID, id, amount)
	if err != nil {
		return nil, mapNotFound(err)
	}

	s.logger.Info("balance recharged",
		"instrument_id", id,
		"user_id", ownerUserID,
		"amount", amount,
		"balance_after", after,
		"reference", auth.Reference,
	)

	s.emitter.Emit(ctx, events.EventBalanceRecharged, "payment_instrument", formatID(id), correlationID,
		events.BalanceChangedData{
			InstrumentID:  id,
			UserID:        ownerUserID,
			Amount:        amount,
			Currency:      string(s.currency),
			BalanceBefore: before,
			BalanceAfter:  after,
			Reference:     auth.Reference,
		})

	return &BalanceChange{
		InstrumentID:  id,
		Amount:        money.New(amount, s.currency),
		BalanceBefore: money.New(before, s.currency),
		BalanceAfter:  money.New(after, s.currency),
		Reference:     auth.Reference,
	}, nil
}

// Debit decrements an instrument's balance. This is the internal
// settlement path; it never talks to the external processor.
func (s *Service) Debit(ctx context.Context, ownerUserID string, id int64, amount int64, description, correlationID string) (*BalanceChange, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrAmountOutOfRange)
	}

	before, after, err := s.store.Debit(ctx, ownerUserID, id, amount)
	if err != nil {
		return nil, mapNotFound(err)
	}

	s.logger.Info("balance debited",
		"instrument_id", id,
		"user_id", ownerUserID,
		"amount", amount,
		"balance_after", after,
	)

	s.emitter.Emit(ctx, events.EventBalanceDebited, "payment_instrument", formatID(id), correlationID,
		events.BalanceChangedData{
			InstrumentID:  id,
			UserID:        ownerUserID,
			Amount:        amount,
			Currency:      string(s.currency),
			BalanceBefore: before,
			BalanceAfter:  after,
			Reference:     description,
		})

	return &BalanceChange{
		InstrumentID:  id,
		Amount:        money.New(amount, s.currency),
		BalanceBefore: money.New(before, s.currency),
		BalanceAfter:  money.New(after, s.currency),
	}, nil
}

// Get retrieves a single instrument scoped to its owner
func (s *Service) Get(ctx context.Context, ownerUserID string, id int64) (*domain.Instrument, error) {
	inst, err := s.store.Get(ctx, ownerUserID, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return inst, nil
}

// List returns the user's active instruments
func (s *Service) List(ctx context.Context, ownerUserID string) ([]*domain.Instrument, error) {
	return s.store.ListActive(ctx, ownerUserID)
}

// GetPrincipal returns the user's principal instrument
func (s *Service) GetPrincipal(ctx context.Context, ownerUserID string) (*domain.Instrument, error) {
	inst, err := s.store.GetPrincipal(ctx, ownerUserID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.ErrNoPrincipal
		}
		return nil, err
	}
	return inst, nil
}

// GetTotalBalance sums balances over the user's active instruments
func (s *Service) GetTotalBalance(ctx context.Context, ownerUserID string) (money.Money, error) {
	total, activeCount, err := s.store.TotalBalance(ctx, ownerUserID)
	if err != nil {
		return money.Money{}, err
	}
	if activeCount == 0 {
		return money.Money{}, domain.ErrNoActiveInstruments
	}
	return money.New(total, s.currency), nil
}

// ValidateCard checks a card number's checksum and reports its brand
func (s *Service) ValidateCard(number string) (bool, card.Brand) {
	return card.ValidateChecksum(number), card.DetectBrand(number)
}

func mapNotFound(err error) error {
	if database.IsNotFound(err) {
		return domain.ErrNotFound
	}
	return err
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func normalizeBrand(s string) card.Brand {
	switch s {
	case "visa", "VISA":
		return card.BrandVisa
	case "mastercard", "MASTERCARD":
		return card.BrandMastercard
	case "amex", "AMEX", "american_express":
		return card.BrandAmex
	case "diners", "DINERS", "diners_club":
		return card.BrandDiners
	case "jcb", "JCB":
		return card.BrandJCB
	default:
		return card.BrandUnknown
	}
}
