package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Common event types
const (
	// Payment instrument events
	EventInstrumentCreated      = "payment.instrument.created"
	EventInstrumentUpdated      = "payment.instrument.updated"
	EventInstrumentDeleted      = "payment.instrument.deleted"
	EventInstrumentSetPrincipal = "payment.instrument.set_principal"

	// Balance events
	EventBalanceRecharged = "payment.balance.recharged"
	EventBalanceDebited   = "payment.balance.debited"

	// Reservation events
	EventReservationCreated   = "reservation.created"
	EventReservationCancelled = "reservation.cancelled"
)

// Event data structures

// InstrumentCreatedData is the data for payment.instrument.created events
type InstrumentCreatedData struct {
	InstrumentID int64  `json:"instrument_id"`
	UserID       string `json:"user_id"`
	CardType     string `json:"card_type"`
	Brand        string `json:"brand"`
	MaskedNumber string `json:"masked_number"`
	State        string `json:"state"`
}

// InstrumentUpdatedData is the data for payment.instrument.updated events
type InstrumentUpdatedData struct {
	InstrumentID int64  `json:"instrument_id"`
	UserID       string `json:"user_id"`
	State        string `json:"state"`
}

// InstrumentDeletedData is the data for payment.instrument.deleted events
type InstrumentDeletedData struct {
	InstrumentID         int64  `json:"instrument_id"`
	UserID               string `json:"user_id"`
	PromotedInstrumentID *int64 `json:"promoted_instrument_id,omitempty"`
}

// InstrumentSetPrincipalData is the data for payment.instrument.set_principal events
type InstrumentSetPrincipalData struct {
	InstrumentID        int64  `json:"instrument_id"`
	UserID              string `json:"user_id"`
	DemotedInstrumentID *int64 `json:"demoted_instrument_id,omitempty"`
}

// BalanceChangedData is the data for balance recharge and debit events
type BalanceChangedData struct {
	InstrumentID  int64  `json:"instrument_id"`
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	Reference     string `json:"reference,omitempty"`
}

// ReservationCreatedData is the data for reservation.created events
type ReservationCreatedData struct {
	ReservationID int64     `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	SeriesNumber  string    `json:"series_number"`
	BicycleCode   string    `json:"bicycle_code"`
	InstrumentID  int64     `json:"instrument_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	ReservedAt    time.Time `json:"reserved_at"`
}

// ReservationCancelledData is the data for reservation.cancelled events
type ReservationCancelledData struct {
	ReservationID int64     `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	SeriesNumber  string    `json:"series_number"`
	BicycleCode   string    `json:"bicycle_code"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

// Emitter wraps a Publisher with fire-and-forget semantics: publish
// failures are logged, never returned. Domain operations must not fail
// because the broker is down.
type Emitter struct {
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
}

// NewEmitter creates an Emitter around the given publisher
func NewEmitter(publisher Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		timeout:   3 * time.Second,
	}
}

// Emit builds an event and publishes it, swallowing any error
func (e *Emitter) Emit(ctx context.Context, eventType, aggregateType, aggregateID, correlationID string, data interface{}) {
	event, err := NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		e.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(correlationID)

	// Detach from the request context so cancellation does not drop the event.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.publisher.Publish(pubCtx, event); err != nil {
		e.logger.Error("failed to publish event",
			"type", eventType,
			"event_id", event.ID,
			"aggregate_id", aggregateID,
			"error", err,
		)
		return
	}

	e.logger.Debug("event emitted", "type", eventType, "event_id", event.ID)
}
