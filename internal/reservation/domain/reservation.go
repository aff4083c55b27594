package domain

import (
	"errors"
	"fmt"
	"time"
)

// Reservation is one active or historical bicycle booking
type Reservation struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"user_id"`
	BicycleSeries string    `json:"bicycle_series"`
	BicycleID     string    `json:"bicycle_id"`
	InstrumentID  int64     `json:"instrument_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Domain errors
var (
	ErrUserCooldownActive     = errors.New("user cooldown window active")
	ErrBicycleAlreadyReserved = errors.New("bicycle already reserved")
	ErrInstrumentNotFound     = errors.New("payment instrument not found")
	ErrAuthorizationFailed    = errors.New("authorization failed")
	ErrNotFound               = errors.New("reservation not found")
)

// AttemptState tracks a reservation attempt through its validation and
// authorization steps.
type AttemptState string

const (
	AttemptRequested            AttemptState = "REQUESTED"
	AttemptValidatingUserWindow AttemptState = "VALIDATING_USER_WINDOW"
	AttemptValidatingBikeWindow AttemptState = "VALIDATING_BIKE_WINDOW"
	AttemptValidatingInstrument AttemptState = "VALIDATING_INSTRUMENT"
	AttemptAuthorizing          AttemptState = "AUTHORIZING"
	AttemptCommitted            AttemptState = "COMMITTED"
	AttemptRejected             AttemptState = "REJECTED"
)

// attemptOrder is the forward path; rejection is reachable from every
// non-terminal state.
var attemptOrder = map[AttemptState]AttemptState{
	AttemptRequested:            AttemptValidatingUserWindow,
	AttemptValidatingUserWindow: AttemptValidatingBikeWindow,
	AttemptValidatingBikeWindow: AttemptValidatingInstrument,
	AttemptValidatingInstrument: AttemptAuthorizing,
	AttemptAuthorizing:          AttemptCommitted,
}

// Attempt is the in-flight state of a reservation request
type Attempt struct {
	UserID        string
	BicycleSeries string
	BicycleID     string
	InstrumentID  int64
	State         AttemptState
	StartedAt     time.Time
}

// NewAttempt starts a reservation attempt in the REQUESTED state
func NewAttempt(userID, series, bicycleID string, instrumentID int64, now time.Time) *Attempt {
	return &Attempt{
		UserID:        userID,
		BicycleSeries: series,
		BicycleID:     bicycleID,
		InstrumentID:  instrumentID,
		State:         AttemptRequested,
		StartedAt:     now,
	}
}

// Advance moves the attempt to the next expected state
func (a *Attempt) Advance(to AttemptState) error {
	next, ok := attemptOrder[a.State]
	if !ok || next != to {
		return fmt.Errorf("invalid attempt transition: %s -> %s", a.State, to)
	}
	a.State = to
	return nil
}

// Reject terminates the attempt
func (a *Attempt) Reject() {
	if a.State != AttemptCommitted {
		a.State = AttemptRejected
	}
}

// Terminal reports whether the attempt has finished
func (a *Attempt) Terminal() bool {
	return a.State == AttemptCommitted || a.State == AttemptRejected
}
