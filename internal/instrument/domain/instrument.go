package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"urbanride/internal/card"
	"urbanride/internal/common/money"
)

// CardType classifies a payment instrument
type CardType string

const (
	CardTypeCredit       CardType = "CREDIT"
	CardTypeDebit        CardType = "DEBIT"
	CardTypeBankTransfer CardType = "BANK_TRANSFER"
	CardTypeCash         CardType = "CASH"
)

// Valid reports whether the card type is one of the known values
func (t CardType) Valid() bool {
	switch t {
	case CardTypeCredit, CardTypeDebit, CardTypeBankTransfer, CardTypeCash:
		return true
	}
	return false
}

// State is the lifecycle state of an instrument. A user has at most one
// instrument in StateActivePrincipal.
type State string

const (
	StateActivePrincipal State = "ACTIVE_PRINCIPAL"
	StateActiveSecondary State = "ACTIVE_SECONDARY"
	StateInactive        State = "INACTIVE"
)

// Domain errors
var (
	ErrInvalidCard         = errors.New("invalid card number")
	ErrExpiredCard         = errors.New("card is expired")
	ErrNotFound            = errors.New("instrument not found")
	ErrInstrumentInactive  = errors.New("instrument is inactive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountOutOfRange    = errors.New("amount out of range")
	ErrNoActiveInstruments = errors.New("no active instruments")
	ErrNoPrincipal         = errors.New("no principal instrument")
	ErrProcessor           = errors.New("payment processor error")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// Instrument is one payment method on file for a user
type Instrument struct {
	ID             int64       `json:"id"`
	OwnerUserID    string      `json:"owner_user_id"`
	CardType       CardType    `json:"card_type"`
	MaskedNumber   string      `json:"masked_number"`
	FullNumber     *string     `json:"-"`
	OwnerName      string      `json:"owner_name"`
	ExpirationDate string      `json:"expiration_date"`
	Brand          card.Brand  `json:"brand"`
	State          State       `json:"state"`
	Balance        money.Money `json:"balance"`
	BillingAddress string      `json:"billing_address,omitempty"`
	PostalCode     string      `json:"postal_code,omitempty"`
	RegisteredAt   time.Time   `json:"registered_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsActive reports whether the instrument can be charged or debited
func (i *Instrument) IsActive() bool {
	return i.State == StateActivePrincipal || i.State == StateActiveSecondary
}

// IsPrincipal reports whether the instrument is the user's default
func (i *Instrument) IsPrincipal() bool {
	return i.State == StateActivePrincipal
}

// transitions maps each state to the states reachable from it
var transitions = map[State][]State{
	StateActivePrincipal: {StateActiveSecondary, StateInactive},
	StateActiveSecondary: {StateActivePrincipal, StateInactive},
	StateInactive:        {},
}

// CanTransition reports whether a transition to the given state is allowed
func (i *Instrument) CanTransition(to State) bool {
	for _, s := range transitions[i.State] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the instrument to the given state
func (i *Instrument) Transition(to State) error {
	if !i.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.State, to)
	}
	i.State = to
	return nil
}

// Promote makes a secondary instrument the principal
func (i *Instrument) Promote() error {
	return i.Transition(StateActivePrincipal)
}

// Demote turns the principal into a secondary instrument
func (i *Instrument) Demote() error {
	return i.Transition(StateActiveSecondary)
}

// Deactivate soft-deletes the instrument
func (i *Instrument) Deactivate() error {
	return i.Transition(StateInactive)
}

// ParseExpiration parses an "MM/YY" expiration date and returns the last
// instant of that month.
func ParseExpiration(s string) (time.Time, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("expiration must be MM/YY, got %q", s)
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid expiration month %q", parts[0])
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 2 {
		return time.Time{}, fmt.Errorf("invalid expiration year %q", parts[1])
	}
	year += 2000

	// First day of the following month; the card is valid until then.
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0), nil
}

// ValidateExpiration checks that an "MM/YY" date is strictly in the future
func ValidateExpiration(s string, now time.Time) error {
	exp, err := ParseExpiration(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExpiredCard, err)
	}
	if !exp.After(now) {
		return ErrExpiredCard
	}
	return nil
}

// FormatExpiration renders a month and year as "MM/YY"
func FormatExpiration(month, year int) string {
	return fmt.Sprintf("%02d/%02d", month, year%100)
}
