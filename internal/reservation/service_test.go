package reservation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"urbanride/internal/common/database"
	"urbanride/internal/common/money"
	"urbanride/internal/instrument"
	idomain "urbanride/internal/instrument/domain"
	"urbanride/internal/reservation/domain"
)

type fakeStore struct {
	nextID       int64
	reservations map[int64]*domain.Reservation
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, reservations: make(map[int64]*domain.Reservation)}
}

func (f *fakeStore) snapshot() map[int64]*domain.Reservation {
	cp := make(map[int64]*domain.Reservation, len(f.reservations))
	for id, res := range f.reservations {
		r := *res
		cp[id] = &r
	}
	return cp
}

func (f *fakeStore) AcquireLocksTx(_ context.Context, _ database.Querier, _, _ string) error {
	return nil
}

func (f *fakeStore) ExistsRecentByUserTx(_ context.Context, _ database.Querier, userID string, since time.Time) (bool, error) {
	for _, res := range f.reservations {
		if res.UserID == userID && !res.RequestedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ExistsRecentByBicycleTx(_ context.Context, _ database.Querier, series, bicycleID string, since time.Time) (bool, error) {
	for _, res := range f.reservations {
		if res.BicycleSeries == series && res.BicycleID == bicycleID && !res.RequestedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateTx(_ context.Context, _ database.Querier, res *domain.Reservation) error {
	res.ID = f.nextID
	f.nextID++
	cp := *res
	f.reservations[res.ID] = &cp
	return nil
}

func (f *fakeStore) GetForUser(_ context.Context, userID string, id int64) (*domain.Reservation, error) {
	res, ok := f.reservations[id]
	if !ok || res.UserID != userID {
		return nil, database.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (f *fakeStore) Delete(_ context.Context, userID string, id int64) (*domain.Reservation, error) {
	res, ok := f.reservations[id]
	if !ok || res.UserID != userID {
		return nil, database.ErrNotFound
	}
	delete(f.reservations, id)
	return res, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID string) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	for _, res := range f.reservations {
		if res.UserID == userID {
			cp := *res
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListByBicycle(_ context.Context, series, bicycleID string) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	for _, res := range f.reservations {
		if res.BicycleSeries == series && res.BicycleID == bicycleID {
			cp := *res
			out = append(out, &cp)
		}
	}
	return out, nil
}

// rollbackTxRunner restores the store snapshot when the transaction
// function fails, mimicking a real rollback.
type rollbackTxRunner struct {
	store *fakeStore
}

func (r rollbackTxRunner) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	before := r.store.snapshot()
	nextID := r.store.nextID
	if err := fn(nil); err != nil {
		r.store.reservations = before
		r.store.nextID = nextID
		return err
	}
	return nil
}

type fakeInstruments struct {
	instruments map[int64]*idomain.Instrument
}

func (f *fakeInstruments) Get(_ context.Context, owner string, id int64) (*idomain.Instrument, error) {
	inst, ok := f.instruments[id]
	if !ok || inst.OwnerUserID != owner {
		return nil, idomain.ErrNotFound
	}
	return inst, nil
}

type fakeAuthorizer struct {
	err   error
	calls []instrument.AuthorizationRequest
}

func (f *fakeAuthorizer) Authorize(_ context.Context, req instrument.AuthorizationRequest) (*instrument.Authorization, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &instrument.Authorization{Reference: "auth_res", Status: "succeeded"}, nil
}

type fakeEmitter struct {
	types []string
}

func (f *fakeEmitter) Emit(_ context.Context, eventType, _, _, _ string, _ interface{}) {
	f.types = append(f.types, eventType)
}

type fixture struct {
	svc   *Service
	store *fakeStore
	auth  *fakeAuthorizer
	em    *fakeEmitter
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeStore(),
		auth:  &fakeAuthorizer{},
		em:    &fakeEmitter{},
		now:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	insts := &fakeInstruments{instruments: map[int64]*idomain.Instrument{
		1: {ID: 1, OwnerUserID: "u1", State: idomain.StateActivePrincipal},
		2: {ID: 2, OwnerUserID: "u2", State: idomain.StateActivePrincipal},
		3: {ID: 3, OwnerUserID: "u1", State: idomain.StateInactive},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = newServiceWithDeps(
		f.store,
		rollbackTxRunner{store: f.store},
		insts,
		f.auth,
		f.em,
		money.New(5_000, money.COP),
		func() time.Time { return f.now },
		logger,
	)
	return f
}

func TestCreateReservation(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateReservation(context.Background(), "u1", "S1", "B7", 1, "")
	if err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	if res.ID == 0 {
		t.Error("expected an assigned reservation id")
	}
	if !res.RequestedAt.Equal(f.now) {
		t.Errorf("requested_at = %v, want %v", res.RequestedAt, f.now)
	}
	if len(f.auth.calls) != 1 {
		t.Fatalf("processor called %d times, want 1", len(f.auth.calls))
	}
	if got := f.auth.calls[0].Amount.AmountMinor; got != 5_000 {
		t.Errorf("authorized amount = %d, want flat fee 5000", got)
	}
	if len(f.em.types) != 1 || f.em.types[0] != "reservation.created" {
		t.Errorf("emitted events = %v, want [reservation.created]", f.em.types)
	}
}

func TestUserCooldownWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateReservation(ctx, "u1", "S1", "B7", 1, ""); err != nil {
		t.Fatal(err)
	}

	// Second attempt at t0+5min, even for a different bicycle.
	f.now = f.now.Add(5 * time.Minute)
	_, err := f.svc.CreateReservation(ctx, "u1", "S1", "B9", 1, "")
	if !errors.Is(err, domain.ErrUserCooldownActive) {
		t.Fatalf("err = %v, want ErrUserCooldownActive", err)
	}

	// At t0+11min the window has passed.
	f.now = f.now.Add(6 * time.Minute)
	if _, err := f.svc.CreateReservation(ctx, "u1", "S1", "B9", 1, ""); err != nil {
		t.Fatalf("reservation after window: %v", err)
	}
}

func TestBicycleCooldownWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateReservation(ctx, "u1", "S1", "B7", 1, ""); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(3 * time.Minute)
	_, err := f.svc.CreateReservation(ctx, "u2", "S1", "B7", 2, "")
	if !errors.Is(err, domain.ErrBicycleAlreadyReserved) {
		t.Fatalf("err = %v, want ErrBicycleAlreadyReserved", err)
	}

	// The loser must not have an authorization retained.
	if len(f.auth.calls) != 1 {
		t.Errorf("processor called %d times, want 1 (loser rejected before authorizing)", len(f.auth.calls))
	}
}

func TestInstrumentChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Not owned by the caller.
	if _, err := f.svc.CreateReservation(ctx, "u1", "S1", "B7", 2, ""); !errors.Is(err, domain.ErrInstrumentNotFound) {
		t.Errorf("foreign instrument err = %v, want ErrInstrumentNotFound", err)
	}

	// Owned but inactive.
	if _, err := f.svc.CreateReservation(ctx, "u1", "S1", "B7", 3, ""); !errors.Is(err, domain.ErrInstrumentNotFound) {
		t.Errorf("inactive instrument err = %v, want ErrInstrumentNotFound", err)
	}

	if len(f.auth.calls) != 0 {
		t.Error("processor must not be called when instrument validation fails")
	}
	if len(f.store.reservations) != 0 {
		t.Error("no reservation row may survive a failed validation")
	}
}

func TestAuthorizationFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.auth.err = errors.New("insufficient funds")

	_, err := f.svc.CreateReservation(context.Background(), "u1", "S1", "B7", 1, "")
	if !errors.Is(err, domain.ErrAuthorizationFailed) {
		t.Fatalf("err = %v, want ErrAuthorizationFailed", err)
	}
	if len(f.store.reservations) != 0 {
		t.Error("reservation row must be rolled back on authorization failure")
	}
	if len(f.em.types) != 0 {
		t.Error("no event may be emitted for a failed reservation")
	}

	// The failed attempt must not start a cooldown window.
	f.auth.err = nil
	if _, err := f.svc.CreateReservation(context.Background(), "u1", "S1", "B7", 1, ""); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCancelReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateReservation(ctx, "u1", "S1", "B7", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	authCalls := len(f.auth.calls)

	if err := f.svc.CancelReservation(ctx, "u1", res.ID, ""); err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}
	if _, err := f.svc.GetByID(ctx, "u1", res.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetByID after cancel err = %v, want ErrNotFound", err)
	}
	// Cancellation never reverses the authorization.
	if len(f.auth.calls) != authCalls {
		t.Error("cancel must not touch the processor")
	}
	if f.em.types[len(f.em.types)-1] != "reservation.cancelled" {
		t.Errorf("last event = %s, want reservation.cancelled", f.em.types[len(f.em.types)-1])
	}
}

func TestCancelReservationNotOwned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateReservation(ctx, "u1", "S1", "B7", 1, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.CancelReservation(ctx, "u2", res.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for foreign reservation", err)
	}
}

func TestAttemptStateMachine(t *testing.T) {
	now := time.Now()
	att := domain.NewAttempt("u1", "S1", "B7", 1, now)

	steps := []domain.AttemptState{
		domain.AttemptValidatingUserWindow,
		domain.AttemptValidatingBikeWindow,
		domain.AttemptValidatingInstrument,
		domain.AttemptAuthorizing,
		domain.AttemptCommitted,
	}
	for _, step := range steps {
		if err := att.Advance(step); err != nil {
			t.Fatalf("Advance(%s): %v", step, err)
		}
	}
	if !att.Terminal() {
		t.Error("committed attempt should be terminal")
	}

	// Skipping a step is rejected.
	att2 := domain.NewAttempt("u1", "S1", "B7", 1, now)
	if err := att2.Advance(domain.AttemptAuthorizing); err == nil {
		t.Error("expected error when skipping validation states")
	}

	// A committed attempt cannot be rejected.
	att.Reject()
	if att.State != domain.AttemptCommitted {
		t.Errorf("state after Reject on committed = %s, want COMMITTED", att.State)
	}
}
