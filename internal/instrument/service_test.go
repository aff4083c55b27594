package instrument

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/jackc/pgx/v5"

	"urbanride/internal/common/database"
	"urbanride/internal/common/money"
	"urbanride/internal/instrument/domain"
)

type fakeStore struct {
	nextID      int64
	instruments map[int64]*domain.Instrument
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, instruments: make(map[int64]*domain.Instrument)}
}

func (f *fakeStore) CreateTx(_ context.Context, _ database.Querier, inst *domain.Instrument) error {
	inst.ID = f.nextID
	f.nextID++
	cp := *inst
	f.instruments[inst.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, owner string, id int64) (*domain.Instrument, error) {
	inst, ok := f.instruments[id]
	if !ok || inst.OwnerUserID != owner {
		return nil, database.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeStore) GetForUpdateTx(ctx context.Context, _ database.Querier, owner string, id int64) (*domain.Instrument, error) {
	return f.Get(ctx, owner, id)
}

func (f *fakeStore) GetPrincipal(_ context.Context, owner string) (*domain.Instrument, error) {
	for _, inst := range f.instruments {
		if inst.OwnerUserID == owner && inst.State == domain.StateActivePrincipal {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) ListActive(_ context.Context, owner string) ([]*domain.Instrument, error) {
	var out []*domain.Instrument
	for _, inst := range f.instruments {
		if inst.OwnerUserID == owner && inst.State != domain.StateInactive {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CountActiveTx(ctx context.Context, q database.Querier, owner string) (int, error) {
	list, _ := f.ListActive(ctx, owner)
	return len(list), nil
}

func (f *fakeStore) DemotePrincipalTx(_ context.Context, _ database.Querier, owner string) (*int64, error) {
	for _, inst := range f.instruments {
		if inst.OwnerUserID == owner && inst.State == domain.StateActivePrincipal {
			inst.State = domain.StateActiveSecondary
			id := inst.ID
			return &id, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) PromoteTx(_ context.Context, _ database.Querier, owner string, id int64) error {
	inst, ok := f.instruments[id]
	if !ok || inst.OwnerUserID != owner || inst.State != domain.StateActiveSecondary {
		return database.ErrNotFound
	}
	inst.State = domain.StateActivePrincipal
	return nil
}

func (f *fakeStore) PromoteLowestSecondaryTx(_ context.Context, _ database.Querier, owner string) (*int64, error) {
	var lowest *domain.Instrument
	for _, inst := range f.instruments {
		if inst.OwnerUserID == owner && inst.State == domain.StateActiveSecondary {
			if lowest == nil || inst.ID < lowest.ID {
				lowest = inst
			}
		}
	}
	if lowest == nil {
		return nil, nil
	}
	lowest.State = domain.StateActivePrincipal
	id := lowest.ID
	return &id, nil
}

func (f *fakeStore) DeactivateTx(_ context.Context, _ database.Querier, owner string, id int64) (domain.State, error) {
	inst, ok := f.instruments[id]
	if !ok || inst.OwnerUserID != owner || inst.State == domain.StateInactive {
		return "", database.ErrNotFound
	}
	prior := inst.State
	inst.State = domain.StateInactive
	return prior, nil
}

func (f *fakeStore) Update(_ context.Context, upd *domain.Instrument) error {
	inst, ok := f.instruments[upd.ID]
	if !ok || inst.OwnerUserID != upd.OwnerUserID || inst.State == domain.StateInactive {
		return database.ErrNotFound
	}
	inst.OwnerName = upd.OwnerName
	inst.ExpirationDate = upd.ExpirationDate
	inst.BillingAddress = upd.BillingAddress
	inst.PostalCode = upd.PostalCode
	return nil
}

func (f *fakeStore) Credit(_ context.Context, owner string, id int64, amount int64) (int64, int64, error) {
	inst, ok := f.instruments[id]
	if !ok || inst.OwnerUserID != owner || inst.State == domain.StateInactive {
		return 0, 0, database.ErrNotFound
	}
	before := inst.Balance.AmountMinor
	inst.Balance.AmountMinor += amount
	return before, inst.Balance.AmountMinor, nil
}

func (f *fakeStore) Debit(_ context.Context, owner string, id int64, amount int64) (int64, int64, error) {
	inst, ok := f.instruments[id]
	if !ok || inst.OwnerUserID != owner {
		return 0, 0, database.ErrNotFound
	}
	if inst.State == domain.StateInactive {
		return 0, 0, domain.ErrInstrumentInactive
	}
	if inst.Balance.AmountMinor < amount {
		return 0, 0, domain.ErrInsufficientBalance
	}
	before := inst.Balance.AmountMinor
	inst.Balance.AmountMinor -= amount
	return before, inst.Balance.AmountMinor, nil
}

func (f *fakeStore) TotalBalance(ctx context.Context, owner string) (int64, int, error) {
	list, _ := f.ListActive(ctx, owner)
	var total int64
	for _, inst := range list {
		total += inst.Balance.AmountMinor
	}
	return total, len(list), nil
}

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeAuthorizer struct {
	err   error
	calls []AuthorizationRequest
}

func (f *fakeAuthorizer) Authorize(_ context.Context, req AuthorizationRequest) (*Authorization, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &Authorization{Reference: "auth_test", Status: "succeeded"}, nil
}

type emitted struct {
	eventType string
	data      interface{}
}

type fakeEmitter struct {
	events []emitted
}

func (f *fakeEmitter) Emit(_ context.Context, eventType, _, _, _ string, data interface{}) {
	f.events = append(f.events, emitted{eventType: eventType, data: data})
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeAuthorizer, *fakeEmitter) {
	t.Helper()
	st := newFakeStore()
	auth := &fakeAuthorizer{}
	em := &fakeEmitter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newServiceWithDeps(st, fakeTxRunner{}, auth, em, money.COP, logger)
	return svc, st, auth, em
}

func validCreateReq() CreateInstrumentRequest {
	return CreateInstrumentRequest{
		CardType:       "CREDIT",
		OwnerName:      "Ana Torres",
		ExpirationDate: "12/39",
		FullNumber:     "4532015112830366",
	}
}

func TestCreateFirstInstrumentBecomesPrincipal(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	inst, err := svc.CreateInstrument(context.Background(), "u1", validCreateReq(), "")
	if err != nil {
		t.Fatalf("CreateInstrument: %v", err)
	}
	if inst.State != domain.StateActivePrincipal {
		t.Errorf("first instrument state = %s, want %s", inst.State, domain.StateActivePrincipal)
	}
	if inst.Brand != "VISA" {
		t.Errorf("brand = %s, want VISA", inst.Brand)
	}
	if inst.MaskedNumber != "**** **** **** 0366" {
		t.Errorf("masked = %q", inst.MaskedNumber)
	}
}

func TestCreateSecondInstrumentIsSecondary(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateInstrument(ctx, "u1", validCreateReq(), ""); err != nil {
		t.Fatal(err)
	}
	second, err := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if err != nil {
		t.Fatal(err)
	}
	if second.State != domain.StateActiveSecondary {
		t.Errorf("second instrument state = %s, want %s", second.State, domain.StateActiveSecondary)
	}
}

func TestCreateRequestedPrincipalDemotesCurrent(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")

	req := validCreateReq()
	req.IsPrincipal = true
	second, err := svc.CreateInstrument(ctx, "u1", req, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.State != domain.StateActivePrincipal {
		t.Errorf("second state = %s, want principal", second.State)
	}

	got, _ := st.Get(ctx, "u1", first.ID)
	if got.State != domain.StateActiveSecondary {
		t.Errorf("first state = %s, want secondary", got.State)
	}
	assertSinglePrincipal(t, st, "u1")
}

func TestCreateInstrumentInvalidCard(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	req := validCreateReq()
	req.FullNumber = "1234567812345678"
	_, err := svc.CreateInstrument(context.Background(), "u1", req, "")
	if !errors.Is(err, domain.ErrInvalidCard) {
		t.Errorf("err = %v, want ErrInvalidCard", err)
	}
}

func TestCreateInstrumentExpiredCard(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	req := validCreateReq()
	req.ExpirationDate = "01/20"
	_, err := svc.CreateInstrument(context.Background(), "u1", req, "")
	if !errors.Is(err, domain.ErrExpiredCard) {
		t.Errorf("err = %v, want ErrExpiredCard", err)
	}
}

func TestDeletePrincipalPromotesLowestID(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	second, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	third, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")

	if err := svc.DeleteInstrument(ctx, "u1", first.ID, ""); err != nil {
		t.Fatalf("DeleteInstrument: %v", err)
	}

	got, _ := st.Get(ctx, "u1", second.ID)
	if got.State != domain.StateActivePrincipal {
		t.Errorf("lowest-id survivor state = %s, want principal", got.State)
	}
	gotThird, _ := st.Get(ctx, "u1", third.ID)
	if gotThird.State != domain.StateActiveSecondary {
		t.Errorf("third state = %s, want secondary", gotThird.State)
	}
	assertSinglePrincipal(t, st, "u1")
}

func TestDeleteLastInstrumentLeavesNoPrincipal(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	only, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if err := svc.DeleteInstrument(ctx, "u1", only.ID, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.GetPrincipal(ctx, "u1"); !errors.Is(err, domain.ErrNoPrincipal) {
		t.Errorf("GetPrincipal err = %v, want ErrNoPrincipal", err)
	}
	list, _ := svc.List(ctx, "u1")
	if len(list) != 0 {
		t.Errorf("active count = %d, want 0", len(list))
	}
}

func TestDeleteInstrumentNotOwned(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	inst, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if err := svc.DeleteInstrument(ctx, "u2", inst.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetPrincipalDemotesCurrent(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	second, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")

	inst, err := svc.SetPrincipal(ctx, "u1", second.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != domain.StateActivePrincipal {
		t.Errorf("target state = %s, want principal", inst.State)
	}
	gotFirst, _ := st.Get(ctx, "u1", first.ID)
	if gotFirst.State != domain.StateActiveSecondary {
		t.Errorf("old principal state = %s, want secondary", gotFirst.State)
	}
	assertSinglePrincipal(t, st, "u1")
}

func TestSetPrincipalOnInactive(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	second, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if err := svc.DeleteInstrument(ctx, "u1", second.ID, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.SetPrincipal(ctx, "u1", second.ID, ""); !errors.Is(err, domain.ErrInstrumentInactive) {
		t.Errorf("err = %v, want ErrInstrumentInactive", err)
	}

	// The existing principal stays in place.
	got, err := svc.GetPrincipal(ctx, "u1")
	if err != nil || got.ID != first.ID {
		t.Errorf("principal = %+v (err %v), want id %d", got, err, first.ID)
	}
}

func TestRechargeAmountBounds(t *testing.T) {
	svc, _, auth, _ := newTestService(t)
	ctx := context.Background()

	inst, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")

	for _, amount := range []int64{999, 0, -50, 5_000_001} {
		if _, err := svc.Recharge(ctx, "u1", inst.ID, amount, "", ""); !errors.Is(err, domain.ErrAmountOutOfRange) {
			t.Errorf("Recharge(%d) err = %v, want ErrAmountOutOfRange", amount, err)
		}
	}
	if len(auth.calls) != 0 {
		t.Errorf("processor called %d times for out-of-range amounts", len(auth.calls))
	}
}

func TestRechargeSuccess(t *testing.T) {
	svc, _, _, em := newTestService(t)
	ctx := context.Background()

	inst, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")

	change, err := svc.Recharge(ctx, "u1", inst.ID, 20_000, "top up", "")
	if err != nil {
		t.Fatalf("Recharge: %v", err)
	}
	if change.BalanceBefore.AmountMinor != 0 || change.BalanceAfter.AmountMinor != 20_000 {
		t.Errorf("balance before/after = %d/%d, want 0/20000",
			change.BalanceBefore.AmountMinor, change.BalanceAfter.AmountMinor)
	}
	if change.Reference == "" {
		t.Error("expected a processor reference")
	}

	var found bool
	for _, e := range em.events {
		if e.eventType == "payment.balance.recharged" {
			found = true
		}
	}
	if !found {
		t.Error("expected a balance.recharged event")
	}
}

func TestRechargeProcessorFailureLeavesBalance(t *testing.T) {
	svc, st, auth, _ := newTestService(t)
	ctx := context.Background()

	inst, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if _, err := svc.Recharge(ctx, "u1", inst.ID, 10_000, "", ""); err != nil {
		t.Fatal(err)
	}

	auth.err = errors.New("card declined")
	_, err := svc.Recharge(ctx, "u1", inst.ID, 10_000, "", "")
	if !errors.Is(err, domain.ErrProcessor) {
		t.Fatalf("err = %v, want ErrProcessor", err)
	}

	got, _ := st.Get(ctx, "u1", inst.ID)
	if got.Balance.AmountMinor != 10_000 {
		t.Errorf("balance after failed recharge = %d, want 10000", got.Balance.AmountMinor)
	}
}

func TestRechargeInactiveInstrument(t *testing.T) {
	svc, _, auth, _ := newTestService(t)
	ctx := context.Background()

	inst, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if err := svc.DeleteInstrument(ctx, "u1", inst.ID, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Recharge(ctx, "u1", inst.ID, 10_000, "", ""); !errors.Is(err, domain.ErrInstrumentInactive) {
		t.Errorf("err = %v, want ErrInstrumentInactive", err)
	}
	if len(auth.calls) != 0 {
		t.Error("processor should not be called for an inactive instrument")
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	inst, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if _, err := svc.Recharge(ctx, "u1", inst.ID, 5_000, "", ""); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Debit(ctx, "u1", inst.ID, 6_000, "fine", "")
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	got, _ := st.Get(ctx, "u1", inst.ID)
	if got.Balance.AmountMinor != 5_000 {
		t.Errorf("balance = %d, want unchanged 5000", got.Balance.AmountMinor)
	}
}

func TestDebitSuccess(t *testing.T) {
	svc, _, auth, _ := newTestService(t)
	ctx := context.Background()

	inst, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	if _, err := svc.Recharge(ctx, "u1", inst.ID, 10_000, "", ""); err != nil {
		t.Fatal(err)
	}
	processorCalls := len(auth.calls)

	change, err := svc.Debit(ctx, "u1", inst.ID, 4_000, "fine settlement", "")
	if err != nil {
		t.Fatal(err)
	}
	if change.BalanceBefore.AmountMinor != 10_000 || change.BalanceAfter.AmountMinor != 6_000 {
		t.Errorf("before/after = %d/%d, want 10000/6000",
			change.BalanceBefore.AmountMinor, change.BalanceAfter.AmountMinor)
	}
	if len(auth.calls) != processorCalls {
		t.Error("debit must never call the processor")
	}
}

func TestGetTotalBalance(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetTotalBalance(ctx, "u1"); !errors.Is(err, domain.ErrNoActiveInstruments) {
		t.Errorf("err = %v, want ErrNoActiveInstruments", err)
	}

	a, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	b, _ := svc.CreateInstrument(ctx, "u1", validCreateReq(), "")
	_, _ = svc.Recharge(ctx, "u1", a.ID, 3_000, "", "")
	_, _ = svc.Recharge(ctx, "u1", b.ID, 4_000, "", "")

	total, err := svc.GetTotalBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if total.AmountMinor != 7_000 {
		t.Errorf("total = %d, want 7000", total.AmountMinor)
	}
}

func TestCreateFromProcessor(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	inst, err := svc.CreateFromProcessor(ctx, "u1", ProcessorCard{
		Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2039,
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != domain.StateActivePrincipal {
		t.Errorf("state = %s, want principal (first active)", inst.State)
	}
	if inst.MaskedNumber != "**** **** **** 4242" {
		t.Errorf("masked = %q", inst.MaskedNumber)
	}
	if inst.FullNumber != nil {
		t.Error("processor-confirmed instrument must not store a full number")
	}
	assertSinglePrincipal(t, st, "u1")
}

func assertSinglePrincipal(t *testing.T, st *fakeStore, owner string) {
	t.Helper()
	count := 0
	for _, inst := range st.instruments {
		if inst.OwnerUserID == owner && inst.State == domain.StateActivePrincipal {
			count++
		}
	}
	if count > 1 {
		t.Fatalf("found %d principal instruments for %s, want at most 1", count, owner)
	}
}
