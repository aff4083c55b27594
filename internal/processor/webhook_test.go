package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"urbanride/internal/instrument"
	idomain "urbanride/internal/instrument/domain"
)

type fakeLedger struct {
	created []instrument.ProcessorCard
	owners  []string
	err     error
}

func (f *fakeLedger) CreateFromProcessor(_ context.Context, owner string, pc instrument.ProcessorCard, _ string) (*idomain.Instrument, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, pc)
	f.owners = append(f.owners, owner)
	return &idomain.Instrument{ID: int64(len(f.created)), OwnerUserID: owner}, nil
}

type fakeCards struct {
	card *instrument.ProcessorCard
	err  error
}

func (f *fakeCards) PaymentMethodCard(_ context.Context, _ string) (*instrument.ProcessorCard, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.card, nil
}

type fakeDedupe struct {
	seen map[string]bool
}

func newFakeDedupe() *fakeDedupe {
	return &fakeDedupe{seen: make(map[string]bool)}
}

func (f *fakeDedupe) MarkProcessed(_ context.Context, eventID, _ string) (bool, error) {
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

func (f *fakeDedupe) Forget(_ context.Context, eventID string) error {
	delete(f.seen, eventID)
	return nil
}

func newTestIngestor(ledger *fakeLedger, cards *fakeCards, dedupe *fakeDedupe) *Ingestor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Empty secret: unsigned parse, as in non-production environments.
	return NewIngestor("", ledger, cards, dedupe, logger)
}

func post(t *testing.T, ing *Ingestor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(body))
	rec := httptest.NewRecorder()
	ing.ServeHTTP(rec, req)
	return rec
}

const setupIntentPayload = `{
	"id": "evt_1",
	"type": "setup_intent.succeeded",
	"data": {
		"object": {
			"id": "seti_1",
			"payment_method": "pm_1",
			"metadata": {"owner_user_id": "u1"}
		}
	}
}`

func TestWebhookSetupIntentSucceededCreatesInstrument(t *testing.T) {
	ledger := &fakeLedger{}
	cards := &fakeCards{card: &instrument.ProcessorCard{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2039}}
	ing := newTestIngestor(ledger, cards, newFakeDedupe())

	rec := post(t, ing, setupIntentPayload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(ledger.created) != 1 {
		t.Fatalf("created %d instruments, want 1", len(ledger.created))
	}
	if ledger.owners[0] != "u1" {
		t.Errorf("owner = %s, want u1", ledger.owners[0])
	}
	if ledger.created[0].Last4 != "4242" {
		t.Errorf("last4 = %s, want 4242", ledger.created[0].Last4)
	}
}

func TestWebhookDuplicateEventCreatesOneInstrument(t *testing.T) {
	ledger := &fakeLedger{}
	cards := &fakeCards{card: &instrument.ProcessorCard{Brand: "visa", Last4: "4242"}}
	ing := newTestIngestor(ledger, cards, newFakeDedupe())

	first := post(t, ing, setupIntentPayload)
	second := post(t, ing, setupIntentPayload)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d, want 200 for both", first.Code, second.Code)
	}
	if len(ledger.created) != 1 {
		t.Errorf("created %d instruments for duplicate delivery, want 1", len(ledger.created))
	}
}

func TestWebhookUnknownEventAcked(t *testing.T) {
	ledger := &fakeLedger{}
	ing := newTestIngestor(ledger, &fakeCards{}, newFakeDedupe())

	rec := post(t, ing, `{"id": "evt_2", "type": "invoice.paid", "data": {"object": {}}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for unknown event type", rec.Code)
	}
	if len(ledger.created) != 0 {
		t.Error("unknown event must not create an instrument")
	}
}

func TestWebhookMissingMetadataAckedAndDiscarded(t *testing.T) {
	ledger := &fakeLedger{}
	dedupe := newFakeDedupe()
	ing := newTestIngestor(ledger, &fakeCards{}, dedupe)

	rec := post(t, ing, `{
		"id": "evt_3",
		"type": "setup_intent.succeeded",
		"data": {"object": {"id": "seti_3", "payment_method": "pm_3", "metadata": {}}}
	}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 ack for unactionable event", rec.Code)
	}
	if len(ledger.created) != 0 {
		t.Error("event without owner metadata must not create an instrument")
	}
	if !dedupe.seen["evt_3"] {
		t.Error("discarded event should stay recorded so retries are ignored")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	ing := newTestIngestor(&fakeLedger{}, &fakeCards{}, newFakeDedupe())

	rec := post(t, ing, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookMissingEventID(t *testing.T) {
	ing := newTestIngestor(&fakeLedger{}, &fakeCards{}, newFakeDedupe())

	rec := post(t, ing, `{"type": "setup_intent.succeeded", "data": {"object": {}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookHandlerFailureReleasesDedupe(t *testing.T) {
	ledger := &fakeLedger{}
	cards := &fakeCards{err: errors.New("processor unreachable")}
	dedupe := newFakeDedupe()
	ing := newTestIngestor(ledger, cards, dedupe)

	rec := post(t, ing, setupIntentPayload)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if dedupe.seen["evt_1"] {
		t.Error("failed event should be released for the processor's retry")
	}

	// The retry succeeds once the card lookup recovers.
	cards.err = nil
	cards.card = &instrument.ProcessorCard{Brand: "visa", Last4: "4242"}
	rec = post(t, ing, setupIntentPayload)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", rec.Code)
	}
	if len(ledger.created) != 1 {
		t.Errorf("created %d instruments after retry, want 1", len(ledger.created))
	}
}
