package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"urbanride/internal/common/api"
	"urbanride/internal/instrument"
	idomain "urbanride/internal/instrument/domain"
)

const maxWebhookBody = 64 * 1024

// Ledger is the instrument-creation surface the ingestor needs
type Ledger interface {
	CreateFromProcessor(ctx context.Context, ownerUserID string, pc instrument.ProcessorCard, correlationID string) (*idomain.Instrument, error)
}

// CardLookup fetches card display attributes from the processor
type CardLookup interface {
	PaymentMethodCard(ctx context.Context, paymentMethodID string) (*instrument.ProcessorCard, error)
}

// DedupeStore records processed webhook event ids
type DedupeStore interface {
	// MarkProcessed records the event id; returns false if already seen.
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	// Forget releases an event id so a processor retry can succeed.
	Forget(ctx context.Context, eventID string) error
}

// Ingestor handles asynchronous confirmation events from the processor
type Ingestor struct {
	secret string
	ledger Ledger
	cards  CardLookup
	dedupe DedupeStore
	logger *slog.Logger
}

// NewIngestor creates a webhook ingestor. An empty secret disables
// signature verification; intended for non-production only.
func NewIngestor(secret string, ledger Ledger, cards CardLookup, dedupe DedupeStore, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		secret: secret,
		ledger: ledger,
		cards:  cards,
		dedupe: dedupe,
		logger: logger,
	}
}

// ServeHTTP handles POST /webhooks/processor
func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		api.BadRequest(w, "unreadable payload")
		return
	}

	var event stripe.Event
	if i.secret != "" {
		event, err = webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), i.secret)
		if err != nil {
			i.logger.Warn("webhook signature verification failed", "error", err)
			api.BadRequest(w, "invalid webhook signature")
			return
		}
	} else {
		if err := json.Unmarshal(payload, &event); err != nil {
			api.BadRequest(w, "malformed webhook payload")
			return
		}
	}
	if event.ID == "" {
		api.BadRequest(w, "webhook event missing id")
		return
	}

	ctx := r.Context()

	fresh, err := i.dedupe.MarkProcessed(ctx, event.ID, string(event.Type))
	if err != nil {
		api.InternalError(w, "failed to record webhook event")
		return
	}
	if !fresh {
		i.logger.Info("duplicate webhook event ignored", "event_id", event.ID, "type", event.Type)
		api.WriteData(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := i.dispatch(ctx, &event); err != nil {
		// Release the id so the processor's retry is not treated as a
		// duplicate of this failed attempt.
		if fErr := i.dedupe.Forget(ctx, event.ID); fErr != nil {
			i.logger.Error("failed to release webhook event id", "event_id", event.ID, "error", fErr)
		}
		i.logger.Error("webhook event handling failed", "event_id", event.ID, "type", event.Type, "error", err)
		api.InternalError(w, "webhook handling failed")
		return
	}

	api.WriteData(w, http.StatusOK, map[string]bool{"received": true})
}

// dispatch routes an event to its handler. One case per event type this
// service acts on; everything else is acknowledged and ignored.
func (i *Ingestor) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "setup_intent.succeeded":
		return i.handleSetupIntentSucceeded(ctx, event)
	default:
		i.logger.Debug("webhook event type ignored", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func (i *Ingestor) handleSetupIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("event %s has no data payload", event.ID)
	}

	var si stripe.SetupIntent
	if err := json.Unmarshal(event.Data.Raw, &si); err != nil {
		return fmt.Errorf("unmarshaling setup intent: %w", err)
	}

	ownerUserID := si.Metadata["owner_user_id"]
	paymentMethodID := ""
	if si.PaymentMethod != nil {
		paymentMethodID = si.PaymentMethod.ID
	}

	// Missing metadata can never become actionable: acknowledge and
	// discard rather than letting the processor retry forever.
	if ownerUserID == "" || paymentMethodID == "" {
		i.logger.Warn("discarding setup intent confirmation with missing metadata",
			"event_id", event.ID,
			"has_owner", ownerUserID != "",
			"has_payment_method", paymentMethodID != "",
		)
		return nil
	}

	pc, err := i.cards.PaymentMethodCard(ctx, paymentMethodID)
	if err != nil {
		return fmt.Errorf("fetching card details: %w", err)
	}

	inst, err := i.ledger.CreateFromProcessor(ctx, ownerUserID, *pc, event.ID)
	if err != nil {
		return fmt.Errorf("creating instrument: %w", err)
	}

	i.logger.Info("instrument registered via webhook",
		"event_id", event.ID,
		"instrument_id", inst.ID,
		"user_id", ownerUserID,
	)
	return nil
}
