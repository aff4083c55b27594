// Package processor wraps the external payment processor (Stripe): customer
// registration, setup intents for card-on-file registration, payment intents
// for charges, and the inbound webhook that confirms card registrations.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/setupintent"

	"urbanride/internal/common/database"
	"urbanride/internal/common/money"
	"urbanride/internal/instrument"
	"urbanride/internal/users"
)

// Config holds processor configuration
type Config struct {
	SecretKey     string        `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	WebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"PROCESSOR_TIMEOUT" default:"10s"`
}

// UserDirectory resolves a user's profile for customer registration
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*users.User, error)
}

// Client is the Stripe-backed processor gateway
type Client struct {
	links   *LinkStore
	users   UserDirectory
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a new processor client
func NewClient(cfg Config, links *LinkStore, userDir UserDirectory, logger *slog.Logger) *Client {
	stripe.Key = cfg.SecretKey

	return &Client{
		links:   links,
		users:   userDir,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// GetOrCreateCustomer returns the processor customer id for a user,
// registering one lazily on first need. The unique constraint on
// owner_user_id keeps concurrent callers from persisting two links.
func (c *Client) GetOrCreateCustomer(ctx context.Context, ownerUserID string) (string, error) {
	link, err := c.links.Get(ctx, ownerUserID)
	if err == nil {
		return link.ProcessorCustomerID, nil
	}
	if !database.IsNotFound(err) {
		return "", err
	}

	profile, err := c.users.GetUser(ctx, ownerUserID)
	if err != nil {
		return "", fmt.Errorf("resolving user profile: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.CustomerParams{
		Name:  stripe.String(profile.DisplayName),
		Email: stripe.String(profile.Email),
		Metadata: map[string]string{
			"owner_user_id": ownerUserID,
		},
	}
	params.Context = ctx

	cust, err := customer.New(params)
	if err != nil {
		return "", processorError("creating customer", err)
	}

	link, won, err := c.links.Insert(ctx, ownerUserID, cust.ID)
	if err != nil {
		return "", err
	}
	if !won {
		// A concurrent caller registered first; its customer id wins.
		c.logger.Warn("abandoning duplicate processor customer",
			"user_id", ownerUserID,
			"abandoned_customer_id", cust.ID,
			"kept_customer_id", link.ProcessorCustomerID,
		)
	} else {
		c.logger.Info("processor customer registered",
			"user_id", ownerUserID,
			"customer_id", cust.ID,
		)
	}

	return link.ProcessorCustomerID, nil
}

// SetupIntent is a client-usable token for registering a card directly
// with the processor.
type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// CreateSetupIntent issues a setup intent for the user. The card number
// never transits this system; the Webhook Ingestor creates the ledger
// instrument once the processor confirms registration.
func (c *Client) CreateSetupIntent(ctx context.Context, ownerUserID string) (*SetupIntent, error) {
	customerID, err := c.GetOrCreateCustomer(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.SetupIntentParams{
		Customer: stripe.String(customerID),
		Usage:    stripe.String("off_session"),
		Metadata: map[string]string{
			"owner_user_id": ownerUserID,
		},
	}
	params.Context = ctx

	si, err := setupintent.New(params)
	if err != nil {
		return nil, processorError("creating setup intent", err)
	}

	return &SetupIntent{ID: si.ID, ClientSecret: si.ClientSecret}, nil
}

// PaymentIntent is the processor's answer to a charge request
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreatePaymentIntent requests an authorization/charge from the processor.
// Processor-level errors keep the processor's message for diagnostics.
func (c *Client) CreatePaymentIntent(ctx context.Context, ownerUserID string, amount money.Money, operationTag string, metadata map[string]string) (*PaymentIntent, error) {
	customerID, err := c.GetOrCreateCustomer(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	md := map[string]string{
		"owner_user_id": ownerUserID,
		"operation":     operationTag,
	}
	for k, v := range metadata {
		md[k] = v
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount.AmountMinor),
		Currency:    stripe.String(strings.ToLower(string(amount.Currency))),
		Customer:    stripe.String(customerID),
		Description: stripe.String(operationTag),
		Metadata:    md,
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, processorError("creating payment intent", err)
	}

	c.logger.Info("payment intent created",
		"intent_id", pi.ID,
		"user_id", ownerUserID,
		"amount", amount.AmountMinor,
		"operation", operationTag,
	)

	return &PaymentIntent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

// Authorize adapts CreatePaymentIntent to the ledger's Authorizer interface
func (c *Client) Authorize(ctx context.Context, req instrument.AuthorizationRequest) (*instrument.Authorization, error) {
	pi, err := c.CreatePaymentIntent(ctx, req.OwnerUserID, req.Amount, req.OperationTag, req.Metadata)
	if err != nil {
		return nil, err
	}
	return &instrument.Authorization{Reference: pi.ID, Status: pi.Status}, nil
}

// PaymentMethodCard fetches card display attributes for a processor
// payment method, used to enrich webhook-driven instrument creation.
func (c *Client) PaymentMethodCard(ctx context.Context, paymentMethodID string) (*instrument.ProcessorCard, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx

	pm, err := paymentmethod.Get(paymentMethodID, params)
	if err != nil {
		return nil, processorError("fetching payment method", err)
	}
	if pm.Card == nil {
		return nil, fmt.Errorf("payment method %s has no card details", paymentMethodID)
	}

	return &instrument.ProcessorCard{
		Brand:    string(pm.Card.Brand),
		Last4:    pm.Card.Last4,
		ExpMonth: int(pm.Card.ExpMonth),
		ExpYear:  int(pm.Card.ExpYear),
	}, nil
}

// processorError wraps a Stripe failure, preserving the processor's own
// message when one is available.
func processorError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%s: %s", op, stripeErr.Msg)
	}
	return fmt.Errorf("%s: %w", op, err)
}
