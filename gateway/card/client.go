package card

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/circuitbreaker"
	"kenfuse-payment-svc/config"
	"kenfuse-payment-svc/middleware"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const gatewayName = "stripe"

const (
	EventIntentSucceeded     = "payment_intent.succeeded"
	EventIntentPaymentFailed = "payment_intent.payment_failed"
	EventIntentCanceled      = "payment_intent.canceled"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type IntentRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

// CardEvent is the part of a verified webhook event the reconciler acts on.
type CardEvent struct {
	ID        string
	Type      string
	IntentID  string
	PaymentID string
	Raw       json.RawMessage
}

// Succeeded and Failed are both false for events that do not settle an intent.
func (e *CardEvent) Succeeded() bool { return e.Type == EventIntentSucceeded }

func (e *CardEvent) Failed() bool {
	return e.Type == EventIntentPaymentFailed || e.Type == EventIntentCanceled
}

type Client struct {
	intents       paymentintent.Client
	webhookSecret string
	breaker       *circuitbreaker.CircuitBreaker
	logger        *zap.Logger
}

type Option func(*stripe.BackendConfig)

func WithHTTPClient(hc *http.Client) Option {
	return func(bc *stripe.BackendConfig) { bc.HTTPClient = hc }
}

func NewClient(cfg config.StripeConfig, logger *zap.Logger, opts ...Option) *Client {
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Sugar(),
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	for _, opt := range opts {
		opt(bc)
	}

	return &Client{
		intents: paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, bc),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
		breaker: circuitbreaker.NewCircuitBreaker(gatewayName, 5, 30*time.Second,
			circuitbreaker.WithFailurePredicate(apperr.IsRetryable),
			circuitbreaker.WithStateChangeHook(func(name string, from, to circuitbreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				middleware.RecordCircuitState(name, int(to))
			}),
		),
		logger: logger,
	}
}

// MinorUnits converts a major-unit amount to the integer minor units the
// card gateway charges in. Fractions of a minor unit are truncated.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Truncate(0).IntPart()
}

func (c *Client) CreateIntent(ctx context.Context, in IntentRequest) (*Intent, error) {
	ctx, span := otel.Tracer("card-client").Start(ctx, "CreateIntent")
	defer span.End()

	minor := MinorUnits(in.Amount)
	if minor <= 0 {
		return nil, apperr.Validation("amount", "must be greater than zero")
	}
	currency := strings.ToLower(in.Currency)
	span.SetAttributes(
		attribute.Int64("payment.amount_minor", minor),
		attribute.String("payment.currency", currency),
	)

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(minor),
		Currency:           stripe.String(currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	params.Context = ctx
	params.Metadata = in.Metadata
	if in.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(in.IdempotencyKey)
	}

	var pi *stripe.PaymentIntent
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		start := time.Now()
		var err error
		pi, err = c.intents.New(params)
		if err != nil {
			err = classify(err)
			middleware.RecordGatewayRequest(gatewayName, "create_intent", outcome(err), time.Since(start))
			return err
		}
		middleware.RecordGatewayRequest(gatewayName, "create_intent", "accepted", time.Since(start))
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = &apperr.GatewayError{Gateway: gatewayName, Operation: "create_intent", Retryable: true, Err: err}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create intent failed")
		c.logger.Error("Failed to create payment intent", zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.String("stripe.payment_intent_id", pi.ID))
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &apperr.GatewayError{Gateway: gatewayName, Operation: "create_intent", Retryable: true, Err: err}
	}

	gwErr := &apperr.GatewayError{
		Gateway:    gatewayName,
		Operation:  "create_intent",
		StatusCode: stripeErr.HTTPStatusCode,
		Retryable:  stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
	}
	if raw, mErr := json.Marshal(stripeErr); mErr == nil {
		gwErr.Raw = raw
	}
	if stripeErr.HTTPStatusCode == http.StatusUnauthorized {
		return &apperr.AuthError{Gateway: gatewayName, StatusCode: stripeErr.HTTPStatusCode, Body: stripeErr.Msg}
	}
	return gwErr
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case apperr.IsRetryable(err):
		return "unavailable"
	default:
		return "rejected"
	}
}

// ParseWebhook verifies the Stripe-Signature header and extracts the
// payment intent the event refers to.
func (c *Client) ParseWebhook(payload []byte, signature string) (*CardEvent, error) {
	if c.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &CardEvent{ID: event.ID, Type: string(event.Type), Raw: payload}
	if !strings.HasPrefix(ev.Type, "payment_intent.") || event.Data == nil {
		return ev, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to decode payment intent from event %s: %w", event.ID, err)
	}
	ev.IntentID = pi.ID
	ev.PaymentID = pi.Metadata["payment_id"]
	return ev, nil
}
