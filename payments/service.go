// Package payments starts payment attempts: it records every attempt before
// calling a gateway and moves the record through its synchronous states.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/gateway/card"
	"kenfuse-payment-svc/gateway/mpesa"
	"kenfuse-payment-svc/middleware"
	"kenfuse-payment-svc/models"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	defaultDescription            = "KENFUSE Payment"
	defaultTransactionDescription = "KENFUSE Service Payment"

	// bound on recording a gateway outcome after the caller's context is gone
	resultWriteTimeout = 5 * time.Second
)

type Store interface {
	Create(ctx context.Context, in models.NewPayment) (*models.PaymentRecord, error)
	UpdateStatus(ctx context.Context, id string, to models.PaymentStatus, u models.StatusUpdate) (*models.PaymentRecord, error)
	FindByID(ctx context.Context, id string) (*models.PaymentRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error)
}

type MobileMoneyGateway interface {
	PushPayment(ctx context.Context, in mpesa.PushRequest) (*mpesa.PushResult, error)
}

type CardGateway interface {
	CreateIntent(ctx context.Context, in card.IntentRequest) (*card.Intent, error)
}

type Service struct {
	store     Store
	mpesa     MobileMoneyGateway
	card      CardGateway
	logger    *zap.Logger
	timeout   time.Duration
	currency  string
	refPrefix string
}

type Config struct {
	GatewayTimeout  time.Duration
	DefaultCurrency string
	ReferencePrefix string
}

func NewService(store Store, mm MobileMoneyGateway, cg CardGateway, logger *zap.Logger, cfg Config) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "KES"
	}
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "KENFUSE"
	}
	return &Service{
		store:     store,
		mpesa:     mm,
		card:      cg,
		logger:    logger,
		timeout:   cfg.GatewayTimeout,
		currency:  strings.ToUpper(cfg.DefaultCurrency),
		refPrefix: cfg.ReferencePrefix,
	}
}

type MobileMoneyInput struct {
	UserID      string
	Amount      decimal.Decimal
	Phone       string
	Description string
	Purpose     models.PaymentPurpose
	Plan        string
	// Reference overrides the account reference shown on the handset prompt.
	Reference string
}

type MobileMoneyResult struct {
	Payment           *models.PaymentRecord
	CheckoutRequestID string
}

type CardInput struct {
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Purpose     models.PaymentPurpose
	Plan        string
}

type CardResult struct {
	Payment         *models.PaymentRecord
	ClientSecret    string
	PaymentIntentID string
}

// InitiateMobileMoney records a pending payment, sends the STK push and
// moves the record to awaiting_callback, or to failed if the push is refused.
func (s *Service) InitiateMobileMoney(ctx context.Context, in MobileMoneyInput) (*MobileMoneyResult, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "InitiateMobileMoney")
	defer span.End()

	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be greater than zero")
	}
	// the gateway charges whole shillings only
	if !in.Amount.Equal(in.Amount.Truncate(0)) {
		return nil, apperr.Validation("amount", "must be a whole number of shillings for mobile money")
	}
	phone := mpesa.NormalizePhone(in.Phone)
	if err := mpesa.ValidatePhone(phone); err != nil {
		return nil, err
	}

	description := in.Description
	if description == "" {
		description = defaultDescription
	}

	payment, err := s.store.Create(ctx, models.NewPayment{
		UserID:      in.UserID,
		Amount:      in.Amount,
		Currency:    s.currency,
		Method:      models.PaymentMethodMobileMoney,
		Description: description,
		Purpose:     in.Purpose,
		Plan:        in.Plan,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", payment.ID))

	reference := in.Reference
	if reference == "" {
		reference = s.refPrefix + strings.ToUpper(shortID(payment.ID))
	}
	txDesc := in.Description
	if txDesc == "" {
		txDesc = defaultTransactionDescription
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.mpesa.PushPayment(gwCtx, mpesa.PushRequest{
		Phone:       phone,
		Amount:      in.Amount.IntPart(),
		Reference:   reference,
		Description: txDesc,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		s.markFailed(ctx, payment, err)
		middleware.RecordPaymentInitiated(string(models.PaymentMethodMobileMoney), outcome(err))
		return nil, fmt.Errorf("payment %s: %w", payment.ID, err)
	}

	ref := result.CheckoutRequestID
	writeCtx, cancelWrite := detachedWrite(ctx)
	defer cancelWrite()
	updated, err := s.store.UpdateStatus(writeCtx, payment.ID, models.PaymentStatusAwaitingCallback, models.StatusUpdate{
		GatewayRef: &ref,
		Payload:    jsonOrNil(result.Raw),
	})
	if err != nil {
		// the push went out, so the callback for ref will find no record
		s.logger.Error("Failed to record accepted push",
			zap.String("payment_id", payment.ID),
			zap.String("checkout_request_id", ref),
			zap.Error(err),
		)
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record gateway reference for payment %s: %w", payment.ID, err)
	}

	middleware.RecordPaymentInitiated(string(models.PaymentMethodMobileMoney), "accepted")
	s.logger.Info("Mobile money payment initiated",
		zap.String("payment_id", updated.ID),
		zap.String("user_id", updated.UserID),
		zap.String("checkout_request_id", ref),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	return &MobileMoneyResult{Payment: updated, CheckoutRequestID: ref}, nil
}

// InitiateCard records a pending payment and creates a card payment intent
// for it. Settlement is reported later through the card webhook.
func (s *Service) InitiateCard(ctx context.Context, in CardInput) (*CardResult, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "InitiateCard")
	defer span.End()

	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be greater than zero")
	}
	if card.MinorUnits(in.Amount) <= 0 {
		return nil, apperr.Validation("amount", "is smaller than the smallest chargeable unit")
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = s.currency
	}
	if len(currency) != 3 {
		return nil, apperr.Validation("currency", "must be a three-letter ISO code")
	}
	description := in.Description
	if description == "" {
		description = defaultDescription
	}

	payment, err := s.store.Create(ctx, models.NewPayment{
		UserID:      in.UserID,
		Amount:      in.Amount,
		Currency:    currency,
		Method:      models.PaymentMethodCard,
		Description: description,
		Purpose:     in.Purpose,
		Plan:        in.Plan,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", payment.ID))

	metadata := map[string]string{
		"payment_id":  payment.ID,
		"user_id":     in.UserID,
		"description": description,
		"type":        string(payment.Purpose),
	}
	if in.Plan != "" {
		metadata["plan"] = in.Plan
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	intent, err := s.card.CreateIntent(gwCtx, card.IntentRequest{
		Amount:         in.Amount,
		Currency:       currency,
		Description:    description,
		Metadata:       metadata,
		IdempotencyKey: payment.ID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create intent failed")
		s.markFailed(ctx, payment, err)
		middleware.RecordPaymentInitiated(string(models.PaymentMethodCard), outcome(err))
		return nil, fmt.Errorf("payment %s: %w", payment.ID, err)
	}

	ref := intent.ID
	writeCtx, cancelWrite := detachedWrite(ctx)
	defer cancelWrite()
	updated, err := s.store.UpdateStatus(writeCtx, payment.ID, models.PaymentStatusAwaitingCallback, models.StatusUpdate{GatewayRef: &ref})
	if err != nil {
		s.logger.Error("Failed to record payment intent",
			zap.String("payment_id", payment.ID),
			zap.String("payment_intent_id", ref),
			zap.Error(err),
		)
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record payment intent for payment %s: %w", payment.ID, err)
	}

	middleware.RecordPaymentInitiated(string(models.PaymentMethodCard), "accepted")
	s.logger.Info("Card payment initiated",
		zap.String("payment_id", updated.ID),
		zap.String("user_id", updated.UserID),
		zap.String("payment_intent_id", ref),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	return &CardResult{Payment: updated, ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID}, nil
}

// GetPayment returns the payment only to its owner; other callers get
// ErrNotFound so ids cannot be probed.
func (s *Service) GetPayment(ctx context.Context, userID, id string) (*models.PaymentRecord, error) {
	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("payment %s: %w", id, apperr.ErrNotFound)
	}
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// detachedWrite returns a context for recording what the gateway did. Once the
// gateway has answered, the outcome must be stored even if the client is gone.
func detachedWrite(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
}

// markFailed moves a payment whose gateway call errored to failed. It uses a
// context detached from the request so a timed-out call is still recorded.
func (s *Service) markFailed(ctx context.Context, payment *models.PaymentRecord, cause error) {
	writeCtx, cancel := detachedWrite(ctx)
	defer cancel()

	var update models.StatusUpdate
	var gwErr *apperr.GatewayError
	if errors.As(cause, &gwErr) {
		update.Payload = jsonOrNil(gwErr.Raw)
	}

	if _, err := s.store.UpdateStatus(writeCtx, payment.ID, models.PaymentStatusFailed, update); err != nil {
		s.logger.Error("Failed to mark payment as failed",
			zap.String("payment_id", payment.ID),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("Payment failed at gateway",
		zap.String("payment_id", payment.ID),
		zap.String("method", string(payment.Method)),
		zap.Error(cause),
	)
}

func outcome(err error) string {
	var authErr *apperr.AuthError
	var vErr *apperr.ValidationError
	switch {
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &vErr):
		return "invalid"
	case apperr.IsRetryable(err):
		return "unavailable"
	default:
		return "rejected"
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func jsonOrNil(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
