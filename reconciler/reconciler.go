// Package reconciler applies asynchronous gateway notifications to payment
// records. Every notification may be redelivered or arrive concurrently with
// a copy of itself; the store's compare-and-set makes exactly one win.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/gateway/card"
	"kenfuse-payment-svc/middleware"
	"kenfuse-payment-svc/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeIgnored                 Outcome = "ignored"
	OutcomeUnknown                 Outcome = "unknown"
	OutcomeDuplicate               Outcome = "duplicate"
	OutcomeCompleted               Outcome = "completed"
	OutcomeCompletedWithoutReceipt Outcome = "completed_without_receipt"
	OutcomeFailed                  Outcome = "failed"
	OutcomeError                   Outcome = "error"
)

const (
	sourceMpesa  = "mpesa"
	sourceStripe = "stripe"
)

type Store interface {
	FindByID(ctx context.Context, id string) (*models.PaymentRecord, error)
	FindByGatewayRef(ctx context.Context, ref string) (*models.PaymentRecord, error)
	UpdateStatus(ctx context.Context, id string, to models.PaymentStatus, u models.StatusUpdate) (*models.PaymentRecord, error)
}

// Notifier is told about every payment that reached a terminal status.
type Notifier interface {
	Notify(ctx context.Context, event models.PaymentEvent) error
}

type Reconciler struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

func New(store Store, notifier Notifier, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, notifier: notifier, logger: logger}
}

// HandleMobileMoneyCallback reconciles one STK callback envelope. The error
// is only non-nil for internal failures; callers acknowledge the gateway
// regardless.
func (r *Reconciler) HandleMobileMoneyCallback(ctx context.Context, raw []byte) (Outcome, error) {
	ctx, span := otel.Tracer("reconciler").Start(ctx, "HandleMobileMoneyCallback")
	defer span.End()

	outcome, err := r.handleMobileMoney(ctx, raw)
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
	}
	middleware.RecordCallback(sourceMpesa, string(outcome))
	return outcome, err
}

func (r *Reconciler) handleMobileMoney(ctx context.Context, raw []byte) (Outcome, error) {
	var envelope models.StkCallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		r.logger.Warn("Discarding malformed mobile money callback", zap.Error(err), zap.ByteString("payload", raw))
		return OutcomeIgnored, nil
	}
	cb := envelope.Body.StkCallback
	if !cb.Valid() {
		r.logger.Warn("Discarding mobile money callback without correlation id or result", zap.ByteString("payload", raw))
		return OutcomeIgnored, nil
	}

	logger := r.logger.With(
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.Int("result_code", *cb.ResultCode),
	)

	payment, err := r.store.FindByGatewayRef(ctx, cb.CheckoutRequestID)
	if errors.Is(err, apperr.ErrNotFound) {
		logger.Warn("Callback for unknown checkout request")
		return OutcomeUnknown, nil
	}
	if err != nil {
		logger.Error("Failed to look up payment for callback", zap.Error(err))
		return OutcomeError, fmt.Errorf("failed to look up checkout request %s: %w", cb.CheckoutRequestID, err)
	}

	to := models.PaymentStatusFailed
	update := models.StatusUpdate{Payload: raw}
	outcome := OutcomeFailed
	if cb.Succeeded() {
		to = models.PaymentStatusCompleted
		outcome = OutcomeCompleted
		if receipt, ok := cb.Receipt(); ok {
			update.Receipt = &receipt
		} else {
			outcome = OutcomeCompletedWithoutReceipt
		}
	}

	return r.transition(ctx, logger, payment, to, update, outcome)
}

// HandleCardEvent reconciles a verified card webhook event.
func (r *Reconciler) HandleCardEvent(ctx context.Context, ev *card.CardEvent) (Outcome, error) {
	ctx, span := otel.Tracer("reconciler").Start(ctx, "HandleCardEvent")
	defer span.End()
	span.SetAttributes(attribute.String("stripe.event_type", ev.Type))

	outcome, err := r.handleCard(ctx, ev)
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
	}
	middleware.RecordCallback(sourceStripe, string(outcome))
	return outcome, err
}

func (r *Reconciler) handleCard(ctx context.Context, ev *card.CardEvent) (Outcome, error) {
	if !ev.Succeeded() && !ev.Failed() {
		return OutcomeIgnored, nil
	}
	logger := r.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("payment_intent_id", ev.IntentID),
	)

	payment, err := r.store.FindByGatewayRef(ctx, ev.IntentID)
	if errors.Is(err, apperr.ErrNotFound) && ev.PaymentID != "" {
		payment, err = r.store.FindByID(ctx, ev.PaymentID)
		if err == nil && payment.Method != models.PaymentMethodCard {
			err = apperr.ErrNotFound
		}
	}
	if errors.Is(err, apperr.ErrNotFound) {
		logger.Warn("Webhook for unknown payment intent")
		return OutcomeUnknown, nil
	}
	if err != nil {
		logger.Error("Failed to look up payment for webhook", zap.Error(err))
		return OutcomeError, fmt.Errorf("failed to look up payment intent %s: %w", ev.IntentID, err)
	}

	update := models.StatusUpdate{Payload: ev.Raw}
	if payment.GatewayRef == nil && ev.IntentID != "" {
		ref := ev.IntentID
		update.GatewayRef = &ref
	}
	if ev.Succeeded() {
		return r.transition(ctx, logger, payment, models.PaymentStatusCompleted, update, OutcomeCompleted)
	}
	return r.transition(ctx, logger, payment, models.PaymentStatusFailed, update, OutcomeFailed)
}

func (r *Reconciler) transition(ctx context.Context, logger *zap.Logger, payment *models.PaymentRecord, to models.PaymentStatus, update models.StatusUpdate, outcome Outcome) (Outcome, error) {
	logger = logger.With(zap.String("payment_id", payment.ID))

	if payment.Status.IsTerminal() {
		logger.Info("Duplicate notification for settled payment", zap.String("status", string(payment.Status)))
		return OutcomeDuplicate, nil
	}

	updated, err := r.store.UpdateStatus(ctx, payment.ID, to, update)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		// lost the race to a concurrent delivery of the same notification
		logger.Info("Notification already applied by a concurrent delivery")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		logger.Error("Failed to reconcile payment", zap.Error(err))
		return OutcomeError, fmt.Errorf("failed to move payment %s to %s: %w", payment.ID, to, err)
	}

	if outcome == OutcomeCompletedWithoutReceipt {
		logger.Warn("Payment completed without settlement receipt")
	} else {
		logger.Info("Payment reconciled", zap.String("status", string(updated.Status)))
	}

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, models.NewPaymentEvent(updated)); err != nil {
			// the sweep picks up completed payments whose effect never ran
			logger.Error("Failed to publish payment event", zap.Error(err))
		}
	}
	return outcome, nil
}
