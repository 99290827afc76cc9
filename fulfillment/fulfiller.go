// Package fulfillment applies the business effect of a settled payment.
// Settlement and effect are separate steps; effect_applied_at on the payment
// record is claimed in the same transaction that applies the effect, so each
// payment's effect runs exactly once however often it is requested.
package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kenfuse-payment-svc/middleware"
	"kenfuse-payment-svc/models"
	"kenfuse-payment-svc/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultSweepLimit = 100

type Fulfiller struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func New(db *sql.DB, logger *zap.Logger) *Fulfiller {
	return &Fulfiller{db: db, logger: logger, now: time.Now}
}

// Fulfill applies the effect of a completed payment. It reports false when
// there was nothing to do: the payment is not completed or was already
// fulfilled.
func (f *Fulfiller) Fulfill(ctx context.Context, paymentID string) (bool, error) {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "Fulfill")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	payment, err := store.NewPaymentStore(tx, f.logger).ClaimEffect(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if payment == nil {
		return false, nil
	}

	if err := f.apply(ctx, tx, payment); err != nil {
		span.RecordError(err)
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit fulfillment of payment %s: %w", paymentID, err)
	}

	middleware.RecordEffectApplied(string(payment.Purpose))
	f.logger.Info("Payment fulfilled",
		zap.String("payment_id", payment.ID),
		zap.String("user_id", payment.UserID),
		zap.String("purpose", string(payment.Purpose)),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	return true, nil
}

func (f *Fulfiller) apply(ctx context.Context, tx *sql.Tx, payment *models.PaymentRecord) error {
	switch payment.Purpose {
	case models.PurposeSubscription:
		if payment.Plan == nil || *payment.Plan == "" {
			f.logger.Warn("Subscription payment has no plan", zap.String("payment_id", payment.ID))
			return nil
		}
		users := store.NewUserStore(tx, f.logger)
		user, err := users.GetUser(ctx, payment.UserID)
		if err != nil {
			return err
		}

		// renewing an active plan extends it instead of restarting the period
		start := f.now()
		if user.SubscriptionPlan == *payment.Plan && user.SubscriptionExpiry != nil && user.SubscriptionExpiry.After(start) {
			start = *user.SubscriptionExpiry
		}
		expiry := start.Add(models.SubscriptionPeriod)

		if _, err := users.SettlePlan(ctx, payment.UserID, *payment.Plan, &expiry, payment.ID); err != nil {
			return err
		}
		return nil
	default:
		// plain payments carry no effect of their own; the claim records
		// that they were seen
		return nil
	}
}

// Release clears the pending upgrade owned by a failed payment.
func (f *Fulfiller) Release(ctx context.Context, paymentID string) error {
	payment, err := store.NewPaymentStore(f.db, f.logger).FindByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != models.PaymentStatusFailed || payment.Purpose != models.PurposeSubscription {
		return nil
	}
	if err := store.NewUserStore(f.db, f.logger).ClearPendingUpgrade(ctx, payment.UserID, payment.ID); err != nil {
		return err
	}
	f.logger.Info("Pending upgrade released", zap.String("payment_id", payment.ID), zap.String("user_id", payment.UserID))
	return nil
}

// HandleEvent routes a payment event to Fulfill or Release.
func (f *Fulfiller) HandleEvent(ctx context.Context, event models.PaymentEvent) error {
	switch event.EventType {
	case models.EventPaymentCompleted:
		_, err := f.Fulfill(ctx, event.PaymentID)
		return err
	case models.EventPaymentFailed:
		return f.Release(ctx, event.PaymentID)
	default:
		f.logger.Warn("Unknown payment event type", zap.String("event_type", event.EventType))
		return nil
	}
}

// Notify lets the fulfiller stand in for the event bus when Kafka is off.
func (f *Fulfiller) Notify(ctx context.Context, event models.PaymentEvent) error {
	return f.HandleEvent(ctx, event)
}

// Sweep fulfills completed payments whose effect was never applied, for
// instance because the event announcing them was lost.
func (f *Fulfiller) Sweep(ctx context.Context, limit int) (int, error) {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "Sweep")
	defer span.End()

	if limit <= 0 {
		limit = defaultSweepLimit
	}
	ids, err := store.NewPaymentStore(f.db, f.logger).ListUnapplied(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	applied := 0
	var errs []error
	for _, id := range ids {
		ok, err := f.Fulfill(ctx, id)
		if err != nil {
			f.logger.Error("Sweep failed to fulfill payment", zap.String("payment_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("payment %s: %w", id, err))
			continue
		}
		if ok {
			applied++
		}
	}

	span.SetAttributes(attribute.Int("sweep.candidates", len(ids)), attribute.Int("sweep.applied", applied))
	f.logger.Info("Fulfillment sweep finished", zap.Int("candidates", len(ids)), zap.Int("applied", applied))
	return applied, errors.Join(errs...)
}
