// Package subscription upgrades a user's plan. Paid plans are never applied
// here: the user is marked as waiting for the payment, and the plan is
// applied by fulfillment once the payment settles.
package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/models"
	"kenfuse-payment-svc/payments"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	SetPendingUpgrade(ctx context.Context, userID, plan, paymentID string) (bool, error)
	ApplyPlan(ctx context.Context, userID, plan string, expiry *time.Time) (*models.User, error)
}

type PaymentInitiator interface {
	InitiateMobileMoney(ctx context.Context, in payments.MobileMoneyInput) (*payments.MobileMoneyResult, error)
	InitiateCard(ctx context.Context, in payments.CardInput) (*payments.CardResult, error)
}

type UpgradeRequest struct {
	UserID string
	Plan   string
	Method models.PaymentMethod
	Phone  string
}

type UpgradeResult struct {
	Status            models.UpgradeStatus
	Plan              models.Plan
	User              *models.User
	Payment           *models.PaymentRecord
	CheckoutRequestID string
	ClientSecret      string
	PaymentIntentID   string
}

type Orchestrator struct {
	users    UserDirectory
	payments PaymentInitiator
	prices   models.PriceTable
	logger   *zap.Logger
}

func NewOrchestrator(users UserDirectory, pay PaymentInitiator, prices models.PriceTable, logger *zap.Logger) *Orchestrator {
	if prices == nil {
		prices = models.DefaultPriceTable()
	}
	return &Orchestrator{users: users, payments: pay, prices: prices, logger: logger}
}

func (o *Orchestrator) Plans() []models.Plan {
	order := []string{models.PlanFree, models.PlanStandard, models.PlanPremium}
	plans := make([]models.Plan, 0, len(o.prices))
	seen := make(map[string]bool)
	for _, name := range order {
		if p, ok := o.prices.Lookup(name); ok {
			plans = append(plans, p)
			seen[name] = true
		}
	}
	for name, p := range o.prices {
		if !seen[name] {
			plans = append(plans, p)
		}
	}
	return plans
}

// ParseMethod accepts the stored method names plus the "mpesa" alias older
// clients send.
func ParseMethod(s string) (models.PaymentMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "mpesa", string(models.PaymentMethodMobileMoney):
		return models.PaymentMethodMobileMoney, nil
	case string(models.PaymentMethodCard):
		return models.PaymentMethodCard, nil
	default:
		return "", apperr.Validation("payment_method", fmt.Sprintf("unsupported method %q", s))
	}
}

func (o *Orchestrator) Upgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error) {
	ctx, span := otel.Tracer("subscription").Start(ctx, "Upgrade")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.plan", req.Plan))

	plan, ok := o.prices.Lookup(strings.ToLower(req.Plan))
	if !ok {
		return nil, apperr.Validation("plan", fmt.Sprintf("unknown plan %q", req.Plan))
	}

	user, err := o.users.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if plan.Free() {
		updated, err := o.users.ApplyPlan(ctx, user.ID, plan.Name, nil)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		o.logger.Info("Subscription changed without payment",
			zap.String("user_id", user.ID),
			zap.String("plan", plan.Name),
		)
		return &UpgradeResult{Status: models.UpgradeApplied, Plan: plan, User: updated}, nil
	}

	result := &UpgradeResult{Status: models.UpgradePendingPayment, Plan: plan}
	description := fmt.Sprintf("KENFUSE %s Subscription", strings.ToUpper(plan.Name[:1])+plan.Name[1:])

	switch req.Method {
	case "":
		return nil, apperr.Validation("payment_method", "payment required for paid plans")
	case models.PaymentMethodMobileMoney:
		if strings.TrimSpace(req.Phone) == "" {
			return nil, apperr.Validation("phone", "phone number required for mobile money")
		}
		res, err := o.payments.InitiateMobileMoney(ctx, payments.MobileMoneyInput{
			UserID:      user.ID,
			Amount:      plan.Price,
			Phone:       req.Phone,
			Description: description,
			Purpose:     models.PurposeSubscription,
			Plan:        plan.Name,
			Reference:   "SUB" + strings.ToUpper(shortID(user.ID)),
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result.Payment = res.Payment
		result.CheckoutRequestID = res.CheckoutRequestID
	case models.PaymentMethodCard:
		res, err := o.payments.InitiateCard(ctx, payments.CardInput{
			UserID:      user.ID,
			Amount:      plan.Price,
			Description: description,
			Purpose:     models.PurposeSubscription,
			Plan:        plan.Name,
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result.Payment = res.Payment
		result.ClientSecret = res.ClientSecret
		result.PaymentIntentID = res.PaymentIntentID
	default:
		return nil, apperr.Validation("payment_method", fmt.Sprintf("unsupported method %q", req.Method))
	}

	set, err := o.users.SetPendingUpgrade(ctx, user.ID, plan.Name, result.Payment.ID)
	if err != nil {
		// the plan still follows the payment record once it settles
		o.logger.Error("Failed to record pending upgrade",
			zap.String("user_id", user.ID),
			zap.String("payment_id", result.Payment.ID),
			zap.Error(err),
		)
	} else if !set {
		o.logger.Info("Payment settled before pending upgrade was recorded",
			zap.String("user_id", user.ID),
			zap.String("payment_id", result.Payment.ID),
		)
	}

	result.User = user
	o.logger.Info("Subscription upgrade awaiting payment",
		zap.String("user_id", user.ID),
		zap.String("plan", plan.Name),
		zap.String("payment_id", result.Payment.ID),
		zap.String("method", string(req.Method)),
	)
	return result, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
