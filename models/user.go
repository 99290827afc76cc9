package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Phone              string     `json:"phone"`
	Role               string     `json:"role"`
	SubscriptionPlan   string     `json:"subscription_plan"`
	SubscriptionExpiry *time.Time `json:"subscription_expiry,omitempty"`
	PendingPlan        *string    `json:"pending_plan,omitempty"`
	PendingPaymentID   *string    `json:"pending_payment_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type Plan struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Features []string        `json:"features"`
}

// Free reports whether the plan applies without a payment step.
func (p Plan) Free() bool {
	return p.Price.IsZero()
}

const (
	PlanFree     = "free"
	PlanStandard = "standard"
	PlanPremium  = "premium"
)

// SubscriptionPeriod is how long a paid plan stays active after settlement.
const SubscriptionPeriod = 30 * 24 * time.Hour

// PriceTable maps plan name to plan.
type PriceTable map[string]Plan

func DefaultPriceTable() PriceTable {
	return PriceTable{
		PlanFree: {
			Name:     PlanFree,
			Price:    decimal.Zero,
			Features: []string{"basic_will", "1_memorial", "basic_support"},
		},
		PlanStandard: {
			Name:     PlanStandard,
			Price:    decimal.NewFromInt(500),
			Features: []string{"advanced_will", "5_memorials", "fundraising", "priority_support"},
		},
		PlanPremium: {
			Name:     PlanPremium,
			Price:    decimal.NewFromInt(1500),
			Features: []string{"premium_will", "unlimited_memorials", "fundraising", "vendor_marketplace", "24/7_support", "legal_consultation"},
		},
	}
}

func (t PriceTable) Lookup(name string) (Plan, bool) {
	p, ok := t[name]
	return p, ok
}

type UpgradeStatus string

const (
	UpgradeApplied        UpgradeStatus = "applied"
	UpgradePendingPayment UpgradeStatus = "pending_payment"
)

type UpgradeSubscriptionRequest struct {
	Plan          string        `json:"plan" binding:"required"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Phone         string        `json:"phone"`
}

type UpgradeSubscriptionResponse struct {
	Message           string         `json:"message"`
	Status            UpgradeStatus  `json:"status"`
	Plan              string         `json:"plan"`
	Amount            string         `json:"amount"`
	User              *User          `json:"user,omitempty"`
	Payment           *PaymentRecord `json:"payment,omitempty"`
	CheckoutRequestID string         `json:"checkout_request_id,omitempty"`
	ClientSecret      string         `json:"client_secret,omitempty"`
	PaymentIntentID   string         `json:"payment_intent_id,omitempty"`
}
