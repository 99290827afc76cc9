package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending          PaymentStatus = "pending"
	PaymentStatusAwaitingCallback PaymentStatus = "awaiting_callback"
	PaymentStatusCompleted        PaymentStatus = "completed"
	PaymentStatusFailed           PaymentStatus = "failed"
)

// IsTerminal reports whether no transition may leave s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

type PaymentMethod string

const (
	PaymentMethodMobileMoney PaymentMethod = "mobile_money"
	PaymentMethodCard        PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodMobileMoney || m == PaymentMethodCard
}

// PaymentPurpose selects the business effect applied once a payment settles.
type PaymentPurpose string

const (
	PurposePayment      PaymentPurpose = "payment"
	PurposeSubscription PaymentPurpose = "subscription"
)

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusAwaitingCallback: {PaymentStatusPending},
	PaymentStatusCompleted:        {PaymentStatusAwaitingCallback},
	PaymentStatusFailed:           {PaymentStatusPending, PaymentStatusAwaitingCallback},
}

// SourcesFor returns the statuses a record may be in to move to `to`.
func SourcesFor(to PaymentStatus) []PaymentStatus {
	return transitions[to]
}

func CanTransition(from, to PaymentStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

type PaymentRecord struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Method          PaymentMethod   `json:"payment_method"`
	Status          PaymentStatus   `json:"status"`
	GatewayRef      *string         `json:"transaction_id"`
	ReceiptCode     *string         `json:"receipt_code"`
	Description     string          `json:"description"`
	GatewayPayload  json.RawMessage `json:"-"`
	Purpose         PaymentPurpose  `json:"purpose"`
	Plan            *string         `json:"plan,omitempty"`
	EffectAppliedAt *time.Time      `json:"effect_applied_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewPayment carries the fields supplied when a payment attempt starts.
type NewPayment struct {
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	Method      PaymentMethod
	Description string
	Purpose     PaymentPurpose
	Plan        string
}

// StatusUpdate holds the optional columns written alongside a transition.
// Nil fields leave the stored value untouched.
type StatusUpdate struct {
	GatewayRef *string
	Receipt    *string
	Payload    json.RawMessage
}

type MobileMoneyPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Phone       string          `json:"phone" binding:"required"`
	Description string          `json:"description"`
}

type CardPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

type MobileMoneyPaymentResponse struct {
	Message           string         `json:"message"`
	Payment           *PaymentRecord `json:"payment"`
	CheckoutRequestID string         `json:"checkout_request_id"`
}

type CardPaymentResponse struct {
	Message         string         `json:"message"`
	ClientSecret    string         `json:"client_secret"`
	PaymentIntentID string         `json:"payment_intent_id"`
	Payment         *PaymentRecord `json:"payment"`
}

type PaymentEvent struct {
	PaymentID   string          `json:"payment_id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Method      PaymentMethod   `json:"payment_method"`
	Status      PaymentStatus   `json:"status"`
	Purpose     PaymentPurpose  `json:"purpose"`
	Plan        string          `json:"plan,omitempty"`
	ReceiptCode string          `json:"receipt_code,omitempty"`
	EventType   string          `json:"event_type"` // payment_completed, payment_failed
}

const (
	EventPaymentCompleted = "payment_completed"
	EventPaymentFailed    = "payment_failed"
)

// NewPaymentEvent builds the event announcing that p reached a terminal status.
func NewPaymentEvent(p *PaymentRecord) PaymentEvent {
	event := PaymentEvent{
		PaymentID: p.ID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Method:    p.Method,
		Status:    p.Status,
		Purpose:   p.Purpose,
		EventType: EventPaymentFailed,
	}
	if p.Status == PaymentStatusCompleted {
		event.EventType = EventPaymentCompleted
	}
	if p.Plan != nil {
		event.Plan = *p.Plan
	}
	if p.ReceiptCode != nil {
		event.ReceiptCode = *p.ReceiptCode
	}
	return event
}
