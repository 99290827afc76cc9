package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/models"
	"kenfuse-payment-svc/payments"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type fakeUsers struct {
	user        *models.User
	applied     []string
	pendingPlan string
	pendingPay  string
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, apperr.ErrNotFound
	}
	cp := *f.user
	return &cp, nil
}

func (f *fakeUsers) SetPendingUpgrade(_ context.Context, _, plan, paymentID string) (bool, error) {
	f.pendingPlan = plan
	f.pendingPay = paymentID
	return true, nil
}

func (f *fakeUsers) ApplyPlan(_ context.Context, _, plan string, _ *time.Time) (*models.User, error) {
	f.applied = append(f.applied, plan)
	cp := *f.user
	cp.SubscriptionPlan = plan
	return &cp, nil
}

type fakePayments struct {
	mm   *payments.MobileMoneyInput
	card *payments.CardInput
	err  error
}

func (f *fakePayments) InitiateMobileMoney(_ context.Context, in payments.MobileMoneyInput) (*payments.MobileMoneyResult, error) {
	f.mm = &in
	if f.err != nil {
		return nil, f.err
	}
	plan := in.Plan
	return &payments.MobileMoneyResult{
		Payment: &models.PaymentRecord{
			ID:      "pay-1",
			UserID:  in.UserID,
			Amount:  in.Amount,
			Method:  models.PaymentMethodMobileMoney,
			Status:  models.PaymentStatusAwaitingCallback,
			Purpose: in.Purpose,
			Plan:    &plan,
		},
		CheckoutRequestID: "ws_CO_1",
	}, nil
}

func (f *fakePayments) InitiateCard(_ context.Context, in payments.CardInput) (*payments.CardResult, error) {
	f.card = &in
	if f.err != nil {
		return nil, f.err
	}
	return &payments.CardResult{
		Payment:         &models.PaymentRecord{ID: "pay-2", UserID: in.UserID, Amount: in.Amount, Method: models.PaymentMethodCard, Status: models.PaymentStatusAwaitingCallback},
		ClientSecret:    "pi_1_secret",
		PaymentIntentID: "pi_1",
	}, nil
}

func setup(t *testing.T) (*Orchestrator, *fakeUsers, *fakePayments) {
	users := &fakeUsers{user: &models.User{ID: "5e1f2a3b-aaaa-bbbb-cccc-000000000001", SubscriptionPlan: models.PlanFree}}
	pay := &fakePayments{}
	return NewOrchestrator(users, pay, nil, zaptest.NewLogger(t)), users, pay
}

func TestUpgrade_FreePlanAppliesImmediately(t *testing.T) {
	o, users, pay := setup(t)

	res, err := o.Upgrade(context.Background(), UpgradeRequest{UserID: users.user.ID, Plan: "free"})
	if err != nil {
		t.Fatalf("Upgrade returned error: %v", err)
	}
	if res.Status != models.UpgradeApplied {
		t.Errorf("Expected applied, got %s", res.Status)
	}
	if len(users.applied) != 1 || users.applied[0] != models.PlanFree {
		t.Errorf("Expected free plan applied, got %v", users.applied)
	}
	if pay.mm != nil || pay.card != nil {
		t.Error("Expected no payment for a free plan")
	}
}

func TestUpgrade_MobileMoneyWaitsForSettlement(t *testing.T) {
	o, users, pay := setup(t)

	res, err := o.Upgrade(context.Background(), UpgradeRequest{
		UserID: users.user.ID,
		Plan:   "premium",
		Method: models.PaymentMethodMobileMoney,
		Phone:  "0712000111",
	})
	if err != nil {
		t.Fatalf("Upgrade returned error: %v", err)
	}

	if res.Status != models.UpgradePendingPayment {
		t.Errorf("Expected pending_payment, got %s", res.Status)
	}
	if len(users.applied) != 0 {
		t.Errorf("Plan must not be applied on push acceptance, got %v", users.applied)
	}
	if users.pendingPlan != models.PlanPremium || users.pendingPay != "pay-1" {
		t.Errorf("Expected pending marker premium/pay-1, got %s/%s", users.pendingPlan, users.pendingPay)
	}
	if !pay.mm.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("Expected plan price 1500, got %s", pay.mm.Amount)
	}
	if pay.mm.Purpose != models.PurposeSubscription || pay.mm.Plan != models.PlanPremium {
		t.Errorf("Expected subscription purpose with plan, got %s %s", pay.mm.Purpose, pay.mm.Plan)
	}
	if pay.mm.Reference != "SUB5E1F2A3B" {
		t.Errorf("Expected reference SUB5E1F2A3B, got %s", pay.mm.Reference)
	}
	if pay.mm.Description != "KENFUSE Premium Subscription" {
		t.Errorf("Unexpected description %q", pay.mm.Description)
	}
	if res.CheckoutRequestID != "ws_CO_1" {
		t.Errorf("Expected checkout request id, got %s", res.CheckoutRequestID)
	}
}

func TestUpgrade_CardWaitsForSettlement(t *testing.T) {
	o, users, pay := setup(t)

	res, err := o.Upgrade(context.Background(), UpgradeRequest{UserID: users.user.ID, Plan: "standard", Method: models.PaymentMethodCard})
	if err != nil {
		t.Fatalf("Upgrade returned error: %v", err)
	}
	if res.Status != models.UpgradePendingPayment || res.ClientSecret != "pi_1_secret" {
		t.Errorf("Unexpected result %+v", res)
	}
	if len(users.applied) != 0 {
		t.Errorf("Plan must not be applied on intent creation, got %v", users.applied)
	}
	if !pay.card.Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected plan price 500, got %s", pay.card.Amount)
	}
	if users.pendingPay != "pay-2" {
		t.Errorf("Expected pending marker for pay-2, got %s", users.pendingPay)
	}
}

func TestUpgrade_Validation(t *testing.T) {
	cases := []struct {
		name  string
		req   UpgradeRequest
		field string
	}{
		{"unknown plan", UpgradeRequest{Plan: "gold"}, "plan"},
		{"missing method", UpgradeRequest{Plan: "standard"}, "payment_method"},
		{"missing phone", UpgradeRequest{Plan: "standard", Method: models.PaymentMethodMobileMoney}, "phone"},
		{"bad method", UpgradeRequest{Plan: "standard", Method: "cheque"}, "payment_method"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, users, _ := setup(t)
			tc.req.UserID = users.user.ID

			_, err := o.Upgrade(context.Background(), tc.req)
			var vErr *apperr.ValidationError
			if !errors.As(err, &vErr) || vErr.Field != tc.field {
				t.Errorf("Expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestUpgrade_PaymentFailureLeavesNoMarker(t *testing.T) {
	o, users, pay := setup(t)
	pay.err = &apperr.GatewayError{Gateway: "mpesa", Operation: "push", StatusCode: 400}

	_, err := o.Upgrade(context.Background(), UpgradeRequest{UserID: users.user.ID, Plan: "premium", Method: models.PaymentMethodMobileMoney, Phone: "0712000111"})
	var gwErr *apperr.GatewayError
	if !errors.As(err, &gwErr) {
		t.Errorf("Expected GatewayError, got %v", err)
	}
	if users.pendingPlan != "" {
		t.Errorf("Expected no pending marker, got %s", users.pendingPlan)
	}
}

func TestUpgrade_UnknownUser(t *testing.T) {
	o, _, _ := setup(t)
	if _, err := o.Upgrade(context.Background(), UpgradeRequest{UserID: "ghost", Plan: "free"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestParseMethod(t *testing.T) {
	cases := map[string]models.PaymentMethod{
		"mpesa":        models.PaymentMethodMobileMoney,
		"mobile_money": models.PaymentMethodMobileMoney,
		"Card":         models.PaymentMethodCard,
		"":             "",
	}
	for in, want := range cases {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMethod("bitcoin"); err == nil {
		t.Error("Expected error for unsupported method")
	}
}

func TestPlans_Ordered(t *testing.T) {
	o, _, _ := setup(t)
	plans := o.Plans()
	if len(plans) != 3 || plans[0].Name != "free" || plans[2].Name != "premium" {
		t.Errorf("Unexpected plans %+v", plans)
	}
}
