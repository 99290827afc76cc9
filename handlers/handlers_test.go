package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/gateway/card"
	"kenfuse-payment-svc/middleware"
	"kenfuse-payment-svc/models"
	"kenfuse-payment-svc/payments"
	"kenfuse-payment-svc/reconciler"
	"kenfuse-payment-svc/subscription"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var testSecret = []byte("handler-test-secret")

type fakePayments struct {
	mmInput   payments.MobileMoneyInput
	cardInput payments.CardInput
	err       error
	records   map[string]*models.PaymentRecord
}

func (f *fakePayments) InitiateMobileMoney(ctx context.Context, in payments.MobileMoneyInput) (*payments.MobileMoneyResult, error) {
	f.mmInput = in
	if f.err != nil {
		return nil, f.err
	}
	ref := "ws_CO_1"
	return &payments.MobileMoneyResult{
		Payment: &models.PaymentRecord{
			ID: "pay-1", UserID: in.UserID, Amount: in.Amount, Currency: "KES",
			Method: models.PaymentMethodMobileMoney, Status: models.PaymentStatusAwaitingCallback, GatewayRef: &ref,
		},
		CheckoutRequestID: ref,
	}, nil
}

func (f *fakePayments) InitiateCard(ctx context.Context, in payments.CardInput) (*payments.CardResult, error) {
	f.cardInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &payments.CardResult{
		Payment:         &models.PaymentRecord{ID: "pay-2", UserID: in.UserID, Amount: in.Amount, Method: models.PaymentMethodCard, Status: models.PaymentStatusAwaitingCallback},
		ClientSecret:    "pi_1_secret_x",
		PaymentIntentID: "pi_1",
	}, nil
}

func (f *fakePayments) GetPayment(ctx context.Context, userID, id string) (*models.PaymentRecord, error) {
	p, ok := f.records[id]
	if !ok || p.UserID != userID {
		return nil, apperr.ErrNotFound
	}
	return p, nil
}

func (f *fakePayments) ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	var out []models.PaymentRecord
	for _, p := range f.records {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func setupPaymentRouter(t *testing.T, svc PaymentService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	h := NewPaymentHandler(svc, logger)

	router := gin.New()
	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(testSecret))
	protected.POST("/payments/mobile-money", h.InitiateMobileMoney)
	protected.POST("/payments/card", h.InitiateCard)
	protected.GET("/payments/:id", h.GetPayment)
	protected.GET("/payments", h.ListPayments)
	return router
}

func authedRequest(t *testing.T, method, path, body, userID string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	token, err := middleware.IssueToken(testSecret, userID, "family", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestPaymentHandler_InitiateMobileMoney_Accepted(t *testing.T) {
	svc := &fakePayments{}
	router := setupPaymentRouter(t, svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/payments/mobile-money", `{"amount":500,"phone":"0712000111"}`, "user-1"))

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	if svc.mmInput.UserID != "user-1" || !svc.mmInput.Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Unexpected service input %+v", svc.mmInput)
	}
	if svc.mmInput.Purpose != models.PurposePayment {
		t.Errorf("Expected purpose payment, got %s", svc.mmInput.Purpose)
	}

	var resp models.MobileMoneyPaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_1" || resp.Payment == nil || resp.Payment.Status != models.PaymentStatusAwaitingCallback {
		t.Errorf("Unexpected response %s", w.Body.String())
	}
}

func TestPaymentHandler_InitiateMobileMoney_RequiresAuth(t *testing.T) {
	router := setupPaymentRouter(t, &fakePayments{})

	req := httptest.NewRequest(http.MethodPost, "/payments/mobile-money", bytes.NewBufferString(`{"amount":500,"phone":"0712000111"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestPaymentHandler_InitiateMobileMoney_MissingPhone(t *testing.T) {
	router := setupPaymentRouter(t, &fakePayments{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/payments/mobile-money", `{"amount":500}`, "user-1"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestPaymentHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantKey    string
	}{
		{"validation", apperr.Validation("phone", "must be a Kenyan mobile number"), http.StatusBadRequest, "field"},
		{"gateway rejection", fmt.Errorf("payment pay-1: %w", &apperr.GatewayError{Gateway: "mpesa", StatusCode: 400, Raw: []byte(`{"errorCode":"400.002.02"}`)}), http.StatusBadRequest, "details"},
		{"gateway unavailable", &apperr.GatewayError{Gateway: "mpesa", Retryable: true}, http.StatusServiceUnavailable, "error"},
		{"auth failure", &apperr.AuthError{Gateway: "mpesa", StatusCode: 400}, http.StatusBadGateway, "error"},
		{"conflict", apperr.ErrConflict, http.StatusConflict, "error"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := setupPaymentRouter(t, &fakePayments{err: tc.err})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/payments/mobile-money", `{"amount":500,"phone":"0712000111"}`, "user-1"))

			if w.Code != tc.wantStatus {
				t.Errorf("Expected status %d, got %d", tc.wantStatus, w.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if _, ok := body[tc.wantKey]; !ok {
				t.Errorf("Expected key %q in %s", tc.wantKey, w.Body.String())
			}
		})
	}
}

func TestPaymentHandler_InitiateCard(t *testing.T) {
	svc := &fakePayments{}
	router := setupPaymentRouter(t, svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/payments/card", `{"amount":"250.00","currency":"kes"}`, "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if svc.cardInput.Currency != "kes" || !svc.cardInput.Amount.Equal(decimal.NewFromFloat(250)) {
		t.Errorf("Unexpected card input %+v", svc.cardInput)
	}
	var resp models.CardPaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ClientSecret != "pi_1_secret_x" || resp.PaymentIntentID != "pi_1" {
		t.Errorf("Unexpected response %s", w.Body.String())
	}
}

func TestPaymentHandler_GetPayment_OwnerOnly(t *testing.T) {
	svc := &fakePayments{records: map[string]*models.PaymentRecord{
		"pay-1": {ID: "pay-1", UserID: "user-1", Status: models.PaymentStatusCompleted},
	}}
	router := setupPaymentRouter(t, svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/payments/pay-1", "", "user-1"))
	if w.Code != http.StatusOK {
		t.Errorf("Expected owner to get %d, got %d", http.StatusOK, w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/payments/pay-1", "", "user-2"))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected other user to get %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestPaymentHandler_ListPayments_Empty(t *testing.T) {
	router := setupPaymentRouter(t, &fakePayments{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/payments", "", "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.String() != `{"payments":[]}` {
		t.Errorf("Expected empty list, got %s", w.Body.String())
	}
}

type fakeReconciler struct {
	raw     []byte
	event   *card.CardEvent
	outcome reconciler.Outcome
	err     error
}

func (f *fakeReconciler) HandleMobileMoneyCallback(ctx context.Context, raw []byte) (reconciler.Outcome, error) {
	f.raw = raw
	return f.outcome, f.err
}

func (f *fakeReconciler) HandleCardEvent(ctx context.Context, ev *card.CardEvent) (reconciler.Outcome, error) {
	f.event = ev
	return f.outcome, f.err
}

type fakeVerifier struct {
	event *card.CardEvent
	err   error
}

func (f *fakeVerifier) ParseWebhook(payload []byte, signature string) (*card.CardEvent, error) {
	if signature != "t=1,v1=good" {
		return nil, fmt.Errorf("%w: bad header", card.ErrInvalidSignature)
	}
	return f.event, f.err
}

func setupCallbackRouter(t *testing.T, r CallbackReconciler, v WebhookVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewCallbackHandler(r, v, zaptest.NewLogger(t))
	router := gin.New()
	router.POST("/payments/mobile-money/callback", h.MobileMoneyCallback)
	router.POST("/payments/card/webhook", h.CardWebhook)
	return router
}

func TestCallbackHandler_MobileMoneyAlwaysAcknowledges(t *testing.T) {
	cases := []struct {
		name string
		rec  *fakeReconciler
	}{
		{"completed", &fakeReconciler{outcome: reconciler.OutcomeCompleted}},
		{"unknown correlation id", &fakeReconciler{outcome: reconciler.OutcomeUnknown}},
		{"internal failure", &fakeReconciler{outcome: reconciler.OutcomeError, err: errors.New("database down")}},
	}
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := setupCallbackRouter(t, tc.rec, &fakeVerifier{})

			req := httptest.NewRequest(http.MethodPost, "/payments/mobile-money/callback", bytes.NewBufferString(body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
			}
			if w.Body.String() != `{"status":"ok"}` {
				t.Errorf("Unexpected body %s", w.Body.String())
			}
			if string(tc.rec.raw) != body {
				t.Errorf("Expected raw body to reach the reconciler, got %s", tc.rec.raw)
			}
		})
	}
}

func TestCallbackHandler_CardWebhook(t *testing.T) {
	ev := &card.CardEvent{ID: "evt_1", Type: card.EventIntentSucceeded, IntentID: "pi_1"}

	t.Run("processed", func(t *testing.T) {
		rec := &fakeReconciler{outcome: reconciler.OutcomeCompleted}
		router := setupCallbackRouter(t, rec, &fakeVerifier{event: ev})

		req := httptest.NewRequest(http.MethodPost, "/payments/card/webhook", bytes.NewBufferString(`{}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
		}
		if rec.event != ev {
			t.Error("Expected parsed event to reach the reconciler")
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := &fakeReconciler{}
		router := setupCallbackRouter(t, rec, &fakeVerifier{event: ev})

		req := httptest.NewRequest(http.MethodPost, "/payments/card/webhook", bytes.NewBufferString(`{}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=forged")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
		if rec.event != nil {
			t.Error("Expected reconciler not to be called")
		}
	})

	t.Run("internal failure", func(t *testing.T) {
		rec := &fakeReconciler{outcome: reconciler.OutcomeError, err: errors.New("database down")}
		router := setupCallbackRouter(t, rec, &fakeVerifier{event: ev})

		req := httptest.NewRequest(http.MethodPost, "/payments/card/webhook", bytes.NewBufferString(`{}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
	})
}

type fakeUpgrader struct {
	req subscription.UpgradeRequest
	res *subscription.UpgradeResult
	err error
}

func (f *fakeUpgrader) Upgrade(ctx context.Context, req subscription.UpgradeRequest) (*subscription.UpgradeResult, error) {
	f.req = req
	return f.res, f.err
}

func (f *fakeUpgrader) Plans() []models.Plan {
	return []models.Plan{models.DefaultPriceTable()[models.PlanFree]}
}

func setupSubscriptionRouter(t *testing.T, u Upgrader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewSubscriptionHandler(u, zaptest.NewLogger(t))
	router := gin.New()
	router.GET("/subscriptions/plans", h.Plans)
	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(testSecret))
	protected.POST("/subscriptions/upgrade", h.Upgrade)
	return router
}

func TestSubscriptionHandler_UpgradePendingPayment(t *testing.T) {
	premium := models.DefaultPriceTable()[models.PlanPremium]
	u := &fakeUpgrader{res: &subscription.UpgradeResult{
		Status:            models.UpgradePendingPayment,
		Plan:              premium,
		Payment:           &models.PaymentRecord{ID: "pay-1", Status: models.PaymentStatusAwaitingCallback},
		CheckoutRequestID: "ws_CO_1",
	}}
	router := setupSubscriptionRouter(t, u)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/subscriptions/upgrade", `{"plan":"premium","payment_method":"mpesa","phone":"0712000111"}`, "user-1"))

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	if u.req.Method != models.PaymentMethodMobileMoney || u.req.UserID != "user-1" {
		t.Errorf("Unexpected upgrade request %+v", u.req)
	}

	var resp models.UpgradeSubscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != models.UpgradePendingPayment || resp.Amount != "1500.00" {
		t.Errorf("Unexpected response %s", w.Body.String())
	}
}

func TestSubscriptionHandler_UpgradeUnsupportedMethod(t *testing.T) {
	u := &fakeUpgrader{}
	router := setupSubscriptionRouter(t, u)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/subscriptions/upgrade", `{"plan":"premium","payment_method":"paypal"}`, "user-1"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if u.req.UserID != "" {
		t.Error("Expected upgrader not to be called")
	}
}

func TestSubscriptionHandler_Plans(t *testing.T) {
	router := setupSubscriptionRouter(t, &fakeUpgrader{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscriptions/plans", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

type fakeSweeper struct {
	applied int
	err     error
	limit   int
}

func (f *fakeSweeper) Sweep(ctx context.Context, limit int) (int, error) {
	f.limit = limit
	return f.applied, f.err
}

func TestAdminHandler_Reconcile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sweeper := &fakeSweeper{applied: 3}
	h := NewAdminHandler(sweeper, zaptest.NewLogger(t))

	router := gin.New()
	admin := router.Group("/admin")
	admin.Use(middleware.AuthMiddleware(testSecret), middleware.RequireRole(middleware.RoleAdmin))
	admin.POST("/payments/reconcile", h.Reconcile)

	opsToken, _ := middleware.IssueToken(testSecret, "ops-1", middleware.RoleAdmin, time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/admin/payments/reconcile?limit=20", nil)
	req.Header.Set("Authorization", "Bearer "+opsToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.String() != `{"applied":3}` || sweeper.limit != 20 {
		t.Errorf("Unexpected result %s (limit %d)", w.Body.String(), sweeper.limit)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/admin/payments/reconcile", "", "user-1"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected non-admin to get %d, got %d", http.StatusForbidden, w.Code)
	}
}
