package fulfillment

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"kenfuse-payment-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var (
	paymentCols = []string{"id", "user_id", "amount", "currency", "payment_method", "status", "gateway_ref", "receipt_code", "description", "gateway_payload", "purpose", "plan", "effect_applied_at", "created_at", "updated_at"}
	userCols    = []string{"id", "email", "phone", "role", "subscription_plan", "subscription_expiry", "pending_plan", "pending_payment_id", "created_at", "updated_at"}
)

type timeArg struct{ want time.Time }

func (a timeArg) Match(v driver.Value) bool {
	got, ok := v.(time.Time)
	return ok && got.Equal(a.want)
}

func setup(t *testing.T) (*Fulfiller, sqlmock.Sqlmock, *sql.DB, time.Time) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := New(db, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	f.now = func() time.Time { return now }
	return f, mock, db, now
}

func claimedRow(purpose models.PaymentPurpose, plan any, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(paymentCols).AddRow(
		"pay-1", "user-1", "1500.00", "KES", "mobile_money", "completed", "ws_CO_1", "NLJ7RT61SV",
		"KENFUSE Premium Subscription", nil, string(purpose), plan, now, now, now,
	)
}

func TestFulfill_AppliesSubscription(t *testing.T) {
	f, mock, db, now := setup(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET effect_applied_at = NOW\\(\\)").
		WithArgs("pay-1", "completed").
		WillReturnRows(claimedRow(models.PurposeSubscription, "premium", now))
	mock.ExpectQuery("FROM users WHERE id = \\$1").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("user-1", "a@example.com", "254712000111", "family", "free", nil, "premium", "pay-1", now, now))
	mock.ExpectQuery("UPDATE users SET subscription_plan = \\$2").
		WithArgs("user-1", "premium", timeArg{now.Add(models.SubscriptionPeriod)}, "pay-1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("user-1", "a@example.com", "254712000111", "family", "premium", now.Add(models.SubscriptionPeriod), nil, nil, now, now))
	mock.ExpectCommit()

	ok, err := f.Fulfill(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if !ok {
		t.Error("Expected the effect to be applied")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestFulfill_RenewalExtendsActivePlan(t *testing.T) {
	f, mock, db, now := setup(t)
	defer db.Close()

	current := now.Add(10 * 24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET effect_applied_at").
		WillReturnRows(claimedRow(models.PurposeSubscription, "premium", now))
	mock.ExpectQuery("FROM users WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("user-1", "a@example.com", "254712000111", "family", "premium", current, nil, nil, now, now))
	mock.ExpectQuery("UPDATE users SET subscription_plan = \\$2").
		WithArgs("user-1", "premium", timeArg{current.Add(models.SubscriptionPeriod)}, "pay-1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("user-1", "a@example.com", "254712000111", "family", "premium", current.Add(models.SubscriptionPeriod), nil, nil, now, now))
	mock.ExpectCommit()

	if _, err := f.Fulfill(context.Background(), "pay-1"); err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestFulfill_NothingToClaim(t *testing.T) {
	f, mock, db, _ := setup(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET effect_applied_at").
		WithArgs("pay-1", "completed").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	ok, err := f.Fulfill(context.Background(), "pay-1")
	if err != nil || ok {
		t.Errorf("Expected no-op, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestFulfill_PlainPaymentOnlyClaims(t *testing.T) {
	f, mock, db, now := setup(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET effect_applied_at").
		WillReturnRows(claimedRow(models.PurposePayment, nil, now))
	mock.ExpectCommit()

	ok, err := f.Fulfill(context.Background(), "pay-1")
	if err != nil || !ok {
		t.Errorf("Expected claim to succeed, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestFulfill_RollsBackWhenPlanUpdateFails(t *testing.T) {
	f, mock, db, now := setup(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET effect_applied_at").
		WillReturnRows(claimedRow(models.PurposeSubscription, "standard", now))
	mock.ExpectQuery("FROM users WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("user-1", "a@example.com", "254712000111", "family", "free", nil, nil, nil, now, now))
	mock.ExpectQuery("UPDATE users SET subscription_plan").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := f.Fulfill(context.Background(), "pay-1"); err == nil {
		t.Error("Expected error when plan update fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestRelease_ClearsMarkerForFailedSubscription(t *testing.T) {
	f, mock, db, now := setup(t)
	defer db.Close()

	mock.ExpectQuery("FROM payments WHERE id = \\$1").
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows(paymentCols).AddRow(
			"pay-1", "user-1", "1500.00", "KES", "mobile_money", "failed", "ws_CO_1", nil,
			"", nil, "subscription", "premium", nil, now, now,
		))
	mock.ExpectExec("UPDATE users SET pending_plan = NULL").
		WithArgs("user-1", "pay-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.HandleEvent(context.Background(), models.PaymentEvent{PaymentID: "pay-1", EventType: models.EventPaymentFailed}); err != nil {
		t.Errorf("HandleEvent returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestSweep_FulfillsUnapplied(t *testing.T) {
	f, mock, db, now := setup(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM payments WHERE status = \\$1 AND effect_applied_at IS NULL").
		WithArgs("completed", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pay-1").AddRow("pay-2"))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET effect_applied_at").
		WithArgs("pay-1", "completed").
		WillReturnRows(claimedRow(models.PurposePayment, nil, now))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET effect_applied_at").
		WithArgs("pay-2", "completed").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	applied, err := f.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if applied != 1 {
		t.Errorf("Expected 1 applied, got %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
