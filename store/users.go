package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/models"

	"go.uber.org/zap"
)

const userColumns = "id, email, phone, role, subscription_plan, subscription_expiry, pending_plan, pending_payment_id, created_at, updated_at"

// UserStore is the user directory the payment flow reads plans from and
// applies plan changes to.
type UserStore struct {
	db     DBTX
	logger *zap.Logger
}

func NewUserStore(db DBTX, logger *zap.Logger) *UserStore {
	return &UserStore{db: db, logger: logger}
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Email, &u.Phone, &u.Role, &u.SubscriptionPlan, &u.SubscriptionExpiry,
		&u.PendingPlan, &u.PendingPaymentID, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", id, err)
	}
	return u, nil
}

// SetPendingUpgrade records that the user is waiting for paymentID to settle
// before moving to plan. Nothing is written, and false is returned, when the
// payment has already settled, so a fast callback cannot leave a stale marker.
func (s *UserStore) SetPendingUpgrade(ctx context.Context, userID, plan, paymentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET pending_plan = $2, pending_payment_id = $3, updated_at = NOW()
		WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM payments WHERE id = $3 AND status IN ('completed', 'failed')
		)`,
		userID, plan, paymentID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark pending upgrade for user %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark pending upgrade for user %s: %w", userID, err)
	}
	if n == 0 {
		return false, nil
	}
	s.logger.Info("Pending upgrade recorded",
		zap.String("user_id", userID),
		zap.String("plan", plan),
		zap.String("payment_id", paymentID),
	)
	return true, nil
}

// ApplyPlan sets the user's plan and clears any pending upgrade marker.
// A nil expiry means the plan does not lapse.
func (s *UserStore) ApplyPlan(ctx context.Context, userID, plan string, expiry *time.Time) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`UPDATE users SET subscription_plan = $2, subscription_expiry = $3,
			pending_plan = NULL, pending_payment_id = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		userID, plan, expiry,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply plan for user %s: %w", userID, err)
	}
	s.logger.Info("Subscription plan applied", zap.String("user_id", userID), zap.String("plan", plan))
	return u, nil
}

// SettlePlan applies a plan bought by paymentID. The pending marker is only
// cleared when it still belongs to paymentID; a newer upgrade in flight keeps
// its marker.
func (s *UserStore) SettlePlan(ctx context.Context, userID, plan string, expiry *time.Time, paymentID string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`UPDATE users SET subscription_plan = $2, subscription_expiry = $3,
			pending_plan = CASE WHEN pending_payment_id = $4 THEN NULL ELSE pending_plan END,
			pending_payment_id = CASE WHEN pending_payment_id = $4 THEN NULL ELSE pending_payment_id END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		userID, plan, expiry, paymentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle plan for user %s: %w", userID, err)
	}
	s.logger.Info("Subscription plan applied",
		zap.String("user_id", userID),
		zap.String("plan", plan),
		zap.String("payment_id", paymentID),
	)
	return u, nil
}

// ClearPendingUpgrade drops the pending marker if it still belongs to paymentID.
func (s *UserStore) ClearPendingUpgrade(ctx context.Context, userID, paymentID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET pending_plan = NULL, pending_payment_id = NULL, updated_at = NOW() WHERE id = $1 AND pending_payment_id = $2",
		userID, paymentID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear pending upgrade for user %s: %w", userID, err)
	}
	return nil
}
