package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const paymentColumns = "id, user_id, amount, currency, payment_method, status, gateway_ref, receipt_code, description, gateway_payload, purpose, plan, effect_applied_at, created_at, updated_at"

const uniqueViolation = "23505"

type PaymentStore struct {
	db     DBTX
	logger *zap.Logger
	newID  func() string
}

func NewPaymentStore(db DBTX, logger *zap.Logger) *PaymentStore {
	return &PaymentStore{
		db:     db,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	var payload []byte
	err := row.Scan(
		&p.ID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Status,
		&p.GatewayRef, &p.ReceiptCode, &p.Description, &payload,
		&p.Purpose, &p.Plan, &p.EffectAppliedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		p.GatewayPayload = payload
	}
	return &p, nil
}

// Create inserts a new record in pending status.
func (s *PaymentStore) Create(ctx context.Context, in models.NewPayment) (*models.PaymentRecord, error) {
	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be greater than zero")
	}
	if !in.Method.Valid() {
		return nil, apperr.Validation("payment_method", fmt.Sprintf("unsupported method %q", in.Method))
	}
	if in.Purpose == "" {
		in.Purpose = models.PurposePayment
	}
	var plan *string
	if in.Plan != "" {
		plan = &in.Plan
	}

	row := s.db.QueryRowContext(ctx,
		"INSERT INTO payments (id, user_id, amount, currency, payment_method, status, description, purpose, plan) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING "+paymentColumns,
		s.newID(), in.UserID, in.Amount, strings.ToUpper(in.Currency), in.Method, models.PaymentStatusPending, in.Description, in.Purpose, plan,
	)
	p, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	s.logger.Info("Payment record created",
		zap.String("payment_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("method", string(p.Method)),
		zap.String("amount", p.Amount.String()),
	)
	return p, nil
}

// UpdateStatus moves a record to `to` in a single compare-and-set statement.
// The update only applies while the record is in one of the allowed source
// statuses for `to`; otherwise ErrInvalidTransition is returned and nothing
// is written.
func (s *PaymentStore) UpdateStatus(ctx context.Context, id string, to models.PaymentStatus, u models.StatusUpdate) (*models.PaymentRecord, error) {
	sources := models.SourcesFor(to)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no transition leads to %s", apperr.ErrInvalidTransition, to)
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}

	var payload any
	if len(u.Payload) > 0 {
		payload = string(u.Payload)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE payments SET status = $2,
			gateway_ref = COALESCE($3, gateway_ref),
			receipt_code = COALESCE($4, receipt_code),
			gateway_payload = COALESCE($5::jsonb, gateway_payload),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+paymentColumns,
		id, to, u.GatewayRef, u.Receipt, payload, pq.Array(from),
	)
	p, err := scanPayment(row)
	if err == nil {
		s.logger.Info("Payment status updated",
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)),
		)
		return p, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil, fmt.Errorf("%w: gateway reference already recorded", apperr.ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update payment %s: %w", id, err)
	}

	var current models.PaymentStatus
	err = s.db.QueryRowContext(ctx, "SELECT status FROM payments WHERE id = $1", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", id, err)
	}
	return nil, fmt.Errorf("%w: payment %s is %s, cannot move to %s", apperr.ErrInvalidTransition, id, current, to)
}

func (s *PaymentStore) FindByID(ctx context.Context, id string) (*models.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment %s: %w", id, err)
	}
	return p, nil
}

func (s *PaymentStore) FindByGatewayRef(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE gateway_ref = $1", ref)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gateway reference %s: %w", ref, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment by gateway reference %s: %w", ref, err)
	}
	return p, nil
}

func (s *PaymentStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for user %s: %w", userID, err)
	}
	defer rows.Close()

	payments := []models.PaymentRecord{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

// ClaimEffect marks the business effect of a completed payment as applied.
// It returns nil, nil when there is nothing to claim: the payment is not
// completed or its effect was already claimed.
func (s *PaymentStore) ClaimEffect(ctx context.Context, id string) (*models.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE payments SET effect_applied_at = NOW()
		WHERE id = $1 AND status = $2 AND effect_applied_at IS NULL
		RETURNING `+paymentColumns,
		id, models.PaymentStatusCompleted,
	)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim effect for payment %s: %w", id, err)
	}
	return p, nil
}

// ListUnapplied returns ids of completed payments whose effect is still pending.
func (s *PaymentStore) ListUnapplied(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM payments WHERE status = $1 AND effect_applied_at IS NULL ORDER BY updated_at LIMIT $2",
		models.PaymentStatusCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unapplied payments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan payment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
