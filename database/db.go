package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kenfuse-payment-svc/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id VARCHAR(36) PRIMARY KEY,
	email VARCHAR(120) UNIQUE NOT NULL,
	phone VARCHAR(20) NOT NULL,
	role VARCHAR(20) NOT NULL DEFAULT 'family',
	subscription_plan VARCHAR(20) NOT NULL DEFAULT 'free',
	subscription_expiry TIMESTAMP,
	pending_plan VARCHAR(20),
	pending_payment_id VARCHAR(36),
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS payments (
	id VARCHAR(36) PRIMARY KEY,
	user_id VARCHAR(36) NOT NULL REFERENCES users(id),
	amount NUMERIC(12, 2) NOT NULL CHECK (amount > 0),
	currency VARCHAR(3) NOT NULL DEFAULT 'KES',
	payment_method VARCHAR(20) NOT NULL,
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	gateway_ref VARCHAR(100) UNIQUE,
	receipt_code VARCHAR(50),
	description VARCHAR(500),
	gateway_payload JSONB,
	purpose VARCHAR(20) NOT NULL DEFAULT 'payment',
	plan VARCHAR(20),
	effect_applied_at TIMESTAMP,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_payments_user_created ON payments (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_payments_unapplied ON payments (updated_at)
	WHERE status = 'completed' AND effect_applied_at IS NULL;
`

func InitDB(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))
	return db, nil
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	logger.Info("Database schema ensured")
	return nil
}
