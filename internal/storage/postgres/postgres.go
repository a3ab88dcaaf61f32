// Package postgres is the relational backend for orders, the webhook log and
// subscription records.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Storage struct {
	db *sql.DB
}

// Open connects with the pgx driver, checks the connection and creates the
// schema if needed.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := New(db)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Storage {
	return &Storage{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payment_orders (
            order_id         TEXT PRIMARY KEY,
            order_number     TEXT UNIQUE NOT NULL,
            server_id        TEXT NOT NULL,
            user_id          TEXT NOT NULL,
            products         TEXT NOT NULL,
            payment_address  TEXT NOT NULL,
            address_key      TEXT NOT NULL,
            currency         TEXT NOT NULL,
            network          TEXT NOT NULL,
            expected_amount  NUMERIC(38,18) NOT NULL,
            received_amount  NUMERIC(38,18) NOT NULL DEFAULT 0,
            status           TEXT NOT NULL,
            transaction_hash TEXT NOT NULL DEFAULT '',
            subscription_id  TEXT NOT NULL DEFAULT '',
            failure_reason   TEXT NOT NULL DEFAULT '',
            created_at       TIMESTAMPTZ NOT NULL,
            updated_at       TIMESTAMPTZ NOT NULL,
            expires_at       TIMESTAMPTZ NOT NULL,
            confirmed_at     TIMESTAMPTZ,
            version          BIGINT NOT NULL
        )`,
	`CREATE INDEX IF NOT EXISTS payment_orders_address_idx ON payment_orders (address_key, network)`,
	`CREATE INDEX IF NOT EXISTS payment_orders_expiry_idx ON payment_orders (status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS payment_order_transactions (
            order_id   TEXT NOT NULL REFERENCES payment_orders(order_id),
            tx_hash    TEXT NOT NULL,
            amount     NUMERIC(38,18) NOT NULL,
            applied_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (order_id, tx_hash)
        )`,
	`CREATE TABLE IF NOT EXISTS webhook_log (
            entry_id         TEXT PRIMARY KEY,
            order_id         TEXT,
            raw_payload      TEXT NOT NULL,
            transaction_hash TEXT NOT NULL DEFAULT '',
            received_at      TIMESTAMPTZ NOT NULL,
            outcome          TEXT NOT NULL,
            detail           TEXT NOT NULL DEFAULT ''
        )`,
	`CREATE INDEX IF NOT EXISTS webhook_log_order_idx ON webhook_log (order_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS payment_subscriptions (
            subscription_id TEXT PRIMARY KEY,
            address         TEXT NOT NULL,
            network         TEXT NOT NULL,
            callback_url    TEXT NOT NULL,
            order_id        TEXT NOT NULL,
            created_at      TIMESTAMPTZ NOT NULL
        )`,
}

func (s *Storage) InitSchema(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Orders() *OrderRepo { return &OrderRepo{db: s.db} }

func (s *Storage) WebhookLog() *WebhookLogRepo { return &WebhookLogRepo{db: s.db} }

func (s *Storage) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{db: s.db} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}
