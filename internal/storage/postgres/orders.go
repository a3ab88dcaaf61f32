package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

// OrderRepo implements orders.Repository. Every write happens in a
// transaction; updates are conditional on version.
type OrderRepo struct {
	db *sql.DB
}

const orderColumns = `order_id, order_number, server_id, user_id, products, payment_address,
        currency, network, expected_amount, received_amount, status, transaction_hash,
        subscription_id, failure_reason, created_at, updated_at, expires_at, confirmed_at, version`

func (r *OrderRepo) Create(ctx context.Context, o *orders.PaymentOrder) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Version = 1

	products, err := json.Marshal(o.Products)
	if err != nil {
		return fmt.Errorf("marshal products: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
        INSERT INTO payment_orders (order_id, order_number, server_id, user_id, products, payment_address,
            address_key, currency, network, expected_amount, received_amount, status, transaction_hash,
            subscription_id, failure_reason, created_at, updated_at, expires_at, confirmed_at, version)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err = tx.ExecContext(ctx, q,
		o.ID, o.OrderNumber, o.ServerID, o.UserID, string(products), o.PaymentAddress,
		orders.NormalizeAddress(o.PaymentAddress), o.Currency, o.Network, o.ExpectedAmount, o.ReceivedAmount,
		string(o.Status), o.TransactionHash, o.SubscriptionID, o.FailureReason,
		o.CreatedAt, o.UpdatedAt, o.ExpiresAt, o.ConfirmedAt, o.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return orders.ErrAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	if err := insertTransactions(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns (nil, nil) when the order does not exist.
func (r *OrderRepo) Get(ctx context.Context, orderID string) (*orders.PaymentOrder, error) {
	q := `SELECT ` + orderColumns + ` FROM payment_orders WHERE order_id = $1`
	o, err := scanOrder(r.db.QueryRowContext(ctx, q, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadTransactions(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// FindByAddress prefers open orders, then the newest.
func (r *OrderRepo) FindByAddress(ctx context.Context, address, network string) (*orders.PaymentOrder, error) {
	q := `SELECT ` + orderColumns + ` FROM payment_orders
        WHERE address_key = $1 AND lower(network) = lower($2)
        ORDER BY (status IN ('PENDING','UNDERPAID')) DESC, created_at DESC
        LIMIT 1`
	o, err := scanOrder(r.db.QueryRowContext(ctx, q, orders.NormalizeAddress(address), network))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadTransactions(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepo) Update(ctx context.Context, o *orders.PaymentOrder) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
        UPDATE payment_orders
        SET received_amount = $1, status = $2, transaction_hash = $3, subscription_id = $4,
            failure_reason = $5, updated_at = $6, confirmed_at = $7, version = version + 1
        WHERE order_id = $8 AND version = $9`
	res, err := tx.ExecContext(ctx, q,
		o.ReceivedAmount, string(o.Status), o.TransactionHash, o.SubscriptionID,
		o.FailureReason, o.UpdatedAt, o.ConfirmedAt, o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return orders.ErrVersionConflict
	}
	if err := insertTransactions(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	o.Version++
	return nil
}

func (r *OrderRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]orders.PaymentOrder, error) {
	if limit <= 0 {
		limit = 1000
	}
	statuses := make([]string, 0, len(orders.NonTerminalStatuses))
	for _, st := range orders.NonTerminalStatuses {
		statuses = append(statuses, "'"+string(st)+"'")
	}
	q := `SELECT ` + orderColumns + ` FROM payment_orders
        WHERE status IN (` + strings.Join(statuses, ",") + `) AND expires_at < $1
        ORDER BY expires_at
        LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable: %w", err)
	}
	defer rows.Close()

	var out []orders.PaymentOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *OrderRepo) loadTransactions(ctx context.Context, o *orders.PaymentOrder) error {
	const q = `SELECT tx_hash, amount, applied_at FROM payment_order_transactions WHERE order_id = $1 ORDER BY applied_at, tx_hash`
	rows, err := r.db.QueryContext(ctx, q, o.ID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	defer rows.Close()

	o.Transactions = o.Transactions[:0]
	for rows.Next() {
		var t orders.Transaction
		if err := rows.Scan(&t.Hash, &t.Amount, &t.AppliedAt); err != nil {
			return fmt.Errorf("scan transaction: %w", err)
		}
		o.Transactions = append(o.Transactions, t)
	}
	return rows.Err()
}

// insertTransactions writes the seen-hash set. Existing rows are kept as is.
func insertTransactions(ctx context.Context, tx *sql.Tx, o *orders.PaymentOrder) error {
	const q = `
        INSERT INTO payment_order_transactions (order_id, tx_hash, amount, applied_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (order_id, tx_hash) DO NOTHING`
	for _, t := range o.Transactions {
		if _, err := tx.ExecContext(ctx, q, o.ID, t.Hash, t.Amount, t.AppliedAt); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.Hash, err)
		}
	}
	return nil
}

func scanOrder(row rowScanner) (*orders.PaymentOrder, error) {
	var (
		o         orders.PaymentOrder
		products  string
		status    string
		confirmed sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.ServerID, &o.UserID, &products, &o.PaymentAddress,
		&o.Currency, &o.Network, &o.ExpectedAmount, &o.ReceivedAmount, &status, &o.TransactionHash,
		&o.SubscriptionID, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt, &confirmed, &o.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if err := json.Unmarshal([]byte(products), &o.Products); err != nil {
		return nil, fmt.Errorf("%w: products: %v", orders.ErrCorrupt, err)
	}
	o.Status = orders.Status(status)
	if confirmed.Valid {
		t := confirmed.Time
		o.ConfirmedAt = &t
	}
	return &o, nil
}
