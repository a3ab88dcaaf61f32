package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/subscriptions"
)

// SubscriptionRepo implements subscriptions.Repository.
type SubscriptionRepo struct {
	db *sql.DB
}

func (r *SubscriptionRepo) Save(ctx context.Context, s subscriptions.Subscription) error {
	const q = `
        INSERT INTO payment_subscriptions (subscription_id, address, network, callback_url, order_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (subscription_id) DO UPDATE
        SET address = EXCLUDED.address, network = EXCLUDED.network, callback_url = EXCLUDED.callback_url,
            order_id = EXCLUDED.order_id, created_at = EXCLUDED.created_at`
	if _, err := r.db.ExecContext(ctx, q, s.ID, s.Address, s.Network, s.CallbackURL, s.OrderID, s.CreatedAt); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*subscriptions.Subscription, error) {
	const q = `
        SELECT subscription_id, address, network, callback_url, order_id, created_at
        FROM payment_subscriptions WHERE subscription_id = $1`
	var s subscriptions.Subscription
	err := r.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.Address, &s.Network, &s.CallbackURL, &s.OrderID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &s, nil
}

// List returns the oldest records first; limit <= 0 means no cap.
func (r *SubscriptionRepo) List(ctx context.Context, limit int) ([]subscriptions.Subscription, error) {
	q := `
        SELECT subscription_id, address, network, callback_url, order_id, created_at
        FROM payment_subscriptions ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscriptions.Subscription
	for rows.Next() {
		var s subscriptions.Subscription
		if err := rows.Scan(&s.ID, &s.Address, &s.Network, &s.CallbackURL, &s.OrderID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SubscriptionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM payment_subscriptions WHERE subscription_id = $1`, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
