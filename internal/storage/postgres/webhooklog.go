package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/webhooklog"
)

// WebhookLogRepo implements webhooklog.Repository. It only ever inserts.
type WebhookLogRepo struct {
	db *sql.DB
}

func (r *WebhookLogRepo) Append(ctx context.Context, e webhooklog.Entry) error {
	const q = `
        INSERT INTO webhook_log (entry_id, order_id, raw_payload, transaction_hash, received_at, outcome, detail)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.OrderID, e.RawPayload, e.TxHash, e.ReceivedAt, string(e.Outcome), e.Detail,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return webhooklog.ErrDuplicateEntry
		}
		return fmt.Errorf("insert webhook log entry: %w", err)
	}
	return nil
}

func (r *WebhookLogRepo) ListByOrder(ctx context.Context, orderID string) ([]webhooklog.Entry, error) {
	const q = `
        SELECT entry_id, order_id, raw_payload, transaction_hash, received_at, outcome, detail
        FROM webhook_log
        WHERE order_id = $1
        ORDER BY received_at, entry_id`
	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("list webhook log: %w", err)
	}
	defer rows.Close()

	var out []webhooklog.Entry
	for rows.Next() {
		var (
			e       webhooklog.Entry
			orderID sql.NullString
			outcome string
		)
		if err := rows.Scan(&e.ID, &orderID, &e.RawPayload, &e.TxHash, &e.ReceivedAt, &outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan webhook log entry: %w", err)
		}
		if orderID.Valid {
			id := orderID.String
			e.OrderID = &id
		}
		e.Outcome = orders.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}
