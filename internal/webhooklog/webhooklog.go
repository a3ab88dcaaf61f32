// Package webhooklog is the append-only audit trail of webhook ingestion
// attempts. Entries are never updated or deleted.
package webhooklog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

// Entry records one ingestion attempt. OrderID is nil when the
// notification could not be resolved to an order.
type Entry struct {
	ID         string         `json:"id"`
	OrderID    *string        `json:"orderId"`
	RawPayload string         `json:"rawPayload"`
	TxHash     string         `json:"transactionHash,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Outcome    orders.Outcome `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
}

// NewEntry fills in an id for a new entry.
func NewEntry(orderID string, raw []byte, txHash string, outcome orders.Outcome, detail string, now time.Time) Entry {
	e := Entry{
		ID:         uuid.NewString(),
		RawPayload: string(raw),
		TxHash:     txHash,
		ReceivedAt: now.UTC(),
		Outcome:    outcome,
		Detail:     detail,
	}
	if orderID != "" {
		id := orderID
		e.OrderID = &id
	}
	return e
}

// Repository is append-only by construction.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	// ListByOrder returns entries for the order, oldest first.
	ListByOrder(ctx context.Context, orderID string) ([]Entry, error)
}
