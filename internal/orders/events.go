package orders

import (
	"context"
	"time"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws"
)

// Event types published to the order-events queue.
const (
	EventCreated   = "order.created"
	EventUnderpaid = "order.underpaid"
	EventPaid      = "order.paid"
	EventExpired   = "order.expired"
	EventFailed    = "order.failed"
)

// Event is the message consumed by the storefront collaborator.
type Event struct {
	Type            string    `json:"type"`
	OrderID         string    `json:"order_id"`
	OrderNumber     string    `json:"order_number"`
	ServerID        string    `json:"server_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Currency        string    `json:"currency"`
	ExpectedAmount  string    `json:"expected_amount"`
	ReceivedAmount  string    `json:"received_amount"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// EventTypeFor maps a status to the event announcing it.
func EventTypeFor(s Status) string {
	switch s {
	case StatusUnderpaid:
		return EventUnderpaid
	case StatusPaid:
		return EventPaid
	case StatusExpired:
		return EventExpired
	case StatusFailed:
		return EventFailed
	}
	return EventCreated
}

// NewEvent snapshots o into an Event.
func NewEvent(eventType string, o PaymentOrder, now time.Time) Event {
	return Event{
		Type:            eventType,
		OrderID:         o.ID,
		OrderNumber:     o.OrderNumber,
		ServerID:        o.ServerID,
		UserID:          o.UserID,
		Status:          o.Status,
		Currency:        o.Currency,
		ExpectedAmount:  o.ExpectedAmount.String(),
		ReceivedAmount:  o.ReceivedAmount.String(),
		TransactionHash: o.TransactionHash,
		OccurredAt:      now,
	}
}

// EventPublisher delivers order events. Delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// SQSEventPublisher publishes events through the SQS Publisher.
type SQSEventPublisher struct {
	publisher *aws.Publisher
}

func NewSQSEventPublisher(p *aws.Publisher) *SQSEventPublisher {
	return &SQSEventPublisher{publisher: p}
}

func (p *SQSEventPublisher) Publish(ctx context.Context, ev Event) error {
	return p.publisher.SendOrderMessage(ctx, ev, map[string]string{
		"event_type": ev.Type,
		"order_id":   ev.OrderID,
		"server_id":  ev.ServerID,
	})
}

// NopEventPublisher drops events; used when no queue is configured.
type NopEventPublisher struct{}

func (NopEventPublisher) Publish(context.Context, Event) error { return nil }
