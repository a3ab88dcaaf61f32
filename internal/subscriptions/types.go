package subscriptions

import (
	"context"
	"time"
)

// Subscription is the local record of a provider webhook registration.
// The correlation token carried in CallbackURL is the OrderID.
type Subscription struct {
	ID          string    `dynamodbav:"subscription_id"` // PK, provider id
	Address     string    `dynamodbav:"address"`
	Network     string    `dynamodbav:"network"`
	CallbackURL string    `dynamodbav:"callback_url"`
	OrderID     string    `dynamodbav:"order_id"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
}

// Repository stores local subscription records. Save is an upsert by ID.
type Repository interface {
	Save(ctx context.Context, s Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context, limit int) ([]Subscription, error)
	Delete(ctx context.Context, id string) error
}
