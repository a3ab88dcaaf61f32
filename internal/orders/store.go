package orders

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVersionConflict is returned by Update when the stored version moved on.
	// The engine retries it; callers outside the engine should never see it.
	ErrVersionConflict = errors.New("concurrent update conflict")
	// ErrAlreadyExists is returned by Create for a duplicate id or order number.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrNotFound is used by callers that need a sentinel for a missing order.
	ErrNotFound = errors.New("order not found")
)

// Repository persists payment orders. Get and FindByAddress return (nil, nil)
// when nothing matches.
type Repository interface {
	Create(ctx context.Context, o *PaymentOrder) error
	Get(ctx context.Context, orderID string) (*PaymentOrder, error)
	// FindByAddress prefers the newest non-terminal order bound to the address.
	FindByAddress(ctx context.Context, address, network string) (*PaymentOrder, error)
	// Update writes o if the stored version still equals o.Version and then
	// increments o.Version. A stale version yields ErrVersionConflict.
	Update(ctx context.Context, o *PaymentOrder) error
	// ListExpirable returns up to limit non-terminal orders whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]PaymentOrder, error)
}

// pickForAddress chooses among orders sharing an address.
func pickForAddress(candidates []PaymentOrder) *PaymentOrder {
	var best *PaymentOrder
	for i := range candidates {
		c := &candidates[i]
		if best == nil {
			best = c
			continue
		}
		bestOpen, cOpen := !best.Status.Terminal(), !c.Status.Terminal()
		switch {
		case cOpen && !bestOpen:
			best = c
		case cOpen == bestOpen && c.CreatedAt.After(best.CreatedAt):
			best = c
		}
	}
	return best
}
