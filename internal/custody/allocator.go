// Package custody obtains deposit addresses from the custody provider and
// exposes the provider's subscription API.
package custody

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrAllocationFailed is returned when the provider could not produce an
// address within the retry budget.
var ErrAllocationFailed = errors.New("address allocation failed")

// KeyHandle is the provider's opaque reference to the key behind an address.
// It never appears in logs or String output.
type KeyHandle string

func (KeyHandle) String() string   { return "[redacted]" }
func (KeyHandle) GoString() string { return "[redacted]" }

// Value returns the raw handle for the custody provider.
func (k KeyHandle) Value() string { return string(k) }

// Allocation is a freshly issued deposit address.
type Allocation struct {
	Address   string
	KeyHandle KeyHandle
}

// AddressProvider issues deposit addresses.
type AddressProvider interface {
	CreateAddress(ctx context.Context, currency, chain string) (Allocation, error)
}

// Allocator obtains addresses with bounded retries. It holds no state.
type Allocator struct {
	provider AddressProvider
	policy   RetryPolicy
	log      *zap.Logger
}

func NewAllocator(provider AddressProvider, policy RetryPolicy, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{provider: provider, policy: policy.withDefaults(), log: log}
}

// Allocate returns a new deposit address for currency on network.
func (a *Allocator) Allocate(ctx context.Context, currency, network string) (Allocation, error) {
	m, err := Canonical(currency, network)
	if err != nil {
		return Allocation{}, err
	}

	var alloc Allocation
	attempts := 0
	err = Retry(ctx, a.policy, func(ctx context.Context) error {
		attempts++
		var err error
		alloc, err = a.provider.CreateAddress(ctx, m.Currency, m.Network)
		if err != nil {
			a.log.Warn("address allocation attempt failed",
				zap.String("method", m.String()),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return Allocation{}, fmt.Errorf("%w: %s after %d attempt(s): %v", ErrAllocationFailed, m, attempts, err)
	}
	a.log.Info("address allocated",
		zap.String("method", m.String()),
		zap.String("address", alloc.Address))
	return alloc, nil
}
