// Package subscriptions keeps exactly one provider webhook registration per
// (address, network, callback URL) and tears registrations down once their
// order is settled.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/custody"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/lock"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

var (
	// ErrSubscriptionConflict is returned when the provider reports a
	// conflicting registration that cannot be found afterwards.
	ErrSubscriptionConflict = errors.New("subscription conflict")
	// ErrSubscriptionFailed is returned when the provider stayed unavailable.
	ErrSubscriptionFailed = errors.New("subscription failed")
)

// Provider is the subset of the custody provider API used here.
type Provider interface {
	ListSubscriptions(ctx context.Context, attr custody.SubscriptionAttr, pageSize, offset int) ([]custody.Subscription, error)
	CreateSubscription(ctx context.Context, attr custody.SubscriptionAttr) (string, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// OrderReader resolves the order a subscription belongs to.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.PaymentOrder, error)
}

// Options tune a Manager.
type Options struct {
	Retry    custody.RetryPolicy
	PageSize int
	// Retention is how long a subscription outlives its order's terminal state.
	Retention time.Duration
	// AddressReuse keeps subscriptions alive for reused deposit addresses.
	AddressReuse bool
}

type Manager struct {
	provider Provider
	repo     Repository
	locker   lock.Locker
	opts     Options
	log      *zap.Logger
	nowFunc  func() time.Time
}

func NewManager(provider Provider, repo Repository, locker lock.Locker, opts Options, log *zap.Logger) *Manager {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		provider: provider,
		repo:     repo,
		locker:   locker,
		opts:     opts,
		log:      log,
		nowFunc:  time.Now,
	}
}

// EnsureSubscription returns the id of the provider subscription for
// (address, network, callbackURL), registering one only if none exists.
func (m *Manager) EnsureSubscription(ctx context.Context, address, network, callbackURL, orderID string) (string, error) {
	attr := custody.SubscriptionAttr{Address: address, Chain: network, URL: callbackURL}
	key := "subscription:" + orders.NormalizeAddress(address) + "#" + strings.ToLower(network) + "#" + callbackURL

	var (
		id      string
		created bool
	)
	err := m.locker.WithLock(ctx, key, func(ctx context.Context) error {
		existing, err := m.find(ctx, attr)
		if err != nil {
			return err
		}
		if existing != "" {
			m.log.Info("reusing provider subscription", zap.String("subscription_id", existing), zap.String("order_id", orderID))
			id = existing
			return nil
		}

		id, created, err = m.create(ctx, attr)
		if custody.IsStatus(err, http.StatusConflict) {
			existing, ferr := m.find(ctx, attr)
			if ferr != nil {
				return ferr
			}
			if existing == "" {
				return fmt.Errorf("%w: %s on %s", ErrSubscriptionConflict, address, network)
			}
			id = existing
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: create: %v", ErrSubscriptionFailed, err)
		}
		m.log.Info("provider subscription created", zap.String("subscription_id", id), zap.String("order_id", orderID))
		return nil
	})
	if err != nil {
		return "", err
	}

	sub := Subscription{
		ID:          id,
		Address:     address,
		Network:     network,
		CallbackURL: callbackURL,
		OrderID:     orderID,
		CreatedAt:   m.nowFunc().UTC(),
	}
	if err := m.repo.Save(ctx, sub); err != nil {
		if created {
			// Without a local record nothing would ever release it.
			m.Teardown(context.WithoutCancel(ctx), id)
		}
		return "", fmt.Errorf("%w: save local record: %v", ErrSubscriptionFailed, err)
	}
	return id, nil
}

// create registers attr at the provider. A failed attempt may still have
// registered it with only the response lost, so every retry and a final
// transport failure look the subscription up before creating again.
// created is false when an existing registration was adopted.
func (m *Manager) create(ctx context.Context, attr custody.SubscriptionAttr) (id string, created bool, err error) {
	attempt := 0
	err = custody.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			existing, ferr := m.find(ctx, attr)
			if ferr != nil {
				return ferr
			}
			if existing != "" {
				id, created = existing, false
				return nil
			}
		}
		newID, err := m.provider.CreateSubscription(ctx, attr)
		if err != nil {
			return err
		}
		id, created = newID, true
		return nil
	})
	if err == nil || isAPIAnswer(err) {
		return id, created, err
	}

	existing, ferr := m.find(context.WithoutCancel(ctx), attr)
	if ferr == nil && existing != "" {
		m.log.Info("adopted subscription registered by a failed create", zap.String("subscription_id", existing))
		return existing, false, nil
	}
	return "", false, err
}

// isAPIAnswer reports whether the provider answered with an HTTP status, as
// opposed to the request failing in transit.
func isAPIAnswer(err error) bool {
	var apiErr *custody.APIError
	return errors.As(err, &apiErr)
}

// find pages through provider subscriptions for an exact match.
func (m *Manager) find(ctx context.Context, attr custody.SubscriptionAttr) (string, error) {
	for offset := 0; ; {
		var page []custody.Subscription
		err := custody.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
			var err error
			page, err = m.provider.ListSubscriptions(ctx, attr, m.opts.PageSize, offset)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("%w: list: %v", ErrSubscriptionFailed, err)
		}
		for _, s := range page {
			if s.Type != "" && s.Type != custody.SubscriptionTypeAddressEvent {
				continue
			}
			if strings.EqualFold(s.Attr.Address, attr.Address) &&
				strings.EqualFold(s.Attr.Chain, attr.Chain) &&
				s.Attr.URL == attr.URL {
				return s.ID, nil
			}
		}
		if len(page) < m.opts.PageSize {
			return "", nil
		}
		offset += len(page)
	}
}

// Teardown removes the subscription at the provider and locally. Errors are
// logged, never returned.
func (m *Manager) Teardown(ctx context.Context, subscriptionID string) {
	if err := m.teardown(ctx, subscriptionID); err != nil {
		m.log.Warn("subscription teardown failed", zap.String("subscription_id", subscriptionID), zap.Error(err))
		return
	}
	if subscriptionID != "" {
		m.log.Info("subscription torn down", zap.String("subscription_id", subscriptionID))
	}
}

func (m *Manager) teardown(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return nil
	}
	err := custody.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		return m.provider.DeleteSubscription(ctx, subscriptionID)
	})
	if err != nil && !custody.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("provider delete: %w", err)
	}
	if err := m.repo.Delete(ctx, subscriptionID); err != nil {
		return fmt.Errorf("local delete: %w", err)
	}
	return nil
}

// ReleaseTerminal tears down subscriptions whose order has been terminal for
// longer than the retention window, or whose order was never persisted.
// Records are visited oldest first and a record whose teardown fails is
// skipped, so it cannot hold back the ones behind it. At most limit
// subscriptions are released per call (limit <= 0 means no cap). It does
// nothing when addresses are reused. It returns how many were released.
func (m *Manager) ReleaseTerminal(ctx context.Context, store OrderReader, now time.Time, limit int) (int, error) {
	if m.opts.AddressReuse {
		return 0, nil
	}
	subs, err := m.repo.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	released := 0
	for _, s := range subs {
		if limit > 0 && released >= limit {
			break
		}
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		o, err := store.Get(ctx, s.OrderID)
		if err != nil {
			m.log.Warn("load order for subscription", zap.String("subscription_id", s.ID), zap.Error(err))
			continue
		}
		if !m.releasable(s, o, now) {
			continue
		}
		if err := m.teardown(ctx, s.ID); err != nil {
			m.log.Warn("subscription teardown failed, skipping",
				zap.String("subscription_id", s.ID),
				zap.String("order_id", s.OrderID),
				zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

func (m *Manager) releasable(s Subscription, o *orders.PaymentOrder, now time.Time) bool {
	if o == nil {
		return s.CreatedAt.Add(m.opts.Retention).Before(now)
	}
	if !o.Status.Terminal() {
		return false
	}
	settled := o.UpdatedAt
	if o.ConfirmedAt != nil {
		settled = *o.ConfirmedAt
	}
	return settled.Add(m.opts.Retention).Before(now)
}
