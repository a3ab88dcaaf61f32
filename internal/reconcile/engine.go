// Package reconcile folds payment notifications into orders. Every write is
// serialized per order by a Locker and guarded by a version compare-and-swap,
// so it stays correct with several instances running.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/lock"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/metrics"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

// DefaultMaxAttempts bounds the optimistic retry loop.
const DefaultMaxAttempts = 5

// ErrRetriesExhausted means the order kept changing underneath us.
var ErrRetriesExhausted = errors.New("order update retries exhausted")

// ErrNotExpirable is the rejection reason when Expire finds an order that is
// not yet past its expiry.
var ErrNotExpirable = errors.New("order not yet expired")

// Result is the typed outcome of one engine call. Business outcomes
// (duplicate, rejected) are reported here, not as errors.
type Result struct {
	Outcome orders.Outcome
	Order   orders.PaymentOrder
	Detail  string
	From    orders.Status
	To      orders.Status
}

// Transitioned reports whether the call changed the order status.
func (r Result) Transitioned() bool { return r.From != r.To }

type Engine struct {
	store       orders.Repository
	locker      lock.Locker
	events      orders.EventPublisher
	metrics     metrics.Recorder
	log         *zap.Logger
	maxAttempts int
	nowFunc     func() time.Time
}

type Option func(*Engine)

func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

func WithEvents(p orders.EventPublisher) Option { return func(e *Engine) { e.events = p } }

func WithMetrics(m metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithMaxAttempts(n int) Option { return func(e *Engine) { e.maxAttempts = n } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.nowFunc = now } }

func NewEngine(store orders.Repository, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		locker:      lock.NewKeyedMutex(),
		events:      orders.NopEventPublisher{},
		metrics:     metrics.Nop{},
		log:         zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	return e
}

type stepFunc func(o orders.PaymentOrder, now time.Time) (orders.PaymentOrder, orders.Decision)

// Apply folds n into the order. Replays and out-of-order redeliveries are
// safe: a hash already applied yields OutcomeDuplicate and no change.
func (e *Engine) Apply(ctx context.Context, orderID string, n orders.Notification) (Result, error) {
	return e.run(ctx, orderID, func(o orders.PaymentOrder, now time.Time) (orders.PaymentOrder, orders.Decision) {
		return orders.Fold(o, n, now)
	})
}

// Expire moves the order to EXPIRED if it is still open and past expiresAt
// at now. An order paid in the meantime is left alone.
func (e *Engine) Expire(ctx context.Context, orderID string, now time.Time) (Result, error) {
	return e.run(ctx, orderID, func(o orders.PaymentOrder, _ time.Time) (orders.PaymentOrder, orders.Decision) {
		d := orders.Decision{From: o.Status, To: o.Status}
		switch {
		case o.Status.Terminal():
			d.Outcome = orders.OutcomeRejected
			d.Reason = fmt.Errorf("%w: %s", orders.ErrTerminal, o.Status)
			return o, d
		case !orders.IsExpirable(o, now):
			d.Outcome = orders.OutcomeRejected
			d.Reason = ErrNotExpirable
			return o, d
		}
		next, _ := orders.Expire(o, now)
		d.Outcome = orders.OutcomeAccepted
		d.Changed = true
		d.To = next.Status
		return next, d
	})
}

// Fail moves a non-terminal order to FAILED.
func (e *Engine) Fail(ctx context.Context, orderID, reason string) (Result, error) {
	return e.run(ctx, orderID, func(o orders.PaymentOrder, now time.Time) (orders.PaymentOrder, orders.Decision) {
		return failStep(o, reason, now)
	})
}

func failStep(o orders.PaymentOrder, reason string, now time.Time) (orders.PaymentOrder, orders.Decision) {
	d := orders.Decision{From: o.Status, To: o.Status}
	next, ok := orders.Fail(o, reason, now)
	if !ok {
		d.Outcome = orders.OutcomeRejected
		d.Reason = fmt.Errorf("%w: %s", orders.ErrTerminal, o.Status)
		return o, d
	}
	d.Outcome = orders.OutcomeAccepted
	d.Changed = true
	d.To = next.Status
	return next, d
}

func (e *Engine) run(ctx context.Context, orderID string, step stepFunc) (Result, error) {
	var res Result
	err := e.locker.WithLock(ctx, "order:"+orderID, func(ctx context.Context) error {
		for attempt := 1; attempt <= e.maxAttempts; attempt++ {
			o, err := e.store.Get(ctx, orderID)
			if err != nil {
				return fmt.Errorf("load order %s: %w", orderID, err)
			}
			if o == nil {
				return fmt.Errorf("%w: %s", orders.ErrNotFound, orderID)
			}
			if verr := o.Validate(); verr != nil {
				e.failCorrupt(ctx, *o, verr)
				return fmt.Errorf("order %s: %w", orderID, verr)
			}

			now := e.nowFunc()
			next, d := step(*o, now)
			res = Result{Outcome: d.Outcome, Order: next, From: d.From, To: d.To}
			if d.Reason != nil {
				res.Detail = d.Reason.Error()
			}
			if !d.Changed {
				return nil
			}

			err = e.store.Update(ctx, &next)
			if errors.Is(err, orders.ErrVersionConflict) {
				e.metrics.VersionConflict()
				e.log.Debug("version conflict, retrying",
					zap.String("order_id", orderID),
					zap.Int("attempt", attempt))
				continue
			}
			if err != nil {
				return fmt.Errorf("update order %s: %w", orderID, err)
			}
			res.Order = next
			e.announce(ctx, next, d, now)
			return nil
		}
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, e.maxAttempts, orders.ErrVersionConflict)
	})
	if err != nil {
		return Result{Outcome: orders.OutcomeError, Detail: err.Error()}, err
	}
	return res, nil
}

// failCorrupt moves an order that violates its invariants to FAILED with a
// single best-effort write.
func (e *Engine) failCorrupt(ctx context.Context, o orders.PaymentOrder, cause error) {
	e.log.Error("stored order failed validation",
		zap.String("order_id", o.ID),
		zap.Error(cause))
	now := e.nowFunc()
	next, d := failStep(o, cause.Error(), now)
	if !d.Changed {
		return
	}
	if err := e.store.Update(ctx, &next); err != nil {
		e.log.Error("could not mark corrupt order failed", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	e.announce(ctx, next, d, now)
}

func (e *Engine) announce(ctx context.Context, o orders.PaymentOrder, d orders.Decision, now time.Time) {
	if d.Transitioned() {
		e.metrics.OrderTransition(string(d.From), string(d.To))
		e.log.Info("order transitioned",
			zap.String("order_id", o.ID),
			zap.String("from", string(d.From)),
			zap.String("to", string(d.To)),
			zap.String("received", o.ReceivedAmount.String()),
			zap.String("expected", o.ExpectedAmount.String()))
	} else if d.Outcome != orders.OutcomeAccepted {
		return
	}
	ev := orders.NewEvent(orders.EventTypeFor(o.Status), o, now)
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Warn("publish order event failed",
			zap.String("order_id", o.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err))
	}
}
