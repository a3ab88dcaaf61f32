// Package sweeper expires overdue orders and releases the subscriptions of
// settled ones. It is the only background task in the service.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/metrics"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/subscriptions"
)

const DefaultBatchSize = 100

type Store interface {
	Get(ctx context.Context, orderID string) (*orders.PaymentOrder, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]orders.PaymentOrder, error)
}

type Expirer interface {
	Expire(ctx context.Context, orderID string, now time.Time) (reconcile.Result, error)
}

type Releaser interface {
	ReleaseTerminal(ctx context.Context, store subscriptions.OrderReader, now time.Time, limit int) (int, error)
}

// Report summarizes one pass.
type Report struct {
	Scanned  int
	Expired  int
	Skipped  int
	Failed   int
	Released int
}

type Sweeper struct {
	store     Store
	engine    Expirer
	subs      Releaser
	interval  time.Duration
	batchSize int
	metrics   metrics.Recorder
	log       *zap.Logger
	nowFunc   func() time.Time
}

// New builds a sweeper. subs may be nil when subscriptions are never released.
func New(store Store, engine Expirer, subs Releaser, interval time.Duration, batchSize int, rec metrics.Recorder, log *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		engine:    engine,
		subs:      subs,
		interval:  interval,
		batchSize: batchSize,
		metrics:   rec,
		log:       log,
		nowFunc:   time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", s.interval), zap.Int("batch_size", s.batchSize))
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Orders paid between listing and expiry
// are skipped by the engine's compare-and-swap.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.nowFunc()

	due, err := s.store.ListExpirable(ctx, now, s.batchSize)
	if err != nil {
		return rep, fmt.Errorf("list expirable orders: %w", err)
	}
	rep.Scanned = len(due)

	for _, o := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := s.engine.Expire(ctx, o.ID, now)
		switch {
		case err != nil:
			rep.Failed++
			s.log.Warn("expire order failed", zap.String("order_id", o.ID), zap.Error(err))
		case res.Transitioned():
			rep.Expired++
		default:
			rep.Skipped++
			s.log.Debug("order not expired", zap.String("order_id", o.ID), zap.String("status", string(res.Order.Status)))
		}
	}

	if s.subs != nil {
		released, err := s.subs.ReleaseTerminal(ctx, s.store, now, s.batchSize)
		rep.Released = released
		if released > 0 {
			s.metrics.SubscriptionsReleased(released)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return rep, fmt.Errorf("release subscriptions: %w", err)
		}
	}

	if rep.Scanned > 0 || rep.Released > 0 {
		s.log.Info("sweep complete",
			zap.Int("scanned", rep.Scanned),
			zap.Int("expired", rep.Expired),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", rep.Failed),
			zap.Int("released", rep.Released))
	}
	return rep, nil
}
