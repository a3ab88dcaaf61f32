package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/sweeper"
)

// SweepRunner runs one expiry and release pass.
type SweepRunner interface {
	RunOnce(ctx context.Context) (sweeper.Report, error)
}

// Processor handles scheduled EventBridge invocations.
type Processor struct {
	sweeper SweepRunner
	flush   func(ctx context.Context)
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewProcessor creates a worker processor. flush may be nil.
func NewProcessor(s SweepRunner, flush func(context.Context), log *zap.Logger) *Processor {
	if flush == nil {
		flush = func(context.Context) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{sweeper: s, flush: flush, log: log, nowFunc: time.Now}
}

// Handle runs a single sweep. An error makes Lambda retry the invocation,
// which is safe because expiry and release are idempotent.
func (p *Processor) Handle(ctx context.Context, ev events.CloudWatchEvent) (SweepResult, error) {
	defer p.flush(ctx)

	start := p.nowFunc()
	p.log.Info("sweep triggered",
		zap.String("event_id", ev.ID),
		zap.String("source", ev.Source),
		zap.Time("scheduled_at", ev.Time))

	report, err := p.sweeper.RunOnce(ctx)
	res := newSweepResult(ev.ID, report, p.nowFunc().Sub(start).Milliseconds())
	if err != nil {
		p.log.Error("sweep failed", zap.String("event_id", ev.ID), zap.Error(err))
		return res, fmt.Errorf("sweep: %w", err)
	}

	p.log.Info("sweep completed",
		zap.String("event_id", ev.ID),
		zap.Int("scanned", res.Scanned),
		zap.Int("expired", res.Expired),
		zap.Int("failed", res.Failed),
		zap.Int("released", res.Released),
		zap.Int64("duration_ms", res.DurationMS))
	return res, nil
}
