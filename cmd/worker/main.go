package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/app"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/config"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := logger.Initialize(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger.Log)
	if err != nil {
		logger.Log.Fatal("failed to build application", zap.Error(err))
	}
	defer a.Close()

	// If RUN_LOCAL=true, sweep on SWEEP_INTERVAL until interrupted.
	if cfg.RunLocal {
		logger.Log.Info("running local sweeper", zap.Duration("interval", cfg.SweepInterval))
		if err := a.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Error("sweeper exited", zap.Error(err))
		}
		a.FlushMetrics(context.Background())
		return
	}

	p := NewProcessor(a.Sweeper, a.FlushMetrics, logger.Log.Named("worker"))
	lambda.StartWithOptions(func(ctx context.Context, ev events.CloudWatchEvent) (SweepResult, error) {
		return p.Handle(ctx, ev)
	}, lambda.WithEnableSIGTERM(func() { a.Close() }))
}
