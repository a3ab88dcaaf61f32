package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
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

	r := a.Router()

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		a.RunBackground(ctx)

		srv := &http.Server{
			Addr:              cfg.HTTPAddress,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Log.Error("server shutdown", zap.Error(err))
			}
		}()

		logger.Log.Info("running local server", zap.String("addr", cfg.HTTPAddress), zap.String("backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("failed to run local server", zap.Error(err))
		}
		a.FlushMetrics(context.Background())
		return
	}

	// lambda adapter; the sweep runs in cmd/worker on a schedule
	adapter := ginadapter.New(r)

	lambda.StartWithOptions(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		a.FlushMetrics(ctx)
		return resp, err
	}, lambda.WithEnableSIGTERM(func() { a.Close() }))
}
