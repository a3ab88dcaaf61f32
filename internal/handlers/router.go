// Package handlers exposes the order and webhook APIs over gin.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/metrics"
)

// HandlerConfig groups dependencies for the routes.
type HandlerConfig struct {
	Checkout    OrderCreator
	Orders      OrderReader
	WebhookLog  AuditReader
	Ingestor    WebhookIngestor
	Idempotency idempotency.Store
	RateLimiter *IPRateLimiter
	Metrics     metrics.Recorder
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// Ready is consulted by /health when set.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

func (cfg HandlerConfig) logger() *zap.Logger {
	if cfg.Logger == nil {
		return zap.NewNop()
	}
	return cfg.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(cfg.logger()))
	if cfg.Metrics != nil {
		r.Use(RequestMetrics(cfg.Metrics))
	}

	r.GET("/health", func(c *gin.Context) {
		if cfg.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	RegisterOrdersRoutes(r, cfg)
	RegisterWebhookRoutes(r, cfg)
	return r
}
