package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/ingest"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/webhooklog"
)

type WebhookIngestor interface {
	Ingest(ctx context.Context, req ingest.Request) ingest.Response
}

type AuditReader interface {
	ListByOrder(ctx context.Context, orderID string) ([]webhooklog.Entry, error)
}

// RegisterWebhookRoutes mounts the provider callback. The shared secret and
// correlation id travel in the query string of the registered callback URL.
func RegisterWebhookRoutes(r gin.IRouter, cfg HandlerConfig) {
	ingestor := cfg.Ingestor
	chain := []gin.HandlerFunc{}
	if cfg.RateLimiter != nil {
		chain = append(chain, RateLimit(cfg.RateLimiter, cfg.logger()))
	}
	chain = append(chain, func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
			return
		}
		resp := ingestor.Ingest(c.Request.Context(), ingest.Request{
			Token:         c.Query("token"),
			CorrelationID: c.Query("orderId"),
			Body:          body,
		})
		c.JSON(resp.HTTPStatus, resp)
	})
	r.POST("/webhooks/payments", chain...)
}
