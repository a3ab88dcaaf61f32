package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/checkout"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/custody"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/subscriptions"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/validation"
)

const maxBodyBytes = 64 << 10

// OrderCreator is the checkout use case.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req checkout.Request) (checkout.Created, error)
}

type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.PaymentOrder, error)
}

// OrderView is the status snapshot returned by GET /orders/:id.
type OrderView struct {
	OrderID         string          `json:"orderId"`
	OrderNumber     string          `json:"orderNumber"`
	Status          orders.Status   `json:"status"`
	ReceivedAmount  decimal.Decimal `json:"receivedAmount"`
	ExpectedAmount  decimal.Decimal `json:"expectedAmount"`
	Currency        string          `json:"currency"`
	Network         string          `json:"network"`
	PaymentAddress  string          `json:"paymentAddress"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	ConfirmedAt     *time.Time      `json:"confirmedAt,omitempty"`
}

func newOrderView(o *orders.PaymentOrder) OrderView {
	return OrderView{
		OrderID:         o.ID,
		OrderNumber:     o.OrderNumber,
		Status:          o.Status,
		ReceivedAmount:  o.ReceivedAmount,
		ExpectedAmount:  o.ExpectedAmount,
		Currency:        o.Currency,
		Network:         o.Network,
		PaymentAddress:  o.PaymentAddress,
		TransactionHash: o.TransactionHash,
		ExpiresAt:       o.ExpiresAt,
		ConfirmedAt:     o.ConfirmedAt,
	}
}

type ordersHandler struct {
	checkout    OrderCreator
	orders      OrderReader
	audit       AuditReader
	idempotency idempotency.Store
	validate    *validatorv10.Validate
	log         *zap.Logger
}

// RegisterOrdersRoutes registers routes for the order API.
func RegisterOrdersRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &ordersHandler{
		checkout:    cfg.Checkout,
		orders:      cfg.Orders,
		audit:       cfg.WebhookLog,
		idempotency: cfg.Idempotency,
		validate:    validation.New(),
		log:         cfg.logger(),
	}
	r.POST("/orders", h.create)
	r.GET("/orders/:id", h.get)
	r.GET("/orders/:id/webhooks", h.webhooks)
}

func (h *ordersHandler) create(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey != "" && h.idempotency != nil {
		sum := sha256.Sum256(raw)
		if done := h.claim(c, idempKey, hex.EncodeToString(sum[:])); done {
			return
		}
	}

	items := make([]orders.ProductLine, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orders.ProductLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	created, err := h.checkout.CreateOrder(ctx, checkout.Request{
		ServerID:      req.ServerID,
		UserID:        req.UserID,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		status, code := createErrorStatus(err)
		if idempKey != "" && h.idempotency != nil {
			if ferr := h.idempotency.MarkFailed(context.WithoutCancel(ctx), idempKey, fmt.Sprintf("%s: %v", code, err)); ferr != nil {
				h.log.Warn("mark idempotency failed", zap.String("idempotency_key", idempKey), zap.Error(ferr))
			}
		}
		h.log.Warn("create order failed", zap.String("error_code", code), zap.Error(err))
		c.JSON(status, gin.H{"error": code, "detail": err.Error()})
		return
	}

	body, err := json.Marshal(created)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	if idempKey != "" && h.idempotency != nil {
		if err := h.idempotency.MarkDone(ctx, idempKey, created.OrderID, string(body), http.StatusCreated); err != nil {
			h.log.Warn("mark idempotency done", zap.String("idempotency_key", idempKey), zap.Error(err))
		}
	}

	c.Header("Location", fmt.Sprintf("/orders/%s", created.OrderID))
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

// claim records the key as IN_PROGRESS. It returns true when a response has
// already been written for a previous use of the key.
func (h *ordersHandler) claim(c *gin.Context, key, requestHash string) bool {
	ctx := c.Request.Context()
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := h.idempotency.CreateIfNotExists(ctx, key, requestHash)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
			return true
		}
		if claimed {
			return false
		}

		rec, err := h.idempotency.Get(ctx, key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
			return true
		}
		if rec == nil {
			// expired between the two calls
			continue
		}
		if rec.RequestHash != "" && rec.RequestHash != requestHash {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused"})
			return true
		}
		switch rec.Status {
		case idempotency.StatusDone:
			if rec.ResponseBody != "" {
				c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
				return true
			}
			c.JSON(http.StatusOK, gin.H{"orderId": rec.OrderID})
		case idempotency.StatusInProgress:
			c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": "unknown_idempotency_status"})
		}
		return true
	}
	c.JSON(http.StatusConflict, gin.H{"error": "idempotency_key_contended"})
	return true
}

func createErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, custody.ErrUnsupportedMethod):
		return http.StatusBadRequest, "unsupported_payment_method"
	case errors.Is(err, checkout.ErrInvalidSelection):
		return http.StatusBadRequest, "invalid_selection"
	case errors.Is(err, custody.ErrAllocationFailed):
		return http.StatusBadGateway, "allocation_failed"
	case errors.Is(err, subscriptions.ErrSubscriptionFailed), errors.Is(err, subscriptions.ErrSubscriptionConflict):
		return http.StatusBadGateway, "subscription_failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request_cancelled"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *ordersHandler) get(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Error("load order", zap.String("order_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if o == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	c.JSON(http.StatusOK, newOrderView(o))
}

func (h *ordersHandler) webhooks(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	o, err := h.orders.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if o == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	entries, err := h.audit.ListByOrder(ctx, id)
	if err != nil {
		h.log.Error("list webhook log", zap.String("order_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": id, "entries": entries})
}
