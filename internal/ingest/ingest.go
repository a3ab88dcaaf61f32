// Package ingest turns an inbound provider webhook into an engine call and an
// audit log entry, and decides the HTTP status the provider sees.
package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/metrics"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/validation"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/webhooklog"
)

var (
	ErrAuthenticationFailed = errors.New("webhook authentication failed")
	ErrMalformedPayload     = errors.New("malformed webhook payload")
	ErrOrderNotFound        = errors.New("webhook order not found")
)

// OrderFinder resolves the order a notification refers to.
type OrderFinder interface {
	Get(ctx context.Context, orderID string) (*orders.PaymentOrder, error)
	FindByAddress(ctx context.Context, address, network string) (*orders.PaymentOrder, error)
}

// Applier is the reconciliation engine.
type Applier interface {
	Apply(ctx context.Context, orderID string, n orders.Notification) (reconcile.Result, error)
}

// Request is one webhook delivery. Token and CorrelationID come from the
// callback URL query string.
type Request struct {
	Token         string
	CorrelationID string
	Body          []byte
}

// Response tells the transport what to answer.
type Response struct {
	HTTPStatus  int            `json:"-"`
	Outcome     orders.Outcome `json:"outcome"`
	OrderID     string         `json:"orderId,omitempty"`
	OrderStatus orders.Status  `json:"status,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	Err         error          `json:"-"`
}

type Ingestor struct {
	secret   []byte
	orders   OrderFinder
	engine   Applier
	audit    webhooklog.Repository
	validate *validator.Validate
	metrics  metrics.Recorder
	log      *zap.Logger
	nowFunc  func() time.Time
}

func New(secret string, finder OrderFinder, engine Applier, audit webhooklog.Repository, rec metrics.Recorder, log *zap.Logger) *Ingestor {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		secret:   []byte(secret),
		orders:   finder,
		engine:   engine,
		audit:    audit,
		validate: validation.New(),
		metrics:  rec,
		log:      log,
		nowFunc:  time.Now,
	}
}

// Ingest handles one delivery. It never panics on bad input and always
// attempts to write exactly one webhook log entry.
func (i *Ingestor) Ingest(ctx context.Context, req Request) Response {
	if subtle.ConstantTimeCompare([]byte(req.Token), i.secret) != 1 {
		return i.finish(ctx, req, "", "", http.StatusUnauthorized, orders.OutcomeRejected, ErrAuthenticationFailed)
	}

	var payload validation.NotificationPayload
	decodeErr := json.Unmarshal(req.Body, &payload)

	o, err := i.resolve(ctx, req.CorrelationID, payload, decodeErr == nil)
	if err != nil {
		return i.finish(ctx, req, "", "", http.StatusInternalServerError, orders.OutcomeError, fmt.Errorf("resolve order: %w", err))
	}
	txHash := orders.NormalizeTxHash(payload.TxHash)

	if o == nil {
		if decodeErr != nil {
			return i.finish(ctx, req, "", "", http.StatusBadRequest, orders.OutcomeRejected, fmt.Errorf("%w: %v", ErrMalformedPayload, decodeErr))
		}
		return i.finish(ctx, req, "", txHash, http.StatusBadRequest, orders.OutcomeRejected, ErrOrderNotFound)
	}
	if decodeErr != nil {
		return i.finish(ctx, req, o.ID, "", http.StatusBadRequest, orders.OutcomeRejected, fmt.Errorf("%w: %v", ErrMalformedPayload, decodeErr))
	}
	if err := i.validate.Struct(payload); err != nil {
		return i.finish(ctx, req, o.ID, txHash, http.StatusBadRequest, orders.OutcomeRejected, fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}

	res, err := i.engine.Apply(ctx, o.ID, orders.Notification{
		TxHash:   payload.TxHash,
		Amount:   payload.Amount,
		Currency: payload.Currency,
		Network:  payload.Network,
		Address:  payload.Address,
	})
	if err != nil {
		return i.finish(ctx, req, o.ID, txHash, http.StatusInternalServerError, orders.OutcomeError, err)
	}

	var reason error
	if res.Detail != "" {
		reason = errors.New(res.Detail)
	}
	resp := i.finish(ctx, req, o.ID, txHash, http.StatusOK, res.Outcome, reason)
	resp.OrderStatus = res.Order.Status
	return resp
}

// resolve prefers the correlation token and falls back to the deposit address.
func (i *Ingestor) resolve(ctx context.Context, correlationID string, p validation.NotificationPayload, decoded bool) (*orders.PaymentOrder, error) {
	if correlationID != "" {
		o, err := i.orders.Get(ctx, correlationID)
		if err != nil || o != nil {
			return o, err
		}
	}
	if !decoded || p.Address == "" || p.Network == "" {
		return nil, nil
	}
	return i.orders.FindByAddress(ctx, p.Address, p.Network)
}

func (i *Ingestor) finish(ctx context.Context, req Request, orderID, txHash string, status int, outcome orders.Outcome, cause error) Response {
	resp := Response{HTTPStatus: status, Outcome: outcome, OrderID: orderID, Err: cause}
	if cause != nil {
		resp.Detail = cause.Error()
	}

	entry := webhooklog.NewEntry(orderID, req.Body, txHash, outcome, resp.Detail, i.nowFunc())
	if err := i.audit.Append(ctx, entry); err != nil {
		i.log.Error("webhook log append failed",
			zap.String("order_id", orderID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		resp.HTTPStatus = http.StatusInternalServerError
		resp.Outcome = orders.OutcomeError
		resp.Err = errors.Join(cause, fmt.Errorf("webhook log: %w", err))
		resp.Detail = "webhook log unavailable"
	}

	i.metrics.WebhookProcessed(string(resp.Outcome))

	fields := []zap.Field{
		zap.String("order_id", orderID),
		zap.String("tx_hash", txHash),
		zap.String("outcome", string(resp.Outcome)),
		zap.Int("status", resp.HTTPStatus),
	}
	switch {
	case resp.HTTPStatus >= 500:
		i.log.Error("webhook processing failed", append(fields, zap.Error(resp.Err))...)
	case resp.Outcome == orders.OutcomeRejected:
		i.log.Warn("webhook rejected", append(fields, zap.String("detail", resp.Detail))...)
	default:
		i.log.Info("webhook processed", fields...)
	}
	return resp
}
