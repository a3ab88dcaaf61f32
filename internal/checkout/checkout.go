// Package checkout creates payment orders: it prices the selection, obtains
// a deposit address, binds the webhook subscription and persists the order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/custody"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/metrics"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

// ErrInvalidSelection is returned when the product selection cannot be priced.
var ErrInvalidSelection = errors.New("invalid product selection")

// WebhookPath is where the provider delivers notifications.
const WebhookPath = "/webhooks/payments"

type Pricer interface {
	Price(productID, serverID, currency string) (decimal.Decimal, error)
}

type Allocator interface {
	Allocate(ctx context.Context, currency, network string) (custody.Allocation, error)
}

type Subscriber interface {
	EnsureSubscription(ctx context.Context, address, network, callbackURL, orderID string) (string, error)
	Teardown(ctx context.Context, subscriptionID string)
}

type OrderCreator interface {
	Create(ctx context.Context, o *orders.PaymentOrder) error
}

// Request is a validated create-order call.
type Request struct {
	ServerID      string
	UserID        string
	Items         []orders.ProductLine
	PaymentMethod string
}

// Created is what the caller needs to present payment instructions.
type Created struct {
	OrderID        string          `json:"orderId"`
	OrderNumber    string          `json:"orderNumber"`
	PaymentAddress string          `json:"paymentAddress"`
	ExpectedAmount decimal.Decimal `json:"expectedAmount"`
	Currency       string          `json:"currency"`
	Network        string          `json:"network"`
	Status         orders.Status   `json:"status"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

type Config struct {
	PublicBaseURL string
	WebhookSecret string
	OrderTTL      time.Duration
	NodeID        int64
}

type Service struct {
	cfg       Config
	catalog   Pricer
	allocator Allocator
	subs      Subscriber
	store     OrderCreator
	events    orders.EventPublisher
	metrics   metrics.Recorder
	log       *zap.Logger
	node      *snowflake.Node
	nowFunc   func() time.Time
}

func NewService(cfg Config, catalog Pricer, allocator Allocator, subs Subscriber, store OrderCreator,
	events orders.EventPublisher, rec metrics.Recorder, log *zap.Logger) (*Service, error) {
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = 30 * time.Minute
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	if events == nil {
		events = orders.NopEventPublisher{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		catalog:   catalog,
		allocator: allocator,
		subs:      subs,
		store:     store,
		events:    events,
		metrics:   rec,
		log:       log,
		node:      node,
		nowFunc:   time.Now,
	}, nil
}

// CreateOrder runs the whole creation flow. Nothing is persisted unless
// every external step succeeded; a subscription registered for a request
// that then fails is torn down.
func (s *Service) CreateOrder(ctx context.Context, req Request) (Created, error) {
	method, err := custody.ParseMethod(req.PaymentMethod)
	if err != nil {
		return Created{}, err
	}
	expected, err := s.price(req, method.Currency)
	if err != nil {
		return Created{}, err
	}

	if err := ctx.Err(); err != nil {
		return Created{}, err
	}
	alloc, err := s.allocator.Allocate(ctx, method.Currency, method.Network)
	if err != nil {
		return Created{}, err
	}

	now := s.nowFunc().UTC()
	o := &orders.PaymentOrder{
		ID:             uuid.NewString(),
		OrderNumber:    s.orderNumber(),
		ServerID:       req.ServerID,
		UserID:         req.UserID,
		Products:       append([]orders.ProductLine(nil), req.Items...),
		PaymentAddress: alloc.Address,
		Currency:       method.Currency,
		Network:        method.Network,
		ExpectedAmount: expected,
		ReceivedAmount: decimal.Zero,
		Status:         orders.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.OrderTTL),
	}

	callback, err := s.callbackURL(o.ID)
	if err != nil {
		return Created{}, err
	}
	subID, err := s.subs.EnsureSubscription(ctx, o.PaymentAddress, o.Network, callback, o.ID)
	if err != nil {
		return Created{}, err
	}
	o.SubscriptionID = subID

	if err := ctx.Err(); err != nil {
		s.abandon(ctx, o, err)
		return Created{}, err
	}
	if err := s.store.Create(ctx, o); err != nil {
		s.abandon(ctx, o, err)
		return Created{}, fmt.Errorf("persist order: %w", err)
	}

	s.metrics.OrderCreated(o.Currency, o.Network)
	if err := s.events.Publish(ctx, orders.NewEvent(orders.EventCreated, *o, now)); err != nil {
		s.log.Warn("publish order event failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	s.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("method", method.String()),
		zap.String("expected_amount", expected.String()))

	return Created{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		PaymentAddress: o.PaymentAddress,
		ExpectedAmount: o.ExpectedAmount,
		Currency:       o.Currency,
		Network:        o.Network,
		Status:         o.Status,
		ExpiresAt:      o.ExpiresAt,
	}, nil
}

// price sums unit price times quantity exactly.
func (s *Service) price(req Request, currency string) (decimal.Decimal, error) {
	if len(req.Items) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no items", ErrInvalidSelection)
	}
	total := decimal.Zero
	for _, it := range req.Items {
		if it.Quantity < 1 {
			return decimal.Zero, fmt.Errorf("%w: quantity %d for %s", ErrInvalidSelection, it.Quantity, it.ProductID)
		}
		unit, err := s.catalog.Price(it.ProductID, req.ServerID, currency)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		total = total.Add(unit.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	if err := orders.CheckAmount(total); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}
	return total, nil
}

func (s *Service) orderNumber() string {
	return "ORD-" + strings.ToUpper(s.node.Generate().Base36())
}

func (s *Service) callbackURL(orderID string) (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.PublicBaseURL, "/") + WebhookPath)
	if err != nil {
		return "", fmt.Errorf("callback url: %w", err)
	}
	q := url.Values{}
	q.Set("token", s.cfg.WebhookSecret)
	q.Set("orderId", orderID)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (s *Service) abandon(ctx context.Context, o *orders.PaymentOrder, cause error) {
	s.log.Warn("order creation abandoned, releasing subscription",
		zap.String("order_id", o.ID),
		zap.String("subscription_id", o.SubscriptionID),
		zap.Error(cause))
	s.subs.Teardown(context.WithoutCancel(ctx), o.SubscriptionID)
}
