package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws/dynamotest"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/checkout"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/custody"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/ingest"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/metrics"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/subscriptions"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/webhooklog"
)

const secret = "hook-secret"

type stubCreator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubCreator) CreateOrder(_ context.Context, req checkout.Request) (checkout.Created, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return checkout.Created{}, s.err
	}
	return checkout.Created{
		OrderID:        "order-" + req.UserID,
		OrderNumber:    "ORD-ABC",
		PaymentAddress: "TDeposit",
		ExpectedAmount: decimal.RequireFromString("0.3"),
		Currency:       "USDT",
		Network:        "tron",
		Status:         orders.StatusPending,
		ExpiresAt:      time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC),
	}, nil
}

type env struct {
	router  *gin.Engine
	creator *stubCreator
	orders  *orders.DynamoStore
	idem    *idempotency.MemoryStore
}

func newEnv(t *testing.T, limiter *IPRateLimiter) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := dynamotest.New().
		DefineTable("orders", "order_id").
		DefineTable("log", "entry_id")
	store := orders.NewDynamoStore(fake, "orders")
	audit := webhooklog.NewDynamoStore(fake, "log")
	prom := metrics.NewPrometheus()
	engine := reconcile.NewEngine(store, reconcile.WithMetrics(prom))

	e := &env{
		creator: &stubCreator{},
		orders:  store,
		idem:    idempotency.NewMemoryStore(time.Hour),
	}
	e.router = NewRouter(HandlerConfig{
		Checkout:       e.creator,
		Orders:         store,
		WebhookLog:     audit,
		Ingestor:       ingest.New(secret, store, engine, audit, prom, nil),
		Idempotency:    e.idem,
		RateLimiter:    limiter,
		Metrics:        prom,
		MetricsHandler: prom.Handler(),
	})
	return e
}

func (e *env) seedOrder(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, e.orders.Create(context.Background(), &orders.PaymentOrder{
		ID:             id,
		OrderNumber:    "ORD-" + id,
		PaymentAddress: "TAddr" + id,
		Currency:       "USDT",
		Network:        "tron",
		ExpectedAmount: decimal.RequireFromString("10"),
		Status:         orders.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}))
}

func (e *env) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

const createBody = `{"serverId":"srv-1","userId":"u1","items":[{"productId":"vip","quantity":1}],"paymentMethod":"USDT_TRON"}`

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateOrder(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(http.MethodPost, "/orders", createBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/orders/order-u1", w.Header().Get("Location"))

	var got checkout.Created
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "order-u1", got.OrderID)
	assert.Equal(t, "0.3", got.ExpectedAmount.String())
	assert.Contains(t, w.Body.String(), `"expectedAmount":"0.3"`)
}

func TestCreateOrderValidation(t *testing.T) {
	e := newEnv(t, nil)
	cases := map[string]string{
		"not json":          `{`,
		"missing items":     `{"serverId":"s","userId":"u","paymentMethod":"USDT_TRON"}`,
		"unsupported":       `{"serverId":"s","userId":"u","items":[{"productId":"p","quantity":1}],"paymentMethod":"DOGE_DOGE"}`,
		"zero quantity":     `{"serverId":"s","userId":"u","items":[{"productId":"p","quantity":0}],"paymentMethod":"USDT_TRON"}`,
		"duplicate product": `{"serverId":"s","userId":"u","items":[{"productId":"p","quantity":1},{"productId":"p","quantity":2}],"paymentMethod":"USDT_TRON"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/orders", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Zero(t, e.creator.calls)
}

func TestCreateOrderErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{custody.ErrAllocationFailed, http.StatusBadGateway, "allocation_failed"},
		{subscriptions.ErrSubscriptionFailed, http.StatusBadGateway, "subscription_failed"},
		{subscriptions.ErrSubscriptionConflict, http.StatusBadGateway, "subscription_failed"},
		{checkout.ErrInvalidSelection, http.StatusBadRequest, "invalid_selection"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "request_cancelled"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			e := newEnv(t, nil)
			e.creator.err = tc.err
			w := e.do(http.MethodPost, "/orders", createBody)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.code)
		})
	}
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	e := newEnv(t, nil)

	first := e.do(http.MethodPost, "/orders", createBody, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, first.Code)

	second := e.do(http.MethodPost, "/orders", createBody, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, e.creator.calls)

	other := strings.Replace(createBody, `"u1"`, `"u2"`, 1)
	reused := e.do(http.MethodPost, "/orders", other, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Equal(t, 1, e.creator.calls)
}

func TestCreateOrderIdempotentInProgress(t *testing.T) {
	e := newEnv(t, nil)
	ok, err := e.idem.CreateIfNotExists(context.Background(), "k2", "")
	require.NoError(t, err)
	require.True(t, ok)

	w := e.do(http.MethodPost, "/orders", createBody, "Idempotency-Key", "k2")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, e.creator.calls)
}

func TestCreateOrderIdempotentRetryAfterFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.creator.err = custody.ErrAllocationFailed
	w := e.do(http.MethodPost, "/orders", createBody, "Idempotency-Key", "k3")
	require.Equal(t, http.StatusBadGateway, w.Code)

	rec, err := e.idem.Get(context.Background(), "k3")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)

	e.creator.err = nil
	w = e.do(http.MethodPost, "/orders", createBody, "Idempotency-Key", "k3")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 2, e.creator.calls)
}

func TestGetOrder(t *testing.T) {
	e := newEnv(t, nil)
	e.seedOrder(t, "o1")

	w := e.do(http.MethodGet, "/orders/o1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view OrderView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, orders.StatusPending, view.Status)
	assert.Equal(t, "10", view.ExpectedAmount.String())
	assert.True(t, view.ReceivedAmount.IsZero())
	assert.Nil(t, view.ConfirmedAt)

	w = e.do(http.MethodGet, "/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookFlow(t *testing.T) {
	e := newEnv(t, nil)
	e.seedOrder(t, "o1")
	body := `{"currency":"USDT","network":"tron","address":"TAddro1","amount":"10","txHash":"h1"}`

	w := e.do(http.MethodPost, "/webhooks/payments?token=wrong&orderId=o1", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodPost, "/webhooks/payments?token="+secret+"&orderId=o1", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"accepted"`)
	assert.Contains(t, w.Body.String(), `"status":"PAID"`)

	w = e.do(http.MethodPost, "/webhooks/payments?token="+secret+"&orderId=o1", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	w = e.do(http.MethodPost, "/webhooks/payments?token="+secret+"&orderId=unknown",
		`{"currency":"USDT","network":"tron","address":"TNobody","amount":"1","txHash":"h9"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/orders/o1", "")
	assert.Contains(t, w.Body.String(), `"status":"PAID"`)

	w = e.do(http.MethodGet, "/orders/o1/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		OrderID string             `json:"orderId"`
		Entries []webhooklog.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	require.Len(t, audit.Entries, 2)
	assert.Equal(t, orders.OutcomeAccepted, audit.Entries[0].Outcome)
	assert.Equal(t, orders.OutcomeDuplicate, audit.Entries[1].Outcome)

	w = e.do(http.MethodGet, "/orders/missing/webhooks", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRateLimit(t *testing.T) {
	e := newEnv(t, NewIPRateLimiter(rate.Limit(0), 1))
	e.seedOrder(t, "o1")
	path := "/webhooks/payments?token=" + secret + "&orderId=o1"
	body := `{"currency":"USDT","network":"tron","address":"TAddro1","amount":"1","txHash":"h1"}`

	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, path, body).Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(http.MethodPost, path, body).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.do(http.MethodGet, "/health", "")
	w := e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orderflow_http_requests_total")
}

func TestIPRateLimiterCleanup(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1)
	a := l.GetLimiter("10.0.0.1")
	assert.Same(t, a, l.GetLimiter("10.0.0.1"))
	l.GetLimiter("10.0.0.2")

	assert.Zero(t, l.Cleanup(time.Hour))
	assert.Equal(t, 2, l.Cleanup(-time.Second))
	assert.NotSame(t, a, l.GetLimiter("10.0.0.1"))
}
