package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws/dynamotest"
)

const ordersTable = "orders-table"

func newTestOrder(id string, now time.Time) *PaymentOrder {
	return &PaymentOrder{
		ID:             id,
		OrderNumber:    "ORD-" + id,
		ServerID:       "srv-1",
		UserID:         "user-1",
		Products:       []ProductLine{{ProductID: "vip", Quantity: 1}},
		PaymentAddress: "0xABCDEF0123",
		Currency:       "USDT",
		Network:        "ethereum",
		ExpectedAmount: decimal.RequireFromString("10.00"),
		ReceivedAmount: decimal.Zero,
		Status:         StatusPending,
		SubscriptionID: "sub-1",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func newTestDynamoStore(now time.Time) (*DynamoStore, *dynamotest.Fake) {
	fake := dynamotest.New().DefineTable(ordersTable, "order_id")
	s := NewDynamoStore(fake, ordersTable)
	s.nowFunc = func() time.Time { return now }
	return s, fake
}

func TestDynamoStore_CreateAndGet(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, _ := newTestDynamoStore(now)
	ctx := context.Background()

	o := newTestOrder("o-1", now)
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if o.Version != 1 {
		t.Fatalf("expected version 1, got %d", o.Version)
	}

	got, err := s.Get(ctx, "o-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected order, got nil")
	}
	if !got.ExpectedAmount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected amount mismatch: %s", got.ExpectedAmount)
	}
	if got.Status != StatusPending || got.PaymentAddress != "0xABCDEF0123" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if len(got.Products) != 1 || got.Products[0].ProductID != "vip" {
		t.Fatalf("products not round-tripped: %+v", got.Products)
	}
	if !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires_at mismatch: %v", got.ExpiresAt)
	}

	if err := s.Create(ctx, newTestOrder("o-1", now)); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDynamoStore_GetMissingReturnsNil(t *testing.T) {
	s, _ := newTestDynamoStore(time.Now())
	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestDynamoStore_UpdateCompareAndSwap(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, _ := newTestDynamoStore(now)
	ctx := context.Background()

	o := newTestOrder("o-2", now)
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	stale := o.Clone()

	next, d := Fold(*o, Notification{TxHash: "0xAA", Amount: decimal.RequireFromString("4"), Currency: "USDT", Network: "ethereum"}, now)
	if !d.Changed {
		t.Fatalf("expected change")
	}
	if err := s.Update(ctx, &next); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if next.Version != 2 {
		t.Fatalf("expected version 2, got %d", next.Version)
	}

	staleNext, _ := Fold(stale, Notification{TxHash: "0xBB", Amount: decimal.RequireFromString("1"), Currency: "USDT", Network: "ethereum"}, now)
	if err := s.Update(ctx, &staleNext); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, err := s.Get(ctx, "o-2")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != StatusUnderpaid {
		t.Fatalf("expected UNDERPAID, got %s", got.Status)
	}
	if !got.ReceivedAmount.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("received mismatch: %s", got.ReceivedAmount)
	}
	if len(got.Transactions) != 1 || got.Transactions[0].Hash != "0xaa" {
		t.Fatalf("transactions mismatch: %+v", got.Transactions)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("stored order invalid: %v", err)
	}
}

func TestDynamoStore_FindByAddressPrefersOpenOrder(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, _ := newTestDynamoStore(now)
	ctx := context.Background()

	old := newTestOrder("o-old", now.Add(-2*time.Hour))
	old.Status = StatusExpired
	if err := s.Create(ctx, old); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	open := newTestOrder("o-open", now.Add(-time.Hour))
	if err := s.Create(ctx, open); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	other := newTestOrder("o-other", now)
	other.Network = "bsc"
	if err := s.Create(ctx, other); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	got, err := s.FindByAddress(ctx, "0xabcdef0123", "ethereum")
	if err != nil {
		t.Fatalf("FindByAddress error: %v", err)
	}
	if got == nil || got.ID != "o-open" {
		t.Fatalf("expected o-open, got %+v", got)
	}

	mixed, err := s.FindByAddress(ctx, "0xABCDEF0123", "Ethereum")
	if err != nil {
		t.Fatalf("FindByAddress error: %v", err)
	}
	if mixed == nil || mixed.ID != "o-open" {
		t.Fatalf("network case must not matter, got %+v", mixed)
	}

	none, err := s.FindByAddress(ctx, "0xdead", "ethereum")
	if err != nil {
		t.Fatalf("FindByAddress error: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil, got %+v", none)
	}
}

func TestDynamoStore_ListExpirable(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, _ := newTestDynamoStore(now)
	ctx := context.Background()

	due := newTestOrder("o-due", now.Add(-2*time.Hour))
	paid := newTestOrder("o-paid", now.Add(-2*time.Hour))
	paid.Status = StatusPaid
	fresh := newTestOrder("o-fresh", now)
	under := newTestOrder("o-under", now.Add(-3*time.Hour))
	under.Status = StatusUnderpaid
	for _, o := range []*PaymentOrder{due, paid, fresh, under} {
		if err := s.Create(ctx, o); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}

	got, err := s.ListExpirable(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListExpirable error: %v", err)
	}
	ids := map[string]bool{}
	for _, o := range got {
		ids[o.ID] = true
	}
	if len(got) != 2 || !ids["o-due"] || !ids["o-under"] {
		t.Fatalf("unexpected expirable set: %v", ids)
	}

	limited, err := s.ListExpirable(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListExpirable error: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 order with limit, got %d", len(limited))
	}
}

func TestDynamoStore_PropagatesClientErrors(t *testing.T) {
	s, fake := newTestDynamoStore(time.Now())
	fake.Err = errors.New("throttled")
	if _, err := s.Get(context.Background(), "x"); err == nil {
		t.Fatalf("expected error")
	}
	if err := s.Create(context.Background(), newTestOrder("x", time.Now())); err == nil || errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}
