package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws/dynamotest"
)

const idemTable = "idempotency-table"

func TestDynamoStore_CreateIfNotExists_Get_MarkDone_MarkFailed(t *testing.T) {
	mock := dynamotest.New().DefineTable(idemTable, "idempotency_key")
	s := NewDynamoStore(mock, idemTable, 48*time.Hour)

	ctx := context.Background()
	key := "test-key-1"

	created, err := s.CreateIfNotExists(ctx, key, "hash-1")
	if err != nil {
		t.Fatalf("CreateIfNotExists error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create should return created=false (exists)
	created2, err := s.CreateIfNotExists(ctx, key, "hash-1")
	if err != nil {
		t.Fatalf("second CreateIfNotExists error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.RequestHash != "hash-1" {
		t.Fatalf("request hash mismatch")
	}

	if err := s.MarkDone(ctx, key, "order-123", "{\"ok\":true}", 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	// Read raw item from mock to assert updated fields
	item := mock.Item(idemTable, key)
	if item == nil {
		t.Fatalf("mock item missing")
	}
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", item["status"])
	}
	if rb, ok := item["response_body"].(*types.AttributeValueMemberS); !ok || rb.Value != "{\"ok\":true}" {
		t.Fatalf("response_body not set correctly: %+v", item["response_body"])
	}

	rec, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.OrderID != "order-123" || rec.ResponseStatus != 201 {
		t.Fatalf("unexpected record after MarkDone: %+v", rec)
	}

	// A DONE record cannot be claimed again.
	if again, _ := s.CreateIfNotExists(ctx, key, "hash-1"); again {
		t.Fatalf("DONE record was re-claimed")
	}

	if err := s.MarkFailed(ctx, key, "failed-reason"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	item2 := mock.Item(idemTable, key)
	if st, ok := item2["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusFailed {
		t.Fatalf("status not updated to FAILED, got %+v", item2["status"])
	}
	if n, ok := item2["note"].(*types.AttributeValueMemberS); !ok || n.Value != "failed-reason" {
		t.Fatalf("note not set, got %+v", item2["note"])
	}

	// FAILED records may be retried.
	retried, err := s.CreateIfNotExists(ctx, key, "hash-1")
	if err != nil {
		t.Fatalf("retry CreateIfNotExists error: %v", err)
	}
	if !retried {
		t.Fatalf("expected FAILED record to be re-claimable")
	}
}

func TestDynamoStore_ExpiredRecordIsAbsent(t *testing.T) {
	mock := dynamotest.New().DefineTable(idemTable, "idempotency_key")
	s := NewDynamoStore(mock, idemTable, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	if _, err := s.CreateIfNotExists(context.Background(), "k", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(2 * time.Hour)

	rec, err := s.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected expired record to be hidden")
	}
	created, err := s.CreateIfNotExists(context.Background(), "k", "")
	if err != nil || !created {
		t.Fatalf("expected expired key to be re-claimable, created=%v err=%v", created, err)
	}
}

func TestDynamoStore_MarkUnknownKey(t *testing.T) {
	mock := dynamotest.New().DefineTable(idemTable, "idempotency_key")
	s := NewDynamoStore(mock, idemTable, time.Hour)
	if err := s.MarkDone(context.Background(), "missing", "o", "{}", 201); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// storeContract runs the same lifecycle against every Store implementation.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	created, err := s.CreateIfNotExists(ctx, "k1", "h1")
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.CreateIfNotExists(ctx, "k1", "h1")
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	if err := s.MarkDone(ctx, "k1", "o1", `{"orderId":"o1"}`, 201); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	rec, err := s.Get(ctx, "k1")
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.Status != StatusDone || rec.OrderID != "o1" || rec.ResponseStatus != 201 || rec.RequestHash != "h1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := s.MarkFailed(ctx, "k1", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	created, err = s.CreateIfNotExists(ctx, "k1", "h2")
	if err != nil || !created {
		t.Fatalf("retry after failure: created=%v err=%v", created, err)
	}
	if err := s.MarkFailed(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil record, got %v err=%v", missing, err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(time.Hour))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedisStore(rdb, time.Hour)
	storeContract(t, s)

	if ttl := mr.TTL("idempotency:k1"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected TTL within window, got %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	rec, err := s.Get(context.Background(), "k1")
	if err != nil || rec != nil {
		t.Fatalf("expected key to expire, got %v err=%v", rec, err)
	}
}

func TestDynamoStore(t *testing.T) {
	storeContract(t, NewDynamoStore(dynamotest.New().DefineTable(idemTable, "idempotency_key"), idemTable, time.Hour))
}
