package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript writes a fresh record unless a live, non-failed one holds the key.
// ARGV[1] is the TTL in milliseconds; the rest are field/value pairs.
var claimScript = redis.NewScript(`
local s = redis.call("HGET", KEYS[1], "status")
if s and s ~= "FAILED" then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`)

// updateScript sets fields only on an existing record, keeping its TTL.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// RedisStore keeps records as Redis hashes that expire with the TTL window.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, ttlWindow time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "idempotency:", ttlWindow: ttlWindow, nowFunc: time.Now}
}

func (s *RedisStore) CreateIfNotExists(ctx context.Context, key, requestHash string) (bool, error) {
	now := s.nowFunc()
	args := []any{
		s.ttlWindow.Milliseconds(),
		"status", StatusInProgress,
		"request_hash", requestHash,
		"created_at", now.Format(time.RFC3339Nano),
		"updated_at", now.Format(time.RFC3339Nano),
		"expires_at", now.Add(s.ttlWindow).Unix(),
	}
	n, err := claimScript.Run(ctx, s.rdb, []string{s.prefix + key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &Record{
		IdempotencyKey: key,
		Status:         fields["status"],
		RequestHash:    fields["request_hash"],
		OrderID:        fields["order_id"],
		ResponseBody:   fields["response_body"],
		Note:           fields["note"],
	}
	if v := fields["response_status"]; v != "" {
		if rec.ResponseStatus, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse response_status: %w", err)
		}
	}
	if v := fields["expires_at"]; v != "" {
		if rec.ExpiresAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return rec, nil
}

func (s *RedisStore) MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error {
	return s.update(ctx, key,
		"status", StatusDone,
		"order_id", orderID,
		"response_body", responseBody,
		"response_status", responseStatus,
		"updated_at", s.nowFunc().Format(time.RFC3339Nano))
}

func (s *RedisStore) MarkFailed(ctx context.Context, key, note string) error {
	return s.update(ctx, key,
		"status", StatusFailed,
		"note", note,
		"updated_at", s.nowFunc().Format(time.RFC3339Nano))
}

func (s *RedisStore) update(ctx context.Context, key string, fields ...any) error {
	n, err := updateScript.Run(ctx, s.rdb, []string{s.prefix + key}, fields...).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
