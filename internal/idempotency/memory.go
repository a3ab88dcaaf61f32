package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

func NewMemoryStore(ttlWindow time.Duration) *MemoryStore {
	return &MemoryStore{records: map[string]Record{}, ttlWindow: ttlWindow, nowFunc: time.Now}
}

func (s *MemoryStore) live(key string, now time.Time) (Record, bool) {
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	if rec.ExpiresAt < now.Unix() {
		delete(s.records, key)
		return Record{}, false
	}
	return rec, true
}

func (s *MemoryStore) CreateIfNotExists(_ context.Context, key, requestHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	if rec, ok := s.live(key, now); ok && rec.Status != StatusFailed {
		return false, nil
	}
	s.records[key] = Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		RequestHash:    requestHash,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key, s.nowFunc())
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) MarkDone(_ context.Context, key, orderID, responseBody string, responseStatus int) error {
	return s.update(key, func(r *Record) {
		r.Status = StatusDone
		r.OrderID = orderID
		r.ResponseBody = responseBody
		r.ResponseStatus = responseStatus
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, key, note string) error {
	return s.update(key, func(r *Record) {
		r.Status = StatusFailed
		r.Note = note
	})
}

func (s *MemoryStore) update(key string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	rec, ok := s.live(key, now)
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	rec.UpdatedAt = now
	s.records[key] = rec
	return nil
}
