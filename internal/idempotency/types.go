package idempotency

import (
	"context"
	"errors"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// ErrNotFound is returned by MarkDone/MarkFailed for an unknown key.
var ErrNotFound = errors.New("idempotency record not found")

// Record is one Idempotency-Key entry. RequestHash fingerprints the request
// body so a reused key with a different body can be refused.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	RequestHash    string    `dynamodbav:"request_hash,omitempty"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`   // small responses only
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 201
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Store is a get/set store with TTL for idempotency records. A FAILED or
// expired record may be claimed again by CreateIfNotExists.
type Store interface {
	// CreateIfNotExists claims key as IN_PROGRESS. It returns false, nil if a
	// live record already holds the key; the caller should Get it.
	CreateIfNotExists(ctx context.Context, key, requestHash string) (bool, error)
	// Get returns (nil, nil) when the key is unknown or expired.
	Get(ctx context.Context, key string) (*Record, error)
	MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}
