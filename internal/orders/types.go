package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the reconciliation state of a payment order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusUnderpaid Status = "UNDERPAID"
	StatusPaid      Status = "PAID"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUnderpaid, StatusPaid, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// NonTerminalStatuses are the statuses the expiry sweep looks at.
var NonTerminalStatuses = []Status{StatusPending, StatusUnderpaid}

// ProductLine is one entry of the ordered product selection.
type ProductLine struct {
	ProductID string `json:"productId" dynamodbav:"product_id"`
	Quantity  int    `json:"quantity" dynamodbav:"quantity"`
}

// Transaction is a notification that contributed to ReceivedAmount.
// The set of hashes is the order's dedup set.
type Transaction struct {
	Hash      string
	Amount    decimal.Decimal
	AppliedAt time.Time
}

// PaymentOrder is the authoritative record of an order awaiting on-chain payment.
type PaymentOrder struct {
	ID              string
	OrderNumber     string
	ServerID        string
	UserID          string
	Products        []ProductLine
	PaymentAddress  string
	Currency        string
	Network         string
	ExpectedAmount  decimal.Decimal
	ReceivedAmount  decimal.Decimal
	Transactions    []Transaction
	Status          Status
	TransactionHash string
	SubscriptionID  string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	ConfirmedAt     *time.Time
	Version         int64
}

// Seen reports whether hash has already been applied to the order.
func (o *PaymentOrder) Seen(hash string) bool {
	hash = NormalizeTxHash(hash)
	for _, tx := range o.Transactions {
		if tx.Hash == hash {
			return true
		}
	}
	return false
}

// SeenTxHashes returns the dedup set in application order.
func (o *PaymentOrder) SeenTxHashes() []string {
	out := make([]string, 0, len(o.Transactions))
	for _, tx := range o.Transactions {
		out = append(out, tx.Hash)
	}
	return out
}

// Clone returns a deep copy so a fold never aliases the caller's slices.
func (o PaymentOrder) Clone() PaymentOrder {
	c := o
	c.Products = append([]ProductLine(nil), o.Products...)
	c.Transactions = append([]Transaction(nil), o.Transactions...)
	if o.ConfirmedAt != nil {
		t := *o.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return c
}

// Amounts must fit NUMERIC(38,18): at most 18 fractional and 20 integer digits.
const (
	MaxAmountScale         = 18
	MaxAmountIntegerDigits = 20
)

// ErrAmountOutOfRange marks an amount that cannot be stored exactly.
var ErrAmountOutOfRange = errors.New("amount out of range")

var amountLimit = decimal.New(1, MaxAmountIntegerDigits)

// CheckAmount reports whether d can be stored without rounding or overflow.
func CheckAmount(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(MaxAmountScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrAmountOutOfRange, d, MaxAmountScale)
	}
	if d.Abs().GreaterThanOrEqual(amountLimit) {
		return fmt.Errorf("%w: %s has more than %d integer digits", ErrAmountOutOfRange, d, MaxAmountIntegerDigits)
	}
	return nil
}

// ErrCorrupt marks a stored order that violates the record invariants.
var ErrCorrupt = errors.New("order record corrupt")

// Validate checks the invariants a stored order must satisfy.
func (o *PaymentOrder) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrCorrupt)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrCorrupt, o.Status)
	}
	if !o.ExpectedAmount.IsPositive() {
		return fmt.Errorf("%w: expected amount %s", ErrCorrupt, o.ExpectedAmount)
	}
	if o.ReceivedAmount.IsNegative() {
		return fmt.Errorf("%w: received amount %s", ErrCorrupt, o.ReceivedAmount)
	}
	sum := decimal.Zero
	seen := make(map[string]struct{}, len(o.Transactions))
	for _, tx := range o.Transactions {
		if _, dup := seen[tx.Hash]; dup {
			return fmt.Errorf("%w: transaction %s applied twice", ErrCorrupt, tx.Hash)
		}
		seen[tx.Hash] = struct{}{}
		sum = sum.Add(tx.Amount)
	}
	if !sum.Equal(o.ReceivedAmount) {
		return fmt.Errorf("%w: received %s != sum of transactions %s", ErrCorrupt, o.ReceivedAmount, sum)
	}
	return nil
}

// NormalizeTxHash trims the hash and lower-cases 0x-prefixed hex, which is
// case-insensitive. Other encodings (base58) are case-sensitive and kept verbatim.
func NormalizeTxHash(hash string) string {
	return normalizeHex(hash)
}

// NormalizeAddress applies the same rule to deposit addresses.
func NormalizeAddress(address string) string {
	return normalizeHex(address)
}

func normalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		for _, r := range s[2:] {
			if !isHex(r) {
				return s
			}
		}
		return strings.ToLower(s)
	}
	return s
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
