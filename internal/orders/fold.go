package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the typed result of handling one notification.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeError     Outcome = "error"
)

var (
	ErrTerminal = errors.New("order is in a terminal state")
	ErrExpired  = errors.New("order expired")
	ErrMismatch = errors.New("notification does not match order")
)

// Notification is a validated payment notification for one order.
type Notification struct {
	TxHash   string
	Amount   decimal.Decimal
	Currency string
	Network  string
	Address  string
}

// Decision describes what Fold did.
type Decision struct {
	Outcome Outcome
	// Reason explains a rejection: ErrTerminal, ErrExpired, ErrMismatch or
	// ErrAmountOutOfRange.
	Reason error
	// Changed is true when the returned order must be persisted.
	Changed bool
	From    Status
	To      Status
}

// Transitioned reports whether the status changed.
func (d Decision) Transitioned() bool { return d.From != d.To }

// Fold applies n to o and returns the new order state. It never mutates o.
//
// Only a hash not yet in the order's dedup set increases ReceivedAmount, so
// replays and out-of-order redeliveries cannot double count. Terminal orders
// are never changed.
func Fold(o PaymentOrder, n Notification, now time.Time) (PaymentOrder, Decision) {
	next := o.Clone()
	hash := NormalizeTxHash(n.TxHash)
	d := Decision{From: o.Status, To: o.Status}

	if o.Status.Terminal() {
		if o.Seen(hash) {
			d.Outcome = OutcomeDuplicate
			return next, d
		}
		d.Outcome = OutcomeRejected
		d.Reason = fmt.Errorf("%w: %s", ErrTerminal, o.Status)
		return next, d
	}

	// A replay stays a duplicate even once the order is overdue.
	if o.Seen(hash) {
		d.Outcome = OutcomeDuplicate
		return next, d
	}

	if now.After(o.ExpiresAt) {
		next, _ = Expire(next, now)
		d.Outcome = OutcomeRejected
		d.Reason = ErrExpired
		d.Changed = true
		d.To = next.Status
		return next, d
	}

	if err := matches(o, n); err != nil {
		d.Outcome = OutcomeRejected
		d.Reason = err
		return next, d
	}

	total := o.ReceivedAmount.Add(n.Amount)
	if err := CheckAmount(total); err != nil {
		d.Outcome = OutcomeRejected
		d.Reason = err
		return next, d
	}

	next.ReceivedAmount = total
	next.Transactions = append(next.Transactions, Transaction{Hash: hash, Amount: n.Amount, AppliedAt: now})
	next.TransactionHash = hash
	next.UpdatedAt = now
	if next.ReceivedAmount.GreaterThanOrEqual(o.ExpectedAmount) {
		next.Status = StatusPaid
		confirmed := now
		next.ConfirmedAt = &confirmed
	} else if next.ReceivedAmount.IsPositive() {
		next.Status = StatusUnderpaid
	}

	d.Outcome = OutcomeAccepted
	d.Changed = true
	d.To = next.Status
	return next, d
}

// Expire moves a non-terminal order to EXPIRED. The bool is false when the
// order is terminal and was left untouched.
func Expire(o PaymentOrder, now time.Time) (PaymentOrder, bool) {
	if o.Status.Terminal() {
		return o, false
	}
	next := o.Clone()
	next.Status = StatusExpired
	next.UpdatedAt = now
	return next, true
}

// Fail moves a non-terminal order to FAILED with a reason.
func Fail(o PaymentOrder, reason string, now time.Time) (PaymentOrder, bool) {
	if o.Status.Terminal() {
		return o, false
	}
	next := o.Clone()
	next.Status = StatusFailed
	next.FailureReason = reason
	next.UpdatedAt = now
	return next, true
}

// IsExpirable reports whether the sweep should expire o at now.
func IsExpirable(o PaymentOrder, now time.Time) bool {
	return !o.Status.Terminal() && now.After(o.ExpiresAt)
}

func matches(o PaymentOrder, n Notification) error {
	if !strings.EqualFold(o.Currency, n.Currency) {
		return fmt.Errorf("%w: currency %s, order expects %s", ErrMismatch, n.Currency, o.Currency)
	}
	if !strings.EqualFold(o.Network, n.Network) {
		return fmt.Errorf("%w: network %s, order expects %s", ErrMismatch, n.Network, o.Network)
	}
	if n.Address != "" && NormalizeAddress(n.Address) != NormalizeAddress(o.PaymentAddress) {
		return fmt.Errorf("%w: address %s", ErrMismatch, n.Address)
	}
	return nil
}
