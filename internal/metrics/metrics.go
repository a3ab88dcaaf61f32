// Package metrics records order-flow counters to Prometheus and CloudWatch.
package metrics

import (
	"time"
)

// Recorder receives business and HTTP metrics. Implementations must be safe
// for concurrent use and must never block the caller on a remote call.
type Recorder interface {
	OrderCreated(currency, network string)
	OrderTransition(from, to string)
	WebhookProcessed(outcome string)
	VersionConflict()
	SubscriptionsReleased(n int)
	ObserveHTTP(route, method string, status int, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) OrderCreated(string, string)                    {}
func (Nop) OrderTransition(string, string)                 {}
func (Nop) WebhookProcessed(string)                        {}
func (Nop) VersionConflict()                               {}
func (Nop) SubscriptionsReleased(int)                      {}
func (Nop) ObserveHTTP(string, string, int, time.Duration) {}

// Multi fans out to several recorders.
type Multi []Recorder

func (m Multi) OrderCreated(currency, network string) {
	for _, r := range m {
		r.OrderCreated(currency, network)
	}
}

func (m Multi) OrderTransition(from, to string) {
	for _, r := range m {
		r.OrderTransition(from, to)
	}
}

func (m Multi) WebhookProcessed(outcome string) {
	for _, r := range m {
		r.WebhookProcessed(outcome)
	}
}

func (m Multi) VersionConflict() {
	for _, r := range m {
		r.VersionConflict()
	}
}

func (m Multi) SubscriptionsReleased(n int) {
	for _, r := range m {
		r.SubscriptionsReleased(n)
	}
}

func (m Multi) ObserveHTTP(route, method string, status int, d time.Duration) {
	for _, r := range m {
		r.ObserveHTTP(route, method, status, d)
	}
}
