package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus holds the collectors on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	ordersCreated         *prometheus.CounterVec
	orderTransitions      *prometheus.CounterVec
	webhooksProcessed     *prometheus.CounterVec
	versionConflicts      prometheus.Counter
	subscriptionsReleased prometheus.Counter
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		ordersCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_orders_created_total",
				Help: "Total number of payment orders created by currency and network",
			},
			[]string{"currency", "network"},
		),
		orderTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_order_transitions_total",
				Help: "Total number of order status transitions",
			},
			[]string{"from", "to"},
		),
		webhooksProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_webhooks_processed_total",
				Help: "Total number of payment webhooks by outcome",
			},
			[]string{"outcome"},
		),
		versionConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orderflow_version_conflicts_total",
				Help: "Total number of optimistic concurrency conflicts retried",
			},
		),
		subscriptionsReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orderflow_subscriptions_released_total",
				Help: "Total number of provider subscriptions torn down",
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderflow_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

// Registry exposes the registry for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) OrderCreated(currency, network string) {
	p.ordersCreated.WithLabelValues(currency, network).Inc()
}

func (p *Prometheus) OrderTransition(from, to string) {
	p.orderTransitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) WebhookProcessed(outcome string) {
	p.webhooksProcessed.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) VersionConflict() { p.versionConflicts.Inc() }

func (p *Prometheus) SubscriptionsReleased(n int) { p.subscriptionsReleased.Add(float64(n)) }

func (p *Prometheus) ObserveHTTP(route, method string, status int, d time.Duration) {
	p.httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	p.httpRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
