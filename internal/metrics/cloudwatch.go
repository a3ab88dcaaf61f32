package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws"
)

// maxDatumsPerCall is the PutMetricData batch limit.
const maxDatumsPerCall = 1000

// CloudWatch buffers datums in memory and ships them on Flush. HTTP
// observations are not recorded; API Gateway already reports them.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	log       *zap.Logger
	nowFunc   func() time.Time

	mu     sync.Mutex
	buffer []cwtypes.MetricDatum
}

func NewCloudWatch(client aws.CloudWatchAPI, namespace string, log *zap.Logger) *CloudWatch {
	if log == nil {
		log = zap.NewNop()
	}
	return &CloudWatch{client: client, namespace: namespace, log: log, nowFunc: time.Now}
}

func (c *CloudWatch) add(name string, value float64, dims ...string) {
	d := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      &value,
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  timePtr(c.nowFunc()),
	}
	for i := 0; i+1 < len(dims); i += 2 {
		d.Dimensions = append(d.Dimensions, cwtypes.Dimension{Name: aws.String(dims[i]), Value: aws.String(dims[i+1])})
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, d)
	c.mu.Unlock()
}

func (c *CloudWatch) OrderCreated(currency, network string) {
	c.add("OrdersCreated", 1, "Currency", currency, "Network", network)
}

func (c *CloudWatch) OrderTransition(from, to string) {
	c.add("OrderTransitions", 1, "From", from, "To", to)
}

func (c *CloudWatch) WebhookProcessed(outcome string) {
	c.add("WebhooksProcessed", 1, "Outcome", outcome)
}

func (c *CloudWatch) VersionConflict() { c.add("VersionConflicts", 1) }

func (c *CloudWatch) SubscriptionsReleased(n int) {
	if n > 0 {
		c.add("SubscriptionsReleased", float64(n))
	}
}

func (c *CloudWatch) ObserveHTTP(string, string, int, time.Duration) {}

// Flush sends buffered datums. Datums from a failed batch are dropped.
func (c *CloudWatch) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	for len(pending) > 0 {
		n := len(pending)
		if n > maxDatumsPerCall {
			n = maxDatumsPerCall
		}
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: pending[:n],
		})
		if err != nil {
			return fmt.Errorf("put metric data: %w", err)
		}
		pending = pending[n:]
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *CloudWatch) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := c.Flush(fctx); err != nil {
				c.log.Warn("final cloudwatch flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-t.C:
			if err := c.Flush(ctx); err != nil {
				c.log.Warn("cloudwatch flush failed", zap.Error(err))
			}
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
