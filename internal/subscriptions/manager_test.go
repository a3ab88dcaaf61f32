package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws/dynamotest"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/custody"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

type fakeProvider struct {
	mu       sync.Mutex
	subs     []custody.Subscription
	seq      int
	creates  int
	deletes  []string
	listErr  error
	createFn func(attr custody.SubscriptionAttr) (string, error)
	deleteFn func(id string) error
}

func (p *fakeProvider) ListSubscriptions(ctx context.Context, attr custody.SubscriptionAttr, pageSize, offset int) ([]custody.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	if offset >= len(p.subs) {
		return nil, nil
	}
	end := offset + pageSize
	if end > len(p.subs) {
		end = len(p.subs)
	}
	return append([]custody.Subscription(nil), p.subs[offset:end]...), nil
}

func (p *fakeProvider) CreateSubscription(ctx context.Context, attr custody.SubscriptionAttr) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.createFn != nil {
		return p.createFn(attr)
	}
	p.seq++
	id := fmt.Sprintf("sub-%d", p.seq)
	p.subs = append(p.subs, custody.Subscription{ID: id, Type: custody.SubscriptionTypeAddressEvent, Attr: attr})
	return id, nil
}

func (p *fakeProvider) DeleteSubscription(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteFn != nil {
		if err := p.deleteFn(id); err != nil {
			return err
		}
	}
	for i, s := range p.subs {
		if s.ID == id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			p.deletes = append(p.deletes, id)
			return nil
		}
	}
	return &custody.APIError{Op: "delete subscription", StatusCode: http.StatusNotFound}
}

var fastRetry = custody.RetryPolicy{MaxAttempts: 2, AttemptTimeout: time.Second, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func newManager(p Provider, opts Options) (*Manager, *DynamoStore, *dynamotest.Fake) {
	fake := dynamotest.New().DefineTable("subs", "subscription_id")
	repo := NewDynamoStore(fake, "subs")
	opts.Retry = fastRetry
	return NewManager(p, repo, nil, opts, nil), repo, fake
}

func TestEnsureSubscription_Dedup(t *testing.T) {
	p := &fakeProvider{}
	m, repo, _ := newManager(p, Options{PageSize: 2})
	ctx := context.Background()

	// Fill more than one page with unrelated subscriptions.
	for i := 0; i < 5; i++ {
		_, _ = p.CreateSubscription(ctx, custody.SubscriptionAttr{Address: fmt.Sprintf("0x%d", i), Chain: "ethereum", URL: "https://other"})
	}
	p.creates = 0

	id1, err := m.EnsureSubscription(ctx, "0xABC", "ethereum", "https://cb?orderId=o1", "o1")
	require.NoError(t, err)
	id2, err := m.EnsureSubscription(ctx, "0xabc", "ethereum", "https://cb?orderId=o1", "o1")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, p.creates)

	rec, err := repo.Get(ctx, id1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "o1", rec.OrderID)

	id3, err := m.EnsureSubscription(ctx, "0xabc", "ethereum", "https://cb?orderId=o2", "o2")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3, "different callback url is a different subscription")
	assert.Equal(t, 2, p.creates)
}

func TestEnsureSubscription_ConcurrentCallersShareOne(t *testing.T) {
	p := &fakeProvider{}
	m, _, _ := newManager(p, Options{})
	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.EnsureSubscription(context.Background(), "TAddr", "tron", "https://cb", "o1")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, p.creates)
}

func TestEnsureSubscription_ConflictRequeries(t *testing.T) {
	p := &fakeProvider{}
	p.createFn = func(attr custody.SubscriptionAttr) (string, error) {
		// Another instance won the race.
		p.subs = append(p.subs, custody.Subscription{ID: "sub-winner", Type: custody.SubscriptionTypeAddressEvent, Attr: attr})
		return "", &custody.APIError{StatusCode: http.StatusConflict}
	}
	m, _, _ := newManager(p, Options{})

	id, err := m.EnsureSubscription(context.Background(), "0xabc", "ethereum", "https://cb", "o1")
	require.NoError(t, err)
	assert.Equal(t, "sub-winner", id)
}

func TestEnsureSubscription_ConflictNotFound(t *testing.T) {
	p := &fakeProvider{}
	p.createFn = func(custody.SubscriptionAttr) (string, error) {
		return "", &custody.APIError{StatusCode: http.StatusConflict}
	}
	m, _, _ := newManager(p, Options{})

	_, err := m.EnsureSubscription(context.Background(), "0xabc", "ethereum", "https://cb", "o1")
	assert.ErrorIs(t, err, ErrSubscriptionConflict)
}

func TestEnsureSubscription_ProviderDown(t *testing.T) {
	p := &fakeProvider{listErr: &custody.APIError{StatusCode: http.StatusBadGateway}}
	m, _, _ := newManager(p, Options{})

	_, err := m.EnsureSubscription(context.Background(), "0xabc", "ethereum", "https://cb", "o1")
	assert.ErrorIs(t, err, ErrSubscriptionFailed)
}

// registerThenLose stores the subscription at the provider but fails the
// first n responses as if the reply never arrived.
func registerThenLose(p *fakeProvider, n int) func(custody.SubscriptionAttr) (string, error) {
	return func(attr custody.SubscriptionAttr) (string, error) {
		p.seq++
		id := fmt.Sprintf("sub-%d", p.seq)
		p.subs = append(p.subs, custody.Subscription{ID: id, Type: custody.SubscriptionTypeAddressEvent, Attr: attr})
		if p.creates <= n {
			return "", context.DeadlineExceeded
		}
		return id, nil
	}
}

func TestEnsureSubscription_LostCreateResponseIsNotRegisteredTwice(t *testing.T) {
	p := &fakeProvider{}
	p.createFn = registerThenLose(p, 1)
	m, repo, _ := newManager(p, Options{})

	id, err := m.EnsureSubscription(context.Background(), "0xabc", "ethereum", "https://cb", "o1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)
	assert.Equal(t, 1, p.creates)
	assert.Len(t, p.subs, 1)

	rec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestEnsureSubscription_LostResponseOnLastAttemptIsAdopted(t *testing.T) {
	p := &fakeProvider{}
	p.createFn = registerThenLose(p, 1)
	m, _, _ := newManager(p, Options{})
	m.opts.Retry.MaxAttempts = 1

	id, err := m.EnsureSubscription(context.Background(), "0xabc", "ethereum", "https://cb", "o1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)
	assert.Len(t, p.subs, 1)
}

type failingSave struct {
	Repository
}

func (failingSave) Save(context.Context, Subscription) error { return errors.New("db down") }

func TestEnsureSubscription_SaveFailureTearsDownNewRegistration(t *testing.T) {
	p := &fakeProvider{}
	_, repo, fake := newManager(p, Options{})
	m := NewManager(p, failingSave{repo}, nil, Options{Retry: fastRetry}, nil)

	_, err := m.EnsureSubscription(context.Background(), "0xabc", "ethereum", "https://cb", "o1")
	assert.ErrorIs(t, err, ErrSubscriptionFailed)
	assert.Empty(t, p.subs, "provider registration must not outlive the failed call")
	assert.Equal(t, []string{"sub-1"}, p.deletes)
	assert.Equal(t, 0, fake.Len("subs"))
}

func TestEnsureSubscription_SaveFailureKeepsReusedRegistration(t *testing.T) {
	p := &fakeProvider{}
	ctx := context.Background()
	_, _ = p.CreateSubscription(ctx, custody.SubscriptionAttr{Address: "0xabc", Chain: "ethereum", URL: "https://cb"})
	_, repo, _ := newManager(p, Options{})
	m := NewManager(p, failingSave{repo}, nil, Options{Retry: fastRetry}, nil)

	_, err := m.EnsureSubscription(ctx, "0xabc", "ethereum", "https://cb", "o1")
	assert.ErrorIs(t, err, ErrSubscriptionFailed)
	assert.Len(t, p.subs, 1)
	assert.Empty(t, p.deletes)
}

func TestTeardown_ToleratesMissingAndRemovesLocal(t *testing.T) {
	p := &fakeProvider{}
	m, repo, fake := newManager(p, Options{})
	ctx := context.Background()

	id, err := m.EnsureSubscription(ctx, "0xabc", "ethereum", "https://cb", "o1")
	require.NoError(t, err)
	m.Teardown(ctx, id)
	assert.Equal(t, []string{id}, p.deletes)
	assert.Equal(t, 0, fake.Len("subs"))

	// Provider already forgot it; local record still goes away.
	require.NoError(t, repo.Save(ctx, Subscription{ID: "ghost", OrderID: "o9"}))
	m.Teardown(ctx, "ghost")
	got, err := repo.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

type orderMap map[string]*orders.PaymentOrder

func (m orderMap) Get(_ context.Context, id string) (*orders.PaymentOrder, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return m[id], nil
}

func TestReleaseTerminal(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := &fakeProvider{}
	m, repo, _ := newManager(p, Options{Retention: time.Hour})
	m.nowFunc = func() time.Time { return now.Add(-3 * time.Hour) }
	ctx := context.Background()

	confirmedLongAgo := now.Add(-2 * time.Hour)
	store := orderMap{
		"paid-old":    {ID: "paid-old", Status: orders.StatusPaid, ConfirmedAt: &confirmedLongAgo, ExpectedAmount: decimal.NewFromInt(1)},
		"expired-new": {ID: "expired-new", Status: orders.StatusExpired, UpdatedAt: now.Add(-10 * time.Minute)},
		"pending":     {ID: "pending", Status: orders.StatusPending},
	}
	ids := map[string]string{}
	for _, oid := range []string{"paid-old", "expired-new", "pending", "never-persisted", "broken"} {
		id, err := m.EnsureSubscription(ctx, "addr-"+oid, "tron", "https://cb?orderId="+oid, oid)
		require.NoError(t, err)
		ids[oid] = id
	}

	n, err := m.ReleaseTerminal(ctx, store, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for oid, kept := range map[string]bool{"paid-old": false, "never-persisted": false, "expired-new": true, "pending": true, "broken": true} {
		got, err := repo.Get(ctx, ids[oid])
		require.NoError(t, err)
		assert.Equal(t, kept, got != nil, oid)
	}
	assert.Len(t, p.deletes, 2)
}

func TestReleaseTerminal_AddressReuseKeepsAll(t *testing.T) {
	p := &fakeProvider{}
	m, _, _ := newManager(p, Options{AddressReuse: true})
	n, err := m.ReleaseTerminal(context.Background(), orderMap{}, time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleaseTerminal_StuckTeardownsDoNotBlockLaterOnes(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := &fakeProvider{}
	m, repo, _ := newManager(p, Options{Retention: time.Hour})
	ctx := context.Background()

	confirmed := now.Add(-2 * time.Hour)
	store := orderMap{}
	var ids []string
	for i := 0; i < 4; i++ {
		oid := fmt.Sprintf("o%d", i)
		store[oid] = &orders.PaymentOrder{ID: oid, Status: orders.StatusPaid, ConfirmedAt: &confirmed}
		created := now.Add(time.Duration(i-10) * time.Minute)
		m.nowFunc = func() time.Time { return created }
		id, err := m.EnsureSubscription(ctx, "addr-"+oid, "tron", "https://cb?orderId="+oid, oid)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	stuck := map[string]bool{ids[0]: true, ids[1]: true, ids[2]: true}
	p.deleteFn = func(id string) error {
		if stuck[id] {
			return &custody.APIError{Op: "delete subscription", StatusCode: http.StatusForbidden}
		}
		return nil
	}

	n, err := m.ReleaseTerminal(ctx, store, now, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{ids[3]}, p.deletes)

	got, err := repo.Get(ctx, ids[3])
	require.NoError(t, err)
	assert.Nil(t, got)
	for _, id := range ids[:3] {
		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got, id)
	}
}
