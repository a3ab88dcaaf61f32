package custody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// SubscriptionTypeAddressEvent is the provider's webhook type for incoming
// transfers on an address.
const SubscriptionTypeAddressEvent = "ADDRESS_EVENT"

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("custody %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// SubscriptionAttr identifies what a subscription watches and where it posts.
type SubscriptionAttr struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	URL     string `json:"url"`
}

// Subscription is a webhook registration held by the provider.
type Subscription struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Attr SubscriptionAttr `json:"attr"`
}

type addressRequest struct {
	Currency string `json:"currency"`
	Chain    string `json:"chain"`
}

type addressResponse struct {
	Address   string `json:"address"`
	KeyHandle string `json:"keyHandle"`
}

type createSubscriptionRequest struct {
	Type string           `json:"type"`
	Attr SubscriptionAttr `json:"attr"`
}

type createSubscriptionResponse struct {
	ID string `json:"id"`
}

// HTTPProvider talks to the custody/notification provider's REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider returns a provider client. timeout bounds each HTTP call.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateAddress asks the provider for a fresh deposit address.
func (p *HTTPProvider) CreateAddress(ctx context.Context, currency, chain string) (Allocation, error) {
	var res addressResponse
	if err := p.do(ctx, "create address", http.MethodPost, "/v3/custody/address", nil, addressRequest{Currency: currency, Chain: chain}, &res); err != nil {
		return Allocation{}, err
	}
	if res.Address == "" {
		return Allocation{}, fmt.Errorf("custody create address: empty address in response")
	}
	return Allocation{Address: res.Address, KeyHandle: KeyHandle(res.KeyHandle)}, nil
}

// ListSubscriptions returns one page of ADDRESS_EVENT subscriptions matching attr.
func (p *HTTPProvider) ListSubscriptions(ctx context.Context, attr SubscriptionAttr, pageSize, offset int) ([]Subscription, error) {
	q := url.Values{}
	q.Set("type", SubscriptionTypeAddressEvent)
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("offset", strconv.Itoa(offset))
	if attr.Address != "" {
		q.Set("address", attr.Address)
	}
	if attr.Chain != "" {
		q.Set("chain", attr.Chain)
	}
	if attr.URL != "" {
		q.Set("url", attr.URL)
	}
	var res []Subscription
	if err := p.do(ctx, "list subscriptions", http.MethodGet, "/v4/subscription", q, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// CreateSubscription registers a webhook and returns its id.
func (p *HTTPProvider) CreateSubscription(ctx context.Context, attr SubscriptionAttr) (string, error) {
	var res createSubscriptionResponse
	req := createSubscriptionRequest{Type: SubscriptionTypeAddressEvent, Attr: attr}
	if err := p.do(ctx, "create subscription", http.MethodPost, "/v4/subscription", nil, req, &res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", fmt.Errorf("custody create subscription: empty id in response")
	}
	return res.ID, nil
}

// DeleteSubscription removes a webhook registration.
func (p *HTTPProvider) DeleteSubscription(ctx context.Context, id string) error {
	return p.do(ctx, "delete subscription", http.MethodDelete, "/v4/subscription/"+url.PathEscape(id), nil, nil, nil)
}

func (p *HTTPProvider) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("custody %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("custody %s: build request: %w", op, err)
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("custody %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("custody %s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("custody %s: decode response: %w", op, err)
	}
	return nil
}
