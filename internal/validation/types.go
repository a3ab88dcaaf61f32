package validation

import "github.com/shopspring/decimal"

// OrderItem is one product line of a create-order request.
type OrderItem struct {
	ProductID string `json:"productId" validate:"required,max=128"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"` // must be >= 1
}

// CreateOrderRequest is the payload for POST /orders.
// PaymentMethod is CURRENCY_NETWORK, e.g. USDT_TRON.
type CreateOrderRequest struct {
	ServerID      string      `json:"serverId" validate:"required,max=128"`
	UserID        string      `json:"userId" validate:"required,max=128"`
	Items         []OrderItem `json:"items" validate:"required,min=1,max=50,dive"`
	PaymentMethod string      `json:"paymentMethod" validate:"required,payment_method"`
}

// NotificationPayload is the body the provider posts to the webhook.
// Amount accepts a JSON string or number and is parsed exactly.
type NotificationPayload struct {
	Currency string          `json:"currency" validate:"required,max=16"`
	Network  string          `json:"network" validate:"required,max=32"`
	Address  string          `json:"address" validate:"required,max=128"`
	TxHash   string          `json:"txHash" validate:"required,max=256"`
	Amount   decimal.Decimal `json:"amount"`
}
