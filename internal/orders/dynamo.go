package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws"
)

// GSI names on the orders table.
const (
	AddressIndex = "address_network-index"
	StatusIndex  = "status-index"
)

// orderItem is the shape persisted in the orders DynamoDB table.
// Amounts are decimal strings so no precision is lost in transit.
type orderItem struct {
	OrderID         string        `dynamodbav:"order_id"` // PK
	OrderNumber     string        `dynamodbav:"order_number"`
	ServerID        string        `dynamodbav:"server_id"`
	UserID          string        `dynamodbav:"user_id"`
	Products        []ProductLine `dynamodbav:"products"`
	PaymentAddress  string        `dynamodbav:"payment_address"`
	Currency        string        `dynamodbav:"currency"`
	Network         string        `dynamodbav:"network"`
	AddressNetwork  string        `dynamodbav:"address_network"` // GSI partition key
	ExpectedAmount  string        `dynamodbav:"expected_amount"`
	ReceivedAmount  string        `dynamodbav:"received_amount"`
	Transactions    []txItem      `dynamodbav:"transactions,omitempty"`
	Status          string        `dynamodbav:"status"`
	TransactionHash string        `dynamodbav:"transaction_hash,omitempty"`
	SubscriptionID  string        `dynamodbav:"subscription_id,omitempty"`
	FailureReason   string        `dynamodbav:"failure_reason,omitempty"`
	CreatedAt       time.Time     `dynamodbav:"created_at"`
	UpdatedAt       time.Time     `dynamodbav:"updated_at"`
	ExpiresAt       time.Time     `dynamodbav:"expires_at"`
	ExpiresAtUnix   int64         `dynamodbav:"expires_at_unix"`
	ConfirmedAt     *time.Time    `dynamodbav:"confirmed_at,omitempty"`
	Version         int64         `dynamodbav:"version"`
}

type txItem struct {
	Hash      string    `dynamodbav:"hash"`
	Amount    string    `dynamodbav:"amount"`
	AppliedAt time.Time `dynamodbav:"applied_at"`
}

func addressKey(address, network string) string {
	return NormalizeAddress(address) + "#" + strings.ToLower(network)
}

func toItem(o *PaymentOrder) orderItem {
	txs := make([]txItem, 0, len(o.Transactions))
	for _, tx := range o.Transactions {
		txs = append(txs, txItem{Hash: tx.Hash, Amount: tx.Amount.String(), AppliedAt: tx.AppliedAt})
	}
	return orderItem{
		OrderID:         o.ID,
		OrderNumber:     o.OrderNumber,
		ServerID:        o.ServerID,
		UserID:          o.UserID,
		Products:        o.Products,
		PaymentAddress:  o.PaymentAddress,
		Currency:        o.Currency,
		Network:         o.Network,
		AddressNetwork:  addressKey(o.PaymentAddress, o.Network),
		ExpectedAmount:  o.ExpectedAmount.String(),
		ReceivedAmount:  o.ReceivedAmount.String(),
		Transactions:    txs,
		Status:          string(o.Status),
		TransactionHash: o.TransactionHash,
		SubscriptionID:  o.SubscriptionID,
		FailureReason:   o.FailureReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		ExpiresAt:       o.ExpiresAt,
		ExpiresAtUnix:   o.ExpiresAt.Unix(),
		ConfirmedAt:     o.ConfirmedAt,
		Version:         o.Version,
	}
}

func fromItem(it orderItem) (*PaymentOrder, error) {
	expected, err := decimal.NewFromString(it.ExpectedAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: expected_amount: %v", ErrCorrupt, err)
	}
	received, err := decimal.NewFromString(it.ReceivedAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: received_amount: %v", ErrCorrupt, err)
	}
	txs := make([]Transaction, 0, len(it.Transactions))
	for _, tx := range it.Transactions {
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %s amount: %v", ErrCorrupt, tx.Hash, err)
		}
		txs = append(txs, Transaction{Hash: tx.Hash, Amount: amount, AppliedAt: tx.AppliedAt})
	}
	return &PaymentOrder{
		ID:              it.OrderID,
		OrderNumber:     it.OrderNumber,
		ServerID:        it.ServerID,
		UserID:          it.UserID,
		Products:        it.Products,
		PaymentAddress:  it.PaymentAddress,
		Currency:        it.Currency,
		Network:         it.Network,
		ExpectedAmount:  expected,
		ReceivedAmount:  received,
		Transactions:    txs,
		Status:          Status(it.Status),
		TransactionHash: it.TransactionHash,
		SubscriptionID:  it.SubscriptionID,
		FailureReason:   it.FailureReason,
		CreatedAt:       it.CreatedAt,
		UpdatedAt:       it.UpdatedAt,
		ExpiresAt:       it.ExpiresAt,
		ConfirmedAt:     it.ConfirmedAt,
		Version:         it.Version,
	}, nil
}

// DynamoStore encapsulates operations on the orders table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewDynamoStore creates a new orders store.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create inserts o guarded by attribute_not_exists(order_id).
func (s *DynamoStore) Create(ctx context.Context, o *PaymentOrder) error {
	now := s.nowFunc()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Version = 1

	item, err := attributevalue.MarshalMap(toItem(o))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(order_id)"),
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, orderID string) (*PaymentOrder, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: orderID}},
		ConsistentRead: sdkBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it orderItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return fromItem(it)
}

// FindByAddress queries the address GSI.
func (s *DynamoStore) FindByAddress(ctx context.Context, address, network string) (*PaymentOrder, error) {
	input := &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 aws.String(AddressIndex),
		KeyConditionExpression:    aws.String("#k = :k"),
		ExpressionAttributeNames:  map[string]string{"#k": "address_network"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":k": &types.AttributeValueMemberS{Value: addressKey(address, network)}},
	}
	candidates, err := s.query(ctx, input, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return pickForAddress(candidates), nil
}

// Update replaces the item when the stored version matches o.Version.
func (s *DynamoStore) Update(ctx context.Context, o *PaymentOrder) error {
	expected := o.Version
	next := *o
	next.Version = expected + 1

	item, err := attributevalue.MarshalMap(toItem(&next))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                 &s.tableName,
		Item:                      item,
		ConditionExpression:       aws.String("#v = :expected"),
		ExpressionAttributeNames:  map[string]string{"#v": "version"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)}},
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrVersionConflict
		}
		return fmt.Errorf("put item: %w", err)
	}
	o.Version = next.Version
	return nil
}

// ListExpirable queries the status GSI once per non-terminal status.
func (s *DynamoStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]PaymentOrder, error) {
	var out []PaymentOrder
	for _, st := range NonTerminalStatuses {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		input := &dyn.QueryInput{
			TableName:                &s.tableName,
			IndexName:                aws.String(StatusIndex),
			KeyConditionExpression:   aws.String("#s = :s"),
			FilterExpression:         aws.String("expires_at_unix < :now"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s":   &types.AttributeValueMemberS{Value: string(st)},
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		}
		page, err := s.query(ctx, input, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

// query follows LastEvaluatedKey until exhausted or max items (0 = no cap).
func (s *DynamoStore) query(ctx context.Context, input *dyn.QueryInput, max int) ([]PaymentOrder, error) {
	var out []PaymentOrder
	for {
		res, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		for _, raw := range res.Items {
			var it orderItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal order: %w", err)
			}
			o, err := fromItem(it)
			if err != nil {
				return nil, err
			}
			out = append(out, *o)
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}
}

func sdkBool(b bool) *bool { return &b }
