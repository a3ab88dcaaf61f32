package webhooklog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

// OrderIndex is the GSI on order_id.
const OrderIndex = "order_id-index"

// ErrDuplicateEntry is returned when an entry id is reused.
var ErrDuplicateEntry = errors.New("webhook log entry already exists")

type entryItem struct {
	EntryID    string    `dynamodbav:"entry_id"` // PK
	OrderID    string    `dynamodbav:"order_id,omitempty"`
	RawPayload string    `dynamodbav:"raw_payload"`
	TxHash     string    `dynamodbav:"transaction_hash,omitempty"`
	ReceivedAt time.Time `dynamodbav:"received_at"`
	Outcome    string    `dynamodbav:"outcome"`
	Detail     string    `dynamodbav:"detail,omitempty"`
}

// DynamoStore writes entries to the webhook log table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// Append inserts e. Existing entries are never overwritten.
func (s *DynamoStore) Append(ctx context.Context, e Entry) error {
	it := entryItem{
		EntryID:    e.ID,
		RawPayload: e.RawPayload,
		TxHash:     e.TxHash,
		ReceivedAt: e.ReceivedAt,
		Outcome:    string(e.Outcome),
		Detail:     e.Detail,
	}
	if e.OrderID != nil {
		it.OrderID = *e.OrderID
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshal webhook log entry: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(entry_id)"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListByOrder(ctx context.Context, orderID string) ([]Entry, error) {
	input := &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 aws.String(OrderIndex),
		KeyConditionExpression:    aws.String("order_id = :o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":o": &types.AttributeValueMemberS{Value: orderID}},
	}
	var out []Entry
	for {
		res, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		for _, raw := range res.Items {
			var it entryItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal webhook log entry: %w", err)
			}
			out = append(out, fromItem(it))
		}
		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func fromItem(it entryItem) Entry {
	e := Entry{
		ID:         it.EntryID,
		RawPayload: it.RawPayload,
		TxHash:     it.TxHash,
		ReceivedAt: it.ReceivedAt,
		Outcome:    orders.Outcome(it.Outcome),
		Detail:     it.Detail,
	}
	if it.OrderID != "" {
		id := it.OrderID
		e.OrderID = &id
	}
	return e
}
