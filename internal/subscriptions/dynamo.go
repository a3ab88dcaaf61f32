package subscriptions

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/aws"
)

// DynamoStore keeps subscription records in the subscriptions table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) Save(ctx context.Context, sub Subscription) error {
	item, err := attributevalue.MarshalMap(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get returns (nil, nil) if the record does not exist.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Subscription, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       map[string]types.AttributeValue{"subscription_id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var sub Subscription
	if err := attributevalue.UnmarshalMap(out.Item, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// List scans the table and returns the records oldest first; limit <= 0
// means no cap. With a limit the page is the first records scanned, not the
// oldest overall.
func (s *DynamoStore) List(ctx context.Context, limit int) ([]Subscription, error) {
	input := &dyn.ScanInput{TableName: &s.tableName}
	var out []Subscription
	for {
		res, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for _, raw := range res.Items {
			var sub Subscription
			if err := attributevalue.UnmarshalMap(raw, &sub); err != nil {
				return nil, fmt.Errorf("unmarshal subscription: %w", err)
			}
			out = append(out, sub)
			if limit > 0 && len(out) >= limit {
				return byAge(out), nil
			}
		}
		if len(res.LastEvaluatedKey) == 0 {
			return byAge(out), nil
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}
}

func byAge(subs []Subscription) []Subscription {
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs
}

func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key:       map[string]types.AttributeValue{"subscription_id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}
