// Package dynamotest provides an in-memory stand-in for the DynamoDB client.
//
// It understands the small expression dialect the stores in this module emit:
// SET updates, equality/ordering comparisons, IN lists, attribute_exists and
// attribute_not_exists joined by AND, with OR binding looser than AND. It is
// not a general DynamoDB emulator.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Fake stores items per table in a nested map: table -> pk value -> item.
type Fake struct {
	mu     sync.Mutex
	keys   map[string]string
	Tables map[string]map[string]map[string]types.AttributeValue

	// Err, when set, is returned from every call.
	Err   error
	Calls map[string]int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		keys:   map[string]string{},
		Tables: map[string]map[string]map[string]types.AttributeValue{},
		Calls:  map[string]int{},
	}
}

// DefineTable registers a table and its partition key attribute.
func (f *Fake) DefineTable(table, pk string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[table] = pk
	if _, ok := f.Tables[table]; !ok {
		f.Tables[table] = map[string]map[string]types.AttributeValue{}
	}
	return f
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(table, pk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.Tables[table][pk]
	if !ok {
		return nil
	}
	return clone(item)
}

// Len returns the number of items in a table.
func (f *Fake) Len(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Tables[table])
}

func (f *Fake) pkValue(table string, item map[string]types.AttributeValue) (string, error) {
	name, ok := f.keys[table]
	if !ok {
		return "", fmt.Errorf("dynamotest: unknown table %q", table)
	}
	av, ok := item[name]
	if !ok {
		return "", fmt.Errorf("dynamotest: item has no %s", name)
	}
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamotest: %s must be a string", name)
	}
	return s.Value, nil
}

func (f *Fake) begin(op string) error {
	f.Calls[op]++
	return f.Err
}

func (f *Fake) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutItem"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pk, err := f.pkValue(table, params.Item)
	if err != nil {
		return nil, err
	}
	existing := f.Tables[table][pk]
	if params.ConditionExpression != nil {
		ok, err := eval(*params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, existing)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: String("conditional check failed")}
		}
	}
	f.Tables[table][pk] = clone(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetItem"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pk, err := f.pkValue(table, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.Tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateItem"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pk, err := f.pkValue(table, params.Key)
	if err != nil {
		return nil, err
	}
	item, exists := f.Tables[table][pk]
	if params.ConditionExpression != nil {
		ok, err := eval(*params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, item)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: String("conditional check failed")}
		}
	}
	if !exists {
		item = clone(params.Key)
	} else {
		item = clone(item)
	}
	if params.UpdateExpression != nil {
		expr := strings.TrimSpace(*params.UpdateExpression)
		if !strings.HasPrefix(expr, "SET ") {
			return nil, fmt.Errorf("dynamotest: unsupported update expression %q", expr)
		}
		for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
			parts := strings.SplitN(assignment, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("dynamotest: bad assignment %q", assignment)
			}
			name := resolveName(strings.TrimSpace(parts[0]), params.ExpressionAttributeNames)
			v, ok := params.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
			if !ok {
				return nil, fmt.Errorf("dynamotest: missing value %q", parts[1])
			}
			item[name] = v
		}
	}
	f.Tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: clone(item)}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteItem"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pk, err := f.pkValue(table, params.Key)
	if err != nil {
		return nil, err
	}
	delete(f.Tables[table], pk)
	return &dyn.DeleteItemOutput{}, nil
}

func (f *Fake) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Query"); err != nil {
		return nil, err
	}
	if params.KeyConditionExpression == nil {
		return nil, errors.New("dynamotest: query without key condition")
	}
	items, err := f.filter(*params.TableName, params.ExpressionAttributeNames, params.ExpressionAttributeValues,
		*params.KeyConditionExpression, params.FilterExpression, params.Limit)
	if err != nil {
		return nil, err
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Scan"); err != nil {
		return nil, err
	}
	items, err := f.filter(*params.TableName, params.ExpressionAttributeNames, params.ExpressionAttributeValues,
		"", params.FilterExpression, params.Limit)
	if err != nil {
		return nil, err
	}
	return &dyn.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) filter(table string, names map[string]string, values map[string]types.AttributeValue, keyCond string, filterExpr *string, limit *int32) ([]map[string]types.AttributeValue, error) {
	pks := make([]string, 0, len(f.Tables[table]))
	for pk := range f.Tables[table] {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	var out []map[string]types.AttributeValue
	for _, pk := range pks {
		item := f.Tables[table][pk]
		if keyCond != "" {
			ok, err := eval(keyCond, names, values, item)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if filterExpr != nil {
			ok, err := eval(*filterExpr, names, values, item)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, clone(item))
		if limit != nil && int32(len(out)) >= *limit {
			break
		}
	}
	return out, nil
}

func eval(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	for _, alt := range strings.Split(expr, " OR ") {
		ok, err := evalAll(alt, names, values, item)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func evalAll(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		ok, err := evalClause(clause, names, values, item)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	switch {
	case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
		name := resolveName(clause[len("attribute_not_exists("):len(clause)-1], names)
		_, ok := item[name]
		return !ok, nil
	case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
		name := resolveName(clause[len("attribute_exists("):len(clause)-1], names)
		_, ok := item[name]
		return ok, nil
	}

	if idx := strings.Index(clause, " IN ("); idx > 0 && strings.HasSuffix(clause, ")") {
		name := resolveName(strings.TrimSpace(clause[:idx]), names)
		current, ok := item[name]
		if !ok {
			return false, nil
		}
		for _, ref := range strings.Split(clause[idx+len(" IN ("):len(clause)-1], ",") {
			v, ok := values[strings.TrimSpace(ref)]
			if !ok {
				return false, fmt.Errorf("dynamotest: missing value %q", ref)
			}
			if c, _ := compare(current, v); c == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	for _, op := range []string{"<>", "<=", ">=", "=", "<", ">"} {
		parts := strings.SplitN(clause, " "+op+" ", 2)
		if len(parts) != 2 {
			continue
		}
		name := resolveName(strings.TrimSpace(parts[0]), names)
		v, ok := values[strings.TrimSpace(parts[1])]
		if !ok {
			return false, fmt.Errorf("dynamotest: missing value %q", parts[1])
		}
		current, ok := item[name]
		if !ok {
			return false, nil
		}
		c, err := compare(current, v)
		if err != nil {
			return false, err
		}
		switch op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		}
	}
	return false, fmt.Errorf("dynamotest: unsupported expression %q", clause)
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 1, nil
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 1, nil
		}
		x, err := strconv.ParseFloat(av.Value, 64)
		if err != nil {
			return 0, err
		}
		y, err := strconv.ParseFloat(bv.Value, 64)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("dynamotest: unsupported comparison of %T", a)
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// String returns a pointer to s.
func String(s string) *string { return &s }
