package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient is an in-memory DynamoDB covering the expressions the driver
// sends
type fakeClient struct {
	mu       sync.Mutex
	keys     map[string][]string
	tables   map[string]map[string]map[string]types.AttributeValue
	order    map[string][]string
	pageSize int
	transact int
}

func newFakeClient(keys map[string][]string) *fakeClient {
	return &fakeClient{
		keys:   keys,
		tables: make(map[string]map[string]map[string]types.AttributeValue),
		order:  make(map[string][]string),
	}
}

func (f *fakeClient) keyOf(table string, item map[string]types.AttributeValue) string {
	var parts []string
	for _, attr := range f.keys[table] {
		parts = append(parts, scalar(item[attr]))
	}
	return strings.Join(parts, "|")
}

func scalar(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	case nil:
		return ""
	default:
		return fmt.Sprintf("%T", v)
	}
}

func (f *fakeClient) get(table string, key map[string]types.AttributeValue) map[string]types.AttributeValue {
	return f.tables[table][f.keyOf(table, key)]
}

func (f *fakeClient) put(table string, item map[string]types.AttributeValue) {
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]types.AttributeValue)
	}
	k := f.keyOf(table, item)
	if _, ok := f.tables[table][k]; !ok {
		f.order[table] = append(f.order[table], k)
	}
	f.tables[table][k] = item
}

func (f *fakeClient) del(table string, key map[string]types.AttributeValue) {
	k := f.keyOf(table, key)
	if _, ok := f.tables[table][k]; !ok {
		return
	}
	delete(f.tables[table], k)
	for i, o := range f.order[table] {
		if o == k {
			f.order[table] = append(f.order[table][:i], f.order[table][i+1:]...)
			break
		}
	}
}

// Set overwrites one attribute of a stored item, standing in for another
// writer
func (f *fakeClient) Set(table string, key map[string]types.AttributeValue, attr string, v types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := copyItem(f.get(table, key))
	item[attr] = v
	f.put(table, item)
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.get(*in.TableName, in.Key)
	if item == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeClient) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := *in.TableName
	keys := f.order[table]

	start := 0
	if in.ExclusiveStartKey != nil {
		after := f.keyOf(table, in.ExclusiveStartKey)
		for i, k := range keys {
			if k == after {
				start = i + 1
			}
		}
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}

	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, copyItem(f.tables[table][k]))
	}
	if end < len(keys) {
		last := f.tables[table][keys[end-1]]
		out.LastEvaluatedKey = map[string]types.AttributeValue{}
		for _, attr := range f.keys[table] {
			out.LastEvaluatedKey[attr] = last[attr]
		}
	}
	return out, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *in.KeyConditionExpression != "pk = :pk" {
		return nil, fmt.Errorf("unsupported key condition %q", *in.KeyConditionExpression)
	}
	want := scalar(in.ExpressionAttributeValues[":pk"])

	out := &dynamodb.QueryOutput{}
	for _, k := range f.order[*in.TableName] {
		item := f.tables[*in.TableName][k]
		if scalar(item["pk"]) == want {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		return scalar(out.Items[i]["sk"]) < scalar(out.Items[j]["sk"])
	})
	return out, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var name, value string
	if _, err := fmt.Sscanf(*in.UpdateExpression, "ADD %s %s", &name, &value); err != nil {
		return nil, fmt.Errorf("unsupported update %q", *in.UpdateExpression)
	}
	attr := in.ExpressionAttributeNames[name]

	item := f.get(*in.TableName, in.Key)
	if item == nil {
		item = copyItem(in.Key)
	} else {
		item = copyItem(item)
	}
	var cur, inc int64
	if n, ok := item[attr].(*types.AttributeValueMemberN); ok {
		fmt.Sscan(n.Value, &cur)
	}
	fmt.Sscan(in.ExpressionAttributeValues[value].(*types.AttributeValueMemberN).Value, &inc)
	item[attr] = &types.AttributeValueMemberN{Value: fmt.Sprint(cur + inc)}
	f.put(*in.TableName, item)

	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{attr: item[attr]}}, nil
}

func (f *fakeClient) ListTables(context.Context, *dynamodb.ListTablesInput, ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	return &dynamodb.ListTablesOutput{}, nil
}

func (f *fakeClient) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transact++

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		none := "None"
		reasons[i] = types.CancellationReason{Code: &none}

		var (
			table string
			key   map[string]types.AttributeValue
			cond  *string
			names map[string]string
			vals  map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			table, key, cond, names, vals = *ti.Put.TableName, ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Update != nil:
			table, key, cond, names, vals = *ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.Delete != nil:
			table, key, cond, names, vals = *ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		}
		if cond == nil {
			continue
		}
		existing := f.get(table, key)
		if !holds(*cond, existing, names, vals) {
			code := "ConditionalCheckFailed"
			reasons[i] = types.CancellationReason{Code: &code, Item: existing}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.put(*ti.Put.TableName, copyItem(ti.Put.Item))
		case ti.Update != nil:
			item := copyItem(f.get(*ti.Update.TableName, ti.Update.Key))
			sets := strings.TrimPrefix(*ti.Update.UpdateExpression, "SET ")
			for _, set := range strings.Split(sets, ", ") {
				parts := strings.SplitN(set, " = ", 2)
				item[ti.Update.ExpressionAttributeNames[parts[0]]] = ti.Update.ExpressionAttributeValues[parts[1]]
			}
			f.put(*ti.Update.TableName, item)
		case ti.Delete != nil:
			f.del(*ti.Delete.TableName, ti.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func holds(cond string, item map[string]types.AttributeValue, names map[string]string, vals map[string]types.AttributeValue) bool {
	resolve := func(n string) string {
		if strings.HasPrefix(n, "#") {
			return names[n]
		}
		return n
	}
	for _, part := range strings.Split(cond, " AND ") {
		switch {
		case strings.HasPrefix(part, "attribute_not_exists("):
			attr := resolve(strings.TrimSuffix(strings.TrimPrefix(part, "attribute_not_exists("), ")"))
			if _, ok := item[attr]; ok {
				return false
			}
		case strings.HasPrefix(part, "attribute_exists("):
			attr := resolve(strings.TrimSuffix(strings.TrimPrefix(part, "attribute_exists("), ")"))
			if _, ok := item[attr]; !ok {
				return false
			}
		default:
			sides := strings.SplitN(part, " = ", 2)
			if scalar(item[resolve(sides[0])]) != scalar(vals[sides[1]]) {
				return false
			}
		}
	}
	return true
}
