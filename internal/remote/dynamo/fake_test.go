package dynamo

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI keeps items in memory. It does not evaluate filter or
// condition expressions; tests that need a failed condition set
// conflictOn.
type fakeAPI struct {
	mu         sync.Mutex
	exists     bool
	items      map[string]map[string]types.AttributeValue
	conflictOn map[string]bool
	failNext   error
	scans      int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		exists:     true,
		items:      make(map[string]map[string]types.AttributeValue),
		conflictOn: make(map[string]bool),
	}
}

func (f *fakeAPI) takeErr() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func keyOf(k map[string]types.AttributeValue) string {
	if s, ok := k["id"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	it, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	id := keyOf(in.Item)
	if in.ConditionExpression != nil && f.conflictOn[id] {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("conditional request failed")}
	}
	f.items[id] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	id := keyOf(in.Key)
	it, ok := f.items[id]
	if !ok {
		it = map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
	}
	var seq int64
	if n, ok := it["seq"].(*types.AttributeValueMemberN); ok {
		seq, _ = strconv.ParseInt(n.Value, 10, 64)
	}
	seq++
	it["seq"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)}
	f.items[id] = it
	return &dynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{"seq": it["seq"]},
	}, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	f.scans++

	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	after := keyOf(in.ExclusiveStartKey)
	limit := len(ids)
	if in.Limit != nil {
		limit = int(*in.Limit)
	}

	out := &dynamodb.ScanOutput{}
	for _, id := range ids {
		if after != "" && id <= after {
			continue
		}
		if len(out.Items) == limit {
			break
		}
		out.Items = append(out.Items, copyItem(f.items[id]))
		if len(out.Items) == limit {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
		}
	}
	return out, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	if !f.exists {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeAPI) CreateTable(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	f.exists = true
	return &dynamodb.CreateTableOutput{}, nil
}

func strPtr(s string) *string { return &s }
