package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items in memory. Query ignores filter expressions and
// returns every item of the requested partition, two per page.
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]dbtypes.AttributeValue
	tables  map[string]bool
	putErr  error
	queries int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:  make(map[string]map[string]dbtypes.AttributeValue),
		tables: make(map[string]bool),
	}
}

func attrS(m map[string]dbtypes.AttributeValue, k string) string {
	if v, ok := m[k].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemKey(m map[string]dbtypes.AttributeValue) string {
	return attrS(m, "SourceType") + "|" + attrS(m, "NaturalID")
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	k := itemKey(in.Item)
	if _, exists := f.items[k]; exists && in.ConditionExpression != nil {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(in.Key)
	item, ok := f.items[k]
	if !ok {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	for _, v := range in.ExpressionAttributeValues {
		switch t := v.(type) {
		case *dbtypes.AttributeValueMemberS:
			item["Payload"] = t
		case *dbtypes.AttributeValueMemberN:
			item["TimestampKey"] = t
		}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	partition := ""
	for _, v := range in.ExpressionAttributeValues {
		if s, ok := v.(*dbtypes.AttributeValueMemberS); ok && types.SourceType(s.Value).Valid() {
			partition = s.Value
		}
	}

	var keys []string
	for k, item := range f.items {
		if attrS(item, "SourceType") == partition {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		last := itemKey(in.ExclusiveStartKey)
		for i, k := range keys {
			if k == last {
				start = i + 1
			}
		}
	}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}

	out := &dynamodb.QueryOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, f.items[k])
	}
	if end < len(keys) {
		out.LastEvaluatedKey = f.items[keys[end-1]]
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tables[*in.TableName] {
		return nil, &dbtypes.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[*in.TableName] = true
	return &dynamodb.CreateTableOutput{}, nil
}

func newTestDynamoStore(t *testing.T, client *fakeDynamo) *DynamoRawStore {
	t.Helper()
	store, err := NewDynamoRawStore(context.Background(), client, config.DynamoConfig{
		Mode:     config.DynamoModeLocal,
		RawTable: "raw",
	}, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestDynamoRawStoreCreatesTable(t *testing.T) {
	client := newFakeDynamo()
	newTestDynamoStore(t, client)
	assert.True(t, client.tables["raw"])

	// second start finds the table
	newTestDynamoStore(t, client)
}

func TestDynamoBatchInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newFakeDynamo()
	store := newTestDynamoStore(t, client)

	batch := payloads(
		`{"callid":"a","called_time":1700000000}`,
		`{"callid":"b","called_time":1700000100}`,
		`{"callid":"c","called_time":1700000200}`,
		`{"called_time":1700000300}`,
	)

	res, err := store.BatchInsert(ctx, types.SourceOutboundQueue, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Skipped)

	res, err = store.BatchInsert(ctx, types.SourceOutboundQueue, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Duplicates)
	assert.Len(t, client.items, 3)

	rows, err := store.Query(ctx, types.SourceOutboundQueue, types.TimeRange{}, RawFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, 2, client.queries, "expected two query pages")
}

func TestDynamoBatchInsertAllFailed(t *testing.T) {
	client := newFakeDynamo()
	store := newTestDynamoStore(t, client)
	client.putErr = errors.New("throttled")

	res, err := store.BatchInsert(context.Background(), types.SourceCDR, payloads(`{"uuid":"x","timestamp":1}`))
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestDynamoGetAndPatch(t *testing.T) {
	ctx := context.Background()
	store := newTestDynamoStore(t, newFakeDynamo())

	_, err := store.BatchInsert(ctx, types.SourceCampaign, payloads(`{"callid":"c1","timestamp":1700000000}`))
	require.NoError(t, err)

	patched := json.RawMessage(`{"callid":"c1","timestamp":1700000000,"disposition":"Sale"}`)
	require.NoError(t, store.PatchPayload(ctx, types.SourceCampaign, "c1", patched))

	rec, err := store.Get(ctx, types.SourceCampaign, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, string(patched), string(rec.Payload))
	assert.Equal(t, int64(1700000000), rec.TimestampKey)

	_, err = store.Get(ctx, types.SourceCampaign, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.PatchPayload(ctx, types.SourceCampaign, "nope", json.RawMessage(`{"callid":"nope"}`))
	assert.ErrorIs(t, err, ErrNotFound)
}
