package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/enrich"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// dynamoWriteChunk matches the DynamoDB batch write limit
const dynamoWriteChunk = 25

// DynamoAPI is the subset of the DynamoDB client used by the raw store
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// rawItem is the DynamoDB shape of a raw record
type rawItem struct {
	SourceType   string `dynamodbav:"SourceType"`
	NaturalID    string `dynamodbav:"NaturalID"`
	TimestampKey int64  `dynamodbav:"TimestampKey"`
	Payload      string `dynamodbav:"Payload"`
}

func (it rawItem) record() types.RawRecord {
	return types.RawRecord{
		SourceType:   types.SourceType(it.SourceType),
		NaturalID:    it.NaturalID,
		TimestampKey: it.TimestampKey,
		Payload:      json.RawMessage(it.Payload),
	}
}

// DynamoRawStore implements RawStore on DynamoDB. Items are keyed by
// SourceType (hash) and NaturalID (range).
type DynamoRawStore struct {
	client DynamoAPI
	table  string
	logger zerolog.Logger
}

// NewDynamoClient builds a DynamoDB client for the configured mode
func NewDynamoClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	if cfg.Mode == config.DynamoModeLocal {
		// Skip LoadDefaultConfig: it probes the EC2 IMDS endpoint, which
		// hangs when static local credentials are intended.
		return dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		}), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

// NewDynamoRawStore creates a DynamoDB raw store, creating the table when
// running locally or when asked to.
func NewDynamoRawStore(ctx context.Context, client DynamoAPI, cfg config.DynamoConfig, logger zerolog.Logger) (*DynamoRawStore, error) {
	store := &DynamoRawStore{
		client: client,
		table:  cfg.RawTable,
		logger: logger.With().Str("component", "dynamo_raw_store").Logger(),
	}

	if cfg.Mode == config.DynamoModeLocal || cfg.CreateOnStart {
		if err := CreateTableIfNotExist(ctx, client, cfg.RawTable, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Str("table", cfg.RawTable).
		Msg("DynamoDB raw store initialized")

	return store, nil
}

func (s *DynamoRawStore) key(st types.SourceType, naturalID string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"SourceType": &dbtypes.AttributeValueMemberS{Value: string(st)},
		"NaturalID":  &dbtypes.AttributeValueMemberS{Value: naturalID},
	}
}

// Insert puts the record only if no item with the same key exists
func (s *DynamoRawStore) Insert(ctx context.Context, rec types.RawRecord) (InsertOutcome, error) {
	item, err := attributevalue.MarshalMap(rawItem{
		SourceType:   string(rec.SourceType),
		NaturalID:    rec.NaturalID,
		TimestampKey: rec.TimestampKey,
		Payload:      string(rec.Payload),
	})
	if err != nil {
		return Inserted, fmt.Errorf("failed to marshal raw record: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("NaturalID"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return Inserted, fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return Duplicate, nil
	}
	if err != nil {
		return Inserted, fmt.Errorf("failed to put raw record: %w", err)
	}
	return Inserted, nil
}

// BatchInsert writes records in chunks of 25 with conditional puts. Each
// put is independent, so a failing item is counted without undoing others.
func (s *DynamoRawStore) BatchInsert(ctx context.Context, st types.SourceType, payloads []json.RawMessage) (BatchResult, error) {
	records, result := prepareRecords(st, payloads, s.logger)

	var lastErr error
	for _, c := range Chunks(len(records), dynamoWriteChunk) {
		for _, rec := range records[c[0]:c[1]] {
			outcome, err := s.Insert(ctx, rec)
			if err != nil {
				lastErr = err
				result.Failed++
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				continue
			}
			if outcome == Duplicate {
				result.Duplicates++
				result.DuplicateRecords = append(result.DuplicateRecords, rec)
			} else {
				result.Inserted++
			}
		}
	}

	if lastErr != nil {
		s.logger.Error().Err(lastErr).Str("source_type", string(st)).Int("failed", result.Failed).Msg("raw records failed")
		if result.Inserted == 0 && result.Duplicates == 0 {
			return result, fmt.Errorf("failed to store %s records: %w", st, lastErr)
		}
	}
	return result, nil
}

// Get returns one stored record
func (s *DynamoRawStore) Get(ctx context.Context, st types.SourceType, naturalID string) (*types.RawRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(st, naturalID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get raw record: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var it rawItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw record: %w", err)
	}
	rec := it.record()
	return &rec, nil
}

// Query reads one source type partition, filtered to the window
func (s *DynamoRawStore) Query(ctx context.Context, st types.SourceType, window types.TimeRange, filter RawFilter) ([]types.ParsedRawRecord, error) {
	builder := expression.NewBuilder().
		WithKeyCondition(expression.Key("SourceType").Equal(expression.Value(string(st))))

	var conds []expression.ConditionBuilder
	if window.Valid() {
		conds = append(conds, expression.Name("TimestampKey").Between(expression.Value(window.Start), expression.Value(window.End)))
	}
	if len(filter.NaturalIDs) > 0 {
		ops := make([]expression.OperandBuilder, 0, len(filter.NaturalIDs))
		for _, id := range filter.NaturalIDs {
			ops = append(ops, expression.Value(id))
		}
		in := expression.Name("NaturalID").In(ops[0], ops[1:]...)
		conds = append(conds, in)
	}
	switch len(conds) {
	case 1:
		builder = builder.WithFilter(conds[0])
	case 2:
		builder = builder.WithFilter(expression.And(conds[0], conds[1]))
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	var (
		out     []types.ParsedRawRecord
		lastKey map[string]dbtypes.AttributeValue
	)
	for {
		result, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query raw records: %w", err)
		}

		var items []rawItem
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw records: %w", err)
		}
		for _, it := range items {
			out = append(out, parseRecord(it.record()))
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}

		lastKey = result.LastEvaluatedKey
		if len(lastKey) == 0 {
			break
		}
	}
	return out, nil
}

// PatchPayload replaces the payload of an existing item
func (s *DynamoRawStore) PatchPayload(ctx context.Context, st types.SourceType, naturalID string, payload json.RawMessage) error {
	id, ts, err := enrich.Keys(st, payload)
	if err != nil {
		return err
	}
	if id != naturalID {
		return fmt.Errorf("payload id %q does not match %q", id, naturalID)
	}

	update := expression.Set(expression.Name("Payload"), expression.Value(string(payload))).
		Set(expression.Name("TimestampKey"), expression.Value(ts))
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name("NaturalID"))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(st, naturalID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to patch raw record: %w", err)
	}
	return nil
}
