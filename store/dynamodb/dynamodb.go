// Package dynamodb implements store.Primary on an Amazon DynamoDB table
// whose partition key is the cache key column (type S) and whose TTL
// attribute is the ttl column.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/unkn0wn-root/dynacache/internal/batch"
	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

// Per-request caps of the batch APIs.
const (
	MaxBatchGet   = 100
	MaxBatchWrite = 25
)

const (
	defaultAttempts = 5
	defaultBackoff  = 50 * time.Millisecond
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, in *ddb.GetItemInput, optFns ...func(*ddb.Options)) (*ddb.GetItemOutput, error)
	PutItem(ctx context.Context, in *ddb.PutItemInput, optFns ...func(*ddb.Options)) (*ddb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *ddb.DeleteItemInput, optFns ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *ddb.UpdateItemInput, optFns ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error)
	BatchGetItem(ctx context.Context, in *ddb.BatchGetItemInput, optFns ...func(*ddb.Options)) (*ddb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *ddb.BatchWriteItemInput, optFns ...func(*ddb.Options)) (*ddb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, in *ddb.ScanInput, optFns ...func(*ddb.Options)) (*ddb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *ddb.DescribeTableInput, optFns ...func(*ddb.Options)) (*ddb.DescribeTableOutput, error)
}

var _ API = (*ddb.Client)(nil)

type Config struct {
	Client  API
	Table   string
	Columns record.Columns

	// ConsistentRead makes reads strongly consistent. Default true.
	ConsistentRead *bool

	// MaxAttempts bounds the resubmission of unprocessed batch items; 0 => 5.
	MaxAttempts int
	// Backoff is the linear step between resubmissions; 0 => 50ms.
	Backoff time.Duration
}

type Store struct {
	api        API
	table      string
	cols       record.Columns
	consistent bool
	attempts   int
	backoff    time.Duration
}

var (
	_ store.Primary = (*Store)(nil)
	_ store.Adder   = (*Store)(nil)
	_ store.Expirer = (*Store)(nil)
	_ store.Scanner = (*Store)(nil)
	_ store.Checker = (*Store)(nil)
)

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("dynamodb store: nil client")
	}
	if cfg.Table == "" {
		return nil, errors.New("dynamodb store: table is required")
	}
	s := &Store{
		api:        cfg.Client,
		table:      cfg.Table,
		cols:       cfg.Columns.WithDefaults(),
		consistent: cfg.ConsistentRead == nil || *cfg.ConsistentRead,
		attempts:   cfg.MaxAttempts,
		backoff:    cfg.Backoff,
	}
	if s.attempts <= 0 {
		s.attempts = defaultAttempts
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	return s, nil
}

func (s *Store) Limits() store.Limits {
	return store.Limits{MaxGet: MaxBatchGet, MaxWrite: MaxBatchWrite}
}

func (s *Store) keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{s.cols.Key: &types.AttributeValueMemberS{Value: key}}
}

func (s *Store) GetOne(ctx context.Context, key string) (record.Row, bool, error) {
	out, err := s.api.GetItem(ctx, &ddb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.keyAttr(key),
		ConsistentRead: aws.Bool(s.consistent),
	})
	if err != nil {
		return nil, false, classify("dynamodb get", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	return fromItem(out.Item), true, nil
}

// GetMany reads keys in requests of at most MaxBatchGet, resubmitting
// unprocessed keys with linear backoff.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]record.Row, error) {
	out := make(map[string]record.Row, len(keys))
	var failed []string
	var lastErr error
	for _, chunk := range batch.Chunk(keys, MaxBatchGet) {
		pending := make([]map[string]types.AttributeValue, 0, len(chunk))
		for _, k := range chunk {
			pending = append(pending, s.keyAttr(k))
		}
		for attempt := 1; len(pending) > 0; attempt++ {
			if attempt > s.attempts {
				lastErr = store.Unavailable("dynamodb batch get", errUnprocessed)
				break
			}
			if attempt > 1 {
				if err := s.sleep(ctx, attempt-1); err != nil {
					lastErr = err
					break
				}
			}
			res, err := s.api.BatchGetItem(ctx, &ddb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					s.table: {Keys: pending, ConsistentRead: aws.Bool(s.consistent)},
				},
			})
			if err != nil {
				lastErr = classify("dynamodb batch get", err)
				break
			}
			for _, item := range res.Responses[s.table] {
				row := fromItem(item)
				out[s.cols.KeyOf(row)] = row
			}
			pending = res.UnprocessedKeys[s.table].Keys
		}
		for _, k := range pending {
			failed = append(failed, attrString(k[s.cols.Key]))
		}
	}
	return out, store.Partial(failed, lastErr)
}

// PutOne returns the replaced item through ReturnValues ALL_OLD.
func (s *Store) PutOne(ctx context.Context, row record.Row) (record.Row, error) {
	item, err := toItem(row)
	if err != nil {
		return nil, err
	}
	out, err := s.api.PutItem(ctx, &ddb.PutItemInput{
		TableName:    aws.String(s.table),
		Item:         item,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, classify("dynamodb put", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	return fromItem(out.Attributes), nil
}

func (s *Store) PutMany(ctx context.Context, rows []record.Row) error {
	reqs := make([]types.WriteRequest, 0, len(rows))
	for _, r := range rows {
		item, err := toItem(r)
		if err != nil {
			return err
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	return s.write(ctx, "dynamodb batch put", reqs)
}

func (s *Store) DeleteOne(ctx context.Context, key string) error {
	_, err := s.api.DeleteItem(ctx, &ddb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyAttr(key),
	})
	return classify("dynamodb delete", err)
}

func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	reqs := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: s.keyAttr(k)}})
	}
	return s.write(ctx, "dynamodb batch delete", reqs)
}

// write submits reqs in BatchWriteItem calls of at most MaxBatchWrite and
// resubmits unprocessed items with linear backoff.
func (s *Store) write(ctx context.Context, op string, reqs []types.WriteRequest) error {
	var failed []string
	var lastErr error
	for _, chunk := range batch.Chunk(reqs, MaxBatchWrite) {
		pending := chunk
		for attempt := 1; len(pending) > 0; attempt++ {
			if attempt > s.attempts {
				lastErr = store.Unavailable(op, errUnprocessed)
				break
			}
			if attempt > 1 {
				if err := s.sleep(ctx, attempt-1); err != nil {
					lastErr = err
					break
				}
			}
			res, err := s.api.BatchWriteItem(ctx, &ddb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.table: pending},
			})
			if err != nil {
				lastErr = classify(op, err)
				break
			}
			pending = res.UnprocessedItems[s.table]
		}
		for _, r := range pending {
			failed = append(failed, s.requestKey(r))
		}
	}
	return store.Partial(failed, lastErr)
}

func (s *Store) requestKey(r types.WriteRequest) string {
	switch {
	case r.PutRequest != nil:
		return attrString(r.PutRequest.Item[s.cols.Key])
	case r.DeleteRequest != nil:
		return attrString(r.DeleteRequest.Key[s.cols.Key])
	}
	return ""
}

func (s *Store) sleep(ctx context.Context, step int) error {
	t := time.NewTimer(time.Duration(step) * s.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return store.Unavailable("dynamodb backoff", ctx.Err())
	case <-t.C:
		return nil
	}
}

const (
	condBlobIs   = "#b = :b"
	condAbsent   = "attribute_not_exists(#k) OR (attribute_exists(#t) AND #t <= :now)"
	condLive     = "attribute_exists(#k) AND (attribute_not_exists(#t) OR #t > :now)"
	updateSetTTL = "SET #t = :exp"
	updateNoTTL  = "REMOVE #t"
)

func (s *Store) DeleteIfBlob(ctx context.Context, key, blobKey string) error {
	_, err := s.api.DeleteItem(ctx, &ddb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.keyAttr(key),
		ConditionExpression:       aws.String(condBlobIs),
		ExpressionAttributeNames:  map[string]string{"#b": s.cols.BlobKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{":b": &types.AttributeValueMemberS{Value: blobKey}},
	})
	if isConditionFailed(err) {
		return nil
	}
	return classify("dynamodb delete", err)
}

func (s *Store) PutIfAbsent(ctx context.Context, row record.Row, now int64) (record.Row, bool, error) {
	item, err := toItem(row)
	if err != nil {
		return nil, false, err
	}
	out, err := s.api.PutItem(ctx, &ddb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      item,
		ConditionExpression:       aws.String(condAbsent),
		ExpressionAttributeNames:  map[string]string{"#k": s.cols.Key, "#t": s.cols.TTL},
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": number(now)},
		ReturnValues:              types.ReturnValueAllOld,
	})
	if isConditionFailed(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("dynamodb put", err)
	}
	if len(out.Attributes) == 0 {
		return nil, true, nil
	}
	return fromItem(out.Attributes), true, nil
}

func (s *Store) UpdateExpiry(ctx context.Context, key string, expiresAt, now int64) (bool, error) {
	in := &ddb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.keyAttr(key),
		ConditionExpression:       aws.String(condLive),
		ExpressionAttributeNames:  map[string]string{"#k": s.cols.Key, "#t": s.cols.TTL},
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": number(now)},
		UpdateExpression:          aws.String(updateNoTTL),
	}
	if expiresAt != 0 {
		in.UpdateExpression = aws.String(updateSetTTL)
		in.ExpressionAttributeValues[":exp"] = number(expiresAt)
	}
	_, err := s.api.UpdateItem(ctx, in)
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, classify("dynamodb update", err)
	}
	return true, nil
}

// Scan pages through the table, projecting only the key and blob key.
func (s *Store) Scan(ctx context.Context, prefix string, fn func([]record.Row) error) error {
	in := &ddb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#k, #b"),
		ExpressionAttributeNames: map[string]string{"#k": s.cols.Key, "#b": s.cols.BlobKey},
		ConsistentRead:           aws.Bool(s.consistent),
	}
	if prefix != "" {
		in.FilterExpression = aws.String("begins_with(#k, :p)")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":p": &types.AttributeValueMemberS{Value: prefix}}
	}
	p := ddb.NewScanPaginator(s.api, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return classify("dynamodb scan", err)
		}
		if len(out.Items) == 0 {
			continue
		}
		page := make([]record.Row, 0, len(out.Items))
		for _, item := range out.Items {
			page = append(page, fromItem(item))
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Check(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &ddb.DescribeTableInput{TableName: aws.String(s.table)})
	return classify("dynamodb describe", err)
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close(context.Context) error { return nil }

var errUnprocessed = errors.New("dynamodb: items still unprocessed after retries")

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify maps SDK errors to store errors. Throttling, server faults and
// transport failures are unavailability; validation errors are permanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("%w: %v", store.ErrTableNotFound, err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ProvisionedThroughputExceededException", "RequestLimitExceeded", "ThrottlingException":
			return store.Unavailable(op, err)
		case "ValidationException", "SerializationException":
			return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}
		if ae.ErrorFault() == smithy.FaultServer {
			return store.Unavailable(op, err)
		}
		return err
	}
	return store.Unavailable(op, err)
}

func number(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func attrString(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func toItem(row record.Row) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(row))
	for col, v := range row {
		switch x := v.(type) {
		case string:
			item[col] = &types.AttributeValueMemberS{Value: x}
		case []byte:
			item[col] = &types.AttributeValueMemberB{Value: x}
		case int64:
			item[col] = number(x)
		default:
			return nil, fmt.Errorf("%w: column %q has type %T", store.ErrInvalidInput, col, v)
		}
	}
	return item, nil
}

// fromItem keeps S, B and integral N attributes. Other types are dropped;
// record.Decode reports the row as malformed if that loses a needed column.
func fromItem(item map[string]types.AttributeValue) record.Row {
	row := make(record.Row, len(item))
	for col, av := range item {
		switch x := av.(type) {
		case *types.AttributeValueMemberS:
			row[col] = x.Value
		case *types.AttributeValueMemberB:
			row[col] = x.Value
		case *types.AttributeValueMemberN:
			if n, err := strconv.ParseInt(x.Value, 10, 64); err == nil {
				row[col] = n
			} else {
				row[col] = x.Value
			}
		}
	}
	return row
}
