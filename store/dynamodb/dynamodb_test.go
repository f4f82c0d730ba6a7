package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

var cols = record.Columns{}.WithDefaults()

type item = map[string]types.AttributeValue

// fakeAPI is an in-memory table that understands exactly the condition and
// update expressions the store sends.
type fakeAPI struct {
	mu    sync.Mutex
	table string
	items map[string]item

	// unprocessed makes the next N batch calls leave their last request
	// unprocessed.
	unprocessed int
	batchGets   []int
	batchWrites []int
	failWith    error
}

func newFake() *fakeAPI { return &fakeAPI{table: "cache", items: map[string]item{}} }

func (f *fakeAPI) key(k item) string { return attrString(k[cols.Key]) }

func num(av types.AttributeValue) (int64, bool) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	return v, err == nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *ddb.GetItemInput, _ ...func(*ddb.Options)) (*ddb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if aws.ToString(in.TableName) != f.table {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &ddb.GetItemOutput{Item: f.items[f.key(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *ddb.PutItemInput, _ ...func(*ddb.Options)) (*ddb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(in.Item)
	cur, exists := f.items[k]
	if c := aws.ToString(in.ConditionExpression); c != "" {
		if c != condAbsent {
			return nil, fmt.Errorf("unexpected condition %q", c)
		}
		now, _ := num(in.ExpressionAttributeValues[":now"])
		ttl, hasTTL := num(cur[cols.TTL])
		if exists && !(hasTTL && ttl <= now) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[k] = in.Item
	out := &ddb.PutItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && exists {
		out.Attributes = cur
	}
	return out, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *ddb.DeleteItemInput, _ ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(in.Key)
	if c := aws.ToString(in.ConditionExpression); c != "" {
		if c != condBlobIs {
			return nil, fmt.Errorf("unexpected condition %q", c)
		}
		want := attrString(in.ExpressionAttributeValues[":b"])
		if attrString(f.items[k][cols.BlobKey]) != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("blob differs")}
		}
	}
	delete(f.items, k)
	return &ddb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *ddb.UpdateItemInput, _ ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(in.Key)
	cur, exists := f.items[k]
	now, _ := num(in.ExpressionAttributeValues[":now"])
	ttl, hasTTL := num(cur[cols.TTL])
	if aws.ToString(in.ConditionExpression) != condLive {
		return nil, errors.New("unexpected condition")
	}
	if !exists || (hasTTL && ttl <= now) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("not live")}
	}
	next := make(item, len(cur))
	for c, v := range cur {
		next[c] = v
	}
	switch aws.ToString(in.UpdateExpression) {
	case updateSetTTL:
		next[cols.TTL] = in.ExpressionAttributeValues[":exp"]
	case updateNoTTL:
		delete(next, cols.TTL)
	default:
		return nil, errors.New("unexpected update")
	}
	f.items[k] = next
	return &ddb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) BatchGetItem(_ context.Context, in *ddb.BatchGetItemInput, _ ...func(*ddb.Options)) (*ddb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	req := in.RequestItems[f.table]
	if len(req.Keys) > MaxBatchGet {
		return nil, &smithy.GenericAPIError{Code: "ValidationException", Message: "too many keys"}
	}
	f.batchGets = append(f.batchGets, len(req.Keys))
	keys := req.Keys
	out := &ddb.BatchGetItemOutput{Responses: map[string][]item{}}
	if f.unprocessed > 0 && len(keys) > 0 {
		f.unprocessed--
		out.UnprocessedKeys = map[string]types.KeysAndAttributes{f.table: {Keys: keys[len(keys)-1:]}}
		keys = keys[:len(keys)-1]
	}
	for _, k := range keys {
		if it, ok := f.items[f.key(k)]; ok {
			out.Responses[f.table] = append(out.Responses[f.table], it)
		}
	}
	return out, nil
}

func (f *fakeAPI) BatchWriteItem(_ context.Context, in *ddb.BatchWriteItemInput, _ ...func(*ddb.Options)) (*ddb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	reqs := in.RequestItems[f.table]
	if len(reqs) > MaxBatchWrite {
		return nil, &smithy.GenericAPIError{Code: "ValidationException", Message: "too many items"}
	}
	f.batchWrites = append(f.batchWrites, len(reqs))
	out := &ddb.BatchWriteItemOutput{}
	if f.unprocessed > 0 && len(reqs) > 0 {
		f.unprocessed--
		out.UnprocessedItems = map[string][]types.WriteRequest{f.table: reqs[len(reqs)-1:]}
		reqs = reqs[:len(reqs)-1]
	}
	for _, r := range reqs {
		switch {
		case r.PutRequest != nil:
			f.items[f.key(r.PutRequest.Item)] = r.PutRequest.Item
		case r.DeleteRequest != nil:
			delete(f.items, f.key(r.DeleteRequest.Key))
		}
	}
	return out, nil
}

// Scan returns two items per page, ordered by key.
func (f *fakeAPI) Scan(_ context.Context, in *ddb.ScanInput, _ ...func(*ddb.Options)) (*ddb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := attrString(in.ExpressionAttributeValues[":p"])
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	start := ""
	if in.ExclusiveStartKey != nil {
		start = f.key(in.ExclusiveStartKey)
	}
	out := &ddb.ScanOutput{}
	for _, k := range keys {
		if k <= start && start != "" {
			continue
		}
		if len(out.Items) == 2 {
			out.LastEvaluatedKey = item{cols.Key: &types.AttributeValueMemberS{Value: attrString(out.Items[1][cols.Key])}}
			break
		}
		if strings.HasPrefix(k, prefix) {
			out.Items = append(out.Items, item{cols.Key: f.items[k][cols.Key]})
		}
	}
	return out, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *ddb.DescribeTableInput, _ ...func(*ddb.Options)) (*ddb.DescribeTableOutput, error) {
	if aws.ToString(in.TableName) != f.table {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &ddb.DescribeTableOutput{}, nil
}

func newStore(t *testing.T, f *fakeAPI) *Store {
	t.Helper()
	s, err := New(Config{Client: f, Table: f.table, Backoff: time.Millisecond})
	require.NoError(t, err)
	return s
}

func inline(key, val string, exp int64) record.Row {
	return cols.Encode(record.Entry{Key: key, Value: []byte(val), ExpiresAt: exp})
}

func TestItemConversion(t *testing.T) {
	row := record.Row{cols.Key: "k", cols.Value: []byte("v"), cols.TTL: int64(1700000000)}
	it, err := toItem(row)
	require.NoError(t, err)
	assert.IsType(t, &types.AttributeValueMemberN{}, it[cols.TTL])
	assert.Equal(t, row, fromItem(it))

	_, err = toItem(record.Row{"x": 1.5})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newFake())

	prev, err := s.PutOne(ctx, cols.Encode(record.Entry{Key: "k", BlobKey: "cache/k"}))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = s.PutOne(ctx, inline("k", "v", 0))
	require.NoError(t, err)
	assert.Equal(t, "cache/k", cols.BlobKeyOf(prev))

	row, ok, err := s.GetOne(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), row[cols.Value])

	require.NoError(t, s.DeleteOne(ctx, "k"))
	_, ok, err = s.GetOne(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchesRespectLimitsAndRetryUnprocessed(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	s := newStore(t, f)

	rows := make([]record.Row, 0, 60)
	keys := make([]string, 0, 60)
	for i := range 60 {
		k := fmt.Sprintf("k%02d", i)
		rows = append(rows, inline(k, "v", 0))
		keys = append(keys, k)
	}

	f.unprocessed = 1
	require.NoError(t, s.PutMany(ctx, rows))
	assert.Len(t, f.items, 60)
	for _, n := range f.batchWrites {
		assert.LessOrEqual(t, n, MaxBatchWrite)
	}
	assert.Len(t, f.batchWrites, 4, "3 chunks plus one resubmission")

	f.unprocessed = 1
	got, err := s.GetMany(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, got, 60)
	assert.Equal(t, []int{60, 1}, f.batchGets)

	require.NoError(t, s.DeleteMany(ctx, keys))
	assert.Empty(t, f.items)
}

func TestUnprocessedExhaustionIsPartial(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	s, err := New(Config{Client: f, Table: f.table, MaxAttempts: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	f.unprocessed = 10
	err = s.PutMany(ctx, []record.Row{inline("a", "1", 0), inline("b", "2", 0), inline("c", "3", 0)})
	var pe *store.PartialError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"c"}, pe.Keys)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Len(t, f.items, 2)
}

func TestConditionalOperations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newFake())
	now := int64(1_700_000_000)

	prev, added, err := s.PutIfAbsent(ctx, inline("k", "1", now+10), now)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Nil(t, prev)

	_, added, err = s.PutIfAbsent(ctx, inline("k", "2", 0), now)
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := s.UpdateExpiry(ctx, "k", now+100, now)
	require.NoError(t, err)
	assert.True(t, ok)
	row, _, _ := s.GetOne(ctx, "k")
	assert.Equal(t, now+100, row[cols.TTL])

	ok, err = s.UpdateExpiry(ctx, "k", now+5, now+200)
	require.NoError(t, err)
	assert.False(t, ok, "expired rows are not live")

	prev, added, err = s.PutIfAbsent(ctx, cols.Encode(record.Entry{Key: "k", BlobKey: "cache/k"}), now+200)
	require.NoError(t, err)
	assert.True(t, added, "expired rows count as absent")
	assert.Equal(t, []byte("1"), prev[cols.Value], "replaced row is returned")

	require.NoError(t, s.DeleteIfBlob(ctx, "k", "cache/other"))
	_, ok, _ = s.GetOne(ctx, "k")
	assert.True(t, ok)
	require.NoError(t, s.DeleteIfBlob(ctx, "k", "cache/k"))
	_, ok, _ = s.GetOne(ctx, "k")
	assert.False(t, ok)
}

func TestScanPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	s := newStore(t, f)
	require.NoError(t, s.PutMany(ctx, []record.Row{
		inline("ns:a", "1", 0), inline("ns:b", "1", 0), inline("ns:c", "1", 0),
		inline("other", "1", 0),
	}))

	var got []string
	require.NoError(t, s.Scan(ctx, "ns:", func(page []record.Row) error {
		for _, r := range page {
			got = append(got, cols.KeyOf(r))
		}
		return nil
	}))
	assert.Equal(t, []string{"ns:a", "ns:b", "ns:c"}, got)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", &types.ResourceNotFoundException{}), store.ErrTableNotFound)
	assert.ErrorIs(t, classify("op", &types.ProvisionedThroughputExceededException{}), store.ErrUnavailable)
	assert.ErrorIs(t, classify("op", &smithy.GenericAPIError{Code: "ThrottlingException"}), store.ErrUnavailable)
	assert.ErrorIs(t, classify("op", &smithy.GenericAPIError{Code: "ValidationException"}), store.ErrInvalidInput)
	assert.ErrorIs(t, classify("op", &smithy.GenericAPIError{Code: "InternalServerError", Fault: smithy.FaultServer}), store.ErrUnavailable)
	assert.ErrorIs(t, classify("op", context.DeadlineExceeded), store.ErrUnavailable)
}

func TestCheck(t *testing.T) {
	f := newFake()
	s := newStore(t, f)
	assert.NoError(t, s.Check(context.Background()))

	s.table = "missing"
	assert.ErrorIs(t, s.Check(context.Background()), store.ErrTableNotFound)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	f := newFake()
	f.failWith = errors.New("connection reset")
	s := newStore(t, f)

	_, _, err := s.GetOne(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = s.GetMany(context.Background(), []string{"a", "b"})
	var pe *store.PartialError
	require.True(t, errors.As(err, &pe))
	assert.ElementsMatch(t, []string{"a", "b"}, pe.Keys)
}
