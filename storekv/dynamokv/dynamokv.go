// Package dynamokv is a DynamoDB-backed storekv.Store. It maps the
// abstract ordered byte-key space onto one table with a fixed partition
// key and a Binary (B) sort-key attribute — DynamoDB orders binary sort
// keys byte-wise, which is exactly the ordering storekv.Store promises
// (spec.md §6, SPEC_FULL.md §2.3). Grounded on the donor's table.go
// DynamoClient interface and its execute() dispatcher's error
// classification and TransactWriteItems usage, generalized from a
// multi-attribute item shape down to a single (key, value) pair.
package dynamokv

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cloudxsgmbh/kvrecord-go/storekv"
)

// Client is the narrow DynamoDB surface this package drives, satisfied
// by *dynamodb.Client and by test doubles.
type Client interface {
	GetItem(ctx context.Context, params *ddb.GetItemInput, optFns ...func(*ddb.Options)) (*ddb.GetItemOutput, error)
	Query(ctx context.Context, params *ddb.QueryInput, optFns ...func(*ddb.Options)) (*ddb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *ddb.TransactWriteItemsInput, optFns ...func(*ddb.Options)) (*ddb.TransactWriteItemsOutput, error)
}

// Cryptor matches kvrecord.Cryptor's Seal/Open surface without importing
// the root package, so this backend does not depend on the engine.
type Cryptor interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

const (
	partitionKeyName = "pk"
	sortKeyName      = "sk"
	valueAttrName    = "v"
	fixedPartition   = "kv"
	// transactWriteLimit is DynamoDB's hard cap on items per
	// TransactWriteItems call.
	transactWriteLimit = 100
)

// Store is a DynamoDB-backed storekv.Store.
type Store struct {
	client  Client
	table   string
	cryptor Cryptor
}

// New constructs a Store bound to an existing DynamoDB table named
// table, with partition key "pk" (string) and sort key "sk" (binary).
// cryptor may be nil to store values in plaintext.
func New(client Client, table string, cryptor Cryptor) *Store {
	return &Store{client: client, table: table, cryptor: cryptor}
}

// Begin opens a transaction. Reads go straight to DynamoDB (overlaid
// with this transaction's own pending writes for read-your-writes);
// writes are buffered and applied atomically via TransactWriteItems on
// Commit (spec.md §5, "all-or-nothing").
func (s *Store) Begin(ctx context.Context) (storekv.StoreTx, error) {
	return &tx{ctx: ctx, store: s, pending: map[string]*pendingOp{}}, nil
}

type pendingOp struct {
	key     []byte
	value   []byte // nil means delete
	deleted bool
}

type tx struct {
	ctx     context.Context
	store   *Store
	pending map[string]*pendingOp
	closed  bool
}

func (t *tx) encodeValue(v []byte) ([]byte, error) {
	if t.store.cryptor == nil {
		return v, nil
	}
	return t.store.cryptor.Seal(v)
}

func (t *tx) decodeValue(v []byte) ([]byte, error) {
	if t.store.cryptor == nil {
		return v, nil
	}
	return t.store.cryptor.Open(v)
}

func (t *tx) Get(key []byte) ([]byte, error) {
	if t.closed {
		return nil, storekv.ErrStaleTransaction
	}
	if op, ok := t.pending[string(key)]; ok {
		if op.deleted {
			return nil, nil
		}
		return op.value, nil
	}
	out, err := t.store.client.GetItem(t.ctx, &ddb.GetItemInput{
		TableName: &t.store.table,
		Key: map[string]types.AttributeValue{
			partitionKeyName: &types.AttributeValueMemberS{Value: fixedPartition},
			sortKeyName:      &types.AttributeValueMemberB{Value: key},
		},
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if out.Item == nil {
		return nil, nil
	}
	raw, ok := out.Item[valueAttrName].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamokv: item missing binary value attribute")
	}
	return t.decodeValue(raw.Value)
}

func (t *tx) Put(key, value []byte) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	t.pending[string(key)] = &pendingOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	return nil
}

func (t *tx) Delete(key []byte) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	t.pending[string(key)] = &pendingOp{key: append([]byte(nil), key...), deleted: true}
	return nil
}

// DeleteRange marks every key currently in [from, to) for deletion, both
// rows already in DynamoDB and any not-yet-committed pending row within
// this transaction.
func (t *tx) DeleteRange(from, to []byte) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	it, err := t.Scan(from, to)
	if err != nil {
		return err
	}
	rows, err := storekv.CollectAll(it)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := t.Delete(row.Key); err != nil {
			return err
		}
	}
	return nil
}

// Scan queries DynamoDB for [from, to) by sort key and overlays this
// transaction's own pending writes, so a scan sees its own not-yet-
// committed Puts/Deletes.
func (t *tx) Scan(from, to []byte) (storekv.Iterator, error) {
	if t.closed {
		return nil, storekv.ErrStaleTransaction
	}
	rowsByKey := map[string]storekv.KV{}

	// BETWEEN is inclusive at both ends, so the query runs up to and
	// including to, and a row whose key equals to is dropped below.
	if len(to) > 0 {
		keyCond := fmt.Sprintf("%s = :pk AND %s BETWEEN :lo AND :hi", partitionKeyName, sortKeyName)
		out, err := t.store.client.Query(t.ctx, &ddb.QueryInput{
			TableName:              &t.store.table,
			KeyConditionExpression: &keyCond,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: fixedPartition},
				":lo": &types.AttributeValueMemberB{Value: from},
				":hi": &types.AttributeValueMemberB{Value: to},
			},
		})
		if err != nil {
			return nil, classifyError(err)
		}
		for _, item := range out.Items {
			skAttr, ok := item[sortKeyName].(*types.AttributeValueMemberB)
			if !ok || !bytesLess(skAttr.Value, to) {
				continue
			}
			valAttr, ok := item[valueAttrName].(*types.AttributeValueMemberB)
			if !ok {
				continue
			}
			val, err := t.decodeValue(valAttr.Value)
			if err != nil {
				return nil, err
			}
			rowsByKey[string(skAttr.Value)] = storekv.KV{Key: append([]byte(nil), skAttr.Value...), Value: val}
		}
	}

	for keyStr, op := range t.pending {
		key := []byte(keyStr)
		if bytesLess(key, from) || !bytesLess(key, to) {
			continue
		}
		if op.deleted {
			delete(rowsByKey, keyStr)
			continue
		}
		rowsByKey[keyStr] = storekv.KV{Key: key, Value: op.value}
	}

	rows := make([]storekv.KV, 0, len(rowsByKey))
	for _, kv := range rowsByKey {
		rows = append(rows, kv)
	}
	sort.Slice(rows, func(i, j int) bool { return bytesLess(rows[i].Key, rows[j].Key) })
	return &sliceIterator{rows: rows, idx: -1}, nil
}

// Commit applies every pending write as one DynamoDB TransactWriteItems
// call (spec.md §5, "atomic, all-or-nothing"). A transaction touching
// more than transactWriteLimit keys is rejected outright rather than
// silently split, since splitting would give up atomicity.
func (t *tx) Commit(ctx context.Context) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	defer func() { t.closed = true }()
	if len(t.pending) == 0 {
		return nil
	}
	if len(t.pending) > transactWriteLimit {
		return fmt.Errorf("dynamokv: transaction touches %d keys, exceeds DynamoDB's %d-item TransactWriteItems limit",
			len(t.pending), transactWriteLimit)
	}

	items := make([]types.TransactWriteItem, 0, len(t.pending))
	for _, op := range t.pending {
		if op.deleted {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: &t.store.table,
					Key: map[string]types.AttributeValue{
						partitionKeyName: &types.AttributeValueMemberS{Value: fixedPartition},
						sortKeyName:      &types.AttributeValueMemberB{Value: op.key},
					},
				},
			})
			continue
		}
		sealed, err := t.encodeValue(op.value)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: &t.store.table,
				Item: map[string]types.AttributeValue{
					partitionKeyName: &types.AttributeValueMemberS{Value: fixedPartition},
					sortKeyName:      &types.AttributeValueMemberB{Value: op.key},
					valueAttrName:    &types.AttributeValueMemberB{Value: sealed},
				},
			},
		})
	}

	_, err := t.store.client.TransactWriteItems(ctx, &ddb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return classifyError(err)
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.closed = true
	t.pending = nil
	return nil
}

func (t *tx) Closed() bool { return t.closed }

func classifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "TransactionCanceledException"):
		return fmt.Errorf("dynamokv: transaction cancelled: %w", err)
	case strings.Contains(msg, "ProvisionedThroughputExceededException"):
		return fmt.Errorf("dynamokv: provisioned throughput exceeded: %w", err)
	case strings.Contains(msg, "ResourceNotFoundException"):
		return fmt.Errorf("dynamokv: table not found: %w", err)
	default:
		return err
	}
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// predecessor returns b with its trailing 0x00 bytes removed and its last
// remaining byte decremented, or nil if b is empty or all 0x00. The
// result is less than b but is not the largest byte string less than b
// (for b = {0x05} it returns {0x04}, below {0x04, 0xFF}); Scan does not
// use it.
func predecessor(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := append([]byte(nil), b...)
	i := len(out) - 1
	for i >= 0 && out[i] == 0x00 {
		i--
	}
	if i < 0 {
		return nil
	}
	out[i]--
	return out[:i+1]
}

type sliceIterator struct {
	rows []storekv.KV
	idx  int
}

func (it *sliceIterator) Next() bool {
	it.idx++
	return it.idx < len(it.rows)
}

func (it *sliceIterator) KV() storekv.KV { return it.rows[it.idx] }
func (it *sliceIterator) Err() error     { return nil }
func (it *sliceIterator) Close() error   { return nil }
