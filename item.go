package dynaitem

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/pay-theory/dynaitem/internal/encryption"
	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/errors"
)

// Item is a read view over one row. An item that is not loaded fetches the full row at most
// once, the first time an absent attribute is requested.
type Item struct {
	session       *Session
	failOnLoading bool

	loaded atomic.Bool
	mu     sync.Mutex
	attrs  map[string]types.AttributeValue
}

func newItem(s *Session, attrs map[string]types.AttributeValue, failOnLoading bool) *Item {
	if attrs == nil {
		attrs = make(map[string]types.AttributeValue)
	}
	return &Item{
		session:       s,
		failOnLoading: failOnLoading,
		attrs:         attrs,
	}
}

// Loaded reports whether the item holds the full row (or was built as a facade)
func (it *Item) Loaded() bool { return it.loaded.Load() }

// PartitionKey returns the partition key value
func (it *Item) PartitionKey() string {
	v, _ := attr.AsString(it.lookup(it.session.schema.PartitionKey))
	return v
}

// SortKey returns the sort key value, or "" when the table has none
func (it *Item) SortKey() string {
	if !it.session.schema.HasSortKey() {
		return ""
	}
	v, _ := attr.AsString(it.lookup(it.session.schema.SortKey))
	return v
}

// Key returns the primary key attributes
func (it *Item) Key() map[string]types.AttributeValue {
	it.mu.Lock()
	defer it.mu.Unlock()
	key, _ := it.session.keyOf(it.attrs)
	return key
}

func (it *Item) lookup(name string) types.AttributeValue {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.attrs[name]
}

// Attr returns an attribute already in memory without loading
func (it *Item) Attr(name string) (types.AttributeValue, bool) {
	av := it.lookup(name)
	return av, av != nil
}

// Attributes returns a copy of the attributes currently in memory
func (it *Item) Attributes() map[string]types.AttributeValue {
	it.mu.Lock()
	defer it.mu.Unlock()
	return maps.Clone(it.attrs)
}

// Get returns the named top level attribute, loading the item first when the attribute is
// absent and the item is not loaded. A missing attribute returns nil.
func (it *Item) Get(ctx context.Context, name string) (types.AttributeValue, error) {
	if av := it.lookup(name); av != nil || it.loaded.Load() {
		return av, nil
	}
	if err := it.Fetch(ctx); err != nil {
		return nil, err
	}
	return it.lookup(name), nil
}

// Fetch loads the full row once. Concurrent callers wait for the first fetch and share its result.
func (it *Item) Fetch(ctx context.Context) error {
	if it.loaded.Load() {
		return nil
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.loaded.Load() {
		return nil
	}

	key, err := it.session.keyOf(it.attrs)
	if err != nil {
		return err
	}
	row, err := it.session.getItem(ctx, key, getOptions{consistent: true})
	if err != nil {
		return err
	}
	if row == nil {
		if it.failOnLoading {
			return errors.NewOpError("fetch", it.session.schema.TableName, key, errors.ErrItemNotFound)
		}
		it.session.logger.Warn("item not found while loading, keeping partial attributes",
			zap.String("table", it.session.schema.TableName),
			zap.String("key", errors.FormatKey(key)))
		it.loaded.Store(true)
		return nil
	}

	it.attrs = row
	it.loaded.Store(true)
	return nil
}

// GetString returns a string attribute, or "" when absent or of another type
func (it *Item) GetString(ctx context.Context, name string) (string, error) {
	return typed(ctx, it, name, attr.AsString)
}

// GetInt returns an integer number attribute, or 0 when absent or of another type
func (it *Item) GetInt(ctx context.Context, name string) (int64, error) {
	return typed(ctx, it, name, attr.AsInt)
}

// GetFloat returns a number attribute as float64, or 0 when absent or of another type
func (it *Item) GetFloat(ctx context.Context, name string) (float64, error) {
	return typed(ctx, it, name, attr.AsFloat)
}

// GetNumber returns a number attribute in its decimal string form
func (it *Item) GetNumber(ctx context.Context, name string) (string, error) {
	return typed(ctx, it, name, attr.AsNumber)
}

// GetBool returns a boolean attribute, or false when absent or of another type
func (it *Item) GetBool(ctx context.Context, name string) (bool, error) {
	return typed(ctx, it, name, attr.AsBool)
}

// GetBinary returns a binary attribute
func (it *Item) GetBinary(ctx context.Context, name string) ([]byte, error) {
	return typed(ctx, it, name, attr.AsBinary)
}

// GetStringSet returns a string set attribute
func (it *Item) GetStringSet(ctx context.Context, name string) ([]string, error) {
	return typed(ctx, it, name, attr.AsStringSet)
}

// GetList returns a list attribute
func (it *Item) GetList(ctx context.Context, name string) ([]types.AttributeValue, error) {
	return typed(ctx, it, name, attr.AsList)
}

// GetMap returns a map attribute
func (it *Item) GetMap(ctx context.Context, name string) (map[string]types.AttributeValue, error) {
	return typed(ctx, it, name, attr.AsMap)
}

func typed[T any](ctx context.Context, it *Item, name string, as func(types.AttributeValue) (T, bool)) (T, error) {
	var zero T
	av, err := it.Get(ctx, name)
	if err != nil || av == nil {
		return zero, err
	}
	v, ok := as(av)
	if !ok {
		return zero, nil
	}
	return v, nil
}

// Read decodes a typed field from the item, loading it if needed
func Read[T any](ctx context.Context, it *Item, field attr.Field[T]) (T, bool, error) {
	var zero T
	av, err := it.Get(ctx, field.Name)
	if err != nil || av == nil {
		return zero, false, err
	}
	v, ok := field.Decode(av)
	return v, ok, nil
}

// GetDecrypted returns the plaintext of an attribute written with SetEncrypted
func (it *Item) GetDecrypted(ctx context.Context, name string) (types.AttributeValue, error) {
	av, err := it.Get(ctx, name)
	if err != nil || av == nil {
		return nil, err
	}
	if !encryption.IsEnvelope(av) {
		return nil, fmt.Errorf("%w: attribute %s is not encrypted", errors.ErrInvalidEncryptedEnvelope, name)
	}
	svc, err := it.session.encryptor(ctx)
	if err != nil {
		return nil, err
	}
	return svc.Decrypt(ctx, name, av)
}

// Unmarshal loads the item if needed and decodes every attribute into out using dynamodbav tags
func (it *Item) Unmarshal(ctx context.Context, out any) error {
	if err := it.Fetch(ctx); err != nil {
		return err
	}
	return attr.UnmarshalMap(it.Attributes(), out)
}

// Update applies fn to this item through the session
func (it *Item) Update(ctx context.Context, fn Mutator) (*Item, error) {
	return it.UpdateWith(ctx, it.session, fn)
}

// UpdateWith applies fn to this item through updater, for example a Transaction
func (it *Item) UpdateWith(ctx context.Context, updater ItemUpdater, fn Mutator) (*Item, error) {
	return updater.Update(ctx, it.PartitionKey(), it.SortKey(), fn)
}
