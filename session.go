// Package dynaitem maps DynamoDB items to typed read views and builds key conditions, filters,
// update and condition expressions from chained method calls, so callers never write
// placeholder bookkeeping by hand.
package dynaitem

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/pay-theory/dynaitem/internal/encryption"
	"github.com/pay-theory/dynaitem/internal/expr"
	"github.com/pay-theory/dynaitem/pkg/core"
	"github.com/pay-theory/dynaitem/pkg/errors"
	"github.com/pay-theory/dynaitem/pkg/schema"
	"github.com/pay-theory/dynaitem/pkg/session"
)

// Session binds a table schema to a store client. It is safe for concurrent use and is the
// factory for items, queries and transactions.
type Session struct {
	schema schema.TableSchema
	logger *zap.Logger
	retry  core.RetryPolicy

	aws *session.Session

	clientOnce sync.Once
	client     core.DynamoDBAPI
	clientErr  error

	kmsClient  encryption.KMSAPI
	kmsKeyARN  string
	encOnce    sync.Once
	encryption *encryption.Service
	encErr     error

	mu      sync.RWMutex
	indexes map[string]schema.Index
}

// Option configures a Session
type Option func(*Session)

// WithClient uses an existing store client instead of building one from configuration
func WithClient(client core.DynamoDBAPI) Option {
	return func(s *Session) {
		s.client = client
	}
}

// WithConfig builds the AWS clients from cfg on first use
func WithConfig(cfg *session.Config) Option {
	return func(s *Session) {
		s.aws = session.NewSession(cfg)
		if cfg != nil && s.kmsKeyARN == "" {
			s.kmsKeyARN = cfg.KMSKeyARN
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEncryption enables encrypted attributes using the given KMS key and client
func WithEncryption(keyARN string, client encryption.KMSAPI) Option {
	return func(s *Session) {
		s.kmsKeyARN = keyARN
		s.kmsClient = client
	}
}

// WithBatchRetry sets how unprocessed batch items are resubmitted
func WithBatchRetry(policy core.RetryPolicy) Option {
	return func(s *Session) {
		s.retry = policy
	}
}

// New creates a session for the table described by s. Without WithClient or WithConfig the
// client is built from the environment on first use.
func New(s schema.TableSchema, opts ...Option) (*Session, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema for %s: %w", s.TableName, err)
	}

	sess := &Session{
		schema:  s,
		logger:  zap.NewNop(),
		retry:   core.DefaultRetryPolicy(),
		indexes: make(map[string]schema.Index, len(s.Indexes)),
	}
	for _, idx := range s.Indexes {
		sess.indexes[idx.Name] = idx
	}
	for _, opt := range opts {
		opt(sess)
	}
	if sess.client == nil && sess.aws == nil {
		cfg := session.ConfigFromEnv()
		sess.aws = session.NewSession(cfg)
		if sess.kmsKeyARN == "" {
			sess.kmsKeyARN = cfg.KMSKeyARN
		}
	}
	return sess, nil
}

// Schema returns the table schema
func (s *Session) Schema() schema.TableSchema { return s.schema }

// TableName returns the table name
func (s *Session) TableName() string { return s.schema.TableName }

// RegisterIndex makes a secondary index available to QueryIndex
func (s *Session) RegisterIndex(idx schema.Index) error {
	if idx.Type == "" {
		idx.Type = schema.GlobalIndex
	}
	if err := s.schema.WithIndex(idx).Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[idx.Name] = idx
	return nil
}

func (s *Session) index(name string) (schema.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return schema.Index{}, fmt.Errorf("%w: %s", errors.ErrIndexNotFound, name)
	}
	return idx, nil
}

// Client returns the store client, building it on first use
func (s *Session) Client(ctx context.Context) (core.DynamoDBAPI, error) {
	s.clientOnce.Do(func() {
		if s.client != nil {
			return
		}
		client, err := s.aws.Client(ctx)
		if err != nil {
			s.clientErr = fmt.Errorf("failed to create DynamoDB client: %w", err)
			return
		}
		s.client = client
	})
	return s.client, s.clientErr
}

func (s *Session) encryptor(ctx context.Context) (*encryption.Service, error) {
	s.encOnce.Do(func() {
		if s.kmsKeyARN == "" {
			s.encErr = errors.ErrEncryptionNotConfigured
			return
		}
		if s.kmsClient == nil {
			if s.aws == nil {
				s.encErr = errors.ErrEncryptionNotConfigured
				return
			}
			client, err := s.aws.KMSClient(ctx)
			if err != nil {
				s.encErr = fmt.Errorf("failed to create KMS client: %w", err)
				return
			}
			s.kmsClient = client
		}
		s.encryption = encryption.NewService(s.kmsKeyARN, s.kmsClient)
	})
	return s.encryption, s.encErr
}

// Key builds the primary key attribute map. sk must be empty when the table has no sort key.
func (s *Session) Key(pk, sk string) (map[string]types.AttributeValue, error) {
	if pk == "" {
		return nil, fmt.Errorf("%w: %s", errors.ErrMissingKey, s.schema.PartitionKey)
	}
	key := map[string]types.AttributeValue{
		s.schema.PartitionKey: &types.AttributeValueMemberS{Value: pk},
	}
	switch {
	case s.schema.HasSortKey() && sk == "":
		return nil, fmt.Errorf("%w: %s", errors.ErrMissingKey, s.schema.SortKey)
	case s.schema.HasSortKey():
		key[s.schema.SortKey] = &types.AttributeValueMemberS{Value: sk}
	case sk != "":
		return nil, fmt.Errorf("%w: table %s", errors.ErrNoSortKey, s.schema.TableName)
	}
	return key, nil
}

// keyOf extracts and checks the primary key of an attribute map
func (s *Session) keyOf(attrs map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	names := []string{s.schema.PartitionKey}
	if s.schema.HasSortKey() {
		names = append(names, s.schema.SortKey)
	}
	key := make(map[string]types.AttributeValue, len(names))
	for _, name := range names {
		av, ok := attrs[name].(*types.AttributeValueMemberS)
		if !ok || av.Value == "" {
			return nil, fmt.Errorf("%w: %s must be a non-empty string", errors.ErrMissingKey, name)
		}
		key[name] = av
	}
	return key, nil
}

// GetOption configures a point read
type GetOption func(*getOptions)

type getOptions struct {
	consistent bool
	attributes []string
}

// WithConsistentRead selects strongly consistent reads. Point reads are consistent by default.
func WithConsistentRead(consistent bool) GetOption {
	return func(o *getOptions) { o.consistent = consistent }
}

// WithAttributes reads only the named attributes. The returned item is not loaded, so asking for
// any other attribute triggers one full read.
func WithAttributes(names ...string) GetOption {
	return func(o *getOptions) { o.attributes = append(o.attributes, names...) }
}

// Get reads one item. A missing item returns an error matching errors.ErrItemNotFound.
func (s *Session) Get(ctx context.Context, pk, sk string, opts ...GetOption) (*Item, error) {
	key, err := s.Key(pk, sk)
	if err != nil {
		return nil, err
	}
	o := getOptions{consistent: true}
	for _, opt := range opts {
		opt(&o)
	}

	attrs, err := s.getItem(ctx, key, o)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return nil, errors.NewOpError("get", s.schema.TableName, key, errors.ErrItemNotFound)
	}

	item := newItem(s, attrs, true)
	item.loaded.Store(len(o.attributes) == 0)
	return item, nil
}

func (s *Session) getItem(ctx context.Context, key map[string]types.AttributeValue, o getOptions) (map[string]types.AttributeValue, error) {
	client, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.GetItemInput{
		TableName:      aws.String(s.schema.TableName),
		Key:            key,
		ConsistentRead: aws.Bool(o.consistent),
	}
	if len(o.attributes) > 0 {
		b := expr.NewBuilder()
		projection, err := s.projection(b, o.attributes)
		if err != nil {
			return nil, err
		}
		input.ProjectionExpression = aws.String(projection)
		input.ExpressionAttributeNames, _ = b.Prune(projection)
	}

	s.logger.Debug("dynamodb get item",
		zap.String("table", s.schema.TableName),
		zap.String("key", errors.FormatKey(key)),
		zap.Bool("consistent", o.consistent))

	out, err := client.GetItem(ctx, input)
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

// projection aliases the requested attributes plus the key attributes, which a projected item
// needs to stay addressable.
func (s *Session) projection(b *expr.Builder, attributes []string) (string, error) {
	wanted := append([]string{s.schema.PartitionKey}, attributes...)
	if s.schema.HasSortKey() {
		wanted = append([]string{s.schema.SortKey}, wanted...)
	}

	seen := make(map[string]bool, len(wanted))
	var aliases []string
	for _, name := range wanted {
		if seen[name] {
			continue
		}
		seen[name] = true
		alias, err := b.Name(name)
		if err != nil {
			return "", err
		}
		aliases = append(aliases, alias)
	}
	return strings.Join(aliases, ", "), nil
}

// Key identifies one item for GetAll
type Key struct {
	PK string
	SK string
}

// GetAll reads many items with batched point reads. Missing items are omitted and the result
// order is unrelated to the order of keys.
func (s *Session) GetAll(ctx context.Context, keys []Key) ([]*Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	client, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[Key]bool, len(keys))
	raw := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		key, err := s.Key(k.PK, k.SK)
		if err != nil {
			return nil, err
		}
		raw = append(raw, key)
	}

	s.logger.Debug("dynamodb batch get",
		zap.String("table", s.schema.TableName),
		zap.Int("keys", len(raw)))

	found, err := core.NewBatchExecutor(client, s.retry, s.logger).Get(ctx, core.GetRequest{
		Table:          s.schema.TableName,
		Keys:           raw,
		ConsistentRead: true,
	})
	if err != nil {
		return nil, err
	}

	items := make([]*Item, len(found))
	for i, attrs := range found {
		items[i] = newItem(s, attrs, true)
		items[i].loaded.Store(true)
	}
	return items, nil
}

// Facade wraps caller supplied attributes in an item that never loads from the store. The
// attributes must carry the primary key.
func (s *Session) Facade(attrs map[string]types.AttributeValue) (*Item, error) {
	if _, err := s.keyOf(attrs); err != nil {
		return nil, err
	}
	item := newItem(s, maps.Clone(attrs), false)
	item.loaded.Store(true)
	return item, nil
}

// Unloaded returns a keys-only item that loads the rest of its attributes on first access.
// With failOnLoading a missing row surfaces as ErrItemNotFound; otherwise the item silently
// stays keys-only.
func (s *Session) Unloaded(pk, sk string, failOnLoading bool) (*Item, error) {
	key, err := s.Key(pk, sk)
	if err != nil {
		return nil, err
	}
	return newItem(s, key, failOnLoading), nil
}
