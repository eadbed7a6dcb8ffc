package dynaitem

import (
	"context"
	"errors"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	dynerrors "github.com/pay-theory/dynaitem/pkg/errors"
)

// ItemUpdater applies writes either directly (Session) or as one atomic batch (Transaction)
type ItemUpdater interface {
	// Put writes the item built by fn, replacing any existing item
	Put(ctx context.Context, pk, sk string, fn Mutator) (*Item, error)
	// PutAttributes writes attrs as the whole item, replacing any existing item
	PutAttributes(ctx context.Context, pk, sk string, attrs map[string]types.AttributeValue) (*Item, error)
	// Update applies the changes built by fn to the item, creating it when absent
	Update(ctx context.Context, pk, sk string, fn Mutator) (*Item, error)
	// Delete removes the item, honoring any condition set by fn
	Delete(ctx context.Context, pk, sk string, fn Mutator) (*Item, error)
	// Commit flushes pending writes
	Commit(ctx context.Context) error
}

var (
	_ ItemUpdater = (*Session)(nil)
	_ ItemUpdater = (*Transaction)(nil)
)

func (s *Session) mutate(pk, sk string, fn Mutator, replace bool) (*MutableItem, error) {
	m, err := s.Mutate(pk, sk)
	if err != nil {
		return nil, err
	}
	if replace {
		m.Replace()
	}
	if fn != nil {
		fn(m)
	}
	return m, nil
}

// Put writes the item built by fn, replacing any existing item. Call DoNotOverwrite inside fn to
// fail with ErrDuplicateItem instead.
func (s *Session) Put(ctx context.Context, pk, sk string, fn Mutator) (*Item, error) {
	m, err := s.mutate(pk, sk, fn, true)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, m)
}

// PutAttributes writes attrs as the whole item. Key attributes in attrs are replaced by pk and sk.
func (s *Session) PutAttributes(ctx context.Context, pk, sk string, attrs map[string]types.AttributeValue) (*Item, error) {
	req, err := s.putAttributesRequest(pk, sk, attrs)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, newMutableItem(s, req.key), req)
}

func (s *Session) putAttributesRequest(pk, sk string, attrs map[string]types.AttributeValue) (writeRequest, error) {
	key, err := s.Key(pk, sk)
	if err != nil {
		return writeRequest{}, err
	}
	item := maps.Clone(attrs)
	if item == nil {
		item = make(map[string]types.AttributeValue, len(key))
	}
	maps.Copy(item, key)
	return writeRequest{kind: writePut, key: key, item: item}, nil
}

// Update applies the changes built by fn. With no changes the current row is re-read instead.
func (s *Session) Update(ctx context.Context, pk, sk string, fn Mutator) (*Item, error) {
	m, err := s.mutate(pk, sk, fn, false)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, m)
}

// Delete removes the item and returns its last attributes, or a keys-only facade when nothing
// was stored.
func (s *Session) Delete(ctx context.Context, pk, sk string, fn Mutator) (*Item, error) {
	m, err := s.mutate(pk, sk, fn, false)
	if err != nil {
		return nil, err
	}
	req, err := m.resolveCondition(writeDelete)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, m, req)
}

// Commit does nothing; session writes are applied immediately
func (s *Session) Commit(context.Context) error { return nil }

func (s *Session) save(ctx context.Context, m *MutableItem) (*Item, error) {
	req, err := m.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, m, req)
}

func (s *Session) execute(ctx context.Context, m *MutableItem, req writeRequest) (*Item, error) {
	client, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}
	table := aws.String(s.schema.TableName)
	logKey := zap.String("key", dynerrors.FormatKey(req.key))

	switch req.kind {
	case writeNone:
		s.logger.Debug("no pending changes, re-reading item", zap.String("table", s.schema.TableName), logKey)
		attrs, err := s.getItem(ctx, req.key, getOptions{consistent: true})
		if err != nil {
			return nil, err
		}
		if attrs == nil {
			m.loaded.Store(true)
			return m.Item, nil
		}
		return s.loadedItem(attrs), nil

	case writePut:
		input := &dynamodb.PutItemInput{
			TableName:                 table,
			Item:                      req.item,
			ConditionExpression:       optional(req.condition),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
		}
		if req.guarded {
			input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
		}
		s.logger.Debug("dynamodb put item",
			zap.String("table", s.schema.TableName), logKey,
			zap.Int("attributes", len(req.item)),
			zap.Bool("do_not_overwrite", req.guarded))

		if _, err := client.PutItem(ctx, input); err != nil {
			if req.guarded && isDuplicate(err, req) {
				return nil, &dynerrors.DuplicateItemError{Table: s.schema.TableName, Key: req.key}
			}
			return nil, err
		}
		return s.loadedItem(req.item), nil

	case writeUpdate:
		rv := req.returnValues
		if rv == "" {
			rv = types.ReturnValueAllNew
		}
		s.logger.Debug("dynamodb update item",
			zap.String("table", s.schema.TableName), logKey,
			zap.String("update", req.update))

		out, err := client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 table,
			Key:                       req.key,
			UpdateExpression:          aws.String(req.update),
			ConditionExpression:       optional(req.condition),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
			ReturnValues:              rv,
		})
		if err != nil {
			return nil, err
		}
		if rv == types.ReturnValueAllNew && out.Attributes != nil {
			return s.loadedItem(out.Attributes), nil
		}
		return newItem(s, req.key, true), nil

	case writeDelete:
		s.logger.Debug("dynamodb delete item", zap.String("table", s.schema.TableName), logKey)
		out, err := client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 table,
			Key:                       req.key,
			ConditionExpression:       optional(req.condition),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
			ReturnValues:              types.ReturnValueAllOld,
		})
		if err != nil {
			return nil, err
		}
		if len(out.Attributes) > 0 {
			return s.loadedItem(out.Attributes), nil
		}
		return s.loadedItem(req.key), nil
	}
	return nil, dynerrors.ErrInvalidRequest
}

func (s *Session) loadedItem(attrs map[string]types.AttributeValue) *Item {
	item := newItem(s, attrs, true)
	item.loaded.Store(true)
	return item
}

// isDuplicate decides whether a failed guarded put collided with an existing item rather than
// failing a caller condition
func isDuplicate(err error, req writeRequest) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return !req.userCondition || len(ccf.Item) > 0
	}
	return dynerrors.IsConditionFailed(err) && !req.userCondition
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
