package dynaitem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pay-theory/dynaitem/pkg/core"
	dynerrors "github.com/pay-theory/dynaitem/pkg/errors"
)

// Transaction collects writes and applies them in one TransactWriteItems call. Each write is
// resolved when it is added; the items it returns are unloaded because their final state is
// only known after Commit.
type Transaction struct {
	session *Session

	mu        sync.Mutex
	items     []types.TransactWriteItem
	requests  []writeRequest
	committed bool
}

// Transaction starts an empty transaction
func (s *Session) Transaction() *Transaction {
	return &Transaction{session: s}
}

// Len returns the number of pending writes and condition checks
func (tx *Transaction) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.items)
}

func (tx *Transaction) add(req writeRequest) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.committed {
		return dynerrors.ErrTransactionClosed
	}
	if len(tx.items) >= core.MaxTransactItems {
		return fmt.Errorf("%w: limit is %d", dynerrors.ErrTooManyTransactItems, core.MaxTransactItems)
	}

	table := aws.String(tx.session.schema.TableName)
	var item types.TransactWriteItem
	switch req.kind {
	case writePut:
		item.Put = &types.Put{
			TableName:                 table,
			Item:                      req.item,
			ConditionExpression:       optional(req.condition),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
		}
		if req.guarded {
			item.Put.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
		}
	case writeUpdate:
		item.Update = &types.Update{
			TableName:                 table,
			Key:                       req.key,
			UpdateExpression:          aws.String(req.update),
			ConditionExpression:       optional(req.condition),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
		}
	case writeDelete:
		item.Delete = &types.Delete{
			TableName:                 table,
			Key:                       req.key,
			ConditionExpression:       optional(req.condition),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
		}
	case writeCheck:
		item.ConditionCheck = &types.ConditionCheck{
			TableName:                 table,
			Key:                       req.key,
			ConditionExpression:       aws.String(req.condition),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
		}
	default:
		return nil
	}

	tx.items = append(tx.items, item)
	tx.requests = append(tx.requests, req)
	return nil
}

func (tx *Transaction) unloaded(key map[string]types.AttributeValue) *Item {
	return newItem(tx.session, key, true)
}

// Put adds a put of the item built by fn
func (tx *Transaction) Put(ctx context.Context, pk, sk string, fn Mutator) (*Item, error) {
	m, err := tx.session.mutate(pk, sk, fn, true)
	if err != nil {
		return nil, err
	}
	req, err := m.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.add(req); err != nil {
		return nil, err
	}
	return tx.unloaded(req.key), nil
}

// PutAttributes adds a put of attrs as the whole item
func (tx *Transaction) PutAttributes(_ context.Context, pk, sk string, attrs map[string]types.AttributeValue) (*Item, error) {
	req, err := tx.session.putAttributesRequest(pk, sk, attrs)
	if err != nil {
		return nil, err
	}
	if err := tx.add(req); err != nil {
		return nil, err
	}
	return tx.unloaded(req.key), nil
}

// Update adds an update built by fn. An update without changes adds nothing, unless it carries
// a condition, which is kept as a condition check.
func (tx *Transaction) Update(ctx context.Context, pk, sk string, fn Mutator) (*Item, error) {
	m, err := tx.session.mutate(pk, sk, fn, false)
	if err != nil {
		return nil, err
	}
	req, err := m.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if req.kind == writeNone && m.condition != "" {
		if req, err = m.resolveCondition(writeCheck); err != nil {
			return nil, err
		}
	}
	if err := tx.add(req); err != nil {
		return nil, err
	}
	return tx.unloaded(req.key), nil
}

// Delete adds a delete, conditioned on anything fn sets
func (tx *Transaction) Delete(_ context.Context, pk, sk string, fn Mutator) (*Item, error) {
	m, err := tx.session.mutate(pk, sk, fn, false)
	if err != nil {
		return nil, err
	}
	req, err := m.resolveCondition(writeDelete)
	if err != nil {
		return nil, err
	}
	if err := tx.add(req); err != nil {
		return nil, err
	}
	return tx.unloaded(req.key), nil
}

// Condition adds a check that must hold for the transaction to apply. It changes no data.
func (tx *Transaction) Condition(pk, sk, expression string, names map[string]string, values map[string]types.AttributeValue) error {
	m, err := tx.session.Mutate(pk, sk)
	if err != nil {
		return err
	}
	m.Condition(expression, names, values)
	req, err := m.resolveCondition(writeCheck)
	if err != nil {
		return err
	}
	return tx.add(req)
}

// Commit applies every pending write atomically. Committing an empty transaction does nothing.
// A transaction commits once; later calls return ErrTransactionClosed.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.committed {
		tx.mu.Unlock()
		return dynerrors.ErrTransactionClosed
	}
	tx.committed = true
	items, requests := tx.items, tx.requests
	tx.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	s := tx.session
	client, err := s.Client(ctx)
	if err != nil {
		return err
	}

	s.logger.Debug("dynamodb transact write",
		zap.String("table", s.schema.TableName),
		zap.Int("items", len(items)))

	_, err = client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		return tx.translate(err, requests)
	}
	return nil
}

// translate reports a cancelled do-not-overwrite put as a duplicate item. Other failures pass
// through unchanged.
func (tx *Transaction) translate(err error, requests []writeRequest) error {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		return err
	}
	for _, i := range dynerrors.ConditionFailedIndexes(cancelled) {
		if i >= len(requests) || !requests[i].guarded {
			continue
		}
		req := requests[i]
		if !req.userCondition || len(cancelled.CancellationReasons[i].Item) > 0 {
			return &dynerrors.DuplicateItemError{Table: tx.session.schema.TableName, Key: req.key}
		}
	}
	return err
}

// Close commits the transaction unless it was already committed
func (tx *Transaction) Close(ctx context.Context) error {
	tx.mu.Lock()
	committed := tx.committed
	tx.mu.Unlock()
	if committed {
		return nil
	}
	return tx.Commit(ctx)
}
