package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/core"
)

// pendingWrite is a validated mutation that has not been applied yet. A nil item deletes.
type pendingWrite struct {
	t    *table
	key  document
	item document
}

func (w pendingWrite) apply() {
	if w.item == nil {
		w.t.remove(w.key)
		return
	}
	w.t.put(w.item)
}

// checkCondition evaluates cond against the current item; a missing item is an empty document
func checkCondition(cond condition, current document) bool {
	if cond == nil {
		return true
	}
	if current == nil {
		current = document{}
	}
	return cond.eval(current)
}

func (s *Store) preparePut(t *table, item document, condExpr *string, names map[string]string, values map[string]types.AttributeValue) (pendingWrite, document, error) {
	if err := checkPlaceholders(names, values, condExpr); err != nil {
		return pendingWrite{}, nil, err
	}
	if err := t.validateItem(item); err != nil {
		return pendingWrite{}, nil, err
	}
	cond, err := compileCondition(condExpr, names, values)
	if err != nil {
		return pendingWrite{}, nil, err
	}
	old, err := t.get(item)
	if err != nil {
		return pendingWrite{}, nil, err
	}
	if !checkCondition(cond, old) {
		return pendingWrite{}, old, errConditionFailed
	}
	return pendingWrite{t: t, key: t.keyAttributes(item), item: cloneDocument(item)}, old, nil
}

func (s *Store) prepareUpdate(t *table, key document, updateExpr, condExpr *string, names map[string]string, values map[string]types.AttributeValue) (pendingWrite, document, document, error) {
	if err := checkPlaceholders(names, values, updateExpr, condExpr); err != nil {
		return pendingWrite{}, nil, nil, err
	}
	if _, _, err := t.extractKey(key); err != nil {
		return pendingWrite{}, nil, nil, err
	}
	cond, err := compileCondition(condExpr, names, values)
	if err != nil {
		return pendingWrite{}, nil, nil, err
	}

	var actions []updateAction
	if updateExpr != nil {
		actions, err = parseUpdate(*updateExpr, names, values)
		if err != nil {
			return pendingWrite{}, nil, nil, validationError("Invalid UpdateExpression: %v", err)
		}
	}
	for _, a := range actions {
		if t.schema.IsKeyAttribute(a.path[0].name) {
			return pendingWrite{}, nil, nil, validationError("One or more parameter values were invalid: Cannot update attribute %s. This attribute is part of the key", a.path[0].name)
		}
	}

	old, err := t.get(key)
	if err != nil {
		return pendingWrite{}, nil, nil, err
	}
	if !checkCondition(cond, old) {
		return pendingWrite{}, old, nil, errConditionFailed
	}

	base := old
	if base == nil {
		base = cloneDocument(key)
	}
	updated, err := applyUpdate(base, actions)
	if err != nil {
		return pendingWrite{}, nil, nil, validationError("Invalid UpdateExpression: %v", err)
	}
	if err := t.validateItem(updated); err != nil {
		return pendingWrite{}, nil, nil, err
	}
	return pendingWrite{t: t, key: cloneDocument(key), item: updated}, old, updated, nil
}

func (s *Store) prepareDelete(t *table, key document, condExpr *string, names map[string]string, values map[string]types.AttributeValue) (pendingWrite, document, error) {
	if err := checkPlaceholders(names, values, condExpr); err != nil {
		return pendingWrite{}, nil, err
	}
	if _, _, err := t.extractKey(key); err != nil {
		return pendingWrite{}, nil, err
	}
	cond, err := compileCondition(condExpr, names, values)
	if err != nil {
		return pendingWrite{}, nil, err
	}
	old, err := t.get(key)
	if err != nil {
		return pendingWrite{}, nil, err
	}
	if !checkCondition(cond, old) {
		return pendingWrite{}, old, errConditionFailed
	}
	return pendingWrite{t: t, key: cloneDocument(key)}, old, nil
}

var errConditionFailed = errors.New("condition failed")

// GetItem returns the item with the given key
func (s *Store) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	s.begin("GetItem")
	defer s.mu.Unlock()

	t, err := s.getTable(params.TableName)
	if err != nil {
		return nil, err
	}
	if err := checkPlaceholders(params.ExpressionAttributeNames, nil, params.ProjectionExpression); err != nil {
		return nil, err
	}
	if _, _, err := t.extractKey(params.Key); err != nil {
		return nil, err
	}
	item, err := t.get(params.Key)
	if err != nil {
		return nil, err
	}

	out := &dynamodb.GetItemOutput{}
	if item == nil {
		return out, nil
	}
	out.Item, err = projectItem(item, params.ProjectionExpression, params.ExpressionAttributeNames)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func projectItem(item document, expr *string, names map[string]string) (document, error) {
	if expr == nil {
		return cloneDocument(item), nil
	}
	paths, err := parseProjection(*expr, names)
	if err != nil {
		return nil, validationError("Invalid ProjectionExpression: %v", err)
	}
	return project(item, paths), nil
}

// PutItem creates or replaces an item
func (s *Store) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.begin("PutItem")
	defer s.mu.Unlock()

	t, err := s.getTable(params.TableName)
	if err != nil {
		return nil, err
	}
	switch params.ReturnValues {
	case "", types.ReturnValueNone, types.ReturnValueAllOld:
	default:
		return nil, validationError("ReturnValues can only be ALL_OLD or NONE")
	}

	w, old, err := s.preparePut(t, params.Item, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if errors.Is(err, errConditionFailed) {
		return nil, conditionFailed(old, params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld)
	}
	if err != nil {
		return nil, err
	}
	w.apply()

	out := &dynamodb.PutItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = cloneDocument(old)
	}
	return out, nil
}

// UpdateItem edits an item in place, creating it when it does not exist
func (s *Store) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.begin("UpdateItem")
	defer s.mu.Unlock()

	t, err := s.getTable(params.TableName)
	if err != nil {
		return nil, err
	}

	w, old, updated, err := s.prepareUpdate(t, params.Key, params.UpdateExpression, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if errors.Is(err, errConditionFailed) {
		return nil, conditionFailed(old, params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld)
	}
	if err != nil {
		return nil, err
	}
	w.apply()

	out := &dynamodb.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = cloneDocument(updated)
	case types.ReturnValueAllOld:
		if old != nil {
			out.Attributes = cloneDocument(old)
		}
	case types.ReturnValueUpdatedNew:
		out.Attributes = changed(updated, old)
	case types.ReturnValueUpdatedOld:
		out.Attributes = changed(old, updated)
	}
	return out, nil
}

// changed returns the top level attributes of from that differ in to
func changed(from, to document) document {
	out := document{}
	for k, v := range from {
		if other, ok := to[k]; !ok || !attr.Equal(v, other) {
			out[k] = cloneValue(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DeleteItem removes an item. Deleting a missing item succeeds.
func (s *Store) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	s.begin("DeleteItem")
	defer s.mu.Unlock()

	t, err := s.getTable(params.TableName)
	if err != nil {
		return nil, err
	}

	w, old, err := s.prepareDelete(t, params.Key, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if errors.Is(err, errConditionFailed) {
		return nil, conditionFailed(old, params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld)
	}
	if err != nil {
		return nil, err
	}
	w.apply()

	out := &dynamodb.DeleteItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = cloneDocument(old)
	}
	return out, nil
}

// BatchGetItem reads up to 100 keys across tables. Missing items are omitted.
func (s *Store) BatchGetItem(_ context.Context, params *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	s.begin("BatchGetItem")
	defer s.mu.Unlock()

	total := 0
	for _, ka := range params.RequestItems {
		total += len(ka.Keys)
	}
	if total == 0 {
		return nil, validationError("The requestItems parameter must not be empty")
	}
	if total > core.MaxBatchGetItems {
		return nil, validationError("Too many items requested for the BatchGetItem call")
	}

	out := &dynamodb.BatchGetItemOutput{
		Responses:       make(map[string][]map[string]types.AttributeValue),
		UnprocessedKeys: make(map[string]types.KeysAndAttributes),
	}
	processed := 0
	for tableName, ka := range params.RequestItems {
		t, err := s.getTable(aws.String(tableName))
		if err != nil {
			return nil, err
		}
		if err := checkPlaceholders(ka.ExpressionAttributeNames, nil, ka.ProjectionExpression); err != nil {
			return nil, err
		}
		for _, key := range ka.Keys {
			if _, _, err := t.extractKey(key); err != nil {
				return nil, err
			}
			if s.batchLimit > 0 && processed >= s.batchLimit {
				unprocessed := out.UnprocessedKeys[tableName]
				unprocessed.Keys = append(unprocessed.Keys, key)
				unprocessed.ProjectionExpression = ka.ProjectionExpression
				unprocessed.ExpressionAttributeNames = ka.ExpressionAttributeNames
				unprocessed.ConsistentRead = ka.ConsistentRead
				out.UnprocessedKeys[tableName] = unprocessed
				continue
			}
			processed++

			item, err := t.get(key)
			if err != nil {
				return nil, err
			}
			if item == nil {
				continue
			}
			projected, err := projectItem(item, ka.ProjectionExpression, ka.ExpressionAttributeNames)
			if err != nil {
				return nil, err
			}
			out.Responses[tableName] = append(out.Responses[tableName], projected)
		}
	}
	return out, nil
}

// BatchWriteItem applies up to 25 unconditional puts and deletes
func (s *Store) BatchWriteItem(_ context.Context, params *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	s.begin("BatchWriteItem")
	defer s.mu.Unlock()

	total := 0
	for _, reqs := range params.RequestItems {
		total += len(reqs)
	}
	if total == 0 {
		return nil, validationError("The requestItems parameter must not be empty")
	}
	if total > core.MaxBatchWriteItems {
		return nil, validationError("Too many items requested for the BatchWriteItem call")
	}

	var writes []pendingWrite
	seen := map[string]bool{}
	unprocessed := make(map[string][]types.WriteRequest)
	for tableName, reqs := range params.RequestItems {
		t, err := s.getTable(aws.String(tableName))
		if err != nil {
			return nil, err
		}
		for _, req := range reqs {
			var w pendingWrite
			switch {
			case req.PutRequest != nil && req.DeleteRequest == nil:
				if err := t.validateItem(req.PutRequest.Item); err != nil {
					return nil, err
				}
				w = pendingWrite{t: t, key: t.keyAttributes(req.PutRequest.Item), item: cloneDocument(req.PutRequest.Item)}
			case req.DeleteRequest != nil && req.PutRequest == nil:
				if _, _, err := t.extractKey(req.DeleteRequest.Key); err != nil {
					return nil, err
				}
				w = pendingWrite{t: t, key: cloneDocument(req.DeleteRequest.Key)}
			default:
				return nil, validationError("Supplied AttributeValue has more than one datatypes set, must contain exactly one of the supported datatypes")
			}

			id := tableName + "|" + itemID(t, w.key)
			if seen[id] {
				return nil, validationError("Provided list of item keys contains duplicates")
			}
			seen[id] = true

			if s.batchLimit > 0 && len(writes) >= s.batchLimit {
				unprocessed[tableName] = append(unprocessed[tableName], req)
				continue
			}
			writes = append(writes, w)
		}
	}

	for _, w := range writes {
		w.apply()
	}
	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: unprocessed}, nil
}

func itemID(t *table, key document) string {
	pk, sk, _ := t.keyOf(key)
	if sk == nil {
		return pk
	}
	return pk + "|" + keyString(sk)
}

// TransactWriteItems applies every action or none. Conditions are all checked before any write.
func (s *Store) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	s.begin("TransactWriteItems")
	defer s.mu.Unlock()

	if len(params.TransactItems) == 0 {
		return nil, validationError("1 validation error detected: Value null at 'transactItems' failed to satisfy constraint: Member must not be null")
	}
	if len(params.TransactItems) > core.MaxTransactItems {
		return nil, validationError("Member must have length less than or equal to %d", core.MaxTransactItems)
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	writes := make([]pendingWrite, 0, len(params.TransactItems))
	seen := map[string]bool{}
	cancelled := false

	for i, item := range params.TransactItems {
		var (
			t         *table
			key       document
			w         pendingWrite
			old       document
			returnOld types.ReturnValuesOnConditionCheckFailure
			hasWrite  = true
			err       error
		)

		switch {
		case item.Put != nil:
			if t, err = s.getTable(item.Put.TableName); err != nil {
				return nil, err
			}
			key = item.Put.Item
			returnOld = item.Put.ReturnValuesOnConditionCheckFailure
			w, old, err = s.preparePut(t, item.Put.Item, item.Put.ConditionExpression, item.Put.ExpressionAttributeNames, item.Put.ExpressionAttributeValues)
		case item.Update != nil:
			if t, err = s.getTable(item.Update.TableName); err != nil {
				return nil, err
			}
			key = item.Update.Key
			returnOld = item.Update.ReturnValuesOnConditionCheckFailure
			w, old, _, err = s.prepareUpdate(t, item.Update.Key, item.Update.UpdateExpression, item.Update.ConditionExpression, item.Update.ExpressionAttributeNames, item.Update.ExpressionAttributeValues)
		case item.Delete != nil:
			if t, err = s.getTable(item.Delete.TableName); err != nil {
				return nil, err
			}
			key = item.Delete.Key
			returnOld = item.Delete.ReturnValuesOnConditionCheckFailure
			w, old, err = s.prepareDelete(t, item.Delete.Key, item.Delete.ConditionExpression, item.Delete.ExpressionAttributeNames, item.Delete.ExpressionAttributeValues)
		case item.ConditionCheck != nil:
			cc := item.ConditionCheck
			if t, err = s.getTable(cc.TableName); err != nil {
				return nil, err
			}
			if cc.ConditionExpression == nil {
				return nil, validationError("ConditionCheck requires a ConditionExpression")
			}
			key = cc.Key
			returnOld = cc.ReturnValuesOnConditionCheckFailure
			hasWrite = false
			_, old, err = s.prepareDelete(t, cc.Key, cc.ConditionExpression, cc.ExpressionAttributeNames, cc.ExpressionAttributeValues)
		default:
			return nil, validationError("TransactItems can only contain one of Check, Put, Update or Delete")
		}

		if t != nil {
			id := t.schema.TableName + "|" + itemID(t, t.keyAttributes(key))
			if seen[id] {
				return nil, validationError("Transaction request cannot include multiple operations on one item")
			}
			seen[id] = true
		}

		switch {
		case errors.Is(err, errConditionFailed):
			cancelled = true
			reasons[i] = types.CancellationReason{
				Code:    aws.String("ConditionalCheckFailed"),
				Message: aws.String("The conditional request failed"),
			}
			if returnOld == types.ReturnValuesOnConditionCheckFailureAllOld && old != nil {
				reasons[i].Item = cloneDocument(old)
			}
		case err != nil:
			return nil, err
		default:
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			if hasWrite {
				writes = append(writes, w)
			}
		}
	}

	if cancelled {
		codes := make([]string, len(reasons))
		for i, r := range reasons {
			codes[i] = aws.ToString(r.Code)
		}
		return nil, &types.TransactionCanceledException{
			Message:             aws.String(fmt.Sprintf("Transaction cancelled, please refer cancellation reasons for specific reasons [%s]", strings.Join(codes, ", "))),
			CancellationReasons: reasons,
		}
	}

	for _, w := range writes {
		w.apply()
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
