package dynamotest

import (
	"context"
	"hash/fnv"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/schema"
)

// view is the table itself or one of its indexes
type view struct {
	partitionKey string
	sortKey      string
	global       bool
	keysOnly     bool
	// key attributes in ordering priority, deduplicated
	keys []string
}

func (t *table) view(indexName *string) (view, error) {
	v := view{partitionKey: t.schema.PartitionKey, sortKey: t.schema.SortKey}
	if name := aws.ToString(indexName); name != "" {
		idx, ok := t.schema.Index(name)
		if !ok {
			return view{}, validationError("The table does not have the specified index: %s", name)
		}
		v = view{
			partitionKey: idx.PartitionKey,
			sortKey:      idx.SortKey,
			global:       idx.Type != schema.LocalIndex,
			keysOnly:     idx.Projection == string(types.ProjectionTypeKeysOnly),
		}
	}
	for _, k := range []string{v.partitionKey, v.sortKey, t.schema.PartitionKey, t.schema.SortKey} {
		if k != "" && !slices.Contains(v.keys, k) {
			v.keys = append(v.keys, k)
		}
	}
	return v, nil
}

// items returns the documents visible through the view. Index views are sparse.
func (v view) items(t *table) []document {
	var out []document
	for _, item := range t.all() {
		if _, ok := item[v.partitionKey]; !ok {
			continue
		}
		if v.sortKey != "" {
			if _, ok := item[v.sortKey]; !ok {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

func (v view) lastKey(item document) document {
	key := make(document, len(v.keys))
	for _, k := range v.keys {
		if av, ok := item[k]; ok {
			key[k] = cloneValue(av)
		}
	}
	return key
}

func (v view) compare(a, b document) int {
	for _, k := range v.keys {
		av, okA := a[k]
		bv, okB := b[k]
		switch {
		case !okA && !okB:
			continue
		case !okA:
			return -1
		case !okB:
			return 1
		}
		if cmp, _ := attr.Compare(av, bv); cmp != 0 {
			return cmp
		}
	}
	return 0
}

type pageRequest struct {
	forward    bool
	startKey   document
	limit      int32
	filter     condition
	projection *string
	names      map[string]string
	count      bool
}

func (v view) page(items []document, req pageRequest) (page []document, scanned int32, lastKey document, err error) {
	start := 0
	if req.startKey != nil {
		for start < len(items) {
			cmp := v.compare(items[start], req.startKey)
			if (req.forward && cmp > 0) || (!req.forward && cmp < 0) {
				break
			}
			start++
		}
	}

	for _, item := range items[start:] {
		scanned++
		if checkCondition(req.filter, item) {
			if !req.count {
				if v.keysOnly {
					item = v.lastKey(item)
				}
				projected, err := projectItem(item, req.projection, req.names)
				if err != nil {
					return nil, 0, nil, err
				}
				page = append(page, projected)
			} else {
				page = append(page, nil)
			}
		}
		if req.limit > 0 && scanned == req.limit {
			lastKey = v.lastKey(item)
			break
		}
	}
	return page, scanned, lastKey, nil
}

// isKeyCondition reports whether c pins the partition key with equality
func isKeyCondition(c condition, partitionKey string) bool {
	switch cond := c.(type) {
	case compareCond:
		p, ok := cond.left.(pathOperand)
		return ok && cond.op == "=" && len(p.path) == 1 && p.path[0].name == partitionKey
	case andCond:
		return isKeyCondition(cond.left, partitionKey) || isKeyCondition(cond.right, partitionKey)
	}
	return false
}

func compileFilter(expr *string, names map[string]string, values map[string]types.AttributeValue) (condition, error) {
	if expr == nil {
		return nil, nil
	}
	c, err := parseCondition(*expr, names, values)
	if err != nil {
		return nil, validationError("Invalid FilterExpression: %v", err)
	}
	return c, nil
}

// Query returns items of one partition ordered by sort key
func (s *Store) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	s.begin("Query")
	defer s.mu.Unlock()

	t, err := s.getTable(params.TableName)
	if err != nil {
		return nil, err
	}
	v, err := t.view(params.IndexName)
	if err != nil {
		return nil, err
	}
	if v.global && aws.ToBool(params.ConsistentRead) {
		return nil, validationError("Consistent reads are not supported on global secondary indexes")
	}
	if params.KeyConditionExpression == nil {
		return nil, validationError("Either the KeyConditions or KeyConditionExpression parameter must be specified in the request.")
	}
	if err := checkPlaceholders(params.ExpressionAttributeNames, params.ExpressionAttributeValues,
		params.KeyConditionExpression, params.FilterExpression, params.ProjectionExpression); err != nil {
		return nil, err
	}

	keyCond, err := parseCondition(*params.KeyConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, validationError("Invalid KeyConditionExpression: %v", err)
	}
	if !isKeyCondition(keyCond, v.partitionKey) {
		return nil, validationError("Query condition missed key schema element: %s", v.partitionKey)
	}
	filter, err := compileFilter(params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	var matched []document
	for _, item := range v.items(t) {
		if keyCond.eval(item) {
			matched = append(matched, item)
		}
	}
	slices.SortStableFunc(matched, v.compare)
	forward := params.ScanIndexForward == nil || *params.ScanIndexForward
	if !forward {
		slices.Reverse(matched)
	}

	items, scanned, lastKey, err := v.page(matched, pageRequest{
		forward:    forward,
		startKey:   params.ExclusiveStartKey,
		limit:      aws.ToInt32(params.Limit),
		filter:     filter,
		projection: params.ProjectionExpression,
		names:      params.ExpressionAttributeNames,
		count:      params.Select == types.SelectCount,
	})
	if err != nil {
		return nil, err
	}

	out := &dynamodb.QueryOutput{
		Count:            int32(len(items)),
		ScannedCount:     scanned,
		LastEvaluatedKey: lastKey,
	}
	if params.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}

// Scan reads every item of the table or index. TotalSegments splits the key space by
// partition key hash.
func (s *Store) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	s.begin("Scan")
	defer s.mu.Unlock()

	t, err := s.getTable(params.TableName)
	if err != nil {
		return nil, err
	}
	v, err := t.view(params.IndexName)
	if err != nil {
		return nil, err
	}
	if v.global && aws.ToBool(params.ConsistentRead) {
		return nil, validationError("Consistent reads are not supported on global secondary indexes")
	}
	if err := checkPlaceholders(params.ExpressionAttributeNames, params.ExpressionAttributeValues,
		params.FilterExpression, params.ProjectionExpression); err != nil {
		return nil, err
	}
	filter, err := compileFilter(params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	total := aws.ToInt32(params.TotalSegments)
	segment := aws.ToInt32(params.Segment)
	if (params.TotalSegments == nil) != (params.Segment == nil) {
		return nil, validationError("The TotalSegments parameter is required but was not present in the request when Segment parameter is present")
	}
	if params.TotalSegments != nil && (total < 1 || segment < 0 || segment >= total) {
		return nil, validationError("The Segment parameter must be less than TotalSegments")
	}

	var candidates []document
	for _, item := range v.items(t) {
		if total > 0 && segmentOf(item[v.partitionKey], total) != segment {
			continue
		}
		candidates = append(candidates, item)
	}
	slices.SortStableFunc(candidates, v.compare)

	items, scanned, lastKey, err := v.page(candidates, pageRequest{
		forward:    true,
		startKey:   params.ExclusiveStartKey,
		limit:      aws.ToInt32(params.Limit),
		filter:     filter,
		projection: params.ProjectionExpression,
		names:      params.ExpressionAttributeNames,
		count:      params.Select == types.SelectCount,
	})
	if err != nil {
		return nil, err
	}

	out := &dynamodb.ScanOutput{
		Count:            int32(len(items)),
		ScannedCount:     scanned,
		LastEvaluatedKey: lastKey,
	}
	if params.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}

func segmentOf(pk types.AttributeValue, total int32) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(keyString(pk)))
	return int32(h.Sum32() % uint32(total))
}
