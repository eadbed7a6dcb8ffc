package dynaitem

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pay-theory/dynaitem/pkg/core"
	"github.com/pay-theory/dynaitem/pkg/cursor"
	"github.com/pay-theory/dynaitem/pkg/errors"
)

// Page is one page of query results
type Page struct {
	Items []*Item
	// NextToken resumes the query with StartFrom. It is empty on the last page.
	NextToken string
}

// readRequest holds the rendered expressions shared by every page of one execution
type readRequest struct {
	client       core.DynamoDBAPI
	keyCondition string
	filter       string
	projection   string
	names        map[string]string
	values       map[string]types.AttributeValue
}

// start moves the query to its executed state and renders its expressions
func (q *Query) start(ctx context.Context) (readRequest, error) {
	if q.executed.Swap(true) {
		return readRequest{}, errors.ErrQueryExecuted
	}
	if q.builderErr != nil {
		return readRequest{}, q.builderErr
	}

	var req readRequest
	var err error
	if !q.scan {
		if req.keyCondition, err = q.keyCondition(); err != nil {
			return readRequest{}, err
		}
	}
	req.filter = q.filterExpression()
	if req.projection, err = q.projection(); err != nil {
		return readRequest{}, err
	}
	req.names, req.values = q.builder.Prune(req.keyCondition, req.filter, req.projection)

	if req.client, err = q.session.Client(ctx); err != nil {
		return readRequest{}, err
	}
	return req, nil
}

func (q *Query) indexName() *string {
	if q.index == nil {
		return nil
	}
	return aws.String(q.index.Name)
}

func (q *Query) fetch(ctx context.Context, req readRequest, startKey map[string]types.AttributeValue, segment int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	table := aws.String(q.session.schema.TableName)
	var limit *int32
	if q.limit > 0 {
		limit = aws.Int32(q.limit)
	}
	var consistent *bool
	if q.consistent {
		consistent = aws.Bool(true)
	}

	if q.scan {
		input := &dynamodb.ScanInput{
			TableName:                 table,
			IndexName:                 q.indexName(),
			FilterExpression:          optional(req.filter),
			ProjectionExpression:      optional(req.projection),
			ExpressionAttributeNames:  req.names,
			ExpressionAttributeValues: req.values,
			ExclusiveStartKey:         startKey,
			ConsistentRead:            consistent,
			Limit:                     limit,
		}
		if q.segments > 0 {
			input.Segment = aws.Int32(segment)
			input.TotalSegments = aws.Int32(q.segments)
		}
		out, err := req.client.Scan(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		q.session.logger.Debug("dynamodb scan page",
			zap.String("table", q.session.schema.TableName),
			zap.Int32("segment", segment),
			zap.Int("items", len(out.Items)))
		return out.Items, out.LastEvaluatedKey, nil
	}

	out, err := req.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 table,
		IndexName:                 q.indexName(),
		KeyConditionExpression:    aws.String(req.keyCondition),
		FilterExpression:          optional(req.filter),
		ProjectionExpression:      optional(req.projection),
		ExpressionAttributeNames:  req.names,
		ExpressionAttributeValues: req.values,
		ExclusiveStartKey:         startKey,
		ConsistentRead:            consistent,
		ScanIndexForward:          aws.Bool(!q.reverse),
		Limit:                     limit,
	})
	if err != nil {
		return nil, nil, err
	}
	q.session.logger.Debug("dynamodb query page",
		zap.String("table", q.session.schema.TableName),
		zap.String("target", q.target()),
		zap.Int("items", len(out.Items)))
	return out.Items, out.LastEvaluatedKey, nil
}

func (q *Query) wrap(attrs map[string]types.AttributeValue) *Item {
	item := newItem(q.session, attrs, true)
	item.loaded.Store(q.loadsFully())
	return item
}

// each walks every page of one segment, stopping early when fn returns false
func (q *Query) each(ctx context.Context, req readRequest, segment int32, fn func(*Item) bool) error {
	startKey := q.startKey
	for {
		rows, lastKey, err := q.fetch(ctx, req, startKey, segment)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !fn(q.wrap(row)) {
				return nil
			}
		}
		if len(lastKey) == 0 {
			return nil
		}
		startKey = lastKey
	}
}

// Page reads a single page. Parallel scans have no single resumption point, so use Segment to
// page through one segment at a time.
func (q *Query) Page(ctx context.Context) (*Page, error) {
	if q.parallel() {
		q.recordBuilderError(fmt.Errorf("%w: page reads need a single scan segment", errors.ErrInvalidRequest))
	}
	req, err := q.start(ctx)
	if err != nil {
		return nil, err
	}

	rows, lastKey, err := q.fetch(ctx, req, q.startKey, q.segment)
	if err != nil {
		return nil, err
	}
	token, err := cursor.Encode(lastKey)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: make([]*Item, len(rows)), NextToken: token}
	for i, row := range rows {
		page.Items[i] = q.wrap(row)
	}
	return page, nil
}

// Items returns every matching item, fetching pages as the sequence is consumed. Parallel scans
// read their segments concurrently and interleave results in no particular order.
func (q *Query) Items(ctx context.Context) iter.Seq2[*Item, error] {
	if q.parallel() && q.startKey != nil {
		q.recordBuilderError(fmt.Errorf("%w: a resume token belongs to one scan segment", errors.ErrInvalidRequest))
	}
	req, err := q.start(ctx)
	return func(yield func(*Item, error) bool) {
		if err != nil {
			yield(nil, err)
			return
		}
		if q.parallel() {
			q.parallelItems(ctx, req, yield)
			return
		}
		var stopped bool
		err := q.each(ctx, req, q.segment, func(item *Item) bool {
			stopped = !yield(item, nil)
			return !stopped
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

func (q *Query) parallelItems(ctx context.Context, req readRequest, yield func(*Item, error) bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan *Item)
	g, gctx := errgroup.WithContext(ctx)
	for segment := int32(0); segment < q.segments; segment++ {
		g.Go(func() error {
			err := q.each(gctx, req, segment, func(item *Item) bool {
				select {
				case out <- item:
					return true
				case <-gctx.Done():
					return false
				}
			})
			if err == nil {
				err = gctx.Err()
			}
			return err
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(out)
	}()

	for item := range out {
		if !yield(item, nil) {
			cancel()
			for range out {
			}
			<-done
			return
		}
	}
	if err := <-done; err != nil {
		yield(nil, err)
	}
}

// Collect reads every matching item into a slice
func (q *Query) Collect(ctx context.Context) ([]*Item, error) {
	var items []*Item
	for item, err := range q.Items(ctx) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Delete removes every matching item with batched deletes and returns how many were removed.
// It is not atomic: rows written after a page is read are not deleted.
func (q *Query) Delete(ctx context.Context) (int, error) {
	if len(q.attributes) == 0 {
		q.keysOnly = true
	}

	var keys []map[string]types.AttributeValue
	for item, err := range q.Items(ctx) {
		if err != nil {
			return 0, err
		}
		key, err := q.session.keyOf(item.Attributes())
		if err != nil {
			return 0, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	client, err := q.session.Client(ctx)
	if err != nil {
		return 0, err
	}
	requests := make([]types.WriteRequest, len(keys))
	for i, key := range keys {
		requests[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}}
	}

	q.session.logger.Debug("dynamodb query delete",
		zap.String("table", q.session.schema.TableName),
		zap.Int("items", len(keys)))

	if err := core.NewBatchExecutor(client, q.session.retry, q.session.logger).Write(ctx, q.session.schema.TableName, requests); err != nil {
		return 0, err
	}
	return len(keys), nil
}
