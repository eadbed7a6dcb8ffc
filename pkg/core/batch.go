package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pay-theory/dynaitem/pkg/errors"
)

// RetryPolicy bounds how often unprocessed batch items are resubmitted. Unprocessed items are
// throttling feedback from the store, not failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// maxParallelBatches caps concurrent BatchGetItem calls for one Get
const maxParallelBatches = 4

// BatchExecutor splits reads and writes into store sized batches and resubmits unprocessed items
type BatchExecutor struct {
	client DynamoDBAPI
	retry  RetryPolicy
	logger *zap.Logger
}

// NewBatchExecutor creates a new batch executor
func NewBatchExecutor(client DynamoDBAPI, retry RetryPolicy, logger *zap.Logger) *BatchExecutor {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchExecutor{
		client: client,
		retry:  retry,
		logger: logger,
	}
}

// Write applies every request to table in batches of MaxBatchWriteItems
func (e *BatchExecutor) Write(ctx context.Context, table string, requests []types.WriteRequest) error {
	for i := 0; i < len(requests); i += MaxBatchWriteItems {
		end := min(i+MaxBatchWriteItems, len(requests))
		if err := e.writeBatch(ctx, table, requests[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (e *BatchExecutor) writeBatch(ctx context.Context, table string, batch []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{table: batch}
	for attempt := 0; ; attempt++ {
		output, err := e.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return err
		}

		remaining := 0
		for _, reqs := range output.UnprocessedItems {
			remaining += len(reqs)
		}
		if remaining == 0 {
			return nil
		}
		if attempt+1 >= e.retry.MaxAttempts {
			return fmt.Errorf("%w: %d write requests unprocessed on %s", errors.ErrBatchIncomplete, remaining, table)
		}

		e.logger.Debug("resubmitting unprocessed writes",
			zap.String("table", table),
			zap.Int("remaining", remaining),
			zap.Int("attempt", attempt+1))
		if err := sleep(ctx, e.retry.delay(attempt)); err != nil {
			return err
		}
		pending = output.UnprocessedItems
	}
}

// GetRequest describes a batched point read against one table
type GetRequest struct {
	Table          string
	Keys           []map[string]types.AttributeValue
	Projection     string
	Names          map[string]string
	ConsistentRead bool
}

// Get reads every key in batches of MaxBatchGetItems. Batches run concurrently, so the result
// order is unrelated to the key order. Missing items are omitted.
func (e *BatchExecutor) Get(ctx context.Context, req GetRequest) ([]map[string]types.AttributeValue, error) {
	var (
		mu    sync.Mutex
		items []map[string]types.AttributeValue
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelBatches)
	for i := 0; i < len(req.Keys); i += MaxBatchGetItems {
		end := min(i+MaxBatchGetItems, len(req.Keys))
		batch := req.Keys[i:end]
		g.Go(func() error {
			found, err := e.getBatch(ctx, req, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			items = append(items, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

func (e *BatchExecutor) getBatch(ctx context.Context, req GetRequest, batch []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	keys := types.KeysAndAttributes{
		Keys:           batch,
		ConsistentRead: aws.Bool(req.ConsistentRead),
	}
	if req.Projection != "" {
		keys.ProjectionExpression = aws.String(req.Projection)
		keys.ExpressionAttributeNames = req.Names
	}

	var items []map[string]types.AttributeValue
	pending := map[string]types.KeysAndAttributes{req.Table: keys}
	for attempt := 0; ; attempt++ {
		output, err := e.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, output.Responses[req.Table]...)

		remaining := 0
		for _, ka := range output.UnprocessedKeys {
			remaining += len(ka.Keys)
		}
		if remaining == 0 {
			return items, nil
		}
		if attempt+1 >= e.retry.MaxAttempts {
			return nil, fmt.Errorf("%w: %d keys unprocessed on %s", errors.ErrBatchIncomplete, remaining, req.Table)
		}

		e.logger.Debug("resubmitting unprocessed keys",
			zap.String("table", req.Table),
			zap.Int("remaining", remaining),
			zap.Int("attempt", attempt+1))
		if err := sleep(ctx, e.retry.delay(attempt)); err != nil {
			return nil, err
		}
		pending = output.UnprocessedKeys
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
