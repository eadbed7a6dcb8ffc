package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TableAPI is the subset of the DynamoDB client needed to create tables
type TableAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// TableOption configures table creation options
type TableOption func(*dynamodb.CreateTableInput)

// WithBillingMode sets the billing mode for the table
func WithBillingMode(mode types.BillingMode) TableOption {
	return func(input *dynamodb.CreateTableInput) {
		input.BillingMode = mode
		if mode == types.BillingModePayPerRequest {
			input.ProvisionedThroughput = nil
		}
	}
}

// WithThroughput sets provisioned throughput for the table
func WithThroughput(rcu, wcu int64) TableOption {
	return func(input *dynamodb.CreateTableInput) {
		input.BillingMode = types.BillingModeProvisioned
		input.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(rcu),
			WriteCapacityUnits: aws.Int64(wcu),
		}
	}
}

// WithStreamSpecification enables DynamoDB streams
func WithStreamSpecification(spec types.StreamSpecification) TableOption {
	return func(input *dynamodb.CreateTableInput) {
		input.StreamSpecification = &spec
	}
}

// CreateTableInput builds the request that creates the table described by s. Every key
// attribute is declared as a string.
func (s TableSchema) CreateTableInput(opts ...TableOption) *dynamodb.CreateTableInput {
	input := &dynamodb.CreateTableInput{
		TableName:   aws.String(s.TableName),
		BillingMode: types.BillingModePayPerRequest,
		KeySchema:   keySchema(s.PartitionKey, s.SortKey),
	}

	defined := map[string]bool{}
	define := func(name string) {
		if name == "" || defined[name] {
			return
		}
		defined[name] = true
		input.AttributeDefinitions = append(input.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: types.ScalarAttributeTypeS,
		})
	}
	define(s.PartitionKey)
	define(s.SortKey)

	for _, idx := range s.Indexes {
		define(idx.PartitionKey)
		define(idx.SortKey)

		projection := &types.Projection{ProjectionType: types.ProjectionTypeAll}
		if idx.Projection != "" {
			projection.ProjectionType = types.ProjectionType(idx.Projection)
		}

		if idx.Type == LocalIndex {
			input.LocalSecondaryIndexes = append(input.LocalSecondaryIndexes, types.LocalSecondaryIndex{
				IndexName:  aws.String(idx.Name),
				KeySchema:  keySchema(s.PartitionKey, idx.SortKey),
				Projection: projection,
			})
			continue
		}
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
			IndexName:  aws.String(idx.Name),
			KeySchema:  keySchema(idx.PartitionKey, idx.SortKey),
			Projection: projection,
		})
	}

	for _, opt := range opts {
		opt(input)
	}
	return input
}

// CreateTable creates the table if it does not exist and waits for it to become active.
func CreateTable(ctx context.Context, client TableAPI, s TableSchema, opts ...TableOption) error {
	if err := s.Validate(); err != nil {
		return err
	}

	_, err := client.CreateTable(ctx, s.CreateTableInput(opts...))
	if err != nil {
		var existsErr *types.ResourceInUseException
		if errors.As(err, &existsErr) {
			return nil
		}
		return fmt.Errorf("failed to create table %s: %w", s.TableName, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = 100 * time.Millisecond
		o.MaxDelay = 5 * time.Second
	})
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	}, 5*time.Minute)
}

func keySchema(pk, sk string) []types.KeySchemaElement {
	schema := []types.KeySchemaElement{
		{
			AttributeName: aws.String(pk),
			KeyType:       types.KeyTypeHash,
		},
	}
	if sk != "" {
		schema = append(schema, types.KeySchemaElement{
			AttributeName: aws.String(sk),
			KeyType:       types.KeyTypeRange,
		})
	}
	return schema
}
