package dynamotest

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/schema"
)

const testTable = "test-table"

func newTestStore() *Store {
	return NewStore(schema.New(testTable, "pk", "sk").WithGSIs(1))
}

func putItem(t *testing.T, s *Store, item document) {
	t.Helper()
	_, err := s.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(testTable),
		Item:      item,
	})
	require.NoError(t, err)
}

func getItem(t *testing.T, s *Store, pk, sk string) document {
	t.Helper()
	out, err := s.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(testTable),
		Key:       document{"pk": attr.S(pk), "sk": attr.S(sk)},
	})
	require.NoError(t, err)
	return out.Item
}

func requireValidation(t *testing.T, err error) {
	t.Helper()
	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr), "expected API error, got %v", err)
	assert.Equal(t, "ValidationException", apiErr.ErrorCode())
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	putItem(t, s, document{"pk": attr.S("person"), "sk": attr.S("123"), "name": attr.S("Jon")})

	item := getItem(t, s, "person", "123")
	require.NotNil(t, item)
	assert.True(t, attr.Equal(attr.S("Jon"), item["name"]))

	// returned items are copies
	item["name"] = attr.S("changed")
	assert.True(t, attr.Equal(attr.S("Jon"), getItem(t, s, "person", "123")["name"]))

	_, err := s.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(testTable),
		Key:       document{"pk": attr.S("person"), "sk": attr.S("123")},
	})
	require.NoError(t, err)
	assert.Nil(t, getItem(t, s, "person", "123"))
	assert.Equal(t, 3, s.Calls("GetItem"))
}

func TestGetItemRejectsBadKeys(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(testTable),
		Key:       document{"pk": attr.S("person")},
	})
	requireValidation(t, err)

	_, err = s.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String("missing"),
		Key:       document{"pk": attr.S("person"), "sk": attr.S("1")},
	})
	var notFound *types.ResourceNotFoundException
	assert.ErrorAs(t, err, &notFound)
}

func TestConditionalPut(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	item := document{"pk": attr.S("person"), "sk": attr.S("123")}

	input := &dynamodb.PutItemInput{
		TableName:                aws.String(testTable),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#n1)"),
		ExpressionAttributeNames: map[string]string{"#n1": "pk"},
	}
	_, err := s.PutItem(ctx, input)
	require.NoError(t, err)

	_, err = s.PutItem(ctx, input)
	var ccf *types.ConditionalCheckFailedException
	assert.ErrorAs(t, err, &ccf)
}

func TestUnusedPlaceholdersAreRejected(t *testing.T) {
	s := newTestStore()

	_, err := s.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName:                 aws.String(testTable),
		Item:                      document{"pk": attr.S("a"), "sk": attr.S("b")},
		ConditionExpression:       aws.String("attribute_not_exists(#n1)"),
		ExpressionAttributeNames:  map[string]string{"#n1": "pk", "#n2": "sk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{},
	})
	requireValidation(t, err)

	_, err = s.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName:           aws.String(testTable),
		Item:                document{"pk": attr.S("a"), "sk": attr.S("b")},
		ConditionExpression: aws.String("#n1 = :v1"),
	})
	requireValidation(t, err)
}

func TestUpdateExpressions(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	putItem(t, s, document{
		"pk":      attr.S("person"),
		"sk":      attr.S("1"),
		"address": attr.Map(document{"city": attr.S("Austin")}),
		"tags":    attr.List(attr.S("a"), attr.S("b"), attr.S("c")),
		"old":     attr.S("x"),
	})

	out, err := s.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(testTable),
		Key:       document{"pk": attr.S("person"), "sk": attr.S("1")},
		UpdateExpression: aws.String("SET #n1.#n2 = :v1, #n3 = list_append(if_not_exists(#n3, :v2), :v3) " +
			"REMOVE #n4, #n5[0] ADD #n6 :v4"),
		ExpressionAttributeNames: map[string]string{
			"#n1": "address", "#n2": "zip", "#n3": "history", "#n4": "old", "#n5": "tags", "#n6": "visits",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v1": attr.S("78701"),
			":v2": attr.List(),
			":v3": attr.List(attr.Int(1)),
			":v4": attr.Int(2),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	require.NoError(t, err)

	item := out.Attributes
	addr, ok := attr.AsMap(item["address"])
	require.True(t, ok)
	assert.True(t, attr.Equal(attr.S("78701"), addr["zip"]))
	assert.True(t, attr.Equal(attr.List(attr.Int(1)), item["history"]))
	assert.True(t, attr.Equal(attr.List(attr.S("b"), attr.S("c")), item["tags"]))
	assert.True(t, attr.Equal(attr.Int(2), item["visits"]))
	assert.NotContains(t, item, "old")
}

func TestUpdateRejectsOverlapAndKeyWrites(t *testing.T) {
	s := newTestStore()
	key := document{"pk": attr.S("person"), "sk": attr.S("1")}

	_, err := s.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName:                 aws.String(testTable),
		Key:                       key,
		UpdateExpression:          aws.String("SET #n1 = :v1 REMOVE #n1"),
		ExpressionAttributeNames:  map[string]string{"#n1": "a"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v1": attr.S("x")},
	})
	requireValidation(t, err)

	_, err = s.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName:                 aws.String(testTable),
		Key:                       key,
		UpdateExpression:          aws.String("SET #n1 = :v1"),
		ExpressionAttributeNames:  map[string]string{"#n1": "pk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v1": attr.S("x")},
	})
	requireValidation(t, err)
}

func TestUpdateCreatesMissingItem(t *testing.T) {
	s := newTestStore()

	_, err := s.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName:                 aws.String(testTable),
		Key:                       document{"pk": attr.S("counter"), "sk": attr.S("1")},
		UpdateExpression:          aws.String("ADD #n1 :v1"),
		ExpressionAttributeNames:  map[string]string{"#n1": "count"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v1": attr.Int(1)},
	})
	require.NoError(t, err)

	item := getItem(t, s, "counter", "1")
	assert.True(t, attr.Equal(attr.Int(1), item["count"]))
}

func seedOrders(t *testing.T, s *Store) {
	for _, sk := range []string{"order#1", "order#2", "order#3", "order#4", "profile"} {
		putItem(t, s, document{"pk": attr.S("cust"), "sk": attr.S(sk), "kind": attr.S(sk[:5])})
	}
	putItem(t, s, document{"pk": attr.S("other"), "sk": attr.S("order#1")})
}

func TestQueryOrderingAndConditions(t *testing.T) {
	s := newTestStore()
	seedOrders(t, s)
	ctx := context.Background()

	query := func(keyCond string, values map[string]types.AttributeValue, forward bool) []string {
		out, err := s.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(testTable),
			KeyConditionExpression:    aws.String(keyCond),
			ExpressionAttributeNames:  map[string]string{"#pk": "pk", "#sk": "sk"},
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(forward),
		})
		require.NoError(t, err)
		var sks []string
		for _, item := range out.Items {
			sk, _ := attr.AsString(item["sk"])
			sks = append(sks, sk)
		}
		return sks
	}

	got := query("#pk = :pk AND begins_with(#sk, :p)", map[string]types.AttributeValue{
		":pk": attr.S("cust"), ":p": attr.S("order#"),
	}, true)
	assert.Equal(t, []string{"order#1", "order#2", "order#3", "order#4"}, got)

	got = query("#pk = :pk AND #sk BETWEEN :lo AND :hi", map[string]types.AttributeValue{
		":pk": attr.S("cust"), ":lo": attr.S("order#2"), ":hi": attr.S("order#3"),
	}, false)
	assert.Equal(t, []string{"order#3", "order#2"}, got)
}

func TestQueryPaging(t *testing.T) {
	s := newTestStore()
	seedOrders(t, s)
	ctx := context.Background()

	var (
		all      []string
		startKey document
		pages    int
	)
	for {
		out, err := s.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(testTable),
			KeyConditionExpression:    aws.String("#pk = :pk"),
			FilterExpression:          aws.String("#k = :k"),
			ExpressionAttributeNames:  map[string]string{"#pk": "pk", "#k": "kind"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":pk": attr.S("cust"), ":k": attr.S("order")},
			Limit:                     aws.Int32(2),
			ExclusiveStartKey:         startKey,
		})
		require.NoError(t, err)
		pages++
		for _, item := range out.Items {
			sk, _ := attr.AsString(item["sk"])
			all = append(all, sk)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	assert.Equal(t, []string{"order#1", "order#2", "order#3", "order#4"}, all)
	assert.Equal(t, 3, pages)
}

func TestQueryRequiresPartitionKeyEquality(t *testing.T) {
	s := newTestStore()

	_, err := s.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(testTable),
		KeyConditionExpression:    aws.String("begins_with(#sk, :p)"),
		ExpressionAttributeNames:  map[string]string{"#sk": "sk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":p": attr.S("x")},
	})
	requireValidation(t, err)
}

func TestIndexIsSparse(t *testing.T) {
	s := newTestStore()
	putItem(t, s, document{"pk": attr.S("a"), "sk": attr.S("1"), "_gsi1pk": attr.S("email"), "_gsi1sk": attr.S("a@x")})
	putItem(t, s, document{"pk": attr.S("b"), "sk": attr.S("1")})

	out, err := s.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(testTable),
		IndexName:                 aws.String("gsi1"),
		KeyConditionExpression:    aws.String("#n1 = :v1"),
		ExpressionAttributeNames:  map[string]string{"#n1": "_gsi1pk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v1": attr.S("email")},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.True(t, attr.Equal(attr.S("a"), out.Items[0]["pk"]))

	_, err = s.Scan(context.Background(), &dynamodb.ScanInput{
		TableName:      aws.String(testTable),
		IndexName:      aws.String("gsi1"),
		ConsistentRead: aws.Bool(true),
	})
	requireValidation(t, err)
}

func TestScanSegmentsPartitionTheTable(t *testing.T) {
	s := newTestStore()
	for _, pk := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		putItem(t, s, document{"pk": attr.S(pk), "sk": attr.S("1")})
	}

	seen := map[string]int{}
	for seg := int32(0); seg < 3; seg++ {
		out, err := s.Scan(context.Background(), &dynamodb.ScanInput{
			TableName:     aws.String(testTable),
			Segment:       aws.Int32(seg),
			TotalSegments: aws.Int32(3),
		})
		require.NoError(t, err)
		for _, item := range out.Items {
			pk, _ := attr.AsString(item["pk"])
			seen[pk]++
		}
	}
	assert.Len(t, seen, 7)
	for pk, n := range seen {
		assert.Equal(t, 1, n, pk)
	}
}

func TestTransactionIsAllOrNothing(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	putItem(t, s, document{"pk": attr.S("guard"), "sk": attr.S("1"), "state": attr.S("locked")})

	_, err := s.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(testTable),
				Item:      document{"pk": attr.S("new"), "sk": attr.S("1")},
			}},
			{ConditionCheck: &types.ConditionCheck{
				TableName:                 aws.String(testTable),
				Key:                       document{"pk": attr.S("guard"), "sk": attr.S("1")},
				ConditionExpression:       aws.String("#n1 = :v1"),
				ExpressionAttributeNames:  map[string]string{"#n1": "state"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":v1": attr.S("open")},
			}},
		},
	})

	var cancelled *types.TransactionCanceledException
	require.ErrorAs(t, err, &cancelled)
	require.Len(t, cancelled.CancellationReasons, 2)
	assert.Equal(t, "None", aws.ToString(cancelled.CancellationReasons[0].Code))
	assert.Equal(t, "ConditionalCheckFailed", aws.ToString(cancelled.CancellationReasons[1].Code))
	assert.Nil(t, getItem(t, s, "new", "1"))
}

func TestTransactionRejectsDuplicateTargets(t *testing.T) {
	s := newTestStore()
	item := document{"pk": attr.S("a"), "sk": attr.S("1")}

	_, err := s.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(testTable), Item: item}},
			{Delete: &types.Delete{TableName: aws.String(testTable), Key: item}},
		},
	})
	requireValidation(t, err)
}

func TestBatchLimitLeavesUnprocessed(t *testing.T) {
	s := newTestStore()
	s.SetBatchLimit(2)
	ctx := context.Background()

	var reqs []types.WriteRequest
	var keys []map[string]types.AttributeValue
	for _, sk := range []string{"1", "2", "3"} {
		item := document{"pk": attr.S("p"), "sk": attr.S(sk)}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		keys = append(keys, item)
	}

	out, err := s.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{testTable: reqs},
	})
	require.NoError(t, err)
	assert.Len(t, out.UnprocessedItems[testTable], 1)

	got, err := s.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{testTable: {Keys: keys}},
	})
	require.NoError(t, err)
	assert.Len(t, got.Responses[testTable], 2)
	assert.Len(t, got.UnprocessedKeys[testTable].Keys, 1)
}

func TestCreateTableThroughSchema(t *testing.T) {
	s := NewStore()
	sc := schema.New("created", "pk", "").WithGSIs(2)

	require.NoError(t, schema.CreateTable(context.Background(), s, sc))
	require.NoError(t, schema.CreateTable(context.Background(), s, sc))

	out, err := s.DescribeTable(context.Background(), &dynamodb.DescribeTableInput{TableName: aws.String("created")})
	require.NoError(t, err)
	assert.Equal(t, types.TableStatusActive, out.Table.TableStatus)

	_, err = s.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String("created"),
		Item:      document{"pk": attr.S("only"), "_gsi2pk": attr.Int(1)},
	})
	requireValidation(t, err)
}
