package dynaitem

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaitem/pkg/attr"
	dynerrors "github.com/pay-theory/dynaitem/pkg/errors"
)

func TestChangeFromRecord(t *testing.T) {
	s, store := newTestSession(t)
	ctx := context.Background()

	record := events.DynamoDBEventRecord{
		EventName: "MODIFY",
		Change: events.DynamoDBStreamRecord{
			OldImage: map[string]events.DynamoDBAttributeValue{
				"pk":     events.NewStringAttribute("ORDER#123"),
				"sk":     events.NewStringAttribute("METADATA"),
				"status": events.NewStringAttribute("pending"),
			},
			NewImage: map[string]events.DynamoDBAttributeValue{
				"pk":     events.NewStringAttribute("ORDER#123"),
				"sk":     events.NewStringAttribute("METADATA"),
				"status": events.NewStringAttribute("shipped"),
				"total":  events.NewNumberAttribute("99.99"),
				"items": events.NewListAttribute([]events.DynamoDBAttributeValue{
					events.NewStringAttribute("ITEM1"),
					events.NewStringAttribute("ITEM2"),
				}),
			},
		},
	}

	change, err := s.ChangeFromRecord(record)
	require.NoError(t, err)
	assert.Equal(t, "MODIFY", change.EventName)
	require.NotNil(t, change.Old)
	require.NotNil(t, change.New)

	before, err := change.Old.GetString(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, "pending", before)

	after, err := change.New.GetString(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, "shipped", after)

	total, err := change.New.GetFloat(ctx, "total")
	require.NoError(t, err)
	assert.Equal(t, 99.99, total)

	items, err := change.New.GetList(ctx, "items")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// facades never reach the store
	_, err = change.Old.GetString(ctx, "total")
	require.NoError(t, err)
	assert.Equal(t, 0, store.Calls("GetItem"))
}

func TestChangeInsertAndRemove(t *testing.T) {
	s, _ := newTestSession(t)
	key := map[string]types.AttributeValue{"pk": attr.S("a"), "sk": attr.S("b")}

	insert, err := s.Change(nil, key)
	require.NoError(t, err)
	assert.Nil(t, insert.Old)
	assert.NotNil(t, insert.New)

	remove, err := s.Change(key, nil)
	require.NoError(t, err)
	assert.NotNil(t, remove.Old)
	assert.Nil(t, remove.New)

	_, err = s.Change(map[string]types.AttributeValue{"pk": attr.S("a")}, nil)
	assert.ErrorIs(t, err, dynerrors.ErrMissingKey)
}

func TestStreamImageConvertsEveryType(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"s":    events.NewStringAttribute("x"),
		"n":    events.NewNumberAttribute("12"),
		"b":    events.NewBinaryAttribute([]byte("data")),
		"bool": events.NewBooleanAttribute(true),
		"null": events.NewNullAttribute(),
		"ss":   events.NewStringSetAttribute([]string{"a", "b"}),
		"ns":   events.NewNumberSetAttribute([]string{"1", "2"}),
		"bs":   events.NewBinarySetAttribute([][]byte{{1}, {2}}),
		"m": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"inner": events.NewListAttribute([]events.DynamoDBAttributeValue{events.NewNumberAttribute("3")}),
		}),
	}

	got, err := StreamImage(image)
	require.NoError(t, err)

	want := map[string]types.AttributeValue{
		"s":    attr.S("x"),
		"n":    attr.N("12"),
		"b":    attr.Bin([]byte("data")),
		"bool": attr.Bool(true),
		"null": attr.Null(),
		"ss":   attr.SS("a", "b"),
		"ns":   attr.NS("1", "2"),
		"bs":   &types.AttributeValueMemberBS{Value: [][]byte{{1}, {2}}},
		"m":    attr.Map(map[string]types.AttributeValue{"inner": attr.List(attr.N("3"))}),
	}
	assert.True(t, attr.MapsEqual(want, got))

	empty, err := StreamImage(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
