package dynaitem

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaitem/pkg/attr"
	dynerrors "github.com/pay-theory/dynaitem/pkg/errors"
	"github.com/pay-theory/dynaitem/pkg/schema"
)

var placeholderToken = regexp.MustCompile(`[#:][A-Za-z0-9_]+`)

func TestPlaceholdersNeverCollide(t *testing.T) {
	s, _ := newTestSession(t)

	m, err := s.Mutate("person", "1")
	require.NoError(t, err)
	m.SetString("name", "Jon").
		Set("address.city", attr.S("Austin")).
		Increment("visits", 1).
		AddToList("history", attr.S("login")).
		Remove("legacy").
		Condition("#s = :s AND #n1 <> :v1",
			map[string]string{"#s": "status", "#n1": "name"},
			map[string]types.AttributeValue{":s": attr.S("active"), ":v1": attr.S("Ann")})

	req, err := m.resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, writeUpdate, req.kind)

	seen := make(map[string]bool)
	for token := range req.names {
		assert.False(t, seen[token], "duplicate %s", token)
		seen[token] = true
	}
	for token := range req.values {
		assert.False(t, seen[token], "duplicate %s", token)
		seen[token] = true
	}

	// every placeholder used is defined and every defined one is used
	used := make(map[string]bool)
	for _, token := range placeholderToken.FindAllString(req.update+" "+req.condition, -1) {
		used[token] = true
	}
	assert.Equal(t, seen, used)

	assert.NotContains(t, req.condition, "#s ")
	assert.True(t, strings.HasPrefix(req.update, "SET "))
	assert.Contains(t, req.update, " REMOVE ")
	assert.Contains(t, req.update, " ADD ")
}

func TestRepeatedSetKeepsLast(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	item, err := s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("name", "first").SetString("name", "second").Remove("age").SetInt("age", 3)
	})
	require.NoError(t, err)

	name, err := item.GetString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "second", name)

	age, err := item.GetInt(ctx, "age")
	require.NoError(t, err)
	assert.Equal(t, int64(3), age)
}

func TestSetNilRemoves(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	putPerson(t, s, "1", "Jon", 30)

	item, err := s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.Set("age", nil)
	})
	require.NoError(t, err)

	_, ok := item.Attr("age")
	assert.False(t, ok)
}

func TestIncrementAccumulates(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	m, err := s.Mutate("person", "1")
	require.NoError(t, err)
	m.Increment("count", 1).Increment("count", 1)
	req, err := m.resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(req.update, ":v"))

	item, err := m.Save(ctx)
	require.NoError(t, err)
	n, err := item.GetInt(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for range 2 {
		item, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
			m.Increment("count", 1)
		})
		require.NoError(t, err)
	}
	n, err = item.GetInt(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	item, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.IncrementDecimal("balance", "0.1").IncrementDecimal("balance", "0.2")
	})
	require.NoError(t, err)
	balance, err := item.GetNumber(ctx, "balance")
	require.NoError(t, err)
	assert.Equal(t, "0.3", balance)
}

func TestListOperations(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	item, err := s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.AddToList("tags", attr.S("a")).AddToList("tags", attr.S("b"), attr.S("c"))
	})
	require.NoError(t, err)
	tags, err := item.GetList(ctx, "tags")
	require.NoError(t, err)
	require.Len(t, tags, 3)

	item, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.RemoveFromList("tags", 0)
	})
	require.NoError(t, err)
	tags, err = item.GetList(ctx, "tags")
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.True(t, attr.Equal(attr.S("b"), tags[0]))
}

func TestOverlappingPaths(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	rejected := map[string]Mutator{
		"append then remove index": func(m *MutableItem) {
			m.AddToList("tags", attr.S("c")).RemoveFromList("tags", 0)
		},
		"set then remove index": func(m *MutableItem) {
			m.Set("tags", attr.List(attr.S("a"))).RemoveFromList("tags", 0)
		},
		"set parent then child": func(m *MutableItem) {
			m.Set("profile", attr.Map(nil)).SetString("profile.city", "Oslo")
		},
		"increment under set": func(m *MutableItem) {
			m.Set("stats", attr.Map(nil)).Increment("stats.visits", 1)
		},
	}
	for name, fn := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := s.Update(ctx, "person", "1", fn)
			assert.True(t, dynerrors.IsInvalidRequest(err))
		})
	}

	// a later assignment to a parent replaces pending changes beneath it
	item, err := s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("profile.city", "Oslo").
			Set("profile", attr.Map(map[string]types.AttributeValue{"city": attr.S("Bergen")}))
	})
	require.NoError(t, err)
	profile, err := item.GetMap(ctx, "profile")
	require.NoError(t, err)
	assert.True(t, attr.Equal(attr.S("Bergen"), profile["city"]))

	_, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.AddToList("tags", attr.S("a"), attr.S("b"), attr.S("c"))
	})
	require.NoError(t, err)
	item, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.RemoveFromList("tags", 0).RemoveFromList("tags", 0).RemoveFromList("tags", 2)
	})
	require.NoError(t, err)
	tags, err := item.GetList(ctx, "tags")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.True(t, attr.Equal(attr.S("b"), tags[0]))
}

func TestReservedAttributes(t *testing.T) {
	s, _ := newTestSession(t)

	for _, key := range []string{"pk", "sk", "_gsi1pk", "sk.nested"} {
		m, err := s.Mutate("person", "1")
		require.NoError(t, err)
		m.SetString(key, "x")
		assert.ErrorIs(t, m.Err(), dynerrors.ErrReservedAttribute, key)
	}

	m, err := s.Mutate("person", "1")
	require.NoError(t, err)
	m.SetString("", "x")
	assert.True(t, dynerrors.IsInvalidRequest(m.Err()))
}

func TestSetGSIAndTTL(t *testing.T) {
	s, store := newTestSession(t)
	ctx := context.Background()
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetGSI(1, "email#jon@example.com", "2024").SetTTL(expires)
	})
	require.NoError(t, err)

	rows := store.Items(testTable)
	require.Len(t, rows, 1)
	assert.True(t, attr.Equal(attr.S("email#jon@example.com"), rows[0][schema.GSIPartitionKey(1)]))
	assert.True(t, attr.Equal(attr.S("2024"), rows[0][schema.GSISortKey(1)]))
	assert.True(t, attr.Equal(attr.Int(expires.Unix()), rows[0]["expires"]))
}

func TestDoNotOverwrite(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	create := func(m *MutableItem) { m.SetString("name", "Jon").DoNotOverwrite() }

	_, err := s.Put(ctx, "person", "1", create)
	require.NoError(t, err)

	_, err = s.Put(ctx, "person", "1", create)
	require.Error(t, err)
	assert.ErrorIs(t, err, dynerrors.ErrDuplicateItem)

	var dup *dynerrors.DuplicateItemError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, testTable, dup.Table)
}

func TestDoNotOverwriteWithFailingCondition(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("name", "Jon").
			DoNotOverwrite().
			Condition("attribute_exists(#x)", map[string]string{"#x": "x"}, nil)
	})
	require.Error(t, err)
	assert.True(t, dynerrors.IsConditionFailed(err))
	assert.False(t, dynerrors.IsDuplicate(err))
}

func TestConditions(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	_, err := s.Put(ctx, "person", "1", func(m *MutableItem) { m.SetString("status", "closed") })
	require.NoError(t, err)

	_, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("note", "x").ConditionAttributeEquals("status", attr.S("open"))
	})
	assert.True(t, dynerrors.IsConditionFailed(err))

	_, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("note", "x").ConditionBuilder(expression.Name("status").Equal(expression.Value("closed")))
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, "person", "2", func(m *MutableItem) {
		m.SetString("note", "x").MustExist()
	})
	assert.True(t, dynerrors.IsConditionFailed(err))

	_, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("note", "y").RequireAttributeNotExists("note")
	})
	assert.True(t, dynerrors.IsConditionFailed(err))

	_, err = s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("note", "y").RequireAttributeExists("note")
	})
	require.NoError(t, err)
}

func TestConditionRejectsUndefinedPlaceholder(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Update(context.Background(), "person", "1", func(m *MutableItem) {
		m.SetString("a", "b").Condition("#missing = :v", nil, nil)
	})
	assert.True(t, dynerrors.IsInvalidRequest(err))
}

func TestUpdateWithoutChangesRereads(t *testing.T) {
	s, store := newTestSession(t)
	ctx := context.Background()
	putPerson(t, s, "1", "Jon", 30)

	item, err := s.Update(ctx, "person", "1", nil)
	require.NoError(t, err)
	assert.True(t, item.Loaded())
	assert.Equal(t, 0, store.Calls("UpdateItem"))

	name, err := item.GetString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "Jon", name)
}

func TestUpdateReturnValues(t *testing.T) {
	s, store := newTestSession(t)
	ctx := context.Background()
	putPerson(t, s, "1", "Jon", 30)

	item, err := s.Update(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("name", "Ann").ReturnValues(types.ReturnValueNone)
	})
	require.NoError(t, err)
	assert.False(t, item.Loaded())

	name, err := item.GetString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "Ann", name)
	assert.Equal(t, 1, store.Calls("GetItem"))
}

func TestPutReplacesItem(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	putPerson(t, s, "1", "Jon", 30)

	_, err := s.Put(ctx, "person", "1", func(m *MutableItem) {
		m.SetString("name", "Ann").Set("profile.city", attr.S("Austin"))
	})
	require.NoError(t, err)

	item, err := s.Get(ctx, "person", "1")
	require.NoError(t, err)
	_, ok := item.Attr("age")
	assert.False(t, ok)
	profile, err := item.GetMap(ctx, "profile")
	require.NoError(t, err)
	assert.True(t, attr.Equal(attr.S("Austin"), profile["city"]))

	_, err = s.PutAttributes(ctx, "person", "1", map[string]types.AttributeValue{
		"pk":   attr.S("ignored"),
		"name": attr.S("Raw"),
	})
	require.NoError(t, err)
	item, err = s.Get(ctx, "person", "1")
	require.NoError(t, err)
	name, err := item.GetString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "Raw", name)
}

func TestDeleteReturnsOldItem(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	putPerson(t, s, "1", "Jon", 30)

	_, err := s.Delete(ctx, "person", "1", func(m *MutableItem) {
		m.ConditionAttributeEquals("name", attr.S("Ann"))
	})
	assert.True(t, dynerrors.IsConditionFailed(err))

	old, err := s.Delete(ctx, "person", "1", nil)
	require.NoError(t, err)
	name, err := old.GetString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "Jon", name)

	_, err = s.Get(ctx, "person", "1")
	assert.ErrorIs(t, err, dynerrors.ErrItemNotFound)

	gone, err := s.Delete(ctx, "person", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", gone.SortKey())
}

func TestDeleteRejectsChanges(t *testing.T) {
	s, store := newTestSession(t)
	ctx := context.Background()
	putPerson(t, s, "1", "Jon", 30)

	_, err := s.Delete(ctx, "person", "1", func(m *MutableItem) { m.SetString("name", "Ann") })
	assert.True(t, dynerrors.IsInvalidRequest(err))
	assert.Equal(t, 0, store.Calls("DeleteItem"))

	item, err := s.Get(ctx, "person", "1")
	require.NoError(t, err)
	name, err := item.GetString(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "Jon", name)
}
