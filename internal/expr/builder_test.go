package expr_test

import (
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaitem/internal/expr"
	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/errors"
)

func TestNameAliasesEachPathPart(t *testing.T) {
	b := expr.NewBuilder()

	alias, err := b.Name("profile.addresses[1].city")
	require.NoError(t, err)
	assert.Equal(t, "#n1.#n2[1].#n3", alias)

	assert.Equal(t, map[string]string{
		"#n1": "profile",
		"#n2": "addresses",
		"#n3": "city",
	}, b.Names())

	_, err = b.Name("")
	assert.ErrorIs(t, err, errors.ErrInvalidPath)
}

func TestPlaceholdersNeverReuseAnIndex(t *testing.T) {
	b := expr.NewBuilder()
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		name, err := b.Name("a.b")
		require.NoError(t, err)
		for _, part := range strings.Split(name, ".") {
			assert.False(t, seen[part], part)
			seen[part] = true
		}
		value := b.Value(attr.Int(int64(i)))
		assert.False(t, seen[value], value)
		seen[value] = true
	}

	assert.Len(t, b.Names(), 100)
	assert.Len(t, b.Values(), 50)

	indexes := make(map[string]bool)
	for token := range seen {
		idx := token[2:]
		assert.False(t, indexes[idx], "index %s reused", idx)
		indexes[idx] = true
	}
}

func TestMergeRemapsPlaceholders(t *testing.T) {
	b := expr.NewBuilder()
	own, err := b.Name("status")
	require.NoError(t, err)

	first, err := b.Merge("#s = :v AND #s <> :other",
		map[string]string{"#s": "state"},
		map[string]types.AttributeValue{":v": attr.S("open"), ":other": attr.S("closed")})
	require.NoError(t, err)
	assert.Equal(t, "#n2 = :v3 AND #n2 <> :v4", first)

	second, err := b.Merge("#s = :v",
		map[string]string{"#s": "owner"},
		map[string]types.AttributeValue{":v": attr.S("jon")})
	require.NoError(t, err)
	assert.Equal(t, "#n5 = :v6", second)

	names := b.Names()
	assert.Equal(t, "status", names[own])
	assert.Equal(t, "state", names["#n2"])
	assert.Equal(t, "owner", names["#n5"])
}

func TestMergeRejectsUndefinedPlaceholders(t *testing.T) {
	b := expr.NewBuilder()

	_, err := b.Merge("#missing = :v", nil, map[string]types.AttributeValue{":v": attr.S("x")})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = b.Merge("#a = :v", map[string]string{":a": "x"}, nil)
	assert.Error(t, err)

	_, err = b.Merge("", nil, nil)
	assert.Error(t, err)
}

func TestFromCondition(t *testing.T) {
	b := expr.NewBuilder()
	_, err := b.Name("pk")
	require.NoError(t, err)

	cond := expression.Name("age").GreaterThan(expression.Value(21)).
		And(expression.AttributeExists(expression.Name("email")))

	rendered, err := b.FromCondition(cond)
	require.NoError(t, err)

	names, values := b.Prune(rendered)
	assert.Len(t, names, 2)
	assert.Len(t, values, 1)
	assert.NotContains(t, names, "#n1")
	assert.Contains(t, rendered, ">")
	assert.Contains(t, rendered, "attribute_exists")

	for _, name := range []string{"age", "email"} {
		found := false
		for _, v := range names {
			found = found || v == name
		}
		assert.True(t, found, name)
	}
}

func TestPruneDropsUnusedPlaceholders(t *testing.T) {
	b := expr.NewBuilder()
	a, _ := b.Name("a")
	_, _ = b.Name("unused")
	v := b.Value(attr.S("x"))
	_ = b.Value(attr.S("y"))

	names, values := b.Prune(a + " = " + v)
	assert.Equal(t, map[string]string{a: "a"}, names)
	assert.Len(t, values, 1)
	assert.Contains(t, values, v)

	names, values = b.Prune("")
	assert.Nil(t, names)
	assert.Nil(t, values)
}

func TestBuildUpdateGroupsInOrder(t *testing.T) {
	update := expr.BuildUpdate([]expr.Operation{
		{Action: expr.ActionAdd, Clause: "#n1 :v2"},
		{Action: expr.ActionRemove, Clause: "#n3"},
		{Action: expr.ActionSet, Clause: "#n4 = :v5"},
		{Action: expr.ActionSet, Clause: "#n6 = :v7"},
	})
	assert.Equal(t, "SET #n4 = :v5, #n6 = :v7 REMOVE #n3 ADD #n1 :v2", update)
	assert.Empty(t, expr.BuildUpdate(nil))
}

func TestAnd(t *testing.T) {
	assert.Equal(t, "", expr.And("", ""))
	assert.Equal(t, "a = b", expr.And("", "a = b"))
	assert.Equal(t, "(a = b) AND (attribute_not_exists(#n1))", expr.And("a = b", "attribute_not_exists(#n1)"))
}
