package dynamotest

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaitem/pkg/attr"
)

func TestConditionEvaluation(t *testing.T) {
	item := document{
		"name":  attr.S("Jon Smith"),
		"age":   attr.Int(42),
		"tags":  attr.SS("a", "b"),
		"items": attr.List(attr.S("x"), attr.Map(document{"qty": attr.Int(3)})),
		"flag":  attr.Bool(true),
	}
	names := map[string]string{"#name": "name", "#age": "age", "#tags": "tags", "#items": "items", "#qty": "qty", "#none": "none"}
	values := map[string]types.AttributeValue{
		":jon": attr.S("Jon"),
		":40":  attr.Int(40),
		":50":  attr.Int(50),
		":a":   attr.S("a"),
		":s":   attr.S("S"),
		":3":   attr.Int(3),
		":2":   attr.Int(2),
	}

	cases := map[string]bool{
		"begins_with(#name, :jon)":                     true,
		"contains(#name, :jon) AND #age > :40":         true,
		"#age BETWEEN :40 AND :50":                     true,
		"#age IN (:2, :3)":                             false,
		"NOT #age < :40":                               true,
		"contains(#tags, :a)":                          true,
		"attribute_type(#name, :s)":                    true,
		"#items[1].#qty = :3":                          true,
		"size(#tags) = :2":                             true,
		"attribute_exists(#none) OR #age >= :50":       false,
		"attribute_not_exists(#none) AND (#age <> :3)": true,
		"#none <> :3":                                  true,
		"#none = :3":                                   false,
	}
	for expr, want := range cases {
		t.Run(expr, func(t *testing.T) {
			c, err := parseCondition(expr, names, values)
			require.NoError(t, err)
			assert.Equal(t, want, c.eval(item))
		})
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"#missing = :v",
		"#a = :missing",
		"#a = ",
		"unknown_fn(#a)",
		"#a BETWEEN :v",
		"(#a = :v",
		"#a = :v extra",
	}
	names := map[string]string{"#a": "a"}
	values := map[string]types.AttributeValue{":v": attr.S("x")}
	for _, expr := range bad {
		t.Run(expr, func(t *testing.T) {
			_, err := parseCondition(expr, names, values)
			assert.Error(t, err)
		})
	}
}

func TestParseUpdateClauses(t *testing.T) {
	names := map[string]string{"#a": "a", "#b": "b"}
	values := map[string]types.AttributeValue{":v": attr.Int(1)}

	actions, err := parseUpdate("SET #a = #a + :v REMOVE #b[2]", names, values)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, updateSet, actions[0].kind)
	assert.Equal(t, "b[2]", actions[1].path.String())

	_, err = parseUpdate("SET #a = :v SET #b = :v", names, values)
	assert.Error(t, err)

	_, err = parseUpdate("ADD #a #b", names, values)
	assert.Error(t, err)
}

func TestSetValuesReadTheOriginalItem(t *testing.T) {
	names := map[string]string{"#a": "a", "#b": "b"}
	values := map[string]types.AttributeValue{":v": attr.Int(1)}
	item := document{"a": attr.Int(1), "b": attr.Int(10)}

	actions, err := parseUpdate("SET #a = #b + :v, #b = #a - :v", names, values)
	require.NoError(t, err)

	out, err := applyUpdate(item, actions)
	require.NoError(t, err)
	assert.True(t, attr.Equal(attr.Int(11), out["a"]))
	assert.True(t, attr.Equal(attr.Int(0), out["b"]))
	assert.True(t, attr.Equal(attr.Int(1), item["a"]))
}

func TestProjection(t *testing.T) {
	item := document{
		"a": attr.S("x"),
		"m": attr.Map(document{"inner": attr.S("y"), "other": attr.S("z")}),
		"b": attr.S("dropped"),
	}
	paths, err := parseProjection("#a, m.inner", map[string]string{"#a": "a"})
	require.NoError(t, err)

	out := project(item, paths)
	assert.Len(t, out, 2)
	inner, ok := attr.AsMap(out["m"])
	require.True(t, ok)
	assert.Len(t, inner, 1)
	assert.True(t, attr.Equal(attr.S("y"), inner["inner"]))
}
