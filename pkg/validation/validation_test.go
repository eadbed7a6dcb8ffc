package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaitem/pkg/errors"
)

func TestParsePath(t *testing.T) {
	parts, err := ParsePath("profile.addresses[0][2].city")
	require.NoError(t, err)
	assert.Equal(t, []PathPart{
		{Name: "profile"},
		{Name: "addresses", Indexes: []int{0, 2}},
		{Name: "city"},
	}, parts)

	parts, err = ParsePath("first-name")
	require.NoError(t, err)
	assert.Equal(t, []PathPart{{Name: "first-name"}}, parts)
}

func TestParsePathErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "empty", path: "", wantErr: "cannot be empty"},
		{name: "empty part", path: "a..b", wantErr: "path part cannot be empty"},
		{name: "missing index digits", path: "items[]", wantErr: "list index must be a non-negative number"},
		{name: "negative index", path: "items[-1]", wantErr: "list index must be a non-negative number"},
		{name: "trailing characters", path: "items[0]extra", wantErr: "unexpected characters after list index"},
		{name: "unterminated", path: "items[0", wantErr: "unterminated list index"},
		{name: "index without name", path: "[0]", wantErr: "attribute name cannot be empty"},
		{name: "control characters", path: "a\x00b", wantErr: "control characters"},
		{name: "too deep", path: strings.Repeat("a.", MaxNestedDepth) + "a", wantErr: "nested path depth"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAttributePath(tc.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.ErrorIs(t, err, errors.ErrInvalidPath)
			assert.True(t, errors.IsInvalidRequest(err))
		})
	}
}

func TestValidateNames(t *testing.T) {
	assert.NoError(t, ValidateTableName("people"))
	assert.Error(t, ValidateTableName("ab"))
	assert.Error(t, ValidateTableName("bad name"))

	assert.NoError(t, ValidateIndexName(""))
	assert.NoError(t, ValidateIndexName("gsi1"))
	assert.Error(t, ValidateIndexName("g"))

	assert.NoError(t, ValidateAttributeName("pk"))
	assert.Error(t, ValidateAttributeName("a.b"))
	assert.Error(t, ValidateAttributeName(""))

	var vErr *ValidationError
	require.ErrorAs(t, ValidateTableName("x"), &vErr)
	assert.Equal(t, "InvalidTableName", vErr.Type)
}

func TestValidateExpressionAndPlaceholder(t *testing.T) {
	assert.NoError(t, ValidateExpression("attribute_exists(#pk)"))
	assert.Error(t, ValidateExpression("  "))
	assert.Error(t, ValidateExpression(strings.Repeat("a", MaxExpressionLength+1)))

	assert.NoError(t, ValidatePlaceholder("#name"))
	assert.NoError(t, ValidatePlaceholder(":v_1"))
	assert.Error(t, ValidatePlaceholder("name"))
	assert.Error(t, ValidatePlaceholder("#"))
	assert.Error(t, ValidatePlaceholder(":a-b"))
}
