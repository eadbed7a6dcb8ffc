// Package cursor encodes DynamoDB LastEvaluatedKey maps as opaque pagination tokens.
package cursor

import (
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/errors"
)

// Encode turns a LastEvaluatedKey into a URL-safe token. An empty key encodes to "", which
// signals that no further pages exist.
func Encode(lastKey map[string]types.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}

	data, err := attr.MarshalMapJSON(lastKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode turns a token produced by Encode back into an ExclusiveStartKey. An empty token decodes
// to a nil key.
func Decode(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidToken, err)
	}

	key, err := attr.UnmarshalMapJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidToken, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", errors.ErrInvalidToken)
	}

	return key, nil
}
