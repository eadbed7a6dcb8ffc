package attr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MarshalJSON encodes av in DynamoDB-JSON form, for example {"S":"x"} or {"L":[{"N":"1"}]}.
// Binary values are base64 encoded. Output is compact with map keys sorted.
func MarshalJSON(av types.AttributeValue) ([]byte, error) {
	v, err := toJSONValue(av)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// MarshalMapJSON encodes an attribute map as a JSON object of DynamoDB-JSON values.
func MarshalMapJSON(m map[string]types.AttributeValue) ([]byte, error) {
	out := make(map[string]any, len(m))
	for key, av := range m {
		v, err := toJSONValue(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", key, err)
		}
		out[key] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes one DynamoDB-JSON value. The object must carry exactly one known type tag.
func UnmarshalJSON(data []byte) (types.AttributeValue, error) {
	return fromJSON(data)
}

// UnmarshalMapJSON decodes a JSON object of DynamoDB-JSON values into an attribute map.
func UnmarshalMapJSON(data []byte) (map[string]types.AttributeValue, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode attribute map: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode attribute map: not an object")
	}
	out := make(map[string]types.AttributeValue, len(raw))
	for key, msg := range raw {
		av, err := fromJSON(msg)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", key, err)
		}
		out[key] = av
	}
	return out, nil
}

func toJSONValue(av types.AttributeValue) (map[string]any, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return map[string]any{"S": v.Value}, nil
	case *types.AttributeValueMemberN:
		return map[string]any{"N": v.Value}, nil
	case *types.AttributeValueMemberB:
		return map[string]any{"B": base64.StdEncoding.EncodeToString(v.Value)}, nil
	case *types.AttributeValueMemberBOOL:
		return map[string]any{"BOOL": v.Value}, nil
	case *types.AttributeValueMemberNULL:
		return map[string]any{"NULL": true}, nil
	case *types.AttributeValueMemberL:
		list := make([]any, len(v.Value))
		for i, elem := range v.Value {
			enc, err := toJSONValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = enc
		}
		return map[string]any{"L": list}, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]any, len(v.Value))
		for key, elem := range v.Value {
			enc, err := toJSONValue(elem)
			if err != nil {
				return nil, err
			}
			m[key] = enc
		}
		return map[string]any{"M": m}, nil
	case *types.AttributeValueMemberSS:
		return map[string]any{"SS": nonNilStrings(v.Value)}, nil
	case *types.AttributeValueMemberNS:
		return map[string]any{"NS": nonNilStrings(v.Value)}, nil
	case *types.AttributeValueMemberBS:
		encoded := make([]string, len(v.Value))
		for i, b := range v.Value {
			encoded[i] = base64.StdEncoding.EncodeToString(b)
		}
		return map[string]any{"BS": encoded}, nil
	default:
		return nil, fmt.Errorf("unsupported attribute value type %T", av)
	}
}

func fromJSON(data []byte) (types.AttributeValue, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("decode attribute value: %w", err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("attribute value must have exactly one type tag, got %d", len(tagged))
	}

	for tag, body := range tagged {
		switch Kind(tag) {
		case KindString:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("S value must be a string: %w", err)
			}
			return &types.AttributeValueMemberS{Value: s}, nil
		case KindNumber:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("N value must be a string: %w", err)
			}
			return &types.AttributeValueMemberN{Value: s}, nil
		case KindBinary:
			b, err := decodeBinary(body)
			if err != nil {
				return nil, err
			}
			return &types.AttributeValueMemberB{Value: b}, nil
		case KindBool:
			var b bool
			if err := json.Unmarshal(body, &b); err != nil {
				return nil, fmt.Errorf("BOOL value must be a boolean: %w", err)
			}
			return &types.AttributeValueMemberBOOL{Value: b}, nil
		case KindNull:
			var b bool
			if err := json.Unmarshal(body, &b); err != nil || !b {
				return nil, fmt.Errorf("NULL value must be true")
			}
			return &types.AttributeValueMemberNULL{Value: true}, nil
		case KindList:
			var elems []json.RawMessage
			if err := json.Unmarshal(body, &elems); err != nil || elems == nil {
				return nil, fmt.Errorf("L value must be an array")
			}
			list := make([]types.AttributeValue, len(elems))
			for i, elem := range elems {
				av, err := fromJSON(elem)
				if err != nil {
					return nil, fmt.Errorf("list index %d: %w", i, err)
				}
				list[i] = av
			}
			return &types.AttributeValueMemberL{Value: list}, nil
		case KindMap:
			var entries map[string]json.RawMessage
			if err := json.Unmarshal(body, &entries); err != nil || entries == nil {
				return nil, fmt.Errorf("M value must be an object")
			}
			m := make(map[string]types.AttributeValue, len(entries))
			for key, elem := range entries {
				av, err := fromJSON(elem)
				if err != nil {
					return nil, fmt.Errorf("map key %q: %w", key, err)
				}
				m[key] = av
			}
			return &types.AttributeValueMemberM{Value: m}, nil
		case KindStringSet, KindNumberSet:
			var members []string
			if err := json.Unmarshal(body, &members); err != nil || members == nil {
				return nil, fmt.Errorf("%s value must be an array of strings", tag)
			}
			if Kind(tag) == KindStringSet {
				return &types.AttributeValueMemberSS{Value: members}, nil
			}
			return &types.AttributeValueMemberNS{Value: members}, nil
		case KindBinarySet:
			var members []string
			if err := json.Unmarshal(body, &members); err != nil || members == nil {
				return nil, fmt.Errorf("BS value must be an array of strings")
			}
			set := make([][]byte, len(members))
			for i, s := range members {
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("decode binary set member: %w", err)
				}
				set[i] = b
			}
			return &types.AttributeValueMemberBS{Value: set}, nil
		default:
			return nil, fmt.Errorf("unknown attribute value type tag %q", tag)
		}
	}
	return nil, fmt.Errorf("attribute value has no type tag")
}

func decodeBinary(body json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("B value must be a base64 string: %w", err)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode binary: %w", err)
	}
	return b, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
