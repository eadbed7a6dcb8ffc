package attr

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Field binds an attribute name to an encode/decode pair so model structs can declare typed
// accessors without reflection.
type Field[T any] struct {
	Name   string
	Encode func(T) (types.AttributeValue, error)
	Decode func(types.AttributeValue) (T, bool)
}

// Get decodes the field from m. ok is false when the attribute is absent or holds another variant.
func (f Field[T]) Get(m map[string]types.AttributeValue) (T, bool) {
	av, found := m[f.Name]
	if !found {
		var zero T
		return zero, false
	}
	return f.Decode(av)
}

// Put encodes v and stores it in m under the field name.
func (f Field[T]) Put(m map[string]types.AttributeValue, v T) error {
	av, err := f.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Name, err)
	}
	m[f.Name] = av
	return nil
}

// StringField declares a string attribute.
func StringField(name string) Field[string] {
	return Field[string]{
		Name:   name,
		Encode: func(v string) (types.AttributeValue, error) { return S(v), nil },
		Decode: AsString,
	}
}

// IntField declares an integer number attribute.
func IntField(name string) Field[int64] {
	return Field[int64]{
		Name:   name,
		Encode: func(v int64) (types.AttributeValue, error) { return Int(v), nil },
		Decode: AsInt,
	}
}

// FloatField declares a floating point number attribute.
func FloatField(name string) Field[float64] {
	return Field[float64]{
		Name:   name,
		Encode: func(v float64) (types.AttributeValue, error) { return Float(v), nil },
		Decode: AsFloat,
	}
}

// BoolField declares a boolean attribute.
func BoolField(name string) Field[bool] {
	return Field[bool]{
		Name:   name,
		Encode: func(v bool) (types.AttributeValue, error) { return Bool(v), nil },
		Decode: AsBool,
	}
}

// BytesField declares a binary attribute.
func BytesField(name string) Field[[]byte] {
	return Field[[]byte]{
		Name:   name,
		Encode: func(v []byte) (types.AttributeValue, error) { return Bin(v), nil },
		Decode: AsBinary,
	}
}

// StringSetField declares a string set attribute. An empty set cannot be stored.
func StringSetField(name string) Field[[]string] {
	return Field[[]string]{
		Name: name,
		Encode: func(v []string) (types.AttributeValue, error) {
			if len(v) == 0 {
				return nil, fmt.Errorf("string set is empty")
			}
			return SS(v...), nil
		},
		Decode: AsStringSet,
	}
}

// TimeField declares a timestamp stored as an RFC 3339 string in UTC.
func TimeField(name string) Field[time.Time] {
	return Field[time.Time]{
		Name: name,
		Encode: func(v time.Time) (types.AttributeValue, error) {
			return S(v.UTC().Format(time.RFC3339Nano)), nil
		},
		Decode: func(av types.AttributeValue) (time.Time, bool) {
			s, ok := AsString(av)
			if !ok {
				return time.Time{}, false
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return time.Time{}, false
			}
			return t, true
		},
	}
}

// EpochField declares a timestamp stored as epoch seconds, the form TTL attributes use.
func EpochField(name string) Field[time.Time] {
	return Field[time.Time]{
		Name: name,
		Encode: func(v time.Time) (types.AttributeValue, error) {
			return Int(v.Unix()), nil
		},
		Decode: func(av types.AttributeValue) (time.Time, bool) {
			n, ok := AsInt(av)
			if !ok {
				return time.Time{}, false
			}
			return time.Unix(n, 0).UTC(), true
		},
	}
}

// StructField declares an attribute holding any value the attributevalue encoder supports.
func StructField[T any](name string) Field[T] {
	return Field[T]{
		Name:   name,
		Encode: func(v T) (types.AttributeValue, error) { return Marshal(v) },
		Decode: func(av types.AttributeValue) (T, bool) {
			var out T
			if err := Unmarshal(av, &out); err != nil {
				return out, false
			}
			return out, true
		},
	}
}
