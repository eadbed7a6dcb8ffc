// Package attr provides helpers over the DynamoDB AttributeValue union: constructors, typed
// accessors, validation, equality, exact decimal arithmetic and a DynamoDB-JSON projection.
//
// The SDK's types.AttributeValue is a sealed interface whose members each carry exactly one
// variant, so it is used directly as the in-memory representation.
package attr

import (
	"bytes"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Kind names the populated variant of an attribute value. The values match the DynamoDB-JSON tags.
type Kind string

const (
	KindString    Kind = "S"
	KindNumber    Kind = "N"
	KindBinary    Kind = "B"
	KindBool      Kind = "BOOL"
	KindNull      Kind = "NULL"
	KindList      Kind = "L"
	KindMap       Kind = "M"
	KindStringSet Kind = "SS"
	KindNumberSet Kind = "NS"
	KindBinarySet Kind = "BS"
	KindUnknown   Kind = ""
)

// S returns a string value.
func S(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

// N returns a number value from its decimal string form. The string is not validated here.
func N(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

// Int returns a number value for an integer.
func Int(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// Float returns a number value using the shortest decimal representation of v.
func Float(v float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

// Bool returns a boolean value.
func Bool(v bool) types.AttributeValue { return &types.AttributeValueMemberBOOL{Value: v} }

// Bin returns a binary value.
func Bin(v []byte) types.AttributeValue { return &types.AttributeValueMemberB{Value: v} }

// Null returns the null value.
func Null() types.AttributeValue { return &types.AttributeValueMemberNULL{Value: true} }

// List returns a list value.
func List(v ...types.AttributeValue) types.AttributeValue {
	if v == nil {
		v = []types.AttributeValue{}
	}
	return &types.AttributeValueMemberL{Value: v}
}

// Map returns a map value.
func Map(v map[string]types.AttributeValue) types.AttributeValue {
	if v == nil {
		v = map[string]types.AttributeValue{}
	}
	return &types.AttributeValueMemberM{Value: v}
}

// SS returns a string set value.
func SS(v ...string) types.AttributeValue { return &types.AttributeValueMemberSS{Value: v} }

// NS returns a number set value.
func NS(v ...string) types.AttributeValue { return &types.AttributeValueMemberNS{Value: v} }

// KindOf reports the variant held by av.
func KindOf(av types.AttributeValue) Kind {
	switch av.(type) {
	case *types.AttributeValueMemberS:
		return KindString
	case *types.AttributeValueMemberN:
		return KindNumber
	case *types.AttributeValueMemberB:
		return KindBinary
	case *types.AttributeValueMemberBOOL:
		return KindBool
	case *types.AttributeValueMemberNULL:
		return KindNull
	case *types.AttributeValueMemberL:
		return KindList
	case *types.AttributeValueMemberM:
		return KindMap
	case *types.AttributeValueMemberSS:
		return KindStringSet
	case *types.AttributeValueMemberNS:
		return KindNumberSet
	case *types.AttributeValueMemberBS:
		return KindBinarySet
	default:
		return KindUnknown
	}
}

// AsString returns the string held by av.
func AsString(av types.AttributeValue) (string, bool) {
	v, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

// AsNumber returns the decimal string held by av.
func AsNumber(av types.AttributeValue) (string, bool) {
	v, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return "", false
	}
	return v.Value, true
}

// AsInt returns the number held by av as an int64. Non-integral numbers do not match.
func AsInt(av types.AttributeValue) (int64, bool) {
	s, ok := AsNumber(av)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AsFloat returns the number held by av as a float64.
func AsFloat(av types.AttributeValue) (float64, bool) {
	s, ok := AsNumber(av)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsBool returns the boolean held by av.
func AsBool(av types.AttributeValue) (bool, bool) {
	v, ok := av.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, false
	}
	return v.Value, true
}

// AsBinary returns the bytes held by av.
func AsBinary(av types.AttributeValue) ([]byte, bool) {
	v, ok := av.(*types.AttributeValueMemberB)
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// AsList returns the elements held by av.
func AsList(av types.AttributeValue) ([]types.AttributeValue, bool) {
	v, ok := av.(*types.AttributeValueMemberL)
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// AsMap returns the entries held by av.
func AsMap(av types.AttributeValue) (map[string]types.AttributeValue, bool) {
	v, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// AsStringSet returns the members of a string set.
func AsStringSet(av types.AttributeValue) ([]string, bool) {
	v, ok := av.(*types.AttributeValueMemberSS)
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// AsNumberSet returns the members of a number set.
func AsNumberSet(av types.AttributeValue) ([]string, bool) {
	v, ok := av.(*types.AttributeValueMemberNS)
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// IsNull reports whether av is the null value.
func IsNull(av types.AttributeValue) bool {
	_, ok := av.(*types.AttributeValueMemberNULL)
	return ok
}

// Validate checks that av and every nested value hold exactly one known variant, that numbers
// parse as decimals and that sets are non-empty.
func Validate(av types.AttributeValue) error {
	switch v := av.(type) {
	case nil:
		return fmt.Errorf("attribute value is nil")
	case *types.AttributeValueMemberN:
		if _, ok := parseDecimal(v.Value); !ok {
			return fmt.Errorf("invalid number %q", v.Value)
		}
	case *types.AttributeValueMemberL:
		for i, elem := range v.Value {
			if err := Validate(elem); err != nil {
				return fmt.Errorf("list index %d: %w", i, err)
			}
		}
	case *types.AttributeValueMemberM:
		for key, elem := range v.Value {
			if err := Validate(elem); err != nil {
				return fmt.Errorf("map key %q: %w", key, err)
			}
		}
	case *types.AttributeValueMemberSS:
		if len(v.Value) == 0 {
			return fmt.Errorf("string set is empty")
		}
	case *types.AttributeValueMemberNS:
		if len(v.Value) == 0 {
			return fmt.Errorf("number set is empty")
		}
		for _, n := range v.Value {
			if _, ok := parseDecimal(n); !ok {
				return fmt.Errorf("invalid number %q in set", n)
			}
		}
	case *types.AttributeValueMemberBS:
		if len(v.Value) == 0 {
			return fmt.Errorf("binary set is empty")
		}
	case *types.AttributeValueMemberS, *types.AttributeValueMemberB,
		*types.AttributeValueMemberBOOL, *types.AttributeValueMemberNULL:
	default:
		return fmt.Errorf("unsupported attribute value type %T", av)
	}
	return nil
}

// Equal reports whether a and b hold the same variant and value. Numbers compare by numeric value
// and sets compare without regard to order.
func Equal(a, b types.AttributeValue) bool {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		return ok && x.Value == y.Value
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		return ok && numbersEqual(x.Value, y.Value)
	case *types.AttributeValueMemberB:
		y, ok := b.(*types.AttributeValueMemberB)
		return ok && bytes.Equal(x.Value, y.Value)
	case *types.AttributeValueMemberBOOL:
		y, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && x.Value == y.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	case *types.AttributeValueMemberL:
		y, ok := b.(*types.AttributeValueMemberL)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		for i := range x.Value {
			if !Equal(x.Value[i], y.Value[i]) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberM:
		y, ok := b.(*types.AttributeValueMemberM)
		return ok && MapsEqual(x.Value, y.Value)
	case *types.AttributeValueMemberSS:
		y, ok := b.(*types.AttributeValueMemberSS)
		return ok && sameMembers(x.Value, y.Value)
	case *types.AttributeValueMemberNS:
		y, ok := b.(*types.AttributeValueMemberNS)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		return sameMembers(canonicalNumbers(x.Value), canonicalNumbers(y.Value))
	case *types.AttributeValueMemberBS:
		y, ok := b.(*types.AttributeValueMemberBS)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		xs := make([]string, len(x.Value))
		ys := make([]string, len(y.Value))
		for i := range x.Value {
			xs[i], ys[i] = string(x.Value[i]), string(y.Value[i])
		}
		return sameMembers(xs, ys)
	default:
		return a == nil && b == nil
	}
}

// MapsEqual reports whether two attribute maps hold equal values under the same keys.
func MapsEqual(a, b map[string]types.AttributeValue) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

// Compare orders two scalar values of the same kind the way the store orders sort keys:
// strings and binaries bytewise, numbers numerically. ok is false when the values are not
// comparable.
func Compare(a, b types.AttributeValue) (cmp int, ok bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, match := b.(*types.AttributeValueMemberS)
		if !match {
			return 0, false
		}
		return strings.Compare(x.Value, y.Value), true
	case *types.AttributeValueMemberN:
		y, match := b.(*types.AttributeValueMemberN)
		if !match {
			return 0, false
		}
		xr, okx := parseDecimal(x.Value)
		yr, oky := parseDecimal(y.Value)
		if !okx || !oky {
			return 0, false
		}
		return xr.Cmp(yr), true
	case *types.AttributeValueMemberB:
		y, match := b.(*types.AttributeValueMemberB)
		if !match {
			return 0, false
		}
		return bytes.Compare(x.Value, y.Value), true
	default:
		return 0, false
	}
}

// AddNumbers adds two decimal strings exactly.
func AddNumbers(a, b string) (string, error) {
	x, ok := parseDecimal(a)
	if !ok {
		return "", fmt.Errorf("invalid number %q", a)
	}
	y, ok := parseDecimal(b)
	if !ok {
		return "", fmt.Errorf("invalid number %q", b)
	}
	return formatDecimal(new(big.Rat).Add(x, y)), nil
}

// IsZero reports whether a decimal string represents zero.
func IsZero(n string) bool {
	r, ok := parseDecimal(n)
	return ok && r.Sign() == 0
}

// Marshal converts a Go value into an attribute value using the SDK's attributevalue encoder.
func Marshal(v any) (types.AttributeValue, error) {
	return attributevalue.Marshal(v)
}

// MarshalMap converts a struct or map into an attribute map.
func MarshalMap(v any) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(v)
}

// Unmarshal decodes an attribute value into out.
func Unmarshal(av types.AttributeValue, out any) error {
	return attributevalue.Unmarshal(av, out)
}

// UnmarshalMap decodes an attribute map into out.
func UnmarshalMap(m map[string]types.AttributeValue, out any) error {
	return attributevalue.UnmarshalMap(m, out)
}

// DynamoDB numbers carry at most 38 significant digits.
const maxDecimalDigits = 38

func parseDecimal(s string) (*big.Rat, bool) {
	if s == "" || strings.ContainsAny(s, "/ ") {
		return nil, false
	}
	return new(big.Rat).SetString(s)
}

func formatDecimal(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	for digits := 1; digits <= maxDecimalDigits; digits++ {
		s := r.FloatString(digits)
		if back, ok := new(big.Rat).SetString(s); ok && back.Cmp(r) == 0 {
			return s
		}
	}
	return strings.TrimRight(r.FloatString(maxDecimalDigits), "0")
}

func numbersEqual(a, b string) bool {
	if a == b {
		return true
	}
	x, okx := parseDecimal(a)
	y, oky := parseDecimal(b)
	return okx && oky && x.Cmp(y) == 0
}

func canonicalNumbers(ns []string) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		if r, ok := parseDecimal(n); ok {
			out[i] = formatDecimal(r)
		} else {
			out[i] = n
		}
	}
	return out
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
