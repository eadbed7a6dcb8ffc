package expr

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaitem/pkg/errors"
	"github.com/pay-theory/dynaitem/pkg/validation"
)

var placeholderPattern = regexp.MustCompile(`[#:][A-Za-z0-9_]+`)

// Builder allocates expression attribute name and value placeholders. Names are "#n{i}" and
// values ":v{i}"; both draw from one counter so no index is ever reused within a builder.
type Builder struct {
	names   map[string]string
	values  map[string]types.AttributeValue
	counter int
}

// NewBuilder creates a new placeholder builder
func NewBuilder() *Builder {
	return &Builder{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

// Name aliases a document path. Each dot-separated part gets its own name placeholder and list
// indexes are kept literal, so "a.b[2]" becomes "#n1.#n2[2]".
func (b *Builder) Name(path string) (string, error) {
	parts, err := validation.ParsePath(path)
	if err != nil {
		return "", err
	}

	rendered := make([]string, len(parts))
	for i, part := range parts {
		var sb strings.Builder
		sb.WriteString(b.alias(part.Name))
		for _, idx := range part.Indexes {
			sb.WriteString("[")
			sb.WriteString(strconv.Itoa(idx))
			sb.WriteString("]")
		}
		rendered[i] = sb.String()
	}
	return strings.Join(rendered, "."), nil
}

// Value allocates a value placeholder for av
func (b *Builder) Value(av types.AttributeValue) string {
	b.counter++
	placeholder := ":v" + strconv.Itoa(b.counter)
	b.values[placeholder] = av
	return placeholder
}

// SetValue replaces the value bound to an existing placeholder
func (b *Builder) SetValue(placeholder string, av types.AttributeValue) {
	b.values[placeholder] = av
}

// Lookup returns the value bound to a placeholder
func (b *Builder) Lookup(placeholder string) (types.AttributeValue, bool) {
	av, ok := b.values[placeholder]
	return av, ok
}

func (b *Builder) alias(name string) string {
	b.counter++
	placeholder := "#n" + strconv.Itoa(b.counter)
	b.names[placeholder] = name
	return placeholder
}

// Merge imports a caller supplied expression fragment. Every placeholder the fragment defines in
// names or values is rebound to a fresh alias, so fragments can never collide with each other or
// with aliases this builder generated. Placeholders that the fragment uses but does not define
// are rejected.
func (b *Builder) Merge(expr string, names map[string]string, values map[string]types.AttributeValue) (string, error) {
	if err := validation.ValidateExpression(expr); err != nil {
		return "", err
	}
	for token := range names {
		if err := validation.ValidatePlaceholder(token); err != nil {
			return "", err
		}
		if !strings.HasPrefix(token, "#") {
			return "", fmt.Errorf("%w: name placeholder %q must start with #", errors.ErrInvalidRequest, token)
		}
	}
	for token := range values {
		if err := validation.ValidatePlaceholder(token); err != nil {
			return "", err
		}
		if !strings.HasPrefix(token, ":") {
			return "", fmt.Errorf("%w: value placeholder %q must start with :", errors.ErrInvalidRequest, token)
		}
	}

	remapped := make(map[string]string)
	var undefined string
	out := placeholderPattern.ReplaceAllStringFunc(expr, func(token string) string {
		if alias, ok := remapped[token]; ok {
			return alias
		}
		var alias string
		if token[0] == '#' {
			name, ok := names[token]
			if !ok {
				if undefined == "" {
					undefined = token
				}
				return token
			}
			alias = b.alias(name)
		} else {
			av, ok := values[token]
			if !ok {
				if undefined == "" {
					undefined = token
				}
				return token
			}
			alias = b.Value(av)
		}
		remapped[token] = alias
		return alias
	})
	if undefined != "" {
		return "", fmt.Errorf("%w: placeholder %s is not defined", errors.ErrInvalidRequest, undefined)
	}
	return out, nil
}

// FromCondition renders a condition built with the SDK expression package into this builder's
// placeholder namespace.
func (b *Builder) FromCondition(cond expression.ConditionBuilder) (string, error) {
	built, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	return b.Merge(*built.Condition(), built.Names(), built.Values())
}

// Prune returns copies of the name and value maps restricted to placeholders referenced by exprs.
// Empty results are nil because the store rejects empty placeholder maps.
func (b *Builder) Prune(exprs ...string) (map[string]string, map[string]types.AttributeValue) {
	used := make(map[string]struct{})
	for _, e := range exprs {
		for _, token := range placeholderPattern.FindAllString(e, -1) {
			used[token] = struct{}{}
		}
	}

	var names map[string]string
	var values map[string]types.AttributeValue
	for token := range used {
		if name, ok := b.names[token]; ok {
			if names == nil {
				names = make(map[string]string)
			}
			names[token] = name
		}
		if av, ok := b.values[token]; ok {
			if values == nil {
				values = make(map[string]types.AttributeValue)
			}
			values[token] = av
		}
	}
	return names, values
}

// Names returns a copy of every name placeholder allocated so far
func (b *Builder) Names() map[string]string {
	return maps.Clone(b.names)
}

// Values returns a copy of every value placeholder allocated so far
func (b *Builder) Values() map[string]types.AttributeValue {
	return maps.Clone(b.values)
}
