package dynamotest

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaitem/pkg/attr"
)

type document = map[string]types.AttributeValue

type condition interface {
	eval(item document) bool
}

type operand interface {
	resolve(item document) (types.AttributeValue, bool)
}

// valueExpr is the right hand side of a SET action
type valueExpr interface {
	compute(item document) (types.AttributeValue, error)
}

type valueOperand struct{ av types.AttributeValue }

func (v valueOperand) resolve(document) (types.AttributeValue, bool) { return v.av, true }

func (v valueOperand) compute(document) (types.AttributeValue, error) { return v.av, nil }

type pathOperand struct{ path docPath }

func (p pathOperand) resolve(item document) (types.AttributeValue, bool) {
	return resolvePath(item, p.path)
}

func (p pathOperand) compute(item document) (types.AttributeValue, error) {
	av, ok := resolvePath(item, p.path)
	if !ok {
		return nil, fmt.Errorf("the provided expression refers to an attribute that does not exist in the item: %s", p.path)
	}
	return av, nil
}

type sizeOperand struct{ path docPath }

func (s sizeOperand) resolve(item document) (types.AttributeValue, bool) {
	av, ok := resolvePath(item, s.path)
	if !ok {
		return nil, false
	}
	var n int
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		n = len(v.Value)
	case *types.AttributeValueMemberB:
		n = len(v.Value)
	case *types.AttributeValueMemberL:
		n = len(v.Value)
	case *types.AttributeValueMemberM:
		n = len(v.Value)
	case *types.AttributeValueMemberSS:
		n = len(v.Value)
	case *types.AttributeValueMemberNS:
		n = len(v.Value)
	case *types.AttributeValueMemberBS:
		n = len(v.Value)
	default:
		return nil, false
	}
	return attr.Int(int64(n)), true
}

type ifNotExistsExpr struct {
	path     docPath
	fallback valueExpr
}

func (e ifNotExistsExpr) compute(item document) (types.AttributeValue, error) {
	if av, ok := resolvePath(item, e.path); ok {
		return av, nil
	}
	return e.fallback.compute(item)
}

type listAppendExpr struct {
	first, second valueExpr
}

func (e listAppendExpr) compute(item document) (types.AttributeValue, error) {
	a, err := e.first.compute(item)
	if err != nil {
		return nil, err
	}
	b, err := e.second.compute(item)
	if err != nil {
		return nil, err
	}
	la, okA := attr.AsList(a)
	lb, okB := attr.AsList(b)
	if !okA || !okB {
		return nil, fmt.Errorf("incorrect operand type for operator or function; operator or function: list_append")
	}
	out := make([]types.AttributeValue, 0, len(la)+len(lb))
	out = append(out, la...)
	out = append(out, lb...)
	return attr.List(out...), nil
}

type arithExpr struct {
	minus       bool
	left, right valueExpr
}

func (e arithExpr) compute(item document) (types.AttributeValue, error) {
	a, err := e.left.compute(item)
	if err != nil {
		return nil, err
	}
	b, err := e.right.compute(item)
	if err != nil {
		return nil, err
	}
	na, okA := attr.AsNumber(a)
	nb, okB := attr.AsNumber(b)
	if !okA || !okB {
		return nil, fmt.Errorf("incorrect operand type for operator or function; operator: +/-")
	}
	if e.minus {
		nb = negate(nb)
	}
	sum, err := attr.AddNumbers(na, nb)
	if err != nil {
		return nil, err
	}
	return attr.N(sum), nil
}

func negate(n string) string {
	if strings.HasPrefix(n, "-") {
		return n[1:]
	}
	return "-" + n
}

type andCond struct{ left, right condition }

func (c andCond) eval(item document) bool { return c.left.eval(item) && c.right.eval(item) }

type orCond struct{ left, right condition }

func (c orCond) eval(item document) bool { return c.left.eval(item) || c.right.eval(item) }

type notCond struct{ inner condition }

func (c notCond) eval(item document) bool { return !c.inner.eval(item) }

type existsCond struct {
	path   docPath
	negate bool
}

func (c existsCond) eval(item document) bool {
	_, ok := resolvePath(item, c.path)
	return ok != c.negate
}

type compareCond struct {
	op          string
	left, right operand
}

func (c compareCond) eval(item document) bool {
	a, okA := c.left.resolve(item)
	b, okB := c.right.resolve(item)
	if c.op == "<>" {
		if !okA || !okB {
			return true
		}
		return !attr.Equal(a, b)
	}
	if !okA || !okB {
		return false
	}
	if c.op == "=" {
		return attr.Equal(a, b)
	}
	cmp, ok := attr.Compare(a, b)
	if !ok {
		return false
	}
	switch c.op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

type betweenCond struct {
	subject, lo, hi operand
}

func (c betweenCond) eval(item document) bool {
	v, ok := c.subject.resolve(item)
	if !ok {
		return false
	}
	lo, okLo := c.lo.resolve(item)
	hi, okHi := c.hi.resolve(item)
	if !okLo || !okHi {
		return false
	}
	lower, ok := attr.Compare(v, lo)
	if !ok {
		return false
	}
	upper, ok := attr.Compare(v, hi)
	if !ok {
		return false
	}
	return lower >= 0 && upper <= 0
}

type inCond struct {
	subject operand
	list    []operand
}

func (c inCond) eval(item document) bool {
	v, ok := c.subject.resolve(item)
	if !ok {
		return false
	}
	for _, o := range c.list {
		if candidate, ok := o.resolve(item); ok && attr.Equal(v, candidate) {
			return true
		}
	}
	return false
}

type funcCond struct {
	name         string
	subject, arg operand
}

func (c funcCond) eval(item document) bool {
	v, ok := c.subject.resolve(item)
	if !ok {
		return false
	}
	arg, ok := c.arg.resolve(item)
	if !ok {
		return false
	}

	switch c.name {
	case "begins_with":
		switch sv := v.(type) {
		case *types.AttributeValueMemberS:
			prefix, ok := attr.AsString(arg)
			return ok && strings.HasPrefix(sv.Value, prefix)
		case *types.AttributeValueMemberB:
			prefix, ok := attr.AsBinary(arg)
			return ok && bytes.HasPrefix(sv.Value, prefix)
		}
	case "contains":
		switch sv := v.(type) {
		case *types.AttributeValueMemberS:
			sub, ok := attr.AsString(arg)
			return ok && strings.Contains(sv.Value, sub)
		case *types.AttributeValueMemberSS:
			member, ok := attr.AsString(arg)
			return ok && slices.Contains(sv.Value, member)
		case *types.AttributeValueMemberNS:
			for _, n := range sv.Value {
				if attr.Equal(attr.N(n), arg) {
					return true
				}
			}
		case *types.AttributeValueMemberBS:
			member, ok := attr.AsBinary(arg)
			if !ok {
				return false
			}
			for _, b := range sv.Value {
				if bytes.Equal(b, member) {
					return true
				}
			}
		case *types.AttributeValueMemberL:
			for _, elem := range sv.Value {
				if attr.Equal(elem, arg) {
					return true
				}
			}
		}
	case "attribute_type":
		want, ok := attr.AsString(arg)
		return ok && string(attr.KindOf(v)) == want
	}
	return false
}

func resolvePath(item document, path docPath) (types.AttributeValue, bool) {
	if len(path) == 0 || path[0].isIndex {
		return nil, false
	}
	cur, ok := item[path[0].name]
	if !ok {
		return nil, false
	}
	for _, e := range path[1:] {
		if e.isIndex {
			list, ok := attr.AsList(cur)
			if !ok || e.index >= len(list) {
				return nil, false
			}
			cur = list[e.index]
			continue
		}
		m, ok := attr.AsMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[e.name]; !ok {
			return nil, false
		}
	}
	return cur, true
}

var errInvalidUpdatePath = fmt.Errorf("the document path provided in the update expression is invalid for update")

// setPath stores av at path. Intermediate containers must already exist; an index past the end
// of a list appends.
func setPath(item document, path docPath, av types.AttributeValue) error {
	if len(path) == 1 {
		item[path[0].name] = av
		return nil
	}
	parent, ok := resolvePath(item, path[:len(path)-1])
	if !ok {
		return errInvalidUpdatePath
	}
	last := path[len(path)-1]
	switch p := parent.(type) {
	case *types.AttributeValueMemberM:
		if last.isIndex {
			return errInvalidUpdatePath
		}
		p.Value[last.name] = av
	case *types.AttributeValueMemberL:
		if !last.isIndex {
			return errInvalidUpdatePath
		}
		if last.index >= len(p.Value) {
			p.Value = append(p.Value, av)
		} else {
			p.Value[last.index] = av
		}
	default:
		return errInvalidUpdatePath
	}
	return nil
}

func removePath(item document, path docPath) {
	if len(path) == 1 {
		delete(item, path[0].name)
		return
	}
	parent, ok := resolvePath(item, path[:len(path)-1])
	if !ok {
		return
	}
	last := path[len(path)-1]
	switch p := parent.(type) {
	case *types.AttributeValueMemberM:
		delete(p.Value, last.name)
	case *types.AttributeValueMemberL:
		if last.isIndex && last.index < len(p.Value) {
			p.Value = slices.Delete(p.Value, last.index, last.index+1)
		}
	}
}

func pathsOverlap(a, b docPath) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// applyUpdate runs actions against a copy of item and returns the result. SET values are
// computed from the original item.
func applyUpdate(item document, actions []updateAction) (document, error) {
	for i := range actions {
		for j := i + 1; j < len(actions); j++ {
			if pathsOverlap(actions[i].path, actions[j].path) {
				return nil, fmt.Errorf("two document paths overlap with each other; path one: [%s], path two: [%s]", actions[i].path, actions[j].path)
			}
		}
	}

	out := cloneDocument(item)
	var removes []docPath
	for _, a := range actions {
		switch a.kind {
		case updateSet:
			av, err := a.value.compute(item)
			if err != nil {
				return nil, err
			}
			if err := setPath(out, a.path, cloneValue(av)); err != nil {
				return nil, err
			}
		case updateRemove:
			removes = append(removes, a.path)
		case updateAdd:
			if err := addPath(out, a.path, a.value.(valueOperand).av); err != nil {
				return nil, err
			}
		case updateDelete:
			if err := deleteFromSet(out, a.path, a.value.(valueOperand).av); err != nil {
				return nil, err
			}
		}
	}

	// list elements are removed from the highest index down so earlier removals do not shift later ones
	slices.SortStableFunc(removes, func(a, b docPath) int {
		la, lb := a[len(a)-1], b[len(b)-1]
		if la.isIndex && lb.isIndex {
			return lb.index - la.index
		}
		return 0
	})
	for _, p := range removes {
		removePath(out, p)
	}
	return out, nil
}

func addPath(item document, path docPath, av types.AttributeValue) error {
	existing, ok := resolvePath(item, path)
	if !ok {
		switch av.(type) {
		case *types.AttributeValueMemberN, *types.AttributeValueMemberSS, *types.AttributeValueMemberNS, *types.AttributeValueMemberBS:
			return setPath(item, path, cloneValue(av))
		}
		return fmt.Errorf("incorrect operand type for operator or function; operator: ADD, operand type: %s", attr.KindOf(av))
	}

	switch cur := existing.(type) {
	case *types.AttributeValueMemberN:
		n, ok := attr.AsNumber(av)
		if !ok {
			return fmt.Errorf("an operand in the update expression has an incorrect data type")
		}
		sum, err := attr.AddNumbers(cur.Value, n)
		if err != nil {
			return err
		}
		return setPath(item, path, attr.N(sum))
	case *types.AttributeValueMemberSS:
		add, ok := attr.AsStringSet(av)
		if !ok {
			return fmt.Errorf("an operand in the update expression has an incorrect data type")
		}
		return setPath(item, path, attr.SS(union(cur.Value, add)...))
	case *types.AttributeValueMemberNS:
		add, ok := attr.AsNumberSet(av)
		if !ok {
			return fmt.Errorf("an operand in the update expression has an incorrect data type")
		}
		merged := slices.Clone(cur.Value)
		for _, n := range add {
			if !slices.ContainsFunc(merged, func(m string) bool { return attr.Equal(attr.N(m), attr.N(n)) }) {
				merged = append(merged, n)
			}
		}
		return setPath(item, path, attr.NS(merged...))
	default:
		return fmt.Errorf("an operand in the update expression has an incorrect data type")
	}
}

func deleteFromSet(item document, path docPath, av types.AttributeValue) error {
	existing, ok := resolvePath(item, path)
	if !ok {
		return nil
	}
	var remaining []string
	switch cur := existing.(type) {
	case *types.AttributeValueMemberSS:
		drop, ok := attr.AsStringSet(av)
		if !ok {
			return fmt.Errorf("an operand in the update expression has an incorrect data type")
		}
		for _, s := range cur.Value {
			if !slices.Contains(drop, s) {
				remaining = append(remaining, s)
			}
		}
		if len(remaining) == 0 {
			removePath(item, path)
			return nil
		}
		return setPath(item, path, attr.SS(remaining...))
	case *types.AttributeValueMemberNS:
		drop, ok := attr.AsNumberSet(av)
		if !ok {
			return fmt.Errorf("an operand in the update expression has an incorrect data type")
		}
		for _, n := range cur.Value {
			if !slices.ContainsFunc(drop, func(d string) bool { return attr.Equal(attr.N(d), attr.N(n)) }) {
				remaining = append(remaining, n)
			}
		}
		if len(remaining) == 0 {
			removePath(item, path)
			return nil
		}
		return setPath(item, path, attr.NS(remaining...))
	default:
		return fmt.Errorf("an operand in the update expression has an incorrect data type")
	}
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// project keeps only the listed paths. Nested paths keep their enclosing maps.
func project(item document, paths []docPath) document {
	out := document{}
	for _, p := range paths {
		av, ok := resolvePath(item, p)
		if !ok {
			continue
		}
		if len(p) == 1 {
			out[p[0].name] = cloneValue(av)
			continue
		}
		projectNested(out, p, cloneValue(av))
	}
	return out
}

func projectNested(out document, p docPath, av types.AttributeValue) {
	cur := out
	for i, e := range p[:len(p)-1] {
		if e.isIndex || p[i+1].isIndex {
			// list projections collapse to the whole top level element
			return
		}
		next, ok := cur[e.name].(*types.AttributeValueMemberM)
		if !ok {
			next = &types.AttributeValueMemberM{Value: document{}}
			cur[e.name] = next
		}
		cur = next.Value
	}
	cur[p[len(p)-1].name] = av
}

func cloneDocument(item document) document {
	if item == nil {
		return nil
	}
	out := make(document, len(item))
	for k, v := range item {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(av types.AttributeValue) types.AttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: v.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: v.Value}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: bytes.Clone(v.Value)}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: v.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: v.Value}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: slices.Clone(v.Value)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: slices.Clone(v.Value)}
	case *types.AttributeValueMemberBS:
		set := make([][]byte, len(v.Value))
		for i, b := range v.Value {
			set[i] = bytes.Clone(b)
		}
		return &types.AttributeValueMemberBS{Value: set}
	case *types.AttributeValueMemberL:
		list := make([]types.AttributeValue, len(v.Value))
		for i, elem := range v.Value {
			list[i] = cloneValue(elem)
		}
		return &types.AttributeValueMemberL{Value: list}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: cloneDocument(v.Value)}
	default:
		return av
	}
}

func keyString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	case *types.AttributeValueMemberB:
		return "B:" + strconv.Quote(string(v.Value))
	default:
		return ""
	}
}
