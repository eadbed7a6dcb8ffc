package dynamotest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type pathElem struct {
	name    string
	index   int
	isIndex bool
}

// docPath is a resolved document path: placeholders are already replaced by real names
type docPath []pathElem

func (p docPath) String() string {
	var sb strings.Builder
	for i, e := range p {
		if e.isIndex {
			sb.WriteString("[" + strconv.Itoa(e.index) + "]")
			continue
		}
		if i > 0 {
			sb.WriteString(".")
		}
		sb.WriteString(e.name)
	}
	return sb.String()
}

type parser struct {
	toks   []token
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

func newParser(expr string, names map[string]string, values map[string]types.AttributeValue) (*parser, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, names: names, values: values}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, found %q", what, t.text)
	}
	return t, nil
}

func (p *parser) expectEOF() error {
	if t := p.peek(); !t.is(tokEOF) {
		return fmt.Errorf("unexpected token %q", t.text)
	}
	return nil
}

func (p *parser) parsePath() (docPath, error) {
	var path docPath
	first := p.next()
	name, err := p.pathName(first)
	if err != nil {
		return nil, err
	}
	path = append(path, pathElem{name: name})

	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			name, err := p.pathName(p.next())
			if err != nil {
				return nil, err
			}
			path = append(path, pathElem{name: name})
		case tokLBracket:
			p.next()
			num, err := p.expect(tokNumber, "list index")
			if err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(num.text)
			if err != nil {
				return nil, fmt.Errorf("invalid list index %q", num.text)
			}
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return nil, err
			}
			path = append(path, pathElem{index: idx, isIndex: true})
		default:
			return path, nil
		}
	}
}

func (p *parser) pathName(t token) (string, error) {
	switch t.kind {
	case tokName:
		name, ok := p.names[t.text]
		if !ok {
			return "", fmt.Errorf("an expression attribute name used in the document path is not defined; attribute name: %s", t.text)
		}
		return name, nil
	case tokIdent:
		return t.text, nil
	default:
		return "", fmt.Errorf("expected attribute name, found %q", t.text)
	}
}

func (p *parser) valueOf(t token) (types.AttributeValue, error) {
	av, ok := p.values[t.text]
	if !ok {
		return nil, fmt.Errorf("an expression attribute value used in expression is not defined; attribute value: %s", t.text)
	}
	return av, nil
}

// parseCondition parses a condition, filter or key condition expression
func parseCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (condition, error) {
	p, err := newParser(expr, names, values)
	if err != nil {
		return nil, err
	}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) parseOr() (condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orCond{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (condition, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andCond{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (condition, error) {
	if p.peek().keyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notCond{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (condition, error) {
	t := p.peek()
	if t.is(tokLParen) {
		p.next()
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return c, nil
	}

	if t.is(tokIdent) && p.peekAt(1).is(tokLParen) {
		fn := strings.ToLower(t.text)
		switch fn {
		case "attribute_exists", "attribute_not_exists":
			p.next()
			p.next()
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return existsCond{path: path, negate: fn == "attribute_not_exists"}, nil
		case "begins_with", "contains", "attribute_type":
			p.next()
			p.next()
			subject, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, err
			}
			arg, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return funcCond{name: fn, subject: subject, arg: arg}, nil
		case "size":
		default:
			return nil, fmt.Errorf("invalid function name; function: %s", t.text)
		}
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch next := p.peek(); {
	case next.is(tokCompare):
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compareCond{op: next.text, left: left, right: right}, nil
	case next.keyword("BETWEEN"):
		p.next()
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if !p.next().keyword("AND") {
			return nil, fmt.Errorf("expected AND in BETWEEN")
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return betweenCond{subject: left, lo: lo, hi: hi}, nil
	case next.keyword("IN"):
		p.next()
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, err
		}
		var list []operand
		for {
			o, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list = append(list, o)
			if p.peek().is(tokComma) {
				p.next()
				continue
			}
			break
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inCond{subject: left, list: list}, nil
	default:
		return nil, fmt.Errorf("syntax error; token: %q", next.text)
	}
}

func (p *parser) parseOperand() (operand, error) {
	t := p.peek()
	switch {
	case t.is(tokValue):
		p.next()
		av, err := p.valueOf(t)
		if err != nil {
			return nil, err
		}
		return valueOperand{av}, nil
	case t.keyword("size") && p.peekAt(1).is(tokLParen):
		p.next()
		p.next()
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return sizeOperand{path}, nil
	default:
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		return pathOperand{path}, nil
	}
}

type updateKind int

const (
	updateSet updateKind = iota
	updateRemove
	updateAdd
	updateDelete
)

type updateAction struct {
	kind  updateKind
	path  docPath
	value valueExpr
}

// parseUpdate parses an update expression made of SET, REMOVE, ADD and DELETE clauses
func parseUpdate(expr string, names map[string]string, values map[string]types.AttributeValue) ([]updateAction, error) {
	p, err := newParser(expr, names, values)
	if err != nil {
		return nil, err
	}

	var actions []updateAction
	seen := map[updateKind]bool{}
	for !p.peek().is(tokEOF) {
		kw := p.next()
		var kind updateKind
		switch {
		case kw.keyword("SET"):
			kind = updateSet
		case kw.keyword("REMOVE"):
			kind = updateRemove
		case kw.keyword("ADD"):
			kind = updateAdd
		case kw.keyword("DELETE"):
			kind = updateDelete
		default:
			return nil, fmt.Errorf("syntax error; token: %q", kw.text)
		}
		if seen[kind] {
			return nil, fmt.Errorf("the %s section can only be used once in an update expression", strings.ToUpper(kw.text))
		}
		seen[kind] = true

		for {
			action, err := p.parseUpdateAction(kind)
			if err != nil {
				return nil, err
			}
			actions = append(actions, action)
			if !p.peek().is(tokComma) {
				break
			}
			p.next()
		}
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("update expression is empty")
	}
	return actions, nil
}

func (p *parser) parseUpdateAction(kind updateKind) (updateAction, error) {
	path, err := p.parsePath()
	if err != nil {
		return updateAction{}, err
	}
	action := updateAction{kind: kind, path: path}

	switch kind {
	case updateSet:
		if t := p.next(); !t.is(tokCompare) || t.text != "=" {
			return updateAction{}, fmt.Errorf("expected = in SET action")
		}
		action.value, err = p.parseSetValue()
	case updateAdd, updateDelete:
		t, err := p.expect(tokValue, "value placeholder")
		if err != nil {
			return updateAction{}, err
		}
		av, err := p.valueOf(t)
		if err != nil {
			return updateAction{}, err
		}
		action.value = valueOperand{av}
	}
	return action, err
}

func (p *parser) parseSetValue() (valueExpr, error) {
	left, err := p.parseSetOperand()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokPlus, tokMinus:
		op := p.next()
		right, err := p.parseSetOperand()
		if err != nil {
			return nil, err
		}
		return arithExpr{minus: op.is(tokMinus), left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseSetOperand() (valueExpr, error) {
	t := p.peek()
	if t.is(tokIdent) && p.peekAt(1).is(tokLParen) {
		fn := strings.ToLower(t.text)
		p.next()
		p.next()
		switch fn {
		case "if_not_exists":
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, err
			}
			fallback, err := p.parseSetOperand()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return ifNotExistsExpr{path: path, fallback: fallback}, nil
		case "list_append":
			first, err := p.parseSetOperand()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, err
			}
			second, err := p.parseSetOperand()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return listAppendExpr{first: first, second: second}, nil
		default:
			return nil, fmt.Errorf("invalid function name in update expression; function: %s", t.text)
		}
	}

	o, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	v, ok := o.(valueExpr)
	if !ok {
		return nil, fmt.Errorf("operand not allowed in SET action")
	}
	return v, nil
}

// parseProjection parses a comma separated list of document paths
func parseProjection(expr string, names map[string]string) ([]docPath, error) {
	p, err := newParser(expr, names, nil)
	if err != nil {
		return nil, err
	}
	var paths []docPath
	for {
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
		if !p.peek().is(tokComma) {
			break
		}
		p.next()
	}
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return paths, nil
}
