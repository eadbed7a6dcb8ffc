package dynamotest

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokName
	tokValue
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokCompare
	tokPlus
	tokMinus
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(kind tokenKind) bool { return t.kind == kind }

// keyword matches an unaliased identifier case-insensitively
func (t token) keyword(word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func lex(input string) ([]token, error) {
	var toks []token
	for i := 0; i < len(input); {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#' || c == ':':
			j := i + 1
			for j < len(input) && isWordChar(input[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("invalid placeholder at offset %d", i)
			}
			kind := tokName
			if c == ':' {
				kind = tokValue
			}
			toks = append(toks, token{kind: kind, text: input[i:j]})
			i = j
		case c >= '0' && c <= '9':
			j := i
			for j < len(input) && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: input[i:j]})
			i = j
		case isWordChar(c):
			j := i
			for j < len(input) && isWordChar(input[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: input[i:j]})
			i = j
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "["})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]"})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ","})
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: "."})
			i++
		case c == '+':
			toks = append(toks, token{kind: tokPlus, text: "+"})
			i++
		case c == '-':
			toks = append(toks, token{kind: tokMinus, text: "-"})
			i++
		case c == '=':
			toks = append(toks, token{kind: tokCompare, text: "="})
			i++
		case c == '<':
			switch {
			case strings.HasPrefix(input[i:], "<>"):
				toks = append(toks, token{kind: tokCompare, text: "<>"})
				i += 2
			case strings.HasPrefix(input[i:], "<="):
				toks = append(toks, token{kind: tokCompare, text: "<="})
				i += 2
			default:
				toks = append(toks, token{kind: tokCompare, text: "<"})
				i++
			}
		case c == '>':
			if strings.HasPrefix(input[i:], ">=") {
				toks = append(toks, token{kind: tokCompare, text: ">="})
				i += 2
			} else {
				toks = append(toks, token{kind: tokCompare, text: ">"})
				i++
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}
