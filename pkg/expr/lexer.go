package expr

import (
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokFloat
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string // raw text, or the unescaped value for strings
	pos  int
}

// twoCharOps must be matched before single character operators
var twoCharOps = []string{"**", "//", "==", "!=", "<=", ">=", "&&", "||"}

const singleCharOps = "+-*/%<>!"

// lex splits src into tokens. The final token is always tokEOF.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(src) {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			tok, next, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next

		case c == '"' || c == '\'':
			tok, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start})

		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++

		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++

		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++

		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte(singleCharOps, c) >= 0 {
				tokens = append(tokens, token{kind: tokOp, text: string(c), pos: i})
				i++
				continue
			}
			return nil, &SyntaxError{Expr: src, Pos: i, Token: string(c), Msg: "unexpected character"}
		}
	}

	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func lexNumber(src string, start int) (token, int, error) {
	i := start
	isFloat := false

	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		isFloat = true
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j >= len(src) || !isDigit(src[j]) {
			return token{}, 0, &SyntaxError{Expr: src, Pos: start, Token: src[start:j], Msg: "malformed exponent"}
		}
		for j < len(src) && isDigit(src[j]) {
			j++
		}
		isFloat = true
		i = j
	}
	if i < len(src) && isIdentStart(src[i]) {
		end := i
		for end < len(src) && isIdentPart(src[end]) {
			end++
		}
		return token{}, 0, &SyntaxError{Expr: src, Pos: start, Token: src[start:end], Msg: "malformed number"}
	}

	kind := tokInt
	if isFloat {
		kind = tokFloat
	}
	return token{kind: kind, text: src[start:i], pos: start}, i, nil
}

func lexString(src string, start int) (token, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1

	for i < len(src) {
		c := src[i]
		if c == quote {
			return token{kind: tokString, text: b.String(), pos: start}, i + 1, nil
		}
		if c == '\\' {
			if i+1 >= len(src) {
				break
			}
			switch esc := src[i+1]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(esc)
			default:
				return token{}, 0, &SyntaxError{Expr: src, Pos: i, Token: src[i : i+2], Msg: "unknown escape sequence"}
			}
			i += 2
			continue
		}
		b.WriteByte(c)
		i++
	}

	return token{}, 0, &SyntaxError{Expr: src, Pos: start, Token: src[start:], Msg: "unterminated string literal"}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
