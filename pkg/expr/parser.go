package expr

import (
	"strconv"
)

// maxDepth bounds nesting so hostile descriptors cannot exhaust the stack
const maxDepth = 128

// ReservedWords cannot be used as parameter names
var ReservedWords = map[string]bool{
	"and":   true,
	"or":    true,
	"not":   true,
	"true":  true,
	"false": true,
	"True":  true,
	"False": true,
	"if":    true,
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

type parser struct {
	src    string
	tokens []token
	pos    int
	depth  int
}

func parse(src string) (node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{src: src, tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, &SyntaxError{Expr: src, Pos: 0, Msg: "empty expression"}
	}

	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorAt(tok, "unexpected token after end of expression")
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorAt(tok token, msg string) *SyntaxError {
	text := tok.text
	if tok.kind == tokString {
		text = p.src[tok.pos:min(len(p.src), tok.pos+len(tok.text)+2)]
	}
	if tok.kind == tokEOF {
		text = ""
		msg = "unexpected end of expression: " + msg
	}
	return &SyntaxError{Expr: p.src, Pos: tok.pos, Token: text, Msg: msg}
}

// match consumes the next token if it is one of the given words or operators
func (p *parser) match(words ...string) (token, bool) {
	tok := p.peek()
	if tok.kind != tokIdent && tok.kind != tokOp {
		return tok, false
	}
	for _, w := range words {
		if tok.text == w {
			p.next()
			return tok, true
		}
	}
	return tok, false
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return p.errorAt(p.peek(), "expression nested too deeply")
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.match("or", "||")
		if !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binary{pos: tok.pos, op: "or", l: left, r: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.match("and", "&&")
		if !ok {
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binary{pos: tok.pos, op: "and", l: left, r: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if tok, ok := p.match("not", "!"); ok {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unary{pos: tok.pos, op: "not", x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	if tok.kind != tokOp || !comparisonOps[tok.text] {
		return left, nil
	}
	p.next()

	right, err := p.parseSum()
	if err != nil {
		return nil, err
	}

	if after := p.peek(); after.kind == tokOp && comparisonOps[after.text] {
		return nil, p.errorAt(after, "chained comparisons are not supported, combine them with and")
	}
	return &binary{pos: tok.pos, op: tok.text, l: left, r: right}, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.match("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binary{pos: tok.pos, op: tok.text, l: left, r: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.match("*", "/", "//", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binary{pos: tok.pos, op: tok.text, l: left, r: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if tok, ok := p.match("-", "+"); ok {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unary{pos: tok.pos, op: tok.text, x: x}, nil
	}
	return p.parsePower()
}

// parsePower is right associative: 2 ** 3 ** 2 == 2 ** 9
func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	tok, ok := p.match("**")
	if !ok {
		return base, nil
	}

	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &binary{pos: tok.pos, op: "**", l: base, r: exp}, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()

	switch tok.kind {
	case tokInt:
		v, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, p.errorAt(tok, "integer literal out of range")
		}
		return &literal{pos: tok.pos, val: Int(v)}, nil

	case tokFloat:
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorAt(tok, "number literal out of range")
		}
		return &literal{pos: tok.pos, val: Number(v)}, nil

	case tokString:
		return &literal{pos: tok.pos, val: String(tok.text)}, nil

	case tokIdent:
		switch tok.text {
		case "true", "True":
			return &literal{pos: tok.pos, val: Bool(true)}, nil
		case "false", "False":
			return &literal{pos: tok.pos, val: Bool(false)}, nil
		case "and", "or", "not":
			return nil, p.errorAt(tok, "expected an operand")
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		return &ident{pos: tok.pos, name: tok.text}, nil

	case tokLParen:
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorAt(closing, "expected )")
		}
		return inner, nil

	default:
		return nil, p.errorAt(tok, "expected an operand")
	}
}

func (p *parser) parseCall(name token) (node, error) {
	p.next() // (

	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	c := &call{pos: name.pos, fn: name.text}
	if p.peek().kind == tokRParen {
		p.next()
		return c, nil
	}

	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		c.args = append(c.args, arg)

		tok := p.next()
		switch tok.kind {
		case tokComma:
			continue
		case tokRParen:
			return c, nil
		default:
			return nil, p.errorAt(tok, "expected , or ) in call to "+name.text)
		}
	}
}
