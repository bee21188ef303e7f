package query

import (
	"fmt"
	"strings"
	"unicode"
)

// The derived-expression grammar admits arithmetic over aggregation aliases
// and grouped columns:
//
//	expr    := term (("+" | "-") term)*
//	term    := factor (("*" | "/") factor)*
//	factor  := NUMBER | IDENT | IDENT "(" expr ("," expr)* ")" | "(" expr ")"
//
// The only admissible functions are nullif, coalesce, round, and abs. Any
// other token is rejected at lex time; the SQL engine's own parser is never
// exposed to the raw expression string.

// exprFuncs maps allowed function names to their arity bounds.
var exprFuncs = map[string]struct{ minArgs, maxArgs int }{
	"nullif":   {2, 2},
	"coalesce": {2, -1},
	"round":    {1, 2},
	"abs":      {1, 1},
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// ExprNode is a node of a parsed derived expression.
type ExprNode interface {
	// Identifiers returns every identifier referenced in the subtree.
	Identifiers() []string
	// render emits SQL, quoting identifiers through quote.
	render(sb *strings.Builder, quote func(string) string)
}

type numberNode struct{ text string }

func (n *numberNode) Identifiers() []string { return nil }

func (n *numberNode) render(sb *strings.Builder, _ func(string) string) {
	sb.WriteString(n.text)
}

type identNode struct{ name string }

func (n *identNode) Identifiers() []string { return []string{n.name} }

func (n *identNode) render(sb *strings.Builder, quote func(string) string) {
	sb.WriteString(quote(n.name))
}

type binaryNode struct {
	op    string
	left  ExprNode
	right ExprNode
}

func (n *binaryNode) Identifiers() []string {
	return append(n.left.Identifiers(), n.right.Identifiers()...)
}

func (n *binaryNode) render(sb *strings.Builder, quote func(string) string) {
	sb.WriteString("(")
	if n.op == "/" {
		// Integer operands would truncate; real division is the
		// documented contract for derived ratios.
		sb.WriteString("CAST(")
		n.left.render(sb, quote)
		sb.WriteString(" AS REAL)")
	} else {
		n.left.render(sb, quote)
	}
	sb.WriteString(" " + n.op + " ")
	n.right.render(sb, quote)
	sb.WriteString(")")
}

type callNode struct {
	name string
	args []ExprNode
}

func (n *callNode) Identifiers() []string {
	var ids []string
	for _, a := range n.args {
		ids = append(ids, a.Identifiers()...)
	}
	return ids
}

func (n *callNode) render(sb *strings.Builder, quote func(string) string) {
	sb.WriteString(strings.ToUpper(n.name))
	sb.WriteString("(")
	for i, a := range n.args {
		if i > 0 {
			sb.WriteString(", ")
		}
		a.render(sb, quote)
	}
	sb.WriteString(")")
}

// SQL renders the expression with identifiers resolved through quote.
func RenderExpr(node ExprNode, quote func(string) string) string {
	var sb strings.Builder
	node.render(&sb, quote)
	return sb.String()
}

// ParseExpr tokenizes and parses a derived expression. Unknown tokens,
// unknown functions, and malformed syntax are all rejected.
func ParseExpr(input string) (ExprNode, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", tok.text, tok.pos)
	}
	return node, nil
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '+':
			tokens = append(tokens, token{tokPlus, "+", i})
			i++
		case c == '-':
			tokens = append(tokens, token{tokMinus, "-", i})
			i++
		case c == '*':
			tokens = append(tokens, token{tokStar, "*", i})
			i++
		case c == '/':
			tokens = append(tokens, token{tokSlash, "/", i})
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case c >= '0' && c <= '9':
			start := i
			sawDot := false
			for i < len(input) {
				d := input[i]
				if d >= '0' && d <= '9' {
					i++
					continue
				}
				if d == '.' && !sawDot {
					sawDot = true
					i++
					continue
				}
				break
			}
			text := input[start:i]
			if strings.HasSuffix(text, ".") {
				return nil, fmt.Errorf("malformed number %q at position %d", text, start)
			}
			tokens = append(tokens, token{tokNumber, text, start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(input) {
				d := rune(input[i])
				if d == '_' || unicode.IsLetter(d) || unicode.IsDigit(d) {
					i++
					continue
				}
				break
			}
			tokens = append(tokens, token{tokIdent, input[start:i], start})
		default:
			return nil, fmt.Errorf("illegal character %q at position %d", string(c), i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(input)})
	return tokens, nil
}

type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) peek() token {
	return p.tokens[p.pos]
}

func (p *exprParser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *exprParser) parseExpr() (ExprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokPlus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "+", left: left, right: right}
		case tokMinus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "-", left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (ExprNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokStar:
			p.next()
			right, err := p.parseFactor()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "*", left: left, right: right}
		case tokSlash:
			p.next()
			right, err := p.parseFactor()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "/", left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (ExprNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return &numberNode{text: tok.text}, nil
	case tokIdent:
		if p.peek().kind != tokLParen {
			return &identNode{name: tok.text}, nil
		}
		return p.parseCall(tok)
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at position %d", closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", tok.text, tok.pos)
	}
}

func (p *exprParser) parseCall(name token) (ExprNode, error) {
	fn, ok := exprFuncs[strings.ToLower(name.text)]
	if !ok {
		return nil, fmt.Errorf("function %q is not allowed", name.text)
	}
	p.next() // consume (

	var args []ExprNode
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if closing := p.next(); closing.kind != tokRParen {
		return nil, fmt.Errorf("expected ) at position %d", closing.pos)
	}

	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", strings.ToLower(name.text), fn.minArgs, len(args))
	}
	return &callNode{name: strings.ToLower(name.text), args: args}, nil
}
