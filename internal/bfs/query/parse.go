package query

import (
	"strconv"
	"strings"

	"github.com/distr1/bfs/internal/bfs/bfserr"
)

// Expr is a node in a parsed predicate expression tree.
type Expr interface {
	expr()
}

// Equation is a leaf predicate: one attribute compared against a literal
// value.
type Equation struct {
	Attr string
	Op   Op
	Val  Value
}

type And struct{ Left, Right Expr }
type Or struct{ Left, Right Expr }
type Not struct{ Inner Expr }

func (*Equation) expr() {}
func (*And) expr()      {}
func (*Or) expr()       {}
func (*Not) expr()      {}

// Equations collects every leaf Equation in expr, left to right.
func Equations(expr Expr) []*Equation {
	var out []*Equation
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case *Equation:
			out = append(out, v)
		case *And:
			walk(v.Left)
			walk(v.Right)
		case *Or:
			walk(v.Left)
			walk(v.Right)
		case *Not:
			walk(v.Inner)
		}
	}
	walk(expr)
	return out
}

// Matches evaluates expr against lookup, which returns the current value of
// a named attribute for one candidate inode (ok=false if the inode lacks
// that attribute, which makes any equation over it false).
func Matches(expr Expr, lookup func(attr string) (Value, bool)) bool {
	switch e := expr.(type) {
	case *Equation:
		v, ok := lookup(e.Attr)
		if !ok {
			return false
		}
		return compareValues(v, e.Op, e.Val)
	case *And:
		return Matches(e.Left, lookup) && Matches(e.Right, lookup)
	case *Or:
		return Matches(e.Left, lookup) || Matches(e.Right, lookup)
	case *Not:
		return !Matches(e.Inner, lookup)
	default:
		return false
	}
}

// token kinds for the hand-rolled lexer below.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokGe
	tokLe
	tokGt
	tokLt
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

// lex tokenizes a POSIX-attribute-query string, e.g.
// `(size > 1024 && name == "big") || tag == "keep"`.
func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case strings.HasPrefix(s[i:], "&&"):
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case strings.HasPrefix(s[i:], "||"):
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case strings.HasPrefix(s[i:], "=="):
			toks = append(toks, token{tokEq, "=="})
			i += 2
		case strings.HasPrefix(s[i:], "!="):
			toks = append(toks, token{tokNe, "!="})
			i += 2
		case strings.HasPrefix(s[i:], ">="):
			toks = append(toks, token{tokGe, ">="})
			i += 2
		case strings.HasPrefix(s[i:], "<="):
			toks = append(toks, token{tokLe, "<="})
			i += 2
		case c == '>':
			toks = append(toks, token{tokGt, ">"})
			i++
		case c == '<':
			toks = append(toks, token{tokLt, "<"})
			i++
		case c == '!':
			toks = append(toks, token{tokNot, "!"})
			i++
		case c == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				j++
			}
			if j >= len(s) {
				return nil, bfserr.New("query.lex", bfserr.BadValue, nil)
			}
			toks = append(toks, token{tokString, s[i+1 : j]})
			i = j + 1
		case isIdentStart(c) || c == '-' || (c >= '0' && c <= '9'):
			j := i
			for j < len(s) && (isIdentPart(s[j]) || s[j] == '.' || s[j] == '-') {
				j++
			}
			text := s[i:j]
			if _, err := strconv.ParseFloat(text, 64); err == nil {
				toks = append(toks, token{tokNumber, text})
			} else {
				toks = append(toks, token{tokIdent, text})
			}
			i = j
		default:
			return nil, bfserr.New("query.lex", bfserr.BadValue, nil)
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

// Parse compiles a predicate expression string into an Expr tree. Grammar
// (highest to lowest precedence):
//
//	primary  := IDENT op (STRING | NUMBER) | '(' orExpr ')' | '!' primary
//	andExpr  := primary ( '&&' primary )*
//	orExpr   := andExpr ( '||' andExpr )*
func Parse(s string) (Expr, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, bfserr.New("query.Parse", bfserr.BadValue, nil)
	}
	return e, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokNot:
		p.next()
		inner, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil
	case tokLParen:
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, bfserr.New("query.parsePrimary", bfserr.BadValue, nil)
		}
		p.next()
		return e, nil
	case tokIdent:
		return p.parseEquation()
	default:
		return nil, bfserr.New("query.parsePrimary", bfserr.BadValue, nil)
	}
}

func (p *parser) parseEquation() (Expr, error) {
	attr := p.next()
	opTok := p.next()
	var op Op
	switch opTok.kind {
	case tokEq:
		op = Eq
	case tokNe:
		op = Ne
	case tokGt:
		op = Gt
	case tokGe:
		op = Ge
	case tokLt:
		op = Lt
	case tokLe:
		op = Le
	default:
		return nil, bfserr.New("query.parseEquation", bfserr.BadValue, nil)
	}
	val := p.next()
	var v Value
	switch val.kind {
	case tokString:
		v = StringValue(val.text)
	case tokNumber:
		if f, err := strconv.ParseInt(val.text, 10, 64); err == nil {
			v = IntValue(f)
		} else if f, err := strconv.ParseFloat(val.text, 64); err == nil {
			v = FloatValue(f)
		} else {
			return nil, bfserr.New("query.parseEquation", bfserr.BadValue, nil)
		}
	default:
		return nil, bfserr.New("query.parseEquation", bfserr.BadValue, nil)
	}
	return &Equation{Attr: attr.text, Op: op, Val: v}, nil
}
