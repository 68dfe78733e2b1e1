package baton

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Condition is a compiled step gate: comparisons and boolean connectives
// over context values, nothing more. Definitions carry the source text;
// ParseCondition compiles it at registration so malformed expressions never
// reach execution.
//
// Grammar, loosest first:
//
//	expr       = or
//	or         = and { ("||" | "or") and }
//	and        = unary { ("&&" | "and") unary }
//	unary      = ("!" | "not") unary | comparison
//	comparison = operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=") operand ]
//	operand    = number | string | "true" | "false" | "null"
//	           | "$" reference | "(" expr ")"
//
// References resolve against the execution context; a missing reference
// evaluates to null. Ordering comparisons require two numbers or two
// strings; boolean connectives require booleans. Anything else is an
// evaluation error, which fails the gated step.
type Condition struct {
	src  string
	root exprNode
}

// ParseCondition compiles src. The returned Condition is safe for
// concurrent use.
func ParseCondition(src string) (*Condition, error) {
	toks, err := lexCondition(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
	return &Condition{src: src, root: root}, nil
}

// Eval evaluates the condition against ctx. The expression must produce a
// boolean.
func (c *Condition) Eval(ctx *Context) (bool, error) {
	v, err := c.root.eval(ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %s, want boolean", c.src, typeName(v))
	}
	return b, nil
}

func (c *Condition) String() string {
	return c.src
}

type exprNode interface {
	eval(ctx *Context) (any, error)
}

type litNode struct {
	value any
}

func (n *litNode) eval(*Context) (any, error) {
	return n.value, nil
}

type varNode struct {
	path string
}

func (n *varNode) eval(ctx *Context) (any, error) {
	v, ok := ctx.Resolve(n.path)
	if !ok {
		return nil, nil
	}
	return v, nil
}

type notNode struct {
	operand exprNode
}

func (n *notNode) eval(ctx *Context) (any, error) {
	v, err := n.operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("cannot negate %s", typeName(v))
	}
	return !b, nil
}

type binNode struct {
	op          string
	left, right exprNode
}

func (n *binNode) eval(ctx *Context) (any, error) {
	switch n.op {
	case "&&", "||":
		return n.evalLogical(ctx)
	}

	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equalValues(l, r), nil
	case "!=":
		return !equalValues(l, r), nil
	}
	return orderValues(n.op, l, r)
}

func (n *binNode) evalLogical(ctx *Context) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	lb, ok := l.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of %q is %s, want boolean", n.op, typeName(l))
	}
	if n.op == "&&" && !lb {
		return false, nil
	}
	if n.op == "||" && lb {
		return true, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	rb, ok := r.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of %q is %s, want boolean", n.op, typeName(r))
	}
	return rb, nil
}

func equalValues(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := toFloat(l); ok {
		if rf, rok := toFloat(r); rok {
			return lf == rf
		}
		return false
	}
	return reflect.DeepEqual(l, r)
}

func orderValues(op string, l, r any) (any, error) {
	if lf, ok := toFloat(l); ok {
		if rf, rok := toFloat(r); rok {
			return applyOrder(op, compareFloats(lf, rf)), nil
		}
	}
	if ls, ok := l.(string); ok {
		if rs, rok := r.(string); rok {
			return applyOrder(op, strings.Compare(ls, rs)), nil
		}
	}
	return nil, fmt.Errorf("cannot order %s and %s", typeName(l), typeName(r))
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func compareFloats(l, r float64) int {
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

type condTokenKind int

const (
	tokEOF condTokenKind = iota
	tokNumber
	tokString
	tokVariable
	tokIdent
	tokOp
)

type condToken struct {
	kind condTokenKind
	text string
	pos  int
}

func lexCondition(src string) ([]condToken, error) {
	var toks []condToken
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			toks = append(toks, condToken{tokOp, string(c), i})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, fmt.Errorf("unexpected %q at offset %d", string(c), i)
			}
			toks = append(toks, condToken{tokOp, src[i : i+2], i})
			i += 2
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("unexpected %q at offset %d (did you mean ==?)", string(c), i)
			}
			toks = append(toks, condToken{tokOp, "==", i})
			i += 2
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, condToken{tokOp, "!=", i})
				i += 2
			} else {
				toks = append(toks, condToken{tokOp, "!", i})
				i++
			}
		case c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, condToken{tokOp, src[i : i+2], i})
				i += 2
			} else {
				toks = append(toks, condToken{tokOp, string(c), i})
				i++
			}
		case c == '\'' || c == '"':
			text, n, err := lexQuoted(src[i:])
			if err != nil {
				return nil, fmt.Errorf("%v at offset %d", err, i)
			}
			toks = append(toks, condToken{tokString, text, i})
			i += n
		case c == '$':
			ref, n := scanRef(src[i+1:])
			if n == 0 {
				return nil, fmt.Errorf("invalid variable reference at offset %d", i)
			}
			toks = append(toks, condToken{tokVariable, ref, i})
			i += 1 + n
		case c == '-' || ('0' <= c && c <= '9'):
			text, n, err := lexNumber(src[i:])
			if err != nil {
				return nil, fmt.Errorf("%v at offset %d", err, i)
			}
			toks = append(toks, condToken{tokNumber, text, i})
			i += n
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, condToken{tokIdent, src[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", string(c), i)
		}
	}
	return append(toks, condToken{kind: tokEOF, pos: len(src)}), nil
}

func lexQuoted(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		switch c {
		case quote:
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("unterminated string")
			}
			b.WriteByte(s[i+1])
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func lexNumber(s string) (string, int, error) {
	i := 0
	if s[0] == '-' {
		i++
		if i >= len(s) || s[i] < '0' || s[i] > '9' {
			return "", 0, fmt.Errorf("invalid number")
		}
	}
	for i < len(s) && '0' <= s[i] && s[i] <= '9' {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		if i >= len(s) || s[i] < '0' || s[i] > '9' {
			return "", 0, fmt.Errorf("invalid number")
		}
		for i < len(s) && '0' <= s[i] && s[i] <= '9' {
			i++
		}
	}
	return s[:i], i, nil
}

type condParser struct {
	toks []condToken
	pos  int
}

func (p *condParser) peek() condToken {
	return p.toks[p.pos]
}

func (p *condParser) next() condToken {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *condParser) matchOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *condParser) matchIdent(word string) bool {
	tok := p.peek()
	if tok.kind == tokIdent && tok.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.matchOp("||"); !ok && !p.matchIdent("or") {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "||", left: left, right: right}
	}
}

func (p *condParser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.matchOp("&&"); !ok && !p.matchIdent("and") {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "&&", left: left, right: right}
	}
}

func (p *condParser) parseUnary() (exprNode, error) {
	if _, ok := p.matchOp("!"); ok || p.matchIdent("not") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (exprNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	op, ok := p.matchOp("==", "!=", "<=", "<", ">=", ">")
	if !ok {
		return left, nil
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &binNode{op: op, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (exprNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", tok.text, tok.pos)
		}
		return &litNode{value: f}, nil
	case tokString:
		return &litNode{value: tok.text}, nil
	case tokVariable:
		return &varNode{path: tok.text}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &litNode{value: true}, nil
		case "false":
			return &litNode{value: false}, nil
		case "null":
			return &litNode{value: nil}, nil
		}
		return nil, fmt.Errorf("unknown identifier %q at offset %d (context fields need a $ prefix)", tok.text, tok.pos)
	case tokOp:
		if tok.text == "(" {
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.matchOp(")"); !ok {
				return nil, fmt.Errorf("missing closing parenthesis at offset %d", p.peek().pos)
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
}
