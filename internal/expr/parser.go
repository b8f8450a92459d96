package expr

import "fmt"

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 64

type node interface{}

type (
	literalNode struct{ value any }
	identNode   struct{ name string }
	unaryNode   struct {
		op      tokenKind
		operand node
	}
	binaryNode struct {
		op          tokenKind
		left, right node
	}
	logicalNode struct {
		op          tokenKind
		left, right node
	}
	// compareNode holds a chain a < b <= c, evaluated pairwise with
	// every operand computed once.
	compareNode struct {
		ops      []tokenKind
		operands []node
	}
)

type parser struct {
	tokens []token
	pos    int
	depth  int
	idents map[string]struct{}
}

func parse(src string) (node, map[string]struct{}, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, nil, err
	}
	p := &parser{tokens: tokens, idents: map[string]struct{}{}}
	if p.peek().kind == tokEOF {
		return nil, nil, fmt.Errorf("%w: empty condition", ErrSyntax)
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, tok.text, tok.pos)
	}
	return n, p.idents, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrSyntax, maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

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
		left = logicalNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: tokNot, operand: operand}, nil
	}
	return p.parseComparison()
}

func isComparison(k tokenKind) bool {
	switch k {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		return true
	}
	return false
}

func (p *parser) parseComparison() (node, error) {
	first, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if !isComparison(p.peek().kind) {
		return first, nil
	}

	cmp := compareNode{operands: []node{first}}
	for isComparison(p.peek().kind) {
		op := p.next().kind
		operand, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		cmp.ops = append(cmp.ops, op)
		cmp.operands = append(cmp.operands, operand)
	}
	return cmp, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokPlus || k == tokMinus; k = p.peek().kind {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: k, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokStar || k == tokSlash || k == tokPercent; k = p.peek().kind {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: k, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if k := p.peek().kind; k == tokMinus || k == tokPlus {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: k, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return literalNode{value: tok.num}, nil
	case tokString:
		return literalNode{value: tok.text}, nil
	case tokTrue:
		return literalNode{value: true}, nil
	case tokFalse:
		return literalNode{value: false}, nil
	case tokNone:
		return literalNode{value: nil}, nil
	case tokIdent:
		p.idents[tok.text] = struct{}{}
		return identNode{name: tok.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at %d", ErrSyntax, closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of condition", ErrSyntax)
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, tok.text, tok.pos)
	}
}
