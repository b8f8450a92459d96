// Package expr evaluates trigger conditions: boolean, comparison and
// arithmetic operators over a flat set of named variables.
//
// The grammar has no member access, indexing, calls or assignment, so a
// condition can only read the variables it is given:
//
//	expr    := or
//	or      := and (("or" | "||") and)*
//	and     := not (("and" | "&&") not)*
//	not     := ("not" | "!") not | compare
//	compare := sum (("==" | "!=" | "<" | "<=" | ">" | ">=") sum)*
//	sum     := term (("+" | "-") term)*
//	term    := unary (("*" | "/" | "%") unary)*
//	unary   := ("-" | "+") unary | primary
//	primary := number | string | True | False | None | name | "(" expr ")"
//
// Comparison chains follow Python: a < b < c means a < b and b < c.
package expr

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrSyntax reports a condition that does not parse.
	ErrSyntax = errors.New("condition syntax error")
	// ErrUndefined reports a name with no binding.
	ErrUndefined = errors.New("undefined variable")
	// ErrType reports an operator applied to unsupported operand types.
	ErrType = errors.New("type error")
	// ErrNonBoolean reports a condition whose result is not a boolean.
	ErrNonBoolean = errors.New("condition did not evaluate to a boolean")
)

// Env binds variable names to values decoded from JSON.
type Env map[string]any

// Program is a parsed condition, safe for concurrent use.
type Program struct {
	src    string
	root   node
	idents []string
}

// Compile parses src.
func Compile(src string) (*Program, error) {
	root, idents, err := parse(src)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(idents))
	for name := range idents {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Program{src: src, root: root, idents: names}, nil
}

// Source returns the condition text.
func (p *Program) Source() string { return p.src }

// Identifiers returns the sorted variable names the condition reads.
func (p *Program) Identifiers() []string { return p.idents }

// Eval evaluates the program against env.
func (p *Program) Eval(env Env) (any, error) {
	return eval(p.root, env)
}

// EvalBool evaluates the program and requires a boolean result.
func (p *Program) EvalBool(env Env) (bool, error) {
	v, err := p.Eval(env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %s", ErrNonBoolean, typeName(v))
	}
	return b, nil
}
