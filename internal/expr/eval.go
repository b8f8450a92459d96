package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

func eval(n node, env Env) (any, error) {
	switch n := n.(type) {
	case literalNode:
		return n.value, nil
	case identNode:
		v, ok := env[n.name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefined, n.name)
		}
		return normalize(v), nil
	case unaryNode:
		v, err := eval(n.operand, env)
		if err != nil {
			return nil, err
		}
		return evalUnary(n.op, v)
	case logicalNode:
		left, err := eval(n.left, env)
		if err != nil {
			return nil, err
		}
		l := truthy(left)
		if n.op == tokAnd && !l {
			return false, nil
		}
		if n.op == tokOr && l {
			return true, nil
		}
		right, err := eval(n.right, env)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case binaryNode:
		left, err := eval(n.left, env)
		if err != nil {
			return nil, err
		}
		right, err := eval(n.right, env)
		if err != nil {
			return nil, err
		}
		return evalArithmetic(n.op, left, right)
	case compareNode:
		left, err := eval(n.operands[0], env)
		if err != nil {
			return nil, err
		}
		for i, op := range n.ops {
			right, err := eval(n.operands[i+1], env)
			if err != nil {
				return nil, err
			}
			ok, err := compare(op, left, right)
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
			left = right
		}
		return true, nil
	default:
		return nil, fmt.Errorf("%w: unknown node %T", ErrSyntax, n)
	}
}

func evalUnary(op tokenKind, v any) (any, error) {
	if op == tokNot {
		return !truthy(v), nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: unary operator on %s", ErrType, typeName(v))
	}
	if op == tokMinus {
		return -f, nil
	}
	return f, nil
}

func evalArithmetic(op tokenKind, left, right any) (any, error) {
	if op == tokPlus {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}

	l, lok := left.(float64)
	r, rok := right.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: arithmetic on %s and %s", ErrType, typeName(left), typeName(right))
	}

	switch op {
	case tokPlus:
		return l + r, nil
	case tokMinus:
		return l - r, nil
	case tokStar:
		return l * r, nil
	case tokSlash:
		if r == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrType)
		}
		return l / r, nil
	case tokPercent:
		if r == 0 {
			return nil, fmt.Errorf("%w: modulo by zero", ErrType)
		}
		// Sign follows the divisor, as in Python.
		m := math.Mod(l, r)
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: unknown arithmetic operator", ErrSyntax)
}

func compare(op tokenKind, left, right any) (bool, error) {
	switch op {
	case tokEq:
		return equal(left, right), nil
	case tokNe:
		return !equal(left, right), nil
	}

	if l, ok := asNumber(left); ok {
		if r, ok := asNumber(right); ok {
			return ordered(op, l < r, l == r), nil
		}
	}
	if l, ok := left.(string); ok {
		if r, ok := right.(string); ok {
			return ordered(op, l < r, l == r), nil
		}
	}
	return false, fmt.Errorf("%w: cannot order %s and %s", ErrType, typeName(left), typeName(right))
}

func ordered(op tokenKind, less, eq bool) bool {
	switch op {
	case tokLt:
		return less
	case tokLe:
		return less || eq
	case tokGt:
		return !less && !eq
	case tokGe:
		return !less
	}
	return false
}

func equal(left, right any) bool {
	switch l := left.(type) {
	case nil:
		return right == nil
	case bool, float64:
		ln, _ := asNumber(l)
		rn, ok := asNumber(right)
		return ok && ln == rn
	case string:
		r, ok := right.(string)
		return ok && l == r
	default:
		return reflect.DeepEqual(left, right)
	}
}

// asNumber reads numbers and booleans as float64, True being 1.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// normalize folds Go numeric types into float64 so bindings built from
// json.Number or plain ints behave like JSON-decoded ones.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "None"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
