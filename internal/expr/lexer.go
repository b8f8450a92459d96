package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokNone
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

var keywords = map[string]tokenKind{
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
	"True":  tokTrue,
	"true":  tokTrue,
	"False": tokFalse,
	"false": tokFalse,
	"None":  tokNone,
	"null":  tokNone,
}

// maxSourceLen bounds condition strings; they come from operator
// configuration, not code.
const maxSourceLen = 4096

func tokenize(src string) ([]token, error) {
	if len(src) > maxSourceLen {
		return nil, fmt.Errorf("%w: condition longer than %d bytes", ErrSyntax, maxSourceLen)
	}

	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == '_') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			text := src[start:i]
			n, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q at %d", ErrSyntax, text, start)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, num: n, pos: start})
		case c == '\'' || c == '"':
			start := i
			s, next, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			i = next
			tokens = append(tokens, token{kind: tokString, text: s, pos: start})
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || isDigit(src[i]) || unicode.IsLetter(rune(src[i]))) {
				i++
			}
			word := src[start:i]
			kind, ok := keywords[word]
			if !ok {
				kind = tokIdent
			}
			tokens = append(tokens, token{kind: kind, text: word, pos: start})
		default:
			kind, width := operator(src[i:])
			if width == 0 {
				return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, string(c), i)
			}
			tokens = append(tokens, token{kind: kind, text: src[i : i+width], pos: i})
			i += width
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func operator(s string) (tokenKind, int) {
	if len(s) >= 2 {
		switch s[:2] {
		case "==":
			return tokEq, 2
		case "!=":
			return tokNe, 2
		case "<=":
			return tokLe, 2
		case ">=":
			return tokGe, 2
		case "&&":
			return tokAnd, 2
		case "||":
			return tokOr, 2
		}
	}
	switch s[0] {
	case '(':
		return tokLParen, 1
	case ')':
		return tokRParen, 1
	case '+':
		return tokPlus, 1
	case '-':
		return tokMinus, 1
	case '*':
		return tokStar, 1
	case '/':
		return tokSlash, 1
	case '%':
		return tokPercent, 1
	case '<':
		return tokLt, 1
	case '>':
		return tokGt, 1
	case '!':
		return tokNot, 1
	}
	return tokEOF, 0
}

func scanString(src string, i int) (string, int, error) {
	quote := src[i]
	start := i
	i++
	var b strings.Builder
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i])
			}
		default:
			b.WriteByte(c)
		}
		i++
	}
	return "", 0, fmt.Errorf("%w: unterminated string at %d", ErrSyntax, start)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
