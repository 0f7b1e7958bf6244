package guidelines

import (
	"fmt"
	"strconv"
	"strings"
)

type lexKind int

const (
	lexEnd lexKind = iota
	lexNumber
	lexString
	lexVarRef
	lexIdent
	lexRole
	lexFunction
	lexTrue
	lexFalse
	lexNull
	lexIn
	lexNot
	lexAnd
	lexOr
	lexLike
	lexPlus
	lexDash
	lexStar
	lexSlash
	lexPercent
	lexLParen
	lexRParen
	lexComma
	lexLT
	lexGT
	lexLE
	lexGE
	lexNE
	lexEQ
)

var keywordKinds = map[string]lexKind{
	"TRUE":  lexTrue,
	"FALSE": lexFalse,
	"NULL":  lexNull,
	"IN":    lexIn,
	"NOT":   lexNot,
	"AND":   lexAnd,
	"OR":    lexOr,
	"LIKE":  lexLike,
}

// KeywordNames lists the language keywords, used for the published
// document schema.
func KeywordNames() []string {
	return []string{"TRUE", "FALSE", "NULL", "IN", "NOT", "AND", "OR", "LIKE"}
}

type lexeme struct {
	kind lexKind
	str  string
	num  float64
	fn   *funcDef
	span Span
}

type lexer struct {
	buf string
	pos int
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// spanID scans an identifier: a letter followed by [alnum_]* segments
// joined with '.' where each segment after a dot starts with a letter or
// underscore. complexID reports whether the identifier is dotted.
func (lx *lexer) spanID(start int) (string, bool, error) {
	if start >= len(lx.buf) || !isAlpha(lx.buf[start]) {
		return "", false, fmt.Errorf("id not starting with a letter")
	}
	complexID := false
	i := start + 1
	for i < len(lx.buf) {
		for i < len(lx.buf) && (isAlnum(lx.buf[i]) || lx.buf[i] == '_') {
			i++
		}
		if i+1 >= len(lx.buf) || lx.buf[i] != '.' ||
			(!isAlpha(lx.buf[i+1]) && lx.buf[i+1] != '_') {
			break
		}
		complexID = true
		i += 2
	}
	return lx.buf[start:i], complexID, nil
}

func (lx *lexer) spanNum(start int) (float64, int, error) {
	i := start
	for i < len(lx.buf) && isDigit(lx.buf[i]) {
		i++
	}
	if i < len(lx.buf) && lx.buf[i] == '.' {
		i++
		for i < len(lx.buf) && isDigit(lx.buf[i]) {
			i++
		}
	}
	if i < len(lx.buf) && (lx.buf[i] == 'e' || lx.buf[i] == 'E') {
		j := i + 1
		if j < len(lx.buf) && (lx.buf[j] == '+' || lx.buf[j] == '-') {
			j++
		}
		if j < len(lx.buf) && isDigit(lx.buf[j]) {
			i = j
			for i < len(lx.buf) && isDigit(lx.buf[i]) {
				i++
			}
		}
	}
	num, err := strconv.ParseFloat(lx.buf[start:i], 64)
	if err != nil {
		return 0, start, fmt.Errorf("malformed number")
	}
	return num, i, nil
}

func (lx *lexer) spanQuote(offset int) (int, error) {
	quote := lx.buf[offset]
	for i := offset + 1; i < len(lx.buf); i++ {
		if lx.buf[i] == quote && lx.buf[i-1] != '\\' {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("unclosed %c", quote)
}

// next returns the next lexeme. Errors are positioned syntax errors.
func (lx *lexer) next() (lexeme, error) {
	buf := lx.buf
	for lx.pos < len(buf) && isSpace(buf[lx.pos]) {
		lx.pos++
	}
	if lx.pos >= len(buf) {
		return lexeme{kind: lexEnd, span: Span{lx.pos, lx.pos}}, nil
	}

	start := lx.pos
	c := buf[lx.pos]
	lx.pos++

	simple := func(kind lexKind) (lexeme, error) {
		return lexeme{kind: kind, span: Span{start, lx.pos}}, nil
	}

	switch c {
	case '-':
		return simple(lexDash)
	case '+':
		return simple(lexPlus)
	case '*':
		return simple(lexStar)
	case '/':
		return simple(lexSlash)
	case '%':
		return simple(lexPercent)
	case '(':
		return simple(lexLParen)
	case ')':
		return simple(lexRParen)
	case ',':
		return simple(lexComma)
	case '=':
		return simple(lexEQ)
	case '>':
		if lx.pos < len(buf) && buf[lx.pos] == '=' {
			lx.pos++
			return simple(lexGE)
		}
		return simple(lexGT)
	case '<':
		if lx.pos < len(buf) {
			switch buf[lx.pos] {
			case '=':
				lx.pos++
				return simple(lexLE)
			case '>':
				lx.pos++
				return simple(lexNE)
			}
		}
		return simple(lexLT)
	case '$':
		if lx.pos >= len(buf) || buf[lx.pos] != '.' {
			return lexeme{}, lx.errAt(start, "$ not starting variable reference")
		}
		id, _, err := lx.spanID(lx.pos + 1)
		if err != nil {
			return lexeme{}, lx.errAt(start, err.Error())
		}
		lx.pos += len(id) + 1
		return lexeme{kind: lexVarRef, str: id, span: Span{start, lx.pos}}, nil
	case '\'', '"':
		end, err := lx.spanQuote(start)
		if err != nil {
			return lexeme{}, lx.errAt(start, err.Error())
		}
		lx.pos = end
		return lexeme{kind: lexString, str: buf[start+1 : end-1], span: Span{start, end}}, nil
	}

	if isDigit(c) {
		num, end, err := lx.spanNum(start)
		if err != nil {
			return lexeme{}, lx.errAt(start, err.Error())
		}
		lx.pos = end
		return lexeme{kind: lexNumber, num: num, span: Span{start, end}}, nil
	}

	if isAlpha(c) {
		id, complexID, err := lx.spanID(start)
		if err != nil {
			return lexeme{}, lx.errAt(start, err.Error())
		}
		lx.pos = start + len(id)
		span := Span{start, lx.pos}
		if !complexID {
			up := strings.ToUpper(id)
			if kind, ok := keywordKinds[up]; ok {
				return lexeme{kind: kind, str: up, span: span}, nil
			}
			if fn := functionDef(up); fn != nil {
				return lexeme{kind: lexFunction, fn: fn, str: up, span: span}, nil
			}
			if IsMemberRole(up) || IsClusterRole(up) {
				return lexeme{kind: lexRole, str: up, span: span}, nil
			}
		}
		return lexeme{kind: lexIdent, str: id, span: span}, nil
	}

	return lexeme{}, lx.errAt(start, fmt.Sprintf("unexpected character: '%c'", c))
}

func (lx *lexer) errAt(pos int, msg string) error {
	return evalError(errorMsg("syntax error, "+msg, lx.buf, pos, pos+1))
}
