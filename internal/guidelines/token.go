package guidelines

import (
	"fmt"
	"math"
	"strconv"
)

// TokenType enumerates the RPN token kinds.
type TokenType int

const (
	tokNum TokenType = iota
	tokStr
	tokBool
	tokRole
	tokList
	tokNull
	tokAdd
	tokSub
	tokDiv
	tokMul
	tokMod
	tokNeg
	tokLT
	tokGT
	tokNE
	tokLE
	tokGE
	tokEQ
	tokIn
	tokNot
	tokAnd
	tokMidAnd
	tokOr
	tokMidOr
	tokTagRef
	tokVarRef
	tokFunc
	tokResolveV4
	tokResolveV6
	tokConcat
	tokRegexp
	tokNetwork
)

func (t TokenType) String() string {
	switch t {
	case tokLT:
		return "<"
	case tokGT:
		return ">"
	case tokNE:
		return "<>"
	case tokLE:
		return "<="
	case tokGE:
		return ">="
	case tokEQ:
		return "="
	case tokNum:
		return "NUMBER"
	case tokBool:
		return "BOOLEAN"
	case tokStr:
		return "STRING"
	case tokNull:
		return "NULL"
	case tokList:
		return "LIST"
	case tokAdd:
		return "+"
	case tokSub, tokNeg:
		return "-"
	case tokDiv:
		return "/"
	case tokMul:
		return "*"
	case tokMod:
		return "%"
	case tokTagRef:
		return "TAG_REF"
	case tokVarRef:
		return "VAR_REF"
	case tokIn:
		return "IN"
	case tokNot:
		return "NOT"
	case tokAnd:
		return "AND"
	case tokOr:
		return "OR"
	case tokMidAnd:
		return "MID_AND"
	case tokMidOr:
		return "MID_OR"
	case tokRole:
		return "ROLE"
	case tokFunc:
		return "FUNCTION"
	case tokResolveV4:
		return "RESOLVE_V4"
	case tokResolveV6:
		return "RESOLVE_V6"
	case tokConcat:
		return "CONCAT"
	case tokRegexp:
		return "REGEXP"
	case tokNetwork:
		return "NETWORK"
	}
	return "UNKNOWN_TOKEN"
}

// Span is a half-open byte range into the source expression.
type Span struct {
	Start, End int
}

// Token is both a compiled program token and a runtime value. The num
// field doubles as the payload for LIST arity, VAR_REF offsets, MID_AND /
// MID_OR skip counts, CONCAT arity, REGEXP store indexes and NETWORK mask
// lengths.
type Token struct {
	typ TokenType
	num float64
	str string
	fn  *funcDef
	loc Span

	// missing marks a NULL that came from an absent scope variable; it
	// drives the relaxed comparison semantics.
	missing bool
}

func numToken(v float64) Token            { return Token{typ: tokNum, num: v} }
func strToken(s string) Token             { return Token{typ: tokStr, str: s} }
func nullToken() Token                    { return Token{typ: tokNull} }
func missingToken() Token                 { return Token{typ: tokNull, missing: true} }
func roleToken(name string) Token         { return Token{typ: tokRole, str: name} }
func opToken(t TokenType, loc Span) Token { return Token{typ: t, loc: loc} }

func boolToken(v bool) Token {
	n := 0.0
	if v {
		n = 1.0
	}
	return Token{typ: tokBool, num: n}
}

func (t Token) Type() TokenType { return t.typ }
func (t Token) isNum() bool     { return t.typ == tokNum }
func (t Token) isStr() bool     { return t.typ == tokStr }
func (t Token) isBool() bool    { return t.typ == tokBool }
func (t Token) isRole() bool    { return t.typ == tokRole }
func (t Token) isNull() bool    { return t.typ == tokNull }

func (t Token) hasLoc() bool { return t.loc.End > t.loc.Start }

// getBool coerces the token into a boolean the way the evaluator's logical
// operators do.
func (t Token) getBool(what string) (bool, error) {
	switch t.typ {
	case tokNum, tokBool:
		return math.Abs(t.num) > 1e-9, nil
	case tokRole:
		return !strCaseEq(t.str, UndefinedRole), nil
	case tokNull:
		return false, nil
	case tokStr:
		return t.str != "", nil
	}
	if what == "" {
		what = "type error, expected boolean, but got: " + t.describe(false)
	}
	return false, evalError(what)
}

func (t Token) getStr() (string, error) {
	if t.typ == tokStr || t.typ == tokRole {
		return t.str, nil
	}
	return "", evalError("type error, expected string")
}

func (t Token) describe(withValue bool) string {
	if !withValue {
		return "'" + t.typ.String() + "'"
	}
	switch t.typ {
	case tokNum, tokList, tokVarRef, tokMidOr, tokMidAnd, tokConcat, tokRegexp, tokNetwork:
		return fmt.Sprintf("'%s'(%s)", t.typ, strconv.FormatFloat(t.num, 'g', -1, 64))
	case tokBool:
		v, _ := t.getBool("")
		return fmt.Sprintf("'%s'(%t)", t.typ, v)
	case tokStr, tokTagRef, tokRole, tokResolveV4, tokResolveV6:
		return fmt.Sprintf("'%s'(%s)", t.typ, t.str)
	}
	return "'" + t.typ.String() + "'"
}

type evalErr struct{ msg string }

func (e evalErr) Error() string { return e.msg }

func evalError(msg string) error { return evalErr{msg: msg} }

func evalErrorf(format string, args ...any) error {
	return evalErr{msg: fmt.Sprintf(format, args...)}
}

// tokensEqual compares two tokens ignoring source spans; used by the
// guideline diff.
func tokensEqual(a, b Token) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case tokStr, tokRole, tokTagRef, tokResolveV4, tokResolveV6:
		return strCaseEq(a.str, b.str)
	case tokFunc:
		return a.fn == b.fn
	default:
		return a.num == b.num
	}
}

// tokenEq implements the '=' operator.
func tokenEq(lhs, rhs Token) (bool, error) {
	if lhs.typ != rhs.typ {
		return checkNulls(lhs, rhs, true)
	}
	switch lhs.typ {
	case tokNum, tokBool:
		return lhs.num == rhs.num, nil
	case tokNull:
		if lhs.missing || rhs.missing {
			return false, nil
		}
		return false, evalError("incompatible operands for comparison: " +
			lhs.describe(false) + " vs " + rhs.describe(false))
	case tokRole:
		// UNDEFINED never equals a concrete role, not even itself by
		// name.
		if strCaseEq(lhs.str, UndefinedRole) || strCaseEq(rhs.str, UndefinedRole) {
			return false, nil
		}
		return strCaseEq(lhs.str, rhs.str), nil
	case tokStr:
		return strCaseEq(lhs.str, rhs.str), nil
	}
	return false, evalError("token type not suitable for comparison: " + lhs.describe(false))
}

// checkNulls handles comparisons of mismatched operand types. A missing
// variable NULL compares as false, any other mismatch is an error. For
// equality, boolean operands fall back to truthiness comparison.
func checkNulls(lhs, rhs Token, bools bool) (bool, error) {
	if lhs.isNull() || rhs.isNull() {
		if lhs.missing || rhs.missing {
			return false, nil
		}
		return false, evalError("incompatible operands for comparison: " +
			lhs.describe(false) + " vs " + rhs.describe(false))
	}
	if bools && (lhs.isBool() || rhs.isBool()) {
		lv, lerr := lhs.getBool("")
		rv, rerr := rhs.getBool("")
		if lerr == nil && rerr == nil {
			return lv == rv, nil
		}
	}
	return false, evalError("incompatible operands for comparison: " +
		lhs.describe(false) + " vs " + rhs.describe(false))
}

// tokenLess implements the '<' operator.
func tokenLess(lhs, rhs Token) (bool, error) {
	if lhs.typ != rhs.typ {
		return checkNulls(lhs, rhs, false)
	}
	switch {
	case lhs.isNum():
		return lhs.num < rhs.num, nil
	case lhs.isStr():
		return strCaseCmp(lhs.str, rhs.str) < 0, nil
	case lhs.isNull():
		if lhs.missing || rhs.missing {
			return false, nil
		}
		return false, evalError("incompatible operands for comparison: " +
			lhs.describe(false) + " vs " + rhs.describe(false))
	}
	return false, evalError("only strings and numbers can be compared")
}

// tokenLessEq implements the '<=' operator.
func tokenLessEq(lhs, rhs Token) (bool, error) {
	if lhs.typ != rhs.typ {
		return checkNulls(lhs, rhs, false)
	}
	switch {
	case lhs.isNum():
		return lhs.num <= rhs.num, nil
	case lhs.isStr():
		return strCaseCmp(lhs.str, rhs.str) <= 0, nil
	case lhs.isNull():
		if lhs.missing || rhs.missing {
			return false, nil
		}
		return false, evalError("incompatible operands for comparison: " +
			lhs.describe(false) + " vs " + rhs.describe(false))
	}
	return false, evalError("only strings and numbers can be compared")
}
