package guidelines

import (
	"fmt"
	"regexp"
	"strings"
)

// expInfo tracks, per parsed subexpression, how many RPN tokens it emitted
// and its static result type.
type expInfo struct {
	toks int
	typ  TokenType
}

var hostnameRegexp = regexp.MustCompile(
	`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)

// parser compiles one match expression into an RPN program. It is reused
// across the expressions of a guideline document so the usage flags
// accumulate.
type parser struct {
	lx  *lexer
	cur lexeme
	rpn []Token
	ctx *Context

	extendedSessionInfo bool
	sessionRandUsed     bool
}

func (p *parser) advance() error {
	lex, err := p.lx.next()
	if err != nil {
		return err
	}
	p.cur = lex
	return nil
}

// parse compiles code against ctx. The context must have all scopes set
// (parse mode verification evaluates against their zero values).
func (p *parser) parse(code string, ctx *Context) (*Expression, error) {
	p.ctx = ctx
	ctx.parseMode = true
	defer func() { ctx.parseMode = false }()

	p.lx = &lexer{buf: code}
	p.rpn = nil
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.parseOr(); err != nil {
		return nil, err
	}
	if p.cur.kind != lexEnd {
		return nil, p.syntaxError(p.cur.span, "unexpected input")
	}
	rpn := p.rpn
	p.rpn = nil
	return &Expression{rpn: rpn, code: code}, nil
}

func (p *parser) syntaxError(loc Span, msg string) error {
	return evalError(errorMsg("syntax error, "+msg, p.lx.buf, loc.Start, loc.End))
}

func (p *parser) typeError(loc Span, msg string, expected, got TokenType) error {
	return evalError(errorMsg(
		fmt.Sprintf("type error, %s, expected %s but got %s", msg, expected, got),
		p.lx.buf, loc.Start, loc.End))
}

func (p *parser) emit(tok Token) {
	p.rpn = append(p.rpn, tok)
}

// emitLogical inserts the MID_AND / MID_OR short-circuit token before the
// right-hand side tokens starting at mark and appends the operator.
func (p *parser) emitLogical(op TokenType, mark int, loc Span) {
	rhsToks := len(p.rpn) - mark
	mid := tokMidAnd
	if op == tokOr {
		mid = tokMidOr
	}
	p.rpn = append(p.rpn, Token{})
	copy(p.rpn[mark+1:], p.rpn[mark:])
	p.rpn[mark] = Token{typ: mid, num: float64(rhsToks + 1)}
	p.emit(opToken(op, loc))
}

func (p *parser) parseOr() (expInfo, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return lhs, err
	}
	for p.cur.kind == lexOr {
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		mark := len(p.rpn)
		rhs, err := p.parseAnd()
		if err != nil {
			return lhs, err
		}
		p.emitLogical(tokOr, mark, loc)
		lhs = expInfo{lhs.toks + rhs.toks + 2, tokBool}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (expInfo, error) {
	lhs, err := p.parseNot()
	if err != nil {
		return lhs, err
	}
	for p.cur.kind == lexAnd {
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		mark := len(p.rpn)
		rhs, err := p.parseNot()
		if err != nil {
			return lhs, err
		}
		p.emitLogical(tokAnd, mark, loc)
		lhs = expInfo{lhs.toks + rhs.toks + 2, tokBool}
	}
	return lhs, nil
}

func (p *parser) parseNot() (expInfo, error) {
	if p.cur.kind == lexNot {
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return operand, err
		}
		p.emit(opToken(tokNot, loc))
		return expInfo{operand.toks + 1, tokBool}, nil
	}
	return p.parseComparison()
}

var cmpOps = map[lexKind]TokenType{
	lexEQ: tokEQ,
	lexNE: tokNE,
	lexLT: tokLT,
	lexLE: tokLE,
	lexGT: tokGT,
	lexGE: tokGE,
}

func isOrdered(op TokenType) bool {
	return op == tokLT || op == tokLE || op == tokGT || op == tokGE
}

func (p *parser) parseComparison() (expInfo, error) {
	lhs, err := p.parseAdditive()
	if err != nil {
		return lhs, err
	}

	if op, ok := cmpOps[p.cur.kind]; ok {
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		rhs, err := p.parseAdditive()
		if err != nil {
			return lhs, err
		}
		if err := p.checkComparable(op, lhs, rhs, loc); err != nil {
			return lhs, err
		}
		p.emit(opToken(op, loc))
		return expInfo{lhs.toks + rhs.toks + 1, tokBool}, nil
	}

	negated := false
	if p.cur.kind == lexNot {
		notLoc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		if p.cur.kind != lexIn && p.cur.kind != lexLike {
			return lhs, p.syntaxError(notLoc, "NOT must be followed by IN or LIKE here")
		}
		negated = true
	}

	var out expInfo
	switch p.cur.kind {
	case lexIn:
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		out, err = p.parseIn(lhs, loc)
	case lexLike:
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		out, err = p.parseLike(lhs, loc)
	default:
		return lhs, nil
	}
	if err != nil {
		return out, err
	}
	if negated {
		p.emit(Token{typ: tokNot})
		out.toks++
	}
	return out, nil
}

func (p *parser) checkComparable(op TokenType, lhs, rhs expInfo, loc Span) error {
	if isOrdered(op) {
		for _, side := range []expInfo{lhs, rhs} {
			if side.typ == tokBool || side.typ == tokRole {
				return p.typeError(loc, "incompatible operands for comparison",
					tokNum, side.typ)
			}
		}
	}
	if lhs.typ != rhs.typ && lhs.typ != tokNull && rhs.typ != tokNull {
		return evalError(errorMsg(
			fmt.Sprintf("type error, incompatible operands for comparison: '%s' vs '%s'",
				lhs.typ, rhs.typ),
			p.lx.buf, loc.Start, loc.End))
	}
	return p.checkRoleTypes(lhs, rhs, loc)
}

type roleDomain int

const (
	roleBoth roleDomain = iota
	roleMember
	roleCluster
)

func (p *parser) roleDomainOf(tok Token) roleDomain {
	switch tok.typ {
	case tokRole:
		if IsMemberRole(tok.str) {
			if IsClusterRole(tok.str) {
				return roleBoth
			}
			return roleMember
		}
		return roleCluster
	case tokVarRef:
		if int(tok.num) == clusterRoleVarOffset {
			return roleCluster
		}
		if int(tok.num) == memberRoleVarOffset {
			return roleMember
		}
	}
	return roleBoth
}

// checkRoleTypes rejects comparing a member-role expression with a
// cluster-role expression.
func (p *parser) checkRoleTypes(left, right expInfo, loc Span) error {
	if left.typ != tokRole || right.typ != tokRole {
		return nil
	}
	if left.toks != 1 || right.toks != 1 || len(p.rpn) < 2 {
		return nil
	}
	lt := p.roleDomainOf(p.rpn[len(p.rpn)-2])
	rt := p.roleDomainOf(p.rpn[len(p.rpn)-1])
	if lt == roleBoth || rt == roleBoth || lt == rt {
		return nil
	}
	if lt == roleMember {
		return evalError(errorMsg(
			"type error, incompatible operands for comparison: 'MEMBER ROLE' vs 'CLUSTER ROLE'",
			p.lx.buf, loc.Start, loc.End))
	}
	return evalError(errorMsg(
		"type error, incompatible operands for comparison: 'CLUSTER ROLE' vs 'MEMBER ROLE'",
		p.lx.buf, loc.Start, loc.End))
}

func (p *parser) parseIn(needle expInfo, loc Span) (expInfo, error) {
	if p.cur.kind != lexLParen {
		return expInfo{}, p.syntaxError(p.cur.span, "IN operator expects a parenthesized list")
	}
	if err := p.advance(); err != nil {
		return expInfo{}, err
	}

	var list []expInfo
	for {
		elem, err := p.parseAdditive()
		if err != nil {
			return expInfo{}, err
		}
		list = append(list, elem)
		if p.cur.kind != lexComma {
			break
		}
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
	}
	if p.cur.kind != lexRParen {
		return expInfo{}, p.syntaxError(p.cur.span, "expected ')'")
	}
	if err := p.advance(); err != nil {
		return expInfo{}, err
	}

	ret := expInfo{needle.toks + 1, tokBool}
	for i, elem := range list {
		if needle.typ != tokNull && elem.typ != tokNull && needle.typ != elem.typ {
			return expInfo{}, p.typeError(loc,
				fmt.Sprintf("in operator, type of element at offset %d does not match the type of searched element", i),
				needle.typ, elem.typ)
		}
		ret.toks += elem.toks
	}
	if len(list) > 1 {
		p.emit(Token{typ: tokList, num: float64(len(list))})
		ret.toks++
	}
	p.emit(opToken(tokIn, loc))
	return ret, nil
}

// unescapeLikeMeta removes the escapes of the LIKE special characters from
// a pattern slice.
func unescapeLikeMeta(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\\' && i+1 < len(pattern) &&
			(pattern[i+1] == '%' || pattern[i+1] == '_') {
			continue
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}

// parseLike compiles "lhs LIKE pattern". Patterns of the shape "prefix%",
// "%needle%" and "%suffix" lower to STARTSWITH / CONTAINS / ENDSWITH, ""
// and "%" fold to TRUE, everything else becomes a case-insensitive
// regular-expression match.
func (p *parser) parseLike(str expInfo, loc Span) (expInfo, error) {
	pat, err := p.parseAdditive()
	if err != nil {
		return expInfo{}, err
	}

	if str.typ != tokStr && str.typ != tokNull {
		return expInfo{}, p.typeError(loc, "LIKE operator, left operand", tokStr, str.typ)
	}
	if pat.typ != tokStr {
		return expInfo{}, p.typeError(loc, "LIKE operator, right operand", tokStr, pat.typ)
	}
	last := len(p.rpn) - 1
	if pat.toks != 1 || p.rpn[last].typ != tokStr {
		return expInfo{}, p.syntaxError(loc,
			"LIKE operator only accepts string literals as its right operand")
	}

	pattern := p.rpn[last].str
	if pattern == "" || pattern == "%" {
		p.rpn = p.rpn[:len(p.rpn)-str.toks-pat.toks]
		p.emit(boolToken(true))
		return expInfo{1, tokBool}, nil
	}

	// A pattern qualifies for lowering when its only unescaped '%' are at
	// the very ends and it does not start or end with '_'.
	optimized := pattern[0] != '_' && pattern[len(pattern)-1] != '_'
	for i := 1; optimized && i < len(pattern)-1; i++ {
		if pattern[i] == '%' && !(pattern[i-1] == '\\' && (i < 2 || pattern[i-2] != '\\')) {
			optimized = false
		}
	}

	if optimized {
		n := len(pattern)
		backPercent := pattern[n-1] == '%' &&
			(pattern[n-2] != '\\' || (n > 2 && pattern[n-3] == '\\'))

		args := []expInfo{str, pat}
		if pattern[0] == '%' {
			if backPercent {
				p.rpn[last].str = unescapeLikeMeta(pattern[1 : n-1])
				return p.emitFunction(functionDef("CONTAINS"), args, loc)
			}
			p.rpn[last].str = unescapeLikeMeta(pattern[1:])
			return p.emitFunction(functionDef("ENDSWITH"), args, loc)
		}
		if backPercent {
			p.rpn[last].str = unescapeLikeMeta(pattern[:n-1])
			return p.emitFunction(functionDef("STARTSWITH"), args, loc)
		}
	}

	p.rpn[last].str = likeToRegexp(pattern)
	return p.emitFunction(functionDef("REGEXP_LIKE"), args2(str, pat), loc)
}

func args2(a, b expInfo) []expInfo { return []expInfo{a, b} }

var addOps = map[lexKind]TokenType{lexPlus: tokAdd, lexDash: tokSub}
var mulOps = map[lexKind]TokenType{lexStar: tokMul, lexSlash: tokDiv, lexPercent: tokMod}

var arithOpNames = map[TokenType]string{
	tokAdd: "addition",
	tokSub: "subtraction",
	tokMul: "multiplication",
	tokDiv: "division",
	tokMod: "modulo",
}

func (p *parser) checkArith(op TokenType, lhs, rhs expInfo, loc Span) error {
	if lhs.typ != tokNum && lhs.typ != tokNull {
		return p.typeError(loc,
			fmt.Sprintf("left operand of %s needs to be a number", arithOpNames[op]),
			tokNum, lhs.typ)
	}
	if rhs.typ != tokNum && rhs.typ != tokNull {
		return p.typeError(loc,
			fmt.Sprintf("right operand of %s needs to be a number", arithOpNames[op]),
			tokNum, rhs.typ)
	}
	return nil
}

func (p *parser) parseAdditive() (expInfo, error) {
	lhs, err := p.parseMultiplicative()
	if err != nil {
		return lhs, err
	}
	for {
		op, ok := addOps[p.cur.kind]
		if !ok {
			return lhs, nil
		}
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		rhs, err := p.parseMultiplicative()
		if err != nil {
			return lhs, err
		}
		if err := p.checkArith(op, lhs, rhs, loc); err != nil {
			return lhs, err
		}
		p.emit(opToken(op, loc))
		lhs = expInfo{lhs.toks + rhs.toks + 1, tokNum}
	}
}

func (p *parser) parseMultiplicative() (expInfo, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return lhs, err
	}
	for {
		op, ok := mulOps[p.cur.kind]
		if !ok {
			return lhs, nil
		}
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return lhs, err
		}
		rhs, err := p.parseUnary()
		if err != nil {
			return lhs, err
		}
		if err := p.checkArith(op, lhs, rhs, loc); err != nil {
			return lhs, err
		}
		p.emit(opToken(op, loc))
		lhs = expInfo{lhs.toks + rhs.toks + 1, tokNum}
	}
}

func (p *parser) parseUnary() (expInfo, error) {
	if p.cur.kind == lexDash {
		loc := p.cur.span
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return operand, err
		}
		if operand.typ != tokNum && operand.typ != tokNull {
			return operand, p.typeError(loc, "only numbers can be negated", tokNum, operand.typ)
		}
		p.emit(opToken(tokNeg, loc))
		return expInfo{operand.toks + 1, tokNum}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expInfo, error) {
	cur := p.cur
	switch cur.kind {
	case lexNumber:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		p.emit(numToken(cur.num))
		return expInfo{1, tokNum}, nil
	case lexString:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		p.emit(strToken(mysqlUnescape(cur.str)))
		return expInfo{1, tokStr}, nil
	case lexTrue, lexFalse:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		p.emit(boolToken(cur.kind == lexTrue))
		return expInfo{1, tokBool}, nil
	case lexNull:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		p.emit(nullToken())
		return expInfo{1, tokNull}, nil
	case lexRole:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		p.emit(roleToken(cur.str))
		return expInfo{1, tokRole}, nil
	case lexVarRef:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		return p.emitReference(cur.str, cur.span)
	case lexFunction:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		return p.parseCall(cur.fn, cur.span)
	case lexLParen:
		if err := p.advance(); err != nil {
			return expInfo{}, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return inner, err
		}
		if p.cur.kind != lexRParen {
			return inner, p.syntaxError(p.cur.span, "expected ')'")
		}
		if err := p.advance(); err != nil {
			return inner, err
		}
		return inner, nil
	}
	return expInfo{}, p.syntaxError(cur.span, "unexpected input")
}

func (p *parser) parseCall(fn *funcDef, loc Span) (expInfo, error) {
	if p.cur.kind != lexLParen {
		return expInfo{}, p.syntaxError(p.cur.span,
			fmt.Sprintf("function %s expects a parenthesized argument list", fn.name))
	}
	if err := p.advance(); err != nil {
		return expInfo{}, err
	}

	var args []expInfo
	if p.cur.kind != lexRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return expInfo{}, err
			}
			args = append(args, arg)
			if p.cur.kind != lexComma {
				break
			}
			if err := p.advance(); err != nil {
				return expInfo{}, err
			}
		}
	}
	if p.cur.kind != lexRParen {
		return expInfo{}, p.syntaxError(p.cur.span, "expected ')'")
	}
	if err := p.advance(); err != nil {
		return expInfo{}, err
	}
	return p.emitFunction(fn, args, loc)
}

func plural(n int) string {
	if n == 1 {
		return "argument"
	}
	return "arguments"
}

func (p *parser) emitFunction(fn *funcDef, args []expInfo, loc Span) (expInfo, error) {
	if fn.name == "CONCAT" {
		return p.emitConcat(args, loc)
	}

	if len(args) != len(fn.args) {
		got := "none"
		if len(args) > 0 {
			got = fmt.Sprintf("%d", len(args))
		}
		return expInfo{}, p.syntaxError(loc, fmt.Sprintf(
			"function %s expected %d %s but got %s",
			fn.name, len(fn.args), plural(len(fn.args)), got))
	}

	toks := 0
	reducible := true
	for i, want := range fn.args {
		if args[i].typ != want {
			msg := fn.name + " function"
			if len(fn.args) > 1 {
				msg += fmt.Sprintf(", argument %d", i+1)
			}
			return expInfo{}, p.typeError(loc, msg, want, args[i].typ)
		}
		toks += args[i].toks
		pos := len(p.rpn) - len(fn.args) + i
		reducible = reducible && args[i].toks == 1 && p.rpn[pos].typ == want
	}

	switch fn.name {
	case "RESOLVE_V4":
		return p.emitResolve(tokResolveV4, loc)
	case "RESOLVE_V6":
		return p.emitResolve(tokResolveV6, loc)
	case "NETWORK":
		return p.emitNetwork(args, loc)
	}

	if reducible {
		reduced, err := fn.reduce(p.rpn)
		if err != nil {
			return expInfo{}, p.syntaxError(loc,
				fmt.Sprintf("function execution failed with error: %v", err))
		}
		p.rpn = reduced
		return expInfo{1, fn.retVal}, nil
	}

	if fn.name == "REGEXP_LIKE" && p.rpn[len(p.rpn)-1].typ == tokStr {
		return p.emitRegexp(args, loc)
	}

	p.emit(Token{typ: tokFunc, fn: fn, loc: loc})
	return expInfo{toks + 1, fn.retVal}, nil
}

func (p *parser) emitConcat(args []expInfo, loc Span) (expInfo, error) {
	if len(args) == 0 {
		return expInfo{}, p.syntaxError(loc, "CONCAT function, no arguments provided")
	}
	toks := 1
	for _, a := range args {
		toks += a.toks
	}
	p.emit(Token{typ: tokConcat, num: float64(len(args)), loc: loc})
	return expInfo{toks, tokStr}, nil
}

func (p *parser) emitRegexp(args []expInfo, loc Span) (expInfo, error) {
	last := len(p.rpn) - 1
	tok, err := regexpToken(p.rpn[last].str)
	if err != nil {
		return expInfo{}, p.syntaxError(loc,
			fmt.Sprintf("REGEXP_LIKE function invalid regular expression: %v", err))
	}
	tok.loc = loc
	p.rpn[last] = tok
	return expInfo{args[0].toks + 1, tokBool}, nil
}

// emitResolve turns a string literal hostname argument into a RESOLVE_V4 /
// RESOLVE_V6 token. Only strict hostnames are accepted.
func (p *parser) emitResolve(resolveVer TokenType, loc Span) (expInfo, error) {
	last := len(p.rpn) - 1
	if last < 0 || p.rpn[last].typ != tokStr {
		return expInfo{}, p.syntaxError(loc,
			resolveVer.String()+" function only accepts string literals as its parameter")
	}
	hostname := p.rpn[last].str
	if !hostnameRegexp.MatchString(hostname) {
		return expInfo{}, p.syntaxError(loc,
			fmt.Sprintf("%s function, invalid hostname: '%s'", resolveVer, hostname))
	}
	p.rpn[last] = Token{typ: resolveVer, str: strings.ToLower(hostname), loc: loc}
	return expInfo{1, tokStr}, nil
}

func (p *parser) emitNetwork(args []expInfo, loc Span) (expInfo, error) {
	last := len(p.rpn) - 1
	if p.rpn[last].typ != tokNum || args[1].toks != 1 {
		return expInfo{}, p.syntaxError(loc,
			"NETWORK function only accepts number literals as its netmask parameter")
	}
	mask := p.rpn[last].num
	p.rpn[last] = Token{typ: tokNetwork, num: mask, loc: loc}
	return expInfo{args[0].toks + 1, tokStr}, nil
}

func (p *parser) recordUsage(name string) {
	if name == "session.user" || name == "session.schema" ||
		strings.HasPrefix(name, "session.connectAttrs") {
		p.extendedSessionInfo = true
	}
	if name == "session.randomValue" {
		p.sessionRandUsed = true
	}
}

func (p *parser) emitReference(name string, loc Span) (expInfo, error) {
	p.recordUsage(name)

	typ, offset, ok := p.ctx.getType(name)
	if !ok {
		return expInfo{}, p.syntaxError(loc, "undefined variable: "+name)
	}
	if offset >= 0 {
		p.emit(Token{typ: tokVarRef, num: float64(offset), loc: loc})
	} else {
		p.emit(Token{typ: tokTagRef, str: name, loc: loc})
	}
	return expInfo{1, typ}, nil
}
