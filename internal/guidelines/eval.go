package guidelines

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
)

// ResolveCache maps lowercase hostnames to resolved addresses. Snapshots
// are immutable; a refresher swaps whole maps.
type ResolveCache map[string]netip.Addr

// Expression is a compiled match expression: an RPN program plus the
// source it was compiled from (used to decorate error messages).
type Expression struct {
	rpn  []Token
	code string
}

// Code returns the source text of the expression.
func (e *Expression) Code() string { return e.code }

func (e *Expression) empty() bool { return len(e.rpn) == 0 }

// Equal compares two compiled programs token by token, ignoring source
// spans. Used by the guideline diff.
func (e *Expression) Equal(other *Expression) bool {
	if len(e.rpn) != len(other.rpn) {
		return false
	}
	for i := range e.rpn {
		if !tokensEqual(e.rpn[i], other.rpn[i]) {
			return false
		}
	}
	return true
}

// Verify checks that the expression evaluates to a boolean against the
// parse-time context.
func (e *Expression) Verify(ctx *Context) bool {
	res, err := e.Eval(ctx, nil, true)
	return err == nil && res.isBool()
}

func numOperand(t Token, side, opName string) error {
	if !t.isNull() && !t.isNum() {
		return evalErrorf("%s operand of %s needs to be a number", side, opName)
	}
	return nil
}

// Eval runs the RPN program. With dryRun set, RESOLVE_V4/V6 substitute the
// hostname itself and NETWORK only validates its mask, so compile-time
// verification can run without a populated cache.
func (e *Expression) Eval(ctx *Context, cache ResolveCache, dryRun bool) (Token, error) {
	var stack []Token

	compare := func(op func(lhs, rhs Token) (bool, error)) error {
		res, err := op(stack[len(stack)-2], stack[len(stack)-1])
		if err != nil {
			return err
		}
		stack = stack[:len(stack)-1]
		stack[len(stack)-1] = boolToken(res)
		return nil
	}

	arith := func(opName string, apply func(a, b float64) float64) error {
		lhs := &stack[len(stack)-2]
		if !lhs.isNull() {
			if err := numOperand(*lhs, "left", opName); err != nil {
				return err
			}
			rhs := stack[len(stack)-1]
			if rhs.isNull() {
				*lhs = rhs
			} else {
				if err := numOperand(rhs, "right", opName); err != nil {
					return err
				}
				lhs.num = apply(lhs.num, rhs.num)
			}
		}
		stack = stack[:len(stack)-1]
		return nil
	}

	for i := 0; i < len(e.rpn); i++ {
		tok := e.rpn[i]
		err := func() error {
			switch tok.typ {
			case tokNum, tokStr, tokBool, tokList, tokNull, tokRole:
				stack = append(stack, tok)

			case tokNeg:
				top := &stack[len(stack)-1]
				if !top.isNull() {
					if !top.isNum() {
						return evalError("only numbers can be negated")
					}
					top.num = -top.num
				}

			case tokAdd:
				return arith("addition", func(a, b float64) float64 { return a + b })
			case tokSub:
				return arith("subtraction", func(a, b float64) float64 { return a - b })
			case tokMul:
				return arith("multiplication", func(a, b float64) float64 { return a * b })
			case tokDiv:
				return arith("division", func(a, b float64) float64 { return a / b })
			case tokMod:
				return arith("modulo", math.Mod)

			case tokTagRef:
				stack = append(stack, ctx.getTag(tok.str))
			case tokVarRef:
				stack = append(stack, ctx.getByOffset(int(tok.num)))

			case tokLT:
				return compare(tokenLess)
			case tokGT:
				return compare(func(l, r Token) (bool, error) { return tokenLess(r, l) })
			case tokLE:
				return compare(tokenLessEq)
			case tokGE:
				return compare(func(l, r Token) (bool, error) { return tokenLessEq(r, l) })
			case tokEQ:
				return compare(tokenEq)
			case tokNE:
				return compare(func(l, r Token) (bool, error) {
					eq, err := tokenEq(l, r)
					if err != nil {
						return false, err
					}
					// missing-variable NULLs compare false under both
					// operators
					if (l.isNull() && l.missing) || (r.isNull() && r.missing) {
						return false, nil
					}
					return !eq, nil
				})

			case tokIn:
				n := 1
				if stack[len(stack)-1].typ == tokList {
					n = int(stack[len(stack)-1].num)
					stack = stack[:len(stack)-1]
				}
				needle := stack[len(stack)-n-1]
				found := false
				for j := 1; !found && j <= n; j++ {
					eq, err := tokenEq(needle, stack[len(stack)-j])
					if err != nil {
						return err
					}
					found = eq
				}
				stack = stack[:len(stack)-n]
				stack[len(stack)-1] = boolToken(found)

			case tokNot:
				v, err := stack[len(stack)-1].getBool("NOT operator expects boolean argument")
				if err != nil {
					return err
				}
				stack[len(stack)-1] = boolToken(!v)

			case tokAnd:
				lv, err := stack[len(stack)-2].getBool("left operand of AND needs to be a boolean")
				if err != nil {
					return err
				}
				rv, err := stack[len(stack)-1].getBool("right operand of AND needs to be a boolean")
				if err != nil {
					return err
				}
				stack = stack[:len(stack)-1]
				stack[len(stack)-1] = boolToken(lv && rv)

			case tokMidAnd:
				v, err := stack[len(stack)-1].getBool("left operand of AND needs to be a boolean")
				if err != nil {
					return err
				}
				if !v {
					i += int(tok.num)
				}

			case tokOr:
				lv, err := stack[len(stack)-2].getBool("left operand of OR needs to be a boolean")
				if err != nil {
					return err
				}
				rv, err := stack[len(stack)-1].getBool("right operand of OR needs to be a boolean")
				if err != nil {
					return err
				}
				stack = stack[:len(stack)-1]
				stack[len(stack)-1] = boolToken(lv || rv)

			case tokMidOr:
				v, err := stack[len(stack)-1].getBool("left operand of OR needs to be a boolean")
				if err != nil {
					return err
				}
				if v {
					i += int(tok.num)
				}

			case tokFunc:
				reduced, err := tok.fn.reduce(stack)
				if err != nil {
					return err
				}
				stack = reduced

			case tokResolveV4, tokResolveV6:
				if dryRun {
					stack = append(stack, strToken(tok.str))
					return nil
				}
				if addr, ok := cache[tok.str]; ok {
					wantV4 := tok.typ == tokResolveV4
					if (wantV4 && addr.Is4()) || (!wantV4 && addr.Is6()) {
						stack = append(stack, strToken(addr.String()))
						return nil
					}
				}
				return evalError("no cache entry to resolve host: " + tok.str)

			case tokConcat:
				return concatReduce(&stack, int(tok.num))

			case tokRegexp:
				top := &stack[len(stack)-1]
				if !top.isNull() {
					s, err := top.getStr()
					if err != nil {
						return err
					}
					*top = boolToken(globalRegexStore.get(int(tok.num)).MatchString(s))
				}

			case tokNetwork:
				mask := int(tok.num)
				if dryRun {
					if mask < 1 || mask > 32 {
						return evalErrorf("NETWORK function invalid netmask value: %d", mask)
					}
					stack[len(stack)-1] = strToken(strconv.Itoa(mask))
					return nil
				}
				top := &stack[len(stack)-1]
				if top.isNull() {
					return nil
				}
				s, err := top.getStr()
				if err != nil {
					return err
				}
				net, err := networkOf(s, mask)
				if err != nil {
					return evalError(err.Error())
				}
				*top = strToken(net)
			}
			return nil
		}()
		if err != nil {
			if !tok.hasLoc() {
				return Token{}, err
			}
			return Token{}, evalError(errorMsg(err.Error(), e.code, tok.loc.Start, tok.loc.End))
		}
	}

	if len(stack) == 0 {
		return nullToken(), nil
	}
	return stack[len(stack)-1], nil
}

func concatReduce(stack *[]Token, count int) error {
	st := *stack
	base := len(st) - count
	allStrings, nulls := true, false
	for i := base; i < len(st); i++ {
		if !st[i].isStr() {
			allStrings = false
			if st[i].isNull() {
				nulls = true
				break
			}
		}
	}

	switch {
	case nulls:
		st[base] = nullToken()
	case allStrings:
		var b strings.Builder
		for i := base; i < len(st); i++ {
			b.WriteString(st[i].str)
		}
		st[base] = strToken(b.String())
	default:
		var b strings.Builder
		for i := base; i < len(st); i++ {
			t := st[i]
			switch {
			case t.isStr() || t.isRole():
				b.WriteString(t.str)
			case t.isNum():
				b.WriteString(strconv.FormatFloat(t.num, 'g', -1, 64))
			case t.isBool():
				v, _ := t.getBool("")
				b.WriteString(fmt.Sprintf("%t", v))
			default:
				return evalError("CONCAT argument type not supported")
			}
		}
		st[base] = strToken(b.String())
	}
	*stack = st[:base+1]
	return nil
}
