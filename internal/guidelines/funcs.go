package guidelines

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// funcDef describes a callable function of the expression language.
// Functions with a nil reducer (RESOLVE_V4/V6, CONCAT, NETWORK) are
// compiled into dedicated token types instead.
type funcDef struct {
	name    string
	args    []TokenType
	retVal  TokenType
	reducer func(stack []Token) ([]Token, error)
}

// regexStore interns compiled patterns shared across a guideline document.
// Tokens reference patterns by stable index so they stay cheap to copy.
type regexStore struct {
	mu      sync.Mutex
	regexes []*regexp.Regexp
	byExpr  map[string]int
}

var globalRegexStore = &regexStore{byExpr: map[string]int{}}

// add compiles a case-insensitive, fully anchored pattern and returns its
// stable index. Patterns are deduplicated.
func (rs *regexStore) add(pattern string) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if idx, ok := rs.byExpr[pattern]; ok {
		return idx, nil
	}
	re, err := regexp.Compile(`(?i)\A(?:` + pattern + `)\z`)
	if err != nil {
		return 0, err
	}
	rs.regexes = append(rs.regexes, re)
	idx := len(rs.regexes) - 1
	rs.byExpr[pattern] = idx
	return idx, nil
}

func (rs *regexStore) get(idx int) *regexp.Regexp {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.regexes[idx]
}

func regexpToken(pattern string) (Token, error) {
	idx, err := globalRegexStore.add(pattern)
	if err != nil {
		return Token{}, err
	}
	return Token{typ: tokRegexp, num: float64(idx)}, nil
}

func reduceSqrt(stack []Token) ([]Token, error) {
	top := &stack[len(stack)-1]
	if top.num < 0 {
		return nil, evalError("SQRT function expects a non-negative number")
	}
	top.num = math.Sqrt(top.num)
	return stack, nil
}

func reduceNumber(stack []Token) ([]Token, error) {
	top := &stack[len(stack)-1]
	num, err := strconv.ParseFloat(strings.TrimSpace(top.str), 64)
	if err != nil {
		return nil, evalErrorf("NUMBER function, unable to convert '%s' to number", top.str)
	}
	*top = numToken(num)
	return stack, nil
}

func reduceIsIPv4(stack []Token) ([]Token, error) {
	top := &stack[len(stack)-1]
	*top = boolToken(isIPv4(top.str))
	return stack, nil
}

func reduceIsIPv6(stack []Token) ([]Token, error) {
	top := &stack[len(stack)-1]
	*top = boolToken(isIPv6(top.str))
	return stack, nil
}

func reduceRegexpLike(stack []Token) ([]Token, error) {
	pattern := stack[len(stack)-1].str
	re, err := regexp.Compile(`(?i)\A(?:` + pattern + `)\z`)
	if err != nil {
		return nil, evalErrorf("REGEXP_LIKE function invalid regular expression: %v", err)
	}
	stack = stack[:len(stack)-1]
	top := &stack[len(stack)-1]
	*top = boolToken(re.MatchString(top.str))
	return stack, nil
}

func reduceSubstringIndex(stack []Token) ([]Token, error) {
	index := int(stack[len(stack)-1].num)
	delim := stack[len(stack)-2].str
	str := stack[len(stack)-3].str

	switch {
	case index == 0:
		str = ""
	case index < 0:
		pos := strings.LastIndex(str, delim)
		for i := 1; pos >= 0 && i < -index; i++ {
			pos = strings.LastIndex(str[:pos], delim)
		}
		if pos >= 0 {
			str = str[pos+len(delim):]
		}
	default:
		pos := strings.Index(str, delim)
		for i := 1; pos >= 0 && i < index; i++ {
			next := strings.Index(str[pos+1:], delim)
			if next < 0 {
				pos = -1
				break
			}
			pos += 1 + next
		}
		if pos >= 0 {
			str = str[:pos]
		}
	}

	stack = stack[:len(stack)-2]
	stack[len(stack)-1] = strToken(str)
	return stack, nil
}

func reduceStartsWith(stack []Token) ([]Token, error) {
	prefix := stack[len(stack)-1].str
	stack = stack[:len(stack)-1]
	top := &stack[len(stack)-1]
	*top = boolToken(strIHasPrefix(top.str, prefix))
	return stack, nil
}

func reduceEndsWith(stack []Token) ([]Token, error) {
	suffix := stack[len(stack)-1].str
	stack = stack[:len(stack)-1]
	top := &stack[len(stack)-1]
	*top = boolToken(strIHasSuffix(top.str, suffix))
	return stack, nil
}

func reduceContains(stack []Token) ([]Token, error) {
	needle := stack[len(stack)-1].str
	stack = stack[:len(stack)-1]
	top := &stack[len(stack)-1]
	*top = boolToken(strIContains(top.str, needle))
	return stack, nil
}

var functions = []funcDef{
	{"SQRT", []TokenType{tokNum}, tokNum, reduceSqrt},
	{"NUMBER", []TokenType{tokStr}, tokNum, reduceNumber},
	{"IS_IPV4", []TokenType{tokStr}, tokBool, reduceIsIPv4},
	{"IS_IPV6", []TokenType{tokStr}, tokBool, reduceIsIPv6},
	{"REGEXP_LIKE", []TokenType{tokStr, tokStr}, tokBool, reduceRegexpLike},
	{"SUBSTRING_INDEX", []TokenType{tokStr, tokStr, tokNum}, tokStr, reduceSubstringIndex},
	{"STARTSWITH", []TokenType{tokStr, tokStr}, tokBool, reduceStartsWith},
	{"ENDSWITH", []TokenType{tokStr, tokStr}, tokBool, reduceEndsWith},
	{"CONTAINS", []TokenType{tokStr, tokStr}, tokBool, reduceContains},
	// handled by dedicated token types
	{"RESOLVE_V4", []TokenType{tokStr}, tokStr, nil},
	{"RESOLVE_V6", []TokenType{tokStr}, tokStr, nil},
	{"CONCAT", nil, tokStr, nil},
	{"NETWORK", []TokenType{tokStr, tokNum}, tokStr, nil},
}

func functionDef(name string) *funcDef {
	for i := range functions {
		if functions[i].name == name {
			return &functions[i]
		}
	}
	return nil
}

// FunctionNames lists the callable function names, used for the published
// document schema.
func FunctionNames() []string {
	out := make([]string, 0, len(functions))
	for _, f := range functions {
		out = append(out, f.name)
	}
	return out
}

// reduce applies the function to the top of the stack, with NULL
// propagation: any NULL argument makes the result NULL.
func (f *funcDef) reduce(stack []Token) ([]Token, error) {
	argsOffset := len(stack) - len(f.args)
	nulls := false
	for i, want := range f.args {
		arg := stack[argsOffset+i]
		if arg.isNull() {
			nulls = true
		} else if arg.typ != want {
			return nil, fmt.Errorf("function %s argument type mismatch", f.name)
		}
	}
	if nulls {
		stack = stack[:argsOffset]
		return append(stack, nullToken()), nil
	}
	return f.reducer(stack)
}
