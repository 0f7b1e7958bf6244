package guidelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullContext returns a context with every scope populated with zero
// values, the way the document parser verifies expressions.
func fullContext() *Context {
	ctx := &Context{}
	ctx.SetRouterInfo(&RouterInfo{})
	ctx.SetServerInfo(&ServerInfo{})
	ctx.SetSessionInfo(&SessionInfo{})
	ctx.SetSqlInfo(&SqlInfo{})
	return ctx
}

func compile(t *testing.T, code string) *Expression {
	t.Helper()
	p := &parser{}
	exp, err := p.parse(code, fullContext())
	require.NoError(t, err, "compiling %q", code)
	return exp
}

func compileErr(t *testing.T, code string) error {
	t.Helper()
	p := &parser{}
	_, err := p.parse(code, fullContext())
	require.Error(t, err, "expected compile failure for %q", code)
	return err
}

func TestParseLiterals(t *testing.T) {
	exp := compile(t, "42")
	require.Len(t, exp.rpn, 1)
	assert.Equal(t, tokNum, exp.rpn[0].typ)
	assert.Equal(t, 42.0, exp.rpn[0].num)

	exp = compile(t, `'it\'s'`)
	require.Len(t, exp.rpn, 1)
	assert.Equal(t, tokStr, exp.rpn[0].typ)
	assert.Equal(t, "it's", exp.rpn[0].str)

	exp = compile(t, "TRUE")
	require.Len(t, exp.rpn, 1)
	assert.Equal(t, tokBool, exp.rpn[0].typ)
}

func TestParseUndefinedVariable(t *testing.T) {
	err := compileErr(t, "$.session.bogus = 1")
	assert.Contains(t, err.Error(), "undefined variable")

	err = compileErr(t, "$.nosuchscope.foo = 1")
	assert.Contains(t, err.Error(), "undefined variable")
}

func TestParseTagReferences(t *testing.T) {
	for _, code := range []string{
		"$.router.tags.env = 'prod'",
		"$.server.tags.tier = 'front'",
		"$.session.connectAttrs.program_name = 'mysql'",
		"$.sql.queryTags.shard = '1'",
		"$.sql.queryHints.route = 'ro'",
	} {
		compile(t, code)
	}
}

func TestParseArithmeticTypeErrors(t *testing.T) {
	err := compileErr(t, "1 + 'a'")
	assert.Contains(t, err.Error(), "right operand of addition")

	err = compileErr(t, "'a' * 2")
	assert.Contains(t, err.Error(), "left operand of multiplication")

	err = compileErr(t, "-'a'")
	assert.Contains(t, err.Error(), "negated")
}

func TestParseComparisonTypeErrors(t *testing.T) {
	err := compileErr(t, "1 = 'a'")
	assert.Contains(t, err.Error(), "incompatible operands")

	// booleans and roles reject ordered comparison
	err = compileErr(t, "TRUE > FALSE")
	assert.Contains(t, err.Error(), "incompatible operands")

	err = compileErr(t, "$.server.memberRole < PRIMARY")
	assert.Contains(t, err.Error(), "incompatible operands")
}

func TestParseRoleDomainMismatch(t *testing.T) {
	// REPLICA is a cluster role, memberRole is a member-role variable
	err := compileErr(t, "$.server.memberRole = REPLICA")
	assert.Contains(t, err.Error(), "'MEMBER ROLE' vs 'CLUSTER ROLE'")

	err = compileErr(t, "$.server.clusterRole = READ_REPLICA")
	assert.Contains(t, err.Error(), "'CLUSTER ROLE' vs 'MEMBER ROLE'")

	// PRIMARY belongs to both domains
	compile(t, "$.server.memberRole = PRIMARY")
	compile(t, "$.server.clusterRole = PRIMARY")
}

func TestParseInTypeChecks(t *testing.T) {
	compile(t, "$.session.targetPort IN (6446, 6447)")
	compile(t, "$.session.user IN ('app', 'admin')")
	compile(t, "$.session.user NOT IN ('app')")

	err := compileErr(t, "1 IN ('a')")
	assert.Contains(t, err.Error(), "does not match the type")
}

func TestParseResolveArguments(t *testing.T) {
	exp := compile(t, "RESOLVE_V4('DB.Example.com')")
	require.Len(t, exp.rpn, 1)
	assert.Equal(t, tokResolveV4, exp.rpn[0].typ)
	// hostnames are recorded lowercase
	assert.Equal(t, "db.example.com", exp.rpn[0].str)

	err := compileErr(t, "RESOLVE_V4($.session.sourceIP)")
	assert.Contains(t, err.Error(), "string literals")

	err = compileErr(t, "RESOLVE_V6('bad_host')")
	assert.Contains(t, err.Error(), "invalid hostname")
}

func TestParseNetworkArguments(t *testing.T) {
	exp := compile(t, "NETWORK($.session.sourceIP, 16)")
	require.NotEmpty(t, exp.rpn)
	last := exp.rpn[len(exp.rpn)-1]
	assert.Equal(t, tokNetwork, last.typ)
	assert.Equal(t, 16.0, last.num)

	err := compileErr(t, "NETWORK($.session.sourceIP, $.session.targetPort)")
	assert.Contains(t, err.Error(), "number literals")
}

func TestParseFunctionArity(t *testing.T) {
	err := compileErr(t, "SQRT()")
	assert.Contains(t, err.Error(), "expected 1 argument")

	err = compileErr(t, "SQRT(1, 2)")
	assert.Contains(t, err.Error(), "expected 1 argument")

	err = compileErr(t, "SQRT('a')")
	assert.Contains(t, err.Error(), "SQRT function")
}

func TestParseLikeLowering(t *testing.T) {
	lastFn := func(exp *Expression) string {
		last := exp.rpn[len(exp.rpn)-1]
		if last.typ != tokFunc {
			return last.typ.String()
		}
		return last.fn.name
	}

	// trailing '%' lowers to STARTSWITH, not a regex match
	exp := compile(t, "$.session.user LIKE 'app_%'")
	assert.Equal(t, "STARTSWITH", lastFn(exp))
	assert.Equal(t, "app_", exp.rpn[len(exp.rpn)-2].str)

	exp = compile(t, "$.session.user LIKE '%_sync'")
	assert.Equal(t, "ENDSWITH", lastFn(exp))

	exp = compile(t, "$.session.user LIKE '%sync%'")
	assert.Equal(t, "CONTAINS", lastFn(exp))

	// '%' in the middle falls back to a regular expression
	exp = compile(t, "$.session.user LIKE 'a%c'")
	assert.Equal(t, tokRegexp, exp.rpn[len(exp.rpn)-1].typ)

	// empty pattern and bare '%' fold to TRUE
	for _, code := range []string{"$.session.user LIKE ''", "$.session.user LIKE '%'"} {
		exp = compile(t, code)
		require.Len(t, exp.rpn, 1)
		assert.Equal(t, tokBool, exp.rpn[0].typ)
		v, err := exp.rpn[0].getBool("")
		require.NoError(t, err)
		assert.True(t, v)
	}

	// escaped wildcards stay literal after lowering
	exp = compile(t, `$.session.user LIKE 'app\%_%'`)
	assert.Equal(t, "STARTSWITH", lastFn(exp))
	assert.Equal(t, "app%_", exp.rpn[len(exp.rpn)-2].str)
}

func TestParseLikeErrors(t *testing.T) {
	err := compileErr(t, "$.session.user LIKE $.session.schema")
	assert.Contains(t, err.Error(), "string literals")

	err = compileErr(t, "$.session.targetPort LIKE 'a%'")
	assert.Contains(t, err.Error(), "left operand")
}

func TestParseShortCircuitEncoding(t *testing.T) {
	exp := compile(t, "TRUE OR FALSE")
	require.Len(t, exp.rpn, 4)
	assert.Equal(t, tokBool, exp.rpn[0].typ)
	assert.Equal(t, tokMidOr, exp.rpn[1].typ)
	assert.Equal(t, 2.0, exp.rpn[1].num)
	assert.Equal(t, tokBool, exp.rpn[2].typ)
	assert.Equal(t, tokOr, exp.rpn[3].typ)

	exp = compile(t, "TRUE AND FALSE")
	assert.Equal(t, tokMidAnd, exp.rpn[1].typ)
}

func TestParseSyntaxErrors(t *testing.T) {
	for _, code := range []string{
		"1 +",
		"(1",
		"IN (1)",
		"$.session.user NOT 5",
		"1 2",
		"'unclosed",
	} {
		compileErr(t, code)
	}
}

func TestParseUsageFlags(t *testing.T) {
	p := &parser{}
	_, err := p.parse("$.session.user = 'app'", fullContext())
	require.NoError(t, err)
	assert.True(t, p.extendedSessionInfo)
	assert.False(t, p.sessionRandUsed)

	p = &parser{}
	_, err = p.parse("$.session.randomValue < 0.5", fullContext())
	require.NoError(t, err)
	assert.True(t, p.sessionRandUsed)
	assert.False(t, p.extendedSessionInfo)
}

func TestLikeToRegexp(t *testing.T) {
	assert.Equal(t, "a.*c", likeToRegexp("a%c"))
	assert.Equal(t, "a.c", likeToRegexp("a_c"))
	assert.Equal(t, `a%c`, likeToRegexp(`a\%c`))
	assert.Equal(t, `a_c`, likeToRegexp(`a\_c`))
	assert.Equal(t, `a\.b`, likeToRegexp("a.b"))
	assert.Equal(t, `\\`, likeToRegexp(`\\`))
}

func TestUnescapeLikeMeta(t *testing.T) {
	assert.Equal(t, "app%", unescapeLikeMeta(`app\%`))
	assert.Equal(t, "a_b", unescapeLikeMeta(`a\_b`))
	assert.Equal(t, `a\nb`, unescapeLikeMeta(`a\nb`))
}
