package guidelines

import "strings"

// contextVar is one entry of the variable registry. The accessor returns
// the variable's value, or a missing NULL when its scope is not set on the
// evaluation context.
type contextVar struct {
	name string
	get  func(*Context) Token
}

func roleVal(role string) Token {
	if role == "" {
		return roleToken(UndefinedRole)
	}
	return roleToken(role)
}

// contextVars is the fixed registry of named variables. VAR_REF tokens
// store an index into this slice.
var contextVars = []contextVar{
	{"router.localCluster", func(c *Context) Token { return c.routerStr(func(r *RouterInfo) string { return r.LocalCluster }) }},
	{"router.bindAddress", func(c *Context) Token { return c.routerStr(func(r *RouterInfo) string { return r.BindAddress }) }},
	{"router.hostname", func(c *Context) Token { return c.routerStr(func(r *RouterInfo) string { return r.Hostname }) }},
	{"router.port.ro", func(c *Context) Token { return c.routerNum(func(r *RouterInfo) float64 { return float64(r.PortRO) }) }},
	{"router.port.rw", func(c *Context) Token { return c.routerNum(func(r *RouterInfo) float64 { return float64(r.PortRW) }) }},
	{"router.port.rw_split", func(c *Context) Token {
		return c.routerNum(func(r *RouterInfo) float64 { return float64(r.PortRWSplit) })
	}},
	{"router.routeName", func(c *Context) Token { return c.routerStr(func(r *RouterInfo) string { return r.RouteName }) }},
	{"router.name", func(c *Context) Token { return c.routerStr(func(r *RouterInfo) string { return r.Name }) }},

	{"server.label", func(c *Context) Token { return c.serverStr(func(s *ServerInfo) string { return s.Label }) }},
	{"server.address", func(c *Context) Token { return c.serverStr(func(s *ServerInfo) string { return s.Address }) }},
	{"server.port", func(c *Context) Token { return c.serverNum(func(s *ServerInfo) float64 { return float64(s.Port) }) }},
	{"server.uuid", func(c *Context) Token { return c.serverStr(func(s *ServerInfo) string { return s.UUID }) }},
	{"server.version", func(c *Context) Token { return c.serverNum(func(s *ServerInfo) float64 { return float64(s.Version) }) }},
	{"server.clusterName", func(c *Context) Token { return c.serverStr(func(s *ServerInfo) string { return s.ClusterName }) }},
	{"server.clusterSetName", func(c *Context) Token { return c.serverStr(func(s *ServerInfo) string { return s.ClusterSetName }) }},
	{"server.isClusterInvalidated", func(c *Context) Token {
		if c.server == nil {
			return c.handleMiss("server.isClusterInvalidated")
		}
		return boolToken(c.server.ClusterIsInvalidated)
	}},
	{"server.memberRole", func(c *Context) Token {
		if c.server == nil {
			return c.handleMiss("server.memberRole")
		}
		return roleVal(c.server.MemberRole)
	}},
	{"server.clusterRole", func(c *Context) Token {
		if c.server == nil {
			return c.handleMiss("server.clusterRole")
		}
		return roleVal(c.server.ClusterRole)
	}},

	{"session.targetIP", func(c *Context) Token { return c.sessionStr(func(s *SessionInfo) string { return s.TargetIP }) }},
	{"session.targetPort", func(c *Context) Token {
		return c.sessionNum(func(s *SessionInfo) float64 { return float64(s.TargetPort) })
	}},
	{"session.sourceIP", func(c *Context) Token { return c.sessionStr(func(s *SessionInfo) string { return s.SourceIP }) }},
	{"session.randomValue", func(c *Context) Token { return c.sessionNum(func(s *SessionInfo) float64 { return s.RandomValue }) }},
	{"session.user", func(c *Context) Token { return c.sessionStr(func(s *SessionInfo) string { return s.User }) }},
	{"session.schema", func(c *Context) Token { return c.sessionStr(func(s *SessionInfo) string { return s.Schema }) }},

	{"sql.defaultSchema", func(c *Context) Token { return c.sqlStr(func(s *SqlInfo) string { return s.DefaultSchema }) }},
	{"sql.isRead", func(c *Context) Token { return c.sqlBool(func(s *SqlInfo) bool { return s.IsRead }) }},
	{"sql.isUpdate", func(c *Context) Token { return c.sqlBool(func(s *SqlInfo) bool { return s.IsUpdate }) }},
	{"sql.isDDL", func(c *Context) Token { return c.sqlBool(func(s *SqlInfo) bool { return s.IsDDL }) }},
}

var contextVarIndex = func() map[string]int {
	m := make(map[string]int, len(contextVars))
	for i, v := range contextVars {
		m[v.name] = i
	}
	return m
}()

// VariableNames lists every named variable known to the expression
// language, used for the published document schema.
func VariableNames() []string {
	out := make([]string, 0, len(contextVars))
	for _, v := range contextVars {
		out = append(out, "$."+v.name)
	}
	return out
}

// memberRoleVarOffset / clusterRoleVarOffset are used by the parser's role
// compatibility check.
var (
	memberRoleVarOffset  = contextVarIndex["server.memberRole"]
	clusterRoleVarOffset = contextVarIndex["server.clusterRole"]
)

// Context holds the typed scopes an expression may reference. Scopes that
// are not relevant for an evaluation stay nil and their variables evaluate
// to a missing NULL.
type Context struct {
	router  *RouterInfo
	server  *ServerInfo
	session *SessionInfo
	sql     *SqlInfo

	// parseMode makes unknown references hard errors and substitutes
	// placeholder values for tag lookups so compile time verification
	// works.
	parseMode bool
	version   Version
}

func (c *Context) SetRouterInfo(r *RouterInfo)   { c.router = r }
func (c *Context) SetServerInfo(s *ServerInfo)   { c.server = s }
func (c *Context) SetSessionInfo(s *SessionInfo) { c.session = s }
func (c *Context) SetSqlInfo(s *SqlInfo)         { c.sql = s }

func (c *Context) routerStr(get func(*RouterInfo) string) Token {
	if c.router == nil {
		return missingToken()
	}
	return strToken(get(c.router))
}

func (c *Context) routerNum(get func(*RouterInfo) float64) Token {
	if c.router == nil {
		return missingToken()
	}
	return numToken(get(c.router))
}

func (c *Context) serverStr(get func(*ServerInfo) string) Token {
	if c.server == nil {
		return missingToken()
	}
	return strToken(get(c.server))
}

func (c *Context) serverNum(get func(*ServerInfo) float64) Token {
	if c.server == nil {
		return missingToken()
	}
	return numToken(get(c.server))
}

func (c *Context) sessionStr(get func(*SessionInfo) string) Token {
	if c.session == nil {
		return missingToken()
	}
	return strToken(get(c.session))
}

func (c *Context) sessionNum(get func(*SessionInfo) float64) Token {
	if c.session == nil {
		return missingToken()
	}
	return numToken(get(c.session))
}

func (c *Context) sqlStr(get func(*SqlInfo) string) Token {
	if c.sql == nil {
		return missingToken()
	}
	return strToken(get(c.sql))
}

func (c *Context) sqlBool(get func(*SqlInfo) bool) Token {
	if c.sql == nil {
		return missingToken()
	}
	return boolToken(get(c.sql))
}

func (c *Context) handleMiss(name string) Token {
	if c.parseMode {
		// the parser turns this into a compile error via getType
		return Token{typ: tokNull, missing: true, str: name}
	}
	return missingToken()
}

// tagPrefixes maps a dynamic reference prefix to its lookup map.
var tagPrefixes = []struct {
	prefix string
	lookup func(*Context) map[string]string
}{
	{"router.tags.", func(c *Context) map[string]string {
		if c.router == nil {
			return nil
		}
		return c.router.Tags
	}},
	{"server.tags.", func(c *Context) map[string]string {
		if c.server == nil {
			return nil
		}
		return c.server.Tags
	}},
	{"session.connectAttrs.", func(c *Context) map[string]string {
		if c.session == nil {
			return nil
		}
		return c.session.ConnectAttrs
	}},
	{"sql.queryTags.", func(c *Context) map[string]string {
		if c.sql == nil {
			return nil
		}
		return c.sql.QueryTags
	}},
	{"sql.queryHints.", func(c *Context) map[string]string {
		if c.sql == nil {
			return nil
		}
		return c.sql.QueryHints
	}},
}

// isTagRef reports whether name is a dynamic tag-map reference.
func isTagRef(name string) bool {
	for _, p := range tagPrefixes {
		if strings.HasPrefix(name, p.prefix) && len(name) > len(p.prefix) {
			return true
		}
	}
	return false
}

// getTag resolves a dynamic tag-map reference. A key that is absent from
// its map yields an empty string in parse mode (so type checking can
// proceed) and a NULL at evaluation time.
func (c *Context) getTag(name string) Token {
	for _, p := range tagPrefixes {
		key, ok := strings.CutPrefix(name, p.prefix)
		if !ok || key == "" {
			continue
		}
		m := p.lookup(c)
		if m == nil {
			if c.parseMode {
				return strToken("")
			}
			return missingToken()
		}
		if val, found := m[key]; found {
			return strToken(val)
		}
		if c.parseMode {
			return strToken("")
		}
		return nullToken()
	}
	return c.handleMiss(name)
}

// get resolves a reference by name, named variables first, tag maps
// second.
func (c *Context) get(name string) Token {
	if i, ok := contextVarIndex[name]; ok {
		return contextVars[i].get(c)
	}
	return c.getTag(name)
}

// getByOffset resolves a VAR_REF token payload.
func (c *Context) getByOffset(offset int) Token {
	return contextVars[offset].get(c)
}

// getType resolves the static type of a reference at parse time. offset is
// -1 for tag references. Unknown references report false.
func (c *Context) getType(name string) (TokenType, int, bool) {
	if i, ok := contextVarIndex[name]; ok {
		return contextVars[i].get(c).typ, i, true
	}
	if isTagRef(name) {
		return tokStr, -1, true
	}
	return tokNull, -1, false
}

// varName reverse-maps a VAR_REF token to the variable name it references.
func varName(tok Token) string {
	i := int(tok.num)
	if tok.typ != tokVarRef || i < 0 || i >= len(contextVars) {
		return ""
	}
	return contextVars[i].name
}
