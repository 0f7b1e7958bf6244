package guidelines

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return addr
}

const testGuidelines = `{
  "version": "1.0",
  "name": "current_rpd",
  "destinations": [
    {"name": "secondary", "match": "$.server.memberRole = SECONDARY"},
    {"name": "primary", "match": "$.server.memberRole = PRIMARY"}
  ],
  "routes": [
    {
      "name": "rw",
      "match": "$.session.targetPort = $.router.port.rw",
      "destinations": [
        {"classes": ["primary"], "strategy": "round-robin", "priority": 0}
      ]
    },
    {
      "name": "ro",
      "match": "$.session.targetPort = $.router.port.ro",
      "destinations": [
        {"classes": ["secondary"], "strategy": "round-robin", "priority": 0},
        {"classes": ["primary"], "strategy": "round-robin", "priority": 1}
      ]
    }
  ]
}`

func testRouter() *RouterInfo {
	return &RouterInfo{PortRW: 6446, PortRO: 6447, Name: "r1"}
}

func TestEngineLoad(t *testing.T) {
	engine, err := New(testGuidelines)
	require.NoError(t, err)

	assert.Equal(t, "current_rpd", engine.Name())
	assert.Equal(t, Version{Major: 1, Minor: 0}, engine.Version())
	assert.Equal(t, []string{"secondary", "primary"}, engine.DestinationClasses())
	require.Len(t, engine.Routes(), 2)
	assert.False(t, engine.Updated())
	assert.False(t, engine.ExtendedSessionInfoInUse())
	assert.False(t, engine.SessionRandUsed())
}

func TestEngineClassifySession(t *testing.T) {
	engine, err := New(testGuidelines)
	require.NoError(t, err)

	session := &SessionInfo{
		TargetIP:   "196.0.0.1",
		TargetPort: 6447,
		SourceIP:   "123.222.111.12",
		User:       "root",
		ID:         1,
	}

	res := engine.ClassifySession(session, testRouter(), nil)
	require.Empty(t, res.Errors)
	assert.Equal(t, "ro", res.RouteName)
	require.Len(t, res.DestinationGroups, 2)
	assert.Equal(t, []string{"secondary"}, res.DestinationGroups[0].Classes)
	assert.Equal(t, "round-robin", res.DestinationGroups[0].Strategy)
	assert.Equal(t, uint64(0), res.DestinationGroups[0].Priority)
	assert.Equal(t, []string{"primary"}, res.DestinationGroups[1].Classes)
	assert.Equal(t, uint64(1), res.DestinationGroups[1].Priority)

	// first enabled matching route wins
	session.TargetPort = 6446
	res = engine.ClassifySession(session, testRouter(), nil)
	assert.Equal(t, "rw", res.RouteName)

	// no match yields an empty route name
	session.TargetPort = 9999
	res = engine.ClassifySession(session, testRouter(), nil)
	assert.Equal(t, "", res.RouteName)
	assert.Empty(t, res.Errors)
}

func TestEngineClassifySessionSkipsDisabledRoutes(t *testing.T) {
	doc := `{
	  "version": "1.0",
	  "destinations": [{"name": "all", "match": "TRUE"}],
	  "routes": [
	    {"name": "off", "enabled": false, "match": "TRUE",
	     "destinations": [{"classes": ["all"], "strategy": "round-robin", "priority": 0}]},
	    {"name": "on", "match": "TRUE",
	     "destinations": [{"classes": ["all"], "strategy": "first-available", "priority": 0}]}
	  ]
	}`
	engine, err := New(doc)
	require.NoError(t, err)

	res := engine.ClassifySession(&SessionInfo{}, testRouter(), nil)
	assert.Equal(t, "on", res.RouteName)
}

func TestEngineClassifyServer(t *testing.T) {
	engine, err := New(testGuidelines)
	require.NoError(t, err)

	res := engine.ClassifyServer(&ServerInfo{MemberRole: "SECONDARY"}, testRouter())
	assert.Equal(t, []string{"secondary"}, res.ClassNames)
	assert.Empty(t, res.Errors)

	res = engine.ClassifyServer(&ServerInfo{MemberRole: "PRIMARY"}, testRouter())
	assert.Equal(t, []string{"primary"}, res.ClassNames)

	res = engine.ClassifyServer(&ServerInfo{}, testRouter())
	assert.Empty(t, res.ClassNames)
}

func TestEngineClassifyServerDeclarationOrder(t *testing.T) {
	doc := `{
	  "version": "1.0",
	  "destinations": [
	    {"name": "by-tag", "match": "$.server.tags.tier = 'front'"},
	    {"name": "by-role", "match": "$.server.memberRole = SECONDARY"}
	  ],
	  "routes": [
	    {"name": "r", "match": "TRUE",
	     "destinations": [{"classes": ["by-tag", "by-role"], "strategy": "round-robin", "priority": 0}]}
	  ]
	}`
	engine, err := New(doc)
	require.NoError(t, err)

	server := &ServerInfo{MemberRole: "SECONDARY", Tags: map[string]string{"tier": "front"}}
	res := engine.ClassifyServer(server, testRouter())
	assert.Equal(t, []string{"by-tag", "by-role"}, res.ClassNames)
}

func TestEngineLoadErrors(t *testing.T) {
	requireErrs := func(t *testing.T, doc string) []string {
		t.Helper()
		_, err := New(doc)
		require.Error(t, err)
		parseErr, ok := err.(*ParseError)
		require.True(t, ok, "expected *ParseError, got %T: %v", err, err)
		return parseErr.Errors
	}

	t.Run("invalid json", func(t *testing.T) {
		errs := requireErrs(t, "{nope")
		assert.Contains(t, errs[0], "incorrect JSON document")
	})

	t.Run("missing version", func(t *testing.T) {
		errs := requireErrs(t, `{"destinations":[{"name":"d","match":"TRUE"}],`+
			`"routes":[{"name":"r","match":"TRUE","destinations":[{"classes":["d"],"strategy":"round-robin","priority":0}]}]}`)
		assert.Contains(t, errs[0], "'version' field not defined")
	})

	t.Run("unsupported version", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"2.0","destinations":[{"name":"d","match":"TRUE"}],`+
			`"routes":[{"name":"r","match":"TRUE","destinations":[{"classes":["d"],"strategy":"round-robin","priority":0}]}]}`)
		assert.Contains(t, errs[0], "unsupported routing guidelines document version")
	})

	t.Run("scoped match error", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"1.0",
		  "destinations":[{"name":"d","match":"$.session.user = 'x'"}],
		  "routes":[{"name":"r","match":"TRUE","destinations":[{"classes":["d"],"strategy":"round-robin","priority":0}]}]}`)
		require.NotEmpty(t, errs)
		assert.Contains(t, errs[0], "destinations[0].match: ")
		assert.Contains(t, errs[0], "may not be used in 'destinations' context")
	})

	t.Run("server scope in route", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"1.0",
		  "destinations":[{"name":"d","match":"TRUE"}],
		  "routes":[{"name":"r","match":"$.server.port = 3306","destinations":[{"classes":["d"],"strategy":"round-robin","priority":0}]}]}`)
		assert.Contains(t, errs[0], "may not be used in 'routes' context")
	})

	t.Run("undefined destination class", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"1.0",
		  "destinations":[{"name":"d","match":"TRUE"}],
		  "routes":[{"name":"r","match":"TRUE","destinations":[{"classes":["ghost"],"strategy":"round-robin","priority":0}]}]}`)
		assert.Contains(t, errs[0], "undefined destination class 'ghost'")
	})

	t.Run("duplicate class name", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"1.0",
		  "destinations":[{"name":"d","match":"TRUE"},{"name":"d","match":"FALSE"}],
		  "routes":[{"name":"r","match":"TRUE","destinations":[{"classes":["d"],"strategy":"round-robin","priority":0}]}]}`)
		assert.Contains(t, errs[0], "'d' class was already defined")
	})

	t.Run("unknown strategy", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"1.0",
		  "destinations":[{"name":"d","match":"TRUE"}],
		  "routes":[{"name":"r","match":"TRUE","destinations":[{"classes":["d"],"strategy":"fastest","priority":0}]}]}`)
		assert.Contains(t, errs[0], "supported strategies")
	})

	t.Run("unexpected field", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"1.0","surprise":1,
		  "destinations":[{"name":"d","match":"TRUE"}],
		  "routes":[{"name":"r","match":"TRUE","destinations":[{"classes":["d"],"strategy":"round-robin","priority":0}]}]}`)
		require.NotEmpty(t, errs)
		assert.Contains(t, errs[0], "surprise")
	})

	t.Run("empty sections", func(t *testing.T) {
		errs := requireErrs(t, `{"version":"1.0","destinations":[],"routes":[]}`)
		assert.Len(t, errs, 4)
	})
}

func TestEngineUpdateDiff(t *testing.T) {
	engine, err := New(testGuidelines)
	require.NoError(t, err)

	t.Run("identical document yields no changes", func(t *testing.T) {
		other, err := New(testGuidelines)
		require.NoError(t, err)
		changes := engine.Update(other, true)
		assert.Equal(t, "current_rpd", changes.GuidelineName)
		assert.Empty(t, changes.AffectedRoutes)
		assert.True(t, engine.Updated())
	})

	t.Run("changed route match", func(t *testing.T) {
		doc := `{
		  "version": "1.0", "name": "current_rpd",
		  "destinations": [
		    {"name": "secondary", "match": "$.server.memberRole = SECONDARY"},
		    {"name": "primary", "match": "$.server.memberRole = PRIMARY"}
		  ],
		  "routes": [
		    {"name": "rw", "match": "$.session.targetPort = $.router.port.rw",
		     "destinations": [{"classes": ["primary"], "strategy": "round-robin", "priority": 0}]},
		    {"name": "ro", "match": "$.session.targetPort IN (6447, 6448)",
		     "destinations": [
		       {"classes": ["secondary"], "strategy": "round-robin", "priority": 0},
		       {"classes": ["primary"], "strategy": "round-robin", "priority": 1}]}
		  ]
		}`
		base, err := New(testGuidelines)
		require.NoError(t, err)
		other, err := New(doc)
		require.NoError(t, err)
		changes := base.Update(other, true)
		assert.Equal(t, []string{"ro"}, changes.AffectedRoutes)
	})

	t.Run("changed destination class affects referencing routes", func(t *testing.T) {
		doc := `{
		  "version": "1.0", "name": "current_rpd",
		  "destinations": [
		    {"name": "secondary", "match": "$.server.memberRole = READ_REPLICA"},
		    {"name": "primary", "match": "$.server.memberRole = PRIMARY"}
		  ],
		  "routes": [
		    {"name": "rw", "match": "$.session.targetPort = $.router.port.rw",
		     "destinations": [{"classes": ["primary"], "strategy": "round-robin", "priority": 0}]},
		    {"name": "ro", "match": "$.session.targetPort = $.router.port.ro",
		     "destinations": [
		       {"classes": ["secondary"], "strategy": "round-robin", "priority": 0},
		       {"classes": ["primary"], "strategy": "round-robin", "priority": 1}]}
		  ]
		}`
		base, err := New(testGuidelines)
		require.NoError(t, err)
		other, err := New(doc)
		require.NoError(t, err)
		changes := base.Update(other, true)
		assert.Equal(t, []string{"ro"}, changes.AffectedRoutes)
	})

	t.Run("dropped route is affected", func(t *testing.T) {
		doc := `{
		  "version": "1.0", "name": "current_rpd",
		  "destinations": [
		    {"name": "secondary", "match": "$.server.memberRole = SECONDARY"},
		    {"name": "primary", "match": "$.server.memberRole = PRIMARY"}
		  ],
		  "routes": [
		    {"name": "rw", "match": "$.session.targetPort = $.router.port.rw",
		     "destinations": [{"classes": ["primary"], "strategy": "round-robin", "priority": 0}]}
		  ]
		}`
		base, err := New(testGuidelines)
		require.NoError(t, err)
		other, err := New(doc)
		require.NoError(t, err)
		changes := base.Update(other, true)
		assert.Equal(t, []string{"ro"}, changes.AffectedRoutes)
	})
}

func TestEngineRestoreDefault(t *testing.T) {
	adapterDoc, err := GenerateFromConfig([]AdapterRoute{
		{Name: "rw", Role: "PRIMARY", Strategy: "round-robin", BindPort: 6446},
	})
	require.NoError(t, err)

	engine, err := New(adapterDoc)
	require.NoError(t, err)
	engine.SetDefaultDocument(adapterDoc)

	userDoc := `{
	  "version": "1.0", "name": "user",
	  "destinations": [{"name": "any", "match": "TRUE"}],
	  "routes": [{"name": "all", "match": "TRUE",
	    "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]}]
	}`
	userEngine, err := New(userDoc)
	require.NoError(t, err)
	engine.Update(userEngine, true)
	assert.True(t, engine.Updated())
	assert.Equal(t, "user", engine.Name())

	_, err = engine.RestoreDefault()
	require.NoError(t, err)
	assert.False(t, engine.Updated())
	assert.Equal(t, "generated_routing_guidelines", engine.Name())

	// restoring produces the same classifications as the original engine
	session := &SessionInfo{TargetPort: 6446}
	res := engine.ClassifySession(session, testRouter(), nil)
	assert.Equal(t, "rw", res.RouteName)
}

func TestEngineUpdateKeepsSnapshotOnCompileFailure(t *testing.T) {
	engine, err := New(testGuidelines)
	require.NoError(t, err)

	_, err = New(`{"version":"1.0"}`)
	require.Error(t, err)

	// the failed New never reached Update; the active snapshot is intact
	assert.Equal(t, "current_rpd", engine.Name())
	assert.Len(t, engine.Routes(), 2)
}

func TestEngineHostnamesToResolve(t *testing.T) {
	doc := `{
	  "version": "1.0",
	  "destinations": [
	    {"name": "pinned", "match": "$.server.address = RESOLVE_V4('db.example.com')"}
	  ],
	  "routes": [
	    {"name": "r", "match": "$.session.sourceIP = RESOLVE_V6('client.example.com')",
	     "destinations": [{"classes": ["pinned"], "strategy": "round-robin", "priority": 0}]}
	  ]
	}`
	engine, err := New(doc)
	require.NoError(t, err)

	hosts := engine.HostnamesToResolve()
	require.Len(t, hosts, 2)
	assert.Contains(t, hosts, ResolveHost{Address: "db.example.com", IPVersion: IPv4})
	assert.Contains(t, hosts, ResolveHost{Address: "client.example.com", IPVersion: IPv6})
}

func TestEngineClassificationSoftFailure(t *testing.T) {
	// the first route raises at evaluation time (no resolve cache), the
	// second still matches
	doc := `{
	  "version": "1.0",
	  "destinations": [{"name": "any", "match": "TRUE"}],
	  "routes": [
	    {"name": "pinned", "match": "$.session.sourceIP = RESOLVE_V4('db.example.com')",
	     "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]},
	    {"name": "fallback", "match": "TRUE",
	     "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]}
	  ]
	}`
	engine, err := New(doc)
	require.NoError(t, err)

	res := engine.ClassifySession(&SessionInfo{SourceIP: "10.0.0.1"}, testRouter(), nil)
	assert.Equal(t, "fallback", res.RouteName)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "route.pinned")
	assert.Contains(t, res.Errors[0], "no cache entry")
}

func TestEngineResolveCacheSwap(t *testing.T) {
	doc := `{
	  "version": "1.0",
	  "destinations": [{"name": "any", "match": "TRUE"}],
	  "routes": [
	    {"name": "pinned", "match": "$.session.sourceIP = RESOLVE_V4('db.example.com')",
	     "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]}
	  ]
	}`
	engine, err := New(doc)
	require.NoError(t, err)

	engine.UpdateResolveCache(ResolveCache{"db.example.com": mustAddr(t, "10.0.0.1")})

	res := engine.ClassifySession(&SessionInfo{SourceIP: "10.0.0.1"}, testRouter(), nil)
	assert.Equal(t, "pinned", res.RouteName)
	assert.Empty(t, res.Errors)
}

func TestEngineExtendedSessionInfoFlag(t *testing.T) {
	doc := `{
	  "version": "1.0",
	  "destinations": [{"name": "any", "match": "TRUE"}],
	  "routes": [{"name": "r", "match": "$.session.user = 'app'",
	    "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]}]
	}`
	engine, err := New(doc)
	require.NoError(t, err)
	assert.True(t, engine.ExtendedSessionInfoInUse())
}

func TestValidateEntryPoints(t *testing.T) {
	require.NoError(t, ValidateDocument(testGuidelines))
	require.Error(t, ValidateDocument(`{"version":"1.0"}`))

	require.NoError(t, ValidateDestination(`{"name":"d","match":"TRUE"}`))
	require.Error(t, ValidateDestination(`{"name":"d"}`))
	require.Error(t, ValidateDestination(`[1]`))

	require.NoError(t, ValidateRoute(
		`{"name":"r","match":"TRUE","destinations":[{"classes":["d"],"strategy":"round-robin","priority":0}]}`))
	require.Error(t, ValidateRoute(`{"name":"r"}`))
}

func TestSchemaListsIdentifiers(t *testing.T) {
	schema := Schema()
	assert.Contains(t, schema, `"$.session.targetPort"`)
	assert.Contains(t, schema, `"RESOLVE_V4"`)
	assert.Contains(t, schema, `"LIKE"`)
}
