package destination

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metadata"
)

const groupedGuidelines = `{
  "version": "1.0",
  "name": "grouped",
  "destinations": [
    {"name": "front", "match": "$.server.tags.tier = 'front'"},
    {"name": "back", "match": "$.server.tags.tier = 'back'"}
  ],
  "routes": [
    {
      "name": "main",
      "match": "$.session.targetPort = 6446",
      "destinations": [
        {"classes": ["front"], "strategy": "round-robin", "priority": 0},
        {"classes": ["back"], "strategy": "round-robin", "priority": 1}
      ]
    }
  ]
}`

func member(host, role, tier string) metadata.Instance {
	return metadata.Instance{
		UUID:       uuid.NewString(),
		Host:       host,
		Port:       3306,
		MemberRole: role,
		Label:      host + ":3306",
		Tags:       map[string]string{"tier": tier},
	}
}

func groupedTopology() metadata.ClusterTopology {
	return metadata.ClusterTopology{
		Clusters: []metadata.Cluster{{
			Name:      "c1",
			IsPrimary: true,
			Members: []metadata.Instance{
				member("a", "SECONDARY", "front"),
				member("b", "SECONDARY", "front"),
				member("c", "PRIMARY", "back"),
			},
		}},
	}
}

func newMetaManager(t *testing.T, doc string, topology metadata.ClusterTopology,
	uri endpoint.MetadataURI) (*MetadataManager, *metadata.Cache) {
	t.Helper()

	engine, err := guidelines.New(doc)
	require.NoError(t, err)

	cache := metadata.NewCache()
	cache.SetTopology(topology, true)

	ctx := &RoutingContext{
		Name:       "main",
		RouterInfo: guidelines.RouterInfo{PortRW: 6446, Name: "r1"},
		Engine:     engine,
		Quarantine: NewQuarantine(nil),
	}

	m := NewMetadataManager(uri, cache, ctx, nil)
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)
	return m, cache
}

func metaSession() *guidelines.SessionInfo {
	return &guidelines.SessionInfo{TargetPort: 6446, SourceIP: "10.0.0.9", ID: 1}
}

func nextDestHost(t *testing.T, m *MetadataManager, session *guidelines.SessionInfo) string {
	t.Helper()
	dest := m.GetNextDestination(session)
	require.NotNil(t, dest)
	return dest.Endpoint.Host()
}

func TestMetadataFailoverAcrossGroups(t *testing.T) {
	m, _ := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})

	session := metaSession()
	require.NoError(t, m.InitDestinations(session))

	assert.True(t, m.HasReadWrite())
	assert.True(t, m.HasReadOnly())
	assert.Len(t, m.GetDestinationCandidates(), 3)

	// group 0 fails member by member, then group 1 takes over
	assert.Equal(t, "a", nextDestHost(t, m, session))
	m.ConnectStatus(errRefused)
	assert.Equal(t, "b", nextDestHost(t, m, session))
	m.ConnectStatus(errRefused)
	assert.Equal(t, "c", nextDestHost(t, m, session))
	m.ConnectStatus(nil)

	// after a success the high priority group comes first again
	assert.Equal(t, "a", nextDestHost(t, m, session))
}

func TestMetadataRoundRobinWithinGroup(t *testing.T) {
	m, _ := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})

	session := metaSession()
	require.NoError(t, m.InitDestinations(session))

	// successive successful attempts rotate over the group's members
	assert.Equal(t, "a", nextDestHost(t, m, session))
	m.ConnectStatus(nil)
	assert.Equal(t, "b", nextDestHost(t, m, session))
	m.ConnectStatus(nil)
	assert.Equal(t, "a", nextDestHost(t, m, session))
}

func TestMetadataNoMatchingRoute(t *testing.T) {
	m, _ := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})

	session := &guidelines.SessionInfo{TargetPort: 9999}
	assert.ErrorIs(t, m.InitDestinations(session), ErrNoDestinations)
}

func TestMetadataExhaustion(t *testing.T) {
	topology := metadata.ClusterTopology{
		Clusters: []metadata.Cluster{{
			Name:      "c1",
			IsPrimary: true,
			Members:   []metadata.Instance{member("a", "PRIMARY", "front")},
		}},
	}
	m, _ := newMetaManager(t, groupedGuidelines, topology,
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})

	session := metaSession()
	require.NoError(t, m.InitDestinations(session))

	assert.Equal(t, "a", nextDestHost(t, m, session))
	m.ConnectStatus(errRefused)
	assert.Nil(t, m.GetNextDestination(session))
}

func TestMetadataHiddenNodes(t *testing.T) {
	hidden := member("h", "SECONDARY", "front")
	hidden.Hidden = true
	dropMe := member("d", "SECONDARY", "front")
	dropMe.Hidden = true
	dropMe.DisconnectExistingSessionsWhenHidden = true

	topology := metadata.ClusterTopology{
		Clusters: []metadata.Cluster{{
			Name:      "c1",
			IsPrimary: true,
			Members: []metadata.Instance{
				member("a", "SECONDARY", "front"),
				hidden,
				dropMe,
			},
		}},
	}
	m, _ := newMetaManager(t, groupedGuidelines, topology,
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RoleSecondary})

	// hidden nodes never serve new connections
	newNodes := m.nodesFromTopology(m.cache.Topology(), true)
	require.Len(t, newNodes, 1)
	assert.Equal(t, "a", newNodes[0].Address)

	// existing connections survive unless the node asks to be drained
	oldNodes := m.nodesFromTopology(m.cache.Topology(), false)
	require.Len(t, oldNodes, 2)
	assert.Equal(t, "a", oldNodes[0].Address)
	assert.Equal(t, "h", oldNodes[1].Address)
}

func TestMetadataPromotedPrimaryKeepsExistingSessions(t *testing.T) {
	// auto-generated style secondary route: only secondaries serve new
	// connections
	secondaryDoc := `{
	  "version": "1.0", "name": "auto",
	  "destinations": [{"name": "main", "match": "$.server.memberRole = SECONDARY"}],
	  "routes": [{"name": "main", "match": "$.session.targetPort = 6446",
	    "destinations": [{"classes": ["main"], "strategy": "round-robin", "priority": 0}]}]
	}`
	topology := metadata.ClusterTopology{
		Clusters: []metadata.Cluster{{
			Name:      "c1",
			IsPrimary: true,
			Members: []metadata.Instance{
				member("a", "SECONDARY", "front"),
				member("p", "PRIMARY", "front"),
			},
		}},
	}

	hosts := func(nodes []guidelines.ServerInfo) []string {
		var out []string
		for _, node := range nodes {
			out = append(out, node.Address)
		}
		return out
	}

	// default: the promoted node keeps serving its existing sessions
	m, _ := newMetaManager(t, secondaryDoc, topology,
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RoleSecondary})
	assert.Equal(t, []string{"a"}, hosts(m.newConnectionNodes()))
	assert.Equal(t, []string{"a", "p"}, hosts(m.oldConnectionNodes()))

	// with disconnect_on_promoted_to_primary=yes it is dropped
	m, _ = newMetaManager(t, secondaryDoc, topology,
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RoleSecondary,
			DisconnectOnPromotedToPrimary: true})
	assert.Equal(t, []string{"a"}, hosts(m.oldConnectionNodes()))
}

func TestMetadataUnavailableBroadcast(t *testing.T) {
	m, cache := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary,
			DisconnectOnMetadataUnavail: true})

	var mu sync.Mutex
	var gotExisting, gotNew AllowedNodes
	var gotDisconnect bool
	var gotReason string
	calls := 0

	m.RegisterAllowedNodesChangedCallback(func(existing, forNew AllowedNodes, disconnect bool, reason string) {
		mu.Lock()
		defer mu.Unlock()
		gotExisting, gotNew = existing, forNew
		gotDisconnect, gotReason = disconnect, reason
		calls++
	})

	cache.SetTopology(metadata.ClusterTopology{}, false)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	assert.Empty(t, gotExisting)
	assert.Empty(t, gotNew)
	assert.True(t, gotDisconnect)
	assert.Equal(t, "metadata unavailable", gotReason)
}

func TestMetadataUnavailableKeepsConnectionsByDefault(t *testing.T) {
	m, _ := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})

	var disconnect *bool
	m.RegisterAllowedNodesChangedCallback(func(_, _ AllowedNodes, d bool, _ string) {
		disconnect = &d
	})

	m.NotifyInstancesChanged(false, 1)
	require.NotNil(t, disconnect)
	assert.False(t, *disconnect)
}

func TestMetadataAcceptorControl(t *testing.T) {
	// an auto-generated style document: the destination class carries the
	// route's name, which is what gates the allowed node set
	acceptorDoc := `{
	  "version": "1.0", "name": "auto",
	  "destinations": [
	    {"name": "main", "match": "$.server.memberRole = PRIMARY OR $.server.memberRole = SECONDARY"}
	  ],
	  "routes": [
	    {"name": "main", "match": "$.session.targetPort = 6446",
	     "destinations": [{"classes": ["main"], "strategy": "round-robin", "priority": 0}]}
	  ]
	}`
	m, cache := newMetaManager(t, acceptorDoc, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})

	var mu sync.Mutex
	started, stopped := 0, 0
	m.RegisterStartAcceptorCallback(func() error {
		mu.Lock()
		defer mu.Unlock()
		started++
		return nil
	})
	m.RegisterStopAcceptorCallback(func() {
		mu.Lock()
		defer mu.Unlock()
		stopped++
	})

	// with candidates the acceptor is asked to run
	assert.True(t, m.UpdateSocketAcceptorState())
	mu.Lock()
	assert.Equal(t, 1, started)
	mu.Unlock()

	// an empty candidate set stops it; SetTopology triggers the handler
	// through the cache
	cache.SetTopology(metadata.ClusterTopology{}, true)
	mu.Lock()
	assert.Equal(t, 1, stopped)
	mu.Unlock()
}

func TestMetadataRefreshDestinationsOnlyForPrimaryRole(t *testing.T) {
	m, _ := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RoleSecondary})
	assert.False(t, m.RefreshDestinations(metaSession()))
}

func TestMetadataRefreshDestinationsAfterFailover(t *testing.T) {
	topology := groupedTopology()
	m, cache := newMetaManager(t, groupedGuidelines, topology,
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})
	m.ctx.PrimaryFailoverTimeout = 2 * time.Second

	session := metaSession()
	require.NoError(t, m.InitDestinations(session))
	_ = nextDestHost(t, m, session)

	// promote a different primary while the manager waits
	go func() {
		time.Sleep(30 * time.Millisecond)
		promoted := groupedTopology()
		promoted.Clusters[0].Members[2] = member("c2", "PRIMARY", "back")
		cache.SetTopology(promoted, true)
	}()

	assert.True(t, m.RefreshDestinations(session))

	// cursors were reset to the first group
	assert.Equal(t, "a", nextDestHost(t, m, session))
}

func TestMetadataUpdateRoutingGuidelines(t *testing.T) {
	m, _ := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})
	m.ctx.Engine.SetDefaultDocument(groupedGuidelines)

	// a broken document leaves the active snapshot in place
	_, err := m.UpdateRoutingGuidelines(`{"version":"1.0"}`, nil)
	require.Error(t, err)
	assert.Equal(t, "grouped", m.ctx.Engine.Name())

	userDoc := `{
	  "version": "1.0", "name": "user",
	  "destinations": [{"name": "any", "match": "TRUE"}],
	  "routes": [{"name": "all", "match": "TRUE",
	    "destinations": [{"classes": ["any"], "strategy": "round-robin", "priority": 0}]}]
	}`
	_, err = m.UpdateRoutingGuidelines(userDoc, nil)
	require.NoError(t, err)
	assert.Equal(t, "user", m.ctx.Engine.Name())
	assert.True(t, m.ctx.Engine.Updated())

	// the empty document restores the captured default
	_, err = m.UpdateRoutingGuidelines("", nil)
	require.NoError(t, err)
	assert.Equal(t, "grouped", m.ctx.Engine.Name())
	assert.False(t, m.ctx.Engine.Updated())
}

func TestMetadataSharingGating(t *testing.T) {
	allowed := true
	dest := &Destination{
		RouteName:                "main",
		ConnectionSharingAllowed: &allowed,
	}

	m, _ := newMetaManager(t, groupedGuidelines, groupedTopology(),
		endpoint.MetadataURI{CacheName: "md", Role: endpoint.RolePrimary})

	// PASSTHROUGH cannot share: the router never sees the plaintext
	m.ctx.SourceSSLMode = SSLModePassthrough
	m.validateSharingSettings(dest)
	assert.False(t, dest.SharingAllowed())

	// PREFERRED + AS_CLIENT cannot share either
	dest.ConnectionSharingAllowed = &allowed
	m.ctx.SourceSSLMode = SSLModePreferred
	m.ctx.DestSSLMode = SSLModeAsClient
	m.validateSharingSettings(dest)
	assert.False(t, dest.SharingAllowed())

	// x protocol disables sharing
	dest.ConnectionSharingAllowed = &allowed
	m.ctx.SourceSSLMode = SSLModePreferred
	m.ctx.DestSSLMode = SSLModePreferred
	m.ctx.ProtocolX = true
	m.validateSharingSettings(dest)
	assert.False(t, dest.SharingAllowed())

	// a compatible configuration keeps it on
	dest.ConnectionSharingAllowed = &allowed
	m.ctx.ProtocolX = false
	m.validateSharingSettings(dest)
	assert.True(t, dest.SharingAllowed())
}

func TestModeForRole(t *testing.T) {
	assert.Equal(t, metadata.ModeReadWrite, metadata.ModeForRole("PRIMARY"))
	assert.Equal(t, metadata.ModeReadOnly, metadata.ModeForRole("SECONDARY"))
	assert.Equal(t, metadata.ModeReadOnly, metadata.ModeForRole("READ_REPLICA"))
	assert.Equal(t, metadata.ModeUnavailable, metadata.ModeForRole(""))
}
