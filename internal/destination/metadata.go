package destination

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metadata"
	"github.com/mysqlgate/mysqlgate/internal/resolver"
)

// connStatus tracks the outcome of the previous connect attempt.
type connStatus int

const (
	statusNotSet connStatus = iota
	statusInProgress
	statusFailed
)

// MetadataManager selects destinations from a metadata-cache topology,
// arbitrated by the routing guidelines engine: the winning route yields
// prioritized destination groups, each filled with the topology members
// whose destination classes intersect the group's classes.
type MetadataManager struct {
	NodesStateNotifier

	mu sync.Mutex

	ctx    *RoutingContext
	uri    endpoint.MetadataURI
	cache  metadata.API
	logger *slog.Logger

	subscribed bool

	routeInfo  guidelines.RouteClassification
	candidates [][]Destination

	groupIdx         int
	groupPos         int
	availableInGroup int
	// last used position per group, for fair balancing in backup groups
	storedIdx map[int]int

	strategy   string
	lastStatus connStatus
	lastErr    error

	lastServerUUID string
	lastUsed       Destination

	hasReadWrite bool
	hasReadOnly  bool

	sharingLoggedRoutes map[string]bool
}

// NewMetadataManager wires a manager to a metadata cache.
func NewMetadataManager(uri endpoint.MetadataURI, cache metadata.API, ctx *RoutingContext, logger *slog.Logger) *MetadataManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataManager{
		ctx:                 ctx,
		uri:                 uri,
		cache:               cache,
		logger:              logger,
		storedIdx:           make(map[int]int),
		sharingLoggedRoutes: make(map[string]bool),
	}
}

// Start subscribes for metadata cache notifications. The cache must be
// initialized first.
func (m *MetadataManager) Start() error {
	if !m.cache.IsInitialized() {
		return fmt.Errorf("metadata cache %q is not initialized", m.uri.CacheName)
	}
	m.cache.AddStateListener(m)
	m.cache.AddAcceptorHandler(m)
	m.cache.AddRefreshListener(m)
	m.subscribed = true
	return nil
}

// Close unsubscribes from the metadata cache.
func (m *MetadataManager) Close() {
	if m.subscribed {
		m.cache.RemoveStateListener(m)
		m.cache.RemoveAcceptorHandler(m)
		m.cache.RemoveRefreshListener(m)
		m.subscribed = false
	}
}

func (m *MetadataManager) Purpose() metadata.ServerMode {
	if m.uri.Role == endpoint.RolePrimary {
		return metadata.ModeReadWrite
	}
	return metadata.ModeReadOnly
}

func (m *MetadataManager) SessionRandUsed() bool {
	return m.ctx.SessionRandUsedByEngine()
}

// nodesFromTopology flattens the topology. Hidden nodes are dropped
// entirely when dropAllHidden is set, otherwise only the ones flagged to
// disconnect existing sessions.
func (m *MetadataManager) nodesFromTopology(topology metadata.ClusterTopology, dropAllHidden bool) []guidelines.ServerInfo {
	var out []guidelines.ServerInfo
	for _, cluster := range topology.Clusters {
		clusterRole := ""
		if topology.ClusterSetName != "" {
			clusterRole = "REPLICA"
			if cluster.IsPrimary {
				clusterRole = "PRIMARY"
			}
		}
		for _, member := range cluster.Members {
			if member.Hidden && (dropAllHidden || member.DisconnectExistingSessionsWhenHidden) {
				continue
			}
			out = append(out, guidelines.ServerInfo{
				Label:                member.Label,
				Address:              member.Host,
				Port:                 member.Port,
				PortX:                member.XPort,
				UUID:                 member.UUID,
				Version:              member.Version,
				MemberRole:           member.MemberRole,
				Tags:                 member.Tags,
				ClusterName:          cluster.Name,
				ClusterSetName:       topology.ClusterSetName,
				ClusterRole:          clusterRole,
				ClusterIsInvalidated: cluster.IsInvalidated,
			})
		}
	}
	return out
}

// nodesAllowedByGuidelines filters nodes to those the guidelines engine
// classifies into at least one destination class. Only meaningful for the
// auto-generated guideline, where the class set is known upfront.
func (m *MetadataManager) nodesAllowedByGuidelines(nodes []guidelines.ServerInfo) []guidelines.ServerInfo {
	if m.ctx.Engine.Updated() {
		// user-provided guideline: the allowed set may depend on session
		// attributes, keep every node
		return nodes
	}
	var out []guidelines.ServerInfo
	for _, node := range nodes {
		classification := m.ctx.Engine.ClassifyServer(&node, &m.ctx.RouterInfo)
		for _, class := range classification.ClassNames {
			if class == m.ctx.Name {
				out = append(out, node)
				break
			}
		}
	}
	return out
}

func (m *MetadataManager) newConnectionNodes() []guidelines.ServerInfo {
	return m.nodesAllowedByGuidelines(m.nodesFromTopology(m.cache.Topology(), true))
}

func (m *MetadataManager) oldConnectionNodes() []guidelines.ServerInfo {
	nodes := m.nodesFromTopology(m.cache.Topology(), false)
	allowed := m.nodesAllowedByGuidelines(nodes)
	if m.uri.Role != endpoint.RoleSecondary || m.uri.DisconnectOnPromotedToPrimary {
		return allowed
	}
	// a node promoted to PRIMARY drops out of the secondary classes, but
	// its existing sessions survive unless
	// disconnect_on_promoted_to_primary was requested
	for _, node := range nodes {
		if strCaseEq(node.MemberRole, "PRIMARY") && !hasNodeUUID(allowed, node.UUID) {
			allowed = append(allowed, node)
		}
	}
	return allowed
}

func hasNodeUUID(nodes []guidelines.ServerInfo, uuid string) bool {
	for _, node := range nodes {
		if node.UUID == uuid {
			return true
		}
	}
	return false
}

func (m *MetadataManager) availableDestinations(nodes []guidelines.ServerInfo) AllowedNodes {
	out := make(AllowedNodes, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, AvailableDestination{
			Endpoint: endpoint.TCP(node.Address, node.Port),
			UUID:     node.UUID,
			Mode:     metadata.ModeForRole(node.MemberRole),
		})
	}
	return out
}

// NotifyInstancesChanged implements metadata.ClusterStateListener.
func (m *MetadataManager) NotifyInstancesChanged(mdServersReachable bool, _ uint64) {
	m.onInstancesChange(mdServersReachable)
}

// onInstancesChange publishes the new allowed node sets. When the
// metadata servers are unreachable, existing connections are only dropped
// when disconnect_on_metadata_unavailable was requested.
func (m *MetadataManager) onInstancesChange(mdServersReachable bool) {
	disconnect := mdServersReachable || m.uri.DisconnectOnMetadataUnavail

	reason := "metadata change"
	if !mdServersReachable {
		reason = "metadata unavailable"
	}

	var forNew, existing AllowedNodes
	if mdServersReachable {
		forNew = m.availableDestinations(m.newConnectionNodes())
		existing = m.availableDestinations(m.oldConnectionNodes())
	}

	m.notifyAllowedNodes(existing, forNew, disconnect, reason)
}

// UpdateSocketAcceptorState implements metadata.AcceptorUpdateHandler:
// the acceptor stops when the candidate set for new connections is empty
// and starts again when it is not.
func (m *MetadataManager) UpdateSocketAcceptorState() bool {
	nodes := m.newConnectionNodes()

	m.acceptorMu.Lock()
	defer m.acceptorMu.Unlock()

	if len(nodes) > 0 && m.startAcceptor != nil {
		if err := m.startAcceptor(); err != nil {
			m.logger.Error("failed to start socket acceptor", "route", m.ctx.Name, "err", err)
			return false
		}
		return true
	}
	if len(nodes) == 0 && m.stopAcceptor != nil {
		m.stopAcceptor()
	}
	return true
}

// OnMetadataRefresh implements metadata.RefreshListener.
func (m *MetadataManager) OnMetadataRefresh(nodesChanged bool) {
	m.refreshMu.Lock()
	cb := m.refreshCallback
	m.refreshMu.Unlock()
	if cb != nil {
		cb(nodesChanged, m.availableDestinations(m.newConnectionNodes()))
	}
	if nodesChanged {
		m.ClearInternalState()
	}
}

// HandleSocketAcceptors implements Manager.
func (m *MetadataManager) HandleSocketAcceptors() {
	m.cache.HandleSocketAcceptors()
}

// InitDestinations classifies the session and prepares the destination
// groups for it.
func (m *MetadataManager) InitDestinations(session *guidelines.SessionInfo) error {
	if !m.cache.IsInitialized() {
		return ErrNoDestinations
	}

	routeInfo := m.ctx.Engine.ClassifySession(session, &m.ctx.RouterInfo, nil)
	if len(routeInfo.Errors) > 0 {
		m.logger.Error("routing route classification errors",
			"route", m.ctx.Name, "errors", strings.Join(routeInfo.Errors, ", "))
		return ErrNoDestinations
	}
	if routeInfo.RouteName == "" {
		m.logger.Warn("could not match any route", "route", m.ctx.Name,
			"source_ip", session.SourceIP, "target_port", session.TargetPort)
		return ErrNoDestinations
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.routeInfo = routeInfo
	sort.SliceStable(m.routeInfo.DestinationGroups, func(i, j int) bool {
		return m.routeInfo.DestinationGroups[i].Priority < m.routeInfo.DestinationGroups[j].Priority
	})

	m.prepareDestinationGroupsLocked()

	if m.groupIdx >= len(m.candidates) {
		m.groupIdx = 0
		m.groupPos = 0
	}

	if len(m.routeInfo.DestinationGroups) > 0 && m.groupIdx < len(m.routeInfo.DestinationGroups) {
		m.strategy = m.routeInfo.DestinationGroups[m.groupIdx].Strategy
	}

	if len(m.storedIdx) == 0 || len(m.candidates) != len(m.storedIdx) {
		m.storedIdx = make(map[int]int, len(m.candidates))
		for i := range m.candidates {
			// sentinel meaning round robin has not started in this group
			m.storedIdx[i] = len(m.candidates[i])
		}
	}
	return nil
}

// prepareDestinationGroupsLocked fills each destination group with the
// topology members whose destination classes intersect the group's
// classes.
func (m *MetadataManager) prepareDestinationGroupsLocked() {
	m.candidates = m.candidates[:0]
	m.hasReadWrite = false
	m.hasReadOnly = false

	allNodes := m.nodesFromTopology(m.cache.Topology(), true)

	for _, group := range m.routeInfo.DestinationGroups {
		var members []Destination

		for _, class := range group.Classes {
			for i := range allNodes {
				node := allNodes[i]
				classification := m.ctx.Engine.ClassifyServer(&node, &m.ctx.RouterInfo)
				if len(classification.Errors) > 0 {
					m.logger.Error("routing guidelines classification error when preparing destinations",
						"route", m.ctx.Name,
						"errors", strings.Join(classification.Errors, "; "))
					return
				}
				if !contains(classification.ClassNames, class) {
					continue
				}

				switch {
				case strCaseEq(node.MemberRole, "PRIMARY"):
					m.hasReadWrite = true
				case strCaseEq(node.MemberRole, "SECONDARY"), strCaseEq(node.MemberRole, "READ_REPLICA"):
					m.hasReadOnly = true
				}

				members = append(members, Destination{
					Endpoint:                 endpoint.TCP(node.Address, node.Port),
					ServerInfo:               node,
					RouteName:                m.routeInfo.RouteName,
					ConnectionSharingAllowed: m.routeInfo.ConnectionSharingAllowed,
				})
			}
		}
		m.candidates = append(m.candidates, members)
	}

	if len(m.candidates) == 0 || m.groupIdx >= len(m.candidates) ||
		len(m.candidates[m.groupIdx]) == 0 {
		m.availableInGroup = 0
	} else {
		m.availableInGroup = len(m.candidates[m.groupIdx])
	}
}

func contains(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}

func strCaseEq(a, b string) bool { return strings.EqualFold(a, b) }

// changeGroupLocked advances to the next non-empty destination group.
func (m *MetadataManager) changeGroupLocked() bool {
	m.groupIdx++
	for m.groupIdx < len(m.candidates) && len(m.candidates[m.groupIdx]) == 0 {
		m.groupIdx++
	}

	if m.groupIdx >= len(m.candidates) || len(m.candidates[m.groupIdx]) == 0 {
		m.logger.Debug("no more destination groups available", "route", m.ctx.Name)
		m.groupIdx = 0
		m.groupPos = 0
		m.availableInGroup = 0
		return false
	}

	m.availableInGroup = len(m.candidates[m.groupIdx])

	group := m.routeInfo.DestinationGroups[m.groupIdx]
	m.strategy = group.Strategy

	m.logger.Debug("switching to destination group", "route", m.ctx.Name, "group", m.groupIdx)

	if m.strategy == "round-robin" {
		// remember the last used position per group so backup groups
		// stay fairly balanced
		m.groupPos = m.storedIdx[m.groupIdx]
		if m.availableInGroup > 1 {
			m.groupPos++
		}
		if m.groupPos >= len(m.candidates[m.groupIdx]) {
			m.groupPos = 0
		}
		m.storedIdx[m.groupIdx] = m.groupPos
	} else {
		m.groupPos = 0
	}
	return true
}

// GetNextDestination returns the candidate for the next connect attempt.
func (m *MetadataManager) GetNextDestination(session *guidelines.SessionInfo) *Destination {
	dest := m.getNextDestinationImpl()
	if dest == nil {
		return nil
	}

	m.mu.Lock()
	m.lastServerUUID = dest.ServerInfo.UUID
	m.mu.Unlock()

	m.logger.Debug("trying destination",
		"session", session.ID, "destination", dest.Endpoint.String(), "strategy", m.strategy)

	m.validateSharingSettings(dest)
	return dest
}

func (m *MetadataManager) getNextDestinationImpl() *Destination {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.candidates) == 0 {
		return nil
	}

	if len(m.candidates[m.groupIdx]) == 0 {
		if !m.changeGroupLocked() {
			return nil
		}
	}

	switch m.lastStatus {
	case statusFailed:
		m.groupPos++
		if m.groupPos >= len(m.candidates[m.groupIdx]) {
			switch m.strategy {
			case "first-available":
				// exhausted this group, try the next one
				if !m.changeGroupLocked() {
					return nil
				}
			case "round-robin":
				if m.availableInGroup == 0 {
					// tried every destination in this group
					if !m.changeGroupLocked() {
						return nil
					}
				} else {
					m.groupPos = 0
				}
			}
		}
	case statusInProgress:
		switch m.strategy {
		case "first-available":
			// previous attempt was successful, start over
			m.groupIdx = 0
			m.groupPos = 0
			if len(m.candidates[m.groupIdx]) == 0 {
				if !m.changeGroupLocked() {
					return nil
				}
			}
		case "round-robin":
			if m.groupIdx != 0 {
				// groups with higher precedence come first again
				m.groupIdx = 0
				m.groupPos = 0
				if len(m.candidates[m.groupIdx]) == 0 {
					if !m.changeGroupLocked() {
						return nil
					}
				}
			} else if m.availableInGroup > 1 {
				m.groupPos++
				if m.groupPos >= len(m.candidates[m.groupIdx]) {
					m.groupPos = 0
				}
			}
		}
	case statusNotSet:
		// first attempt, keep the current position
		m.lastStatus = statusInProgress
	}

	if m.groupIdx >= len(m.candidates) || m.groupPos >= len(m.candidates[m.groupIdx]) {
		return nil
	}

	m.lastUsed = m.candidates[m.groupIdx][m.groupPos]
	out := m.lastUsed
	return &out
}

// GetLastUsedDestination returns the previously selected candidate
// without touching the manager state.
func (m *MetadataManager) GetLastUsedDestination() *Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.lastUsed
	return &out
}

// validateSharingSettings disables connection sharing when the transport
// configuration cannot support it.
func (m *MetadataManager) validateSharingSettings(dest *Destination) {
	if dest == nil || !dest.SharingAllowed() {
		return
	}

	sharingEnabled := true
	var why string
	switch {
	case m.ctx.SourceSSLMode == SSLModePassthrough:
		why = "client_ssl_mode=PASSTHROUGH"
		sharingEnabled = false
	case m.ctx.SourceSSLMode == SSLModePreferred && m.ctx.DestSSLMode == SSLModeAsClient:
		why = "client_ssl_mode=PREFERRED and server_ssl_mode=AS_CLIENT"
		sharingEnabled = false
	case m.ctx.ProtocolX:
		why = "protocol=x"
		sharingEnabled = false
	}
	if sharingEnabled {
		return
	}

	m.mu.Lock()
	logged := m.sharingLoggedRoutes[dest.RouteName]
	m.sharingLoggedRoutes[dest.RouteName] = true
	m.mu.Unlock()
	if !logged {
		m.logger.Info("route has connection sharing enabled but it had been ignored",
			"route", dest.RouteName, "reason", why)
	}

	dest.DisableSharing()
}

// RefreshDestinations waits for a primary failover and re-classifies the
// session. Only PRIMARY-role configurations fall back this way.
func (m *MetadataManager) RefreshDestinations(session *guidelines.SessionInfo) bool {
	if m.uri.Role != endpoint.RolePrimary {
		return false
	}

	m.mu.Lock()
	lastUUID := m.lastServerUUID
	m.mu.Unlock()

	failoverOK := m.cache.WaitPrimaryFailover(lastUUID, m.ctx.FailoverTimeout())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.groupPos = 0
	m.groupIdx = 0
	m.lastStatus = statusNotSet

	if !failoverOK {
		return false
	}

	routeInfo := m.ctx.Engine.ClassifySession(session, &m.ctx.RouterInfo, nil)
	if len(routeInfo.Errors) > 0 {
		m.logger.Error("routing route classification errors",
			"route", m.ctx.Name, "errors", strings.Join(routeInfo.Errors, ", "))
		return false
	}

	m.routeInfo = routeInfo
	sort.SliceStable(m.routeInfo.DestinationGroups, func(i, j int) bool {
		return m.routeInfo.DestinationGroups[i].Priority < m.routeInfo.DestinationGroups[j].Priority
	})
	m.prepareDestinationGroupsLocked()
	return true
}

// ConnectStatus records the outcome of the last connect attempt.
func (m *MetadataManager) ConnectStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastErr = err
	if err == nil {
		m.lastStatus = statusInProgress
	} else {
		m.lastStatus = statusFailed
		if m.availableInGroup > 0 {
			m.availableInGroup--
		}
	}
}

// ClearInternalState resets indexes and the last connection status; used
// when guidelines or topology change.
func (m *MetadataManager) ClearInternalState() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.groupPos = 0
	m.groupIdx = 0
	m.lastStatus = statusNotSet

	if len(m.candidates) == 0 {
		m.availableInGroup = 0
	} else {
		m.availableInGroup = len(m.candidates[m.groupIdx])
	}
}

// UpdateRoutingGuidelines installs a new guideline document; an empty (or
// "{}") document restores the auto-generated one. On compile failure the
// previous guideline stays in use and the error is returned.
func (m *MetadataManager) UpdateRoutingGuidelines(document string, lookup resolver.Lookup) (guidelines.RouteChanges, error) {
	m.logger.Debug("try to update routing guidelines", "route", m.ctx.Name)

	if document == "" || document == "{}" {
		m.logger.Info("restore initial routing guidelines autogenerated from config")
		changes, err := m.ctx.Engine.RestoreDefault()
		if err != nil {
			return guidelines.RouteChanges{}, err
		}
		m.ClearInternalState()
		return changes, nil
	}

	newEngine, err := guidelines.New(document)
	if err != nil {
		return guidelines.RouteChanges{}, err
	}

	if newEngine.ExtendedSessionInfoInUse() && m.ctx.DestSSLMode != SSLModePreferred {
		m.logger.Warn("$.session.user, $.session.schema and $.session.connectAttrs " +
			"are supported only when server_ssl_mode is set to PREFERRED")
	}

	if lookup != nil {
		newEngine.UpdateResolveCache(resolver.BuildCache(newEngine, lookup, m.logger))
	}

	changes := m.ctx.Engine.Update(newEngine, true)
	m.ClearInternalState()
	return changes, nil
}

func (m *MetadataManager) HasReadWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasReadWrite
}

func (m *MetadataManager) HasReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasReadOnly
}

// GetDestinationCandidates lists every endpoint of the prepared groups.
func (m *MetadataManager) GetDestinationCandidates() []endpoint.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []endpoint.Endpoint
	for _, group := range m.candidates {
		for _, dest := range group {
			out = append(out, dest.Endpoint)
		}
	}
	return out
}

var _ Manager = (*MetadataManager)(nil)
var _ Manager = (*StaticManager)(nil)
var _ metadata.ClusterStateListener = (*MetadataManager)(nil)
var _ metadata.AcceptorUpdateHandler = (*MetadataManager)(nil)
var _ metadata.RefreshListener = (*MetadataManager)(nil)
