// Package destination selects the backend server candidate for each
// session. Two manager variants share one interface: a static list with a
// pluggable strategy and a metadata-driven manager that consults the
// routing guidelines engine.
package destination

import (
	"errors"
	"sync"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metadata"
)

// Destination error kinds surfaced by the managers and the connect
// pipeline.
var (
	ErrNoDestinations = errors.New("no destinations")
	ErrQuarantined    = errors.New("destination is quarantined")
	ErrIgnored        = errors.New("destination ignored by server-mode filter")
	ErrStickyMismatch = errors.New("destination does not match previous endpoint")
	ErrCanceled       = errors.New("operation canceled")
)

// Destination is one concrete backend candidate.
type Destination struct {
	Endpoint   endpoint.Endpoint
	ServerInfo guidelines.ServerInfo
	RouteName  string
	// ConnectionSharingAllowed carries the route's sharing setting; nil
	// means not specified by the guideline.
	ConnectionSharingAllowed *bool
}

// ServerMode derives the destination's mode from its member role.
func (d *Destination) ServerMode() metadata.ServerMode {
	return metadata.ModeForRole(d.ServerInfo.MemberRole)
}

// DisableSharing turns connection sharing off when its prerequisites are
// not met.
func (d *Destination) DisableSharing() {
	allowed := false
	d.ConnectionSharingAllowed = &allowed
}

// SharingAllowed reports the effective sharing setting.
func (d *Destination) SharingAllowed() bool {
	return d.ConnectionSharingAllowed != nil && *d.ConnectionSharingAllowed
}

// Manager produces the next candidate per session, honoring the routing
// strategy and prior failures reported through ConnectStatus.
type Manager interface {
	// Start prepares the manager; the metadata variant subscribes to
	// cache notifications.
	Start() error

	// InitDestinations prepares the candidate set for a session.
	InitDestinations(session *guidelines.SessionInfo) error

	// GetNextDestination returns the candidate for the next connect
	// attempt, or nil when the manager is exhausted.
	GetNextDestination(session *guidelines.SessionInfo) *Destination

	// GetLastUsedDestination returns the candidate of the previous
	// attempt without advancing any cursor.
	GetLastUsedDestination() *Destination

	// RefreshDestinations is called after every destination failed; it
	// reports whether a retry is worthwhile.
	RefreshDestinations(session *guidelines.SessionInfo) bool

	// ConnectStatus reports the outcome of the last connect attempt; nil
	// means success.
	ConnectStatus(err error)

	HasReadWrite() bool
	HasReadOnly() bool

	// GetDestinationCandidates lists the endpoints of every possible
	// candidate.
	GetDestinationCandidates() []endpoint.Endpoint

	// HandleSocketAcceptors reconciles the listening sockets with the
	// candidate set.
	HandleSocketAcceptors()

	// Purpose reports the server mode this manager serves.
	Purpose() metadata.ServerMode

	// SessionRandUsed reports whether the active guideline references
	// $.session.randomValue.
	SessionRandUsed() bool
}

// AvailableDestination describes a node published to allowed-nodes
// listeners.
type AvailableDestination struct {
	Endpoint endpoint.Endpoint
	UUID     string
	Mode     metadata.ServerMode
}

// AllowedNodes is a set of nodes connections may use.
type AllowedNodes []AvailableDestination

// Contains reports whether the endpoint is in the allowed set.
func (n AllowedNodes) Contains(ep endpoint.Endpoint) bool {
	key := ep.String()
	for _, node := range n {
		if node.Endpoint.String() == key {
			return true
		}
	}
	return false
}

// AllowedNodesChangedCallback receives the allowed sets for existing and
// new connections, whether existing connections to other nodes should be
// dropped, and a description of what triggered the change.
type AllowedNodesChangedCallback func(existing, forNew AllowedNodes, disconnect bool, reason string)

// StartAcceptorCallback asks the acceptor to start listening; an error
// means it could not.
type StartAcceptorCallback func() error

// StopAcceptorCallback asks the acceptor to stop listening.
type StopAcceptorCallback func()

// MetadataRefreshCallback is invoked after every metadata refresh with the
// current new-connection allowed set.
type MetadataRefreshCallback func(nodesChanged bool, nodes AllowedNodes)

// NodesStateNotifier keeps the callback registries the metadata-driven
// manager publishes node-set changes through.
type NodesStateNotifier struct {
	allowedMu        sync.Mutex
	allowedCallbacks map[int]AllowedNodesChangedCallback
	allowedNextID    int

	acceptorMu    sync.Mutex
	startAcceptor StartAcceptorCallback
	stopAcceptor  StopAcceptorCallback

	refreshMu       sync.Mutex
	refreshCallback MetadataRefreshCallback
}

// RegisterAllowedNodesChangedCallback adds a listener and returns an id
// for unregistering.
func (n *NodesStateNotifier) RegisterAllowedNodesChangedCallback(cb AllowedNodesChangedCallback) int {
	n.allowedMu.Lock()
	defer n.allowedMu.Unlock()
	if n.allowedCallbacks == nil {
		n.allowedCallbacks = make(map[int]AllowedNodesChangedCallback)
	}
	id := n.allowedNextID
	n.allowedNextID++
	n.allowedCallbacks[id] = cb
	return id
}

// UnregisterAllowedNodesChangedCallback removes a listener.
func (n *NodesStateNotifier) UnregisterAllowedNodesChangedCallback(id int) {
	n.allowedMu.Lock()
	defer n.allowedMu.Unlock()
	delete(n.allowedCallbacks, id)
}

func (n *NodesStateNotifier) notifyAllowedNodes(existing, forNew AllowedNodes, disconnect bool, reason string) {
	n.allowedMu.Lock()
	callbacks := make([]AllowedNodesChangedCallback, 0, len(n.allowedCallbacks))
	for _, cb := range n.allowedCallbacks {
		callbacks = append(callbacks, cb)
	}
	n.allowedMu.Unlock()

	for _, cb := range callbacks {
		cb(existing, forNew, disconnect, reason)
	}
}

// RegisterStartAcceptorCallback installs the acceptor start hook.
func (n *NodesStateNotifier) RegisterStartAcceptorCallback(cb StartAcceptorCallback) {
	n.acceptorMu.Lock()
	defer n.acceptorMu.Unlock()
	n.startAcceptor = cb
}

// RegisterStopAcceptorCallback installs the acceptor stop hook.
func (n *NodesStateNotifier) RegisterStopAcceptorCallback(cb StopAcceptorCallback) {
	n.acceptorMu.Lock()
	defer n.acceptorMu.Unlock()
	n.stopAcceptor = cb
}

// UnregisterAcceptorCallbacks removes both acceptor hooks.
func (n *NodesStateNotifier) UnregisterAcceptorCallbacks() {
	n.acceptorMu.Lock()
	defer n.acceptorMu.Unlock()
	n.startAcceptor = nil
	n.stopAcceptor = nil
}

// RegisterMetadataRefreshCallback installs the refresh hook.
func (n *NodesStateNotifier) RegisterMetadataRefreshCallback(cb MetadataRefreshCallback) {
	n.refreshMu.Lock()
	defer n.refreshMu.Unlock()
	n.refreshCallback = cb
}

// UnregisterMetadataRefreshCallback removes the refresh hook.
func (n *NodesStateNotifier) UnregisterMetadataRefreshCallback() {
	n.refreshMu.Lock()
	defer n.refreshMu.Unlock()
	n.refreshCallback = nil
}

// SSLMode mirrors the client/server SSL mode configuration values that
// gate connection sharing.
type SSLMode string

const (
	SSLModePassthrough SSLMode = "PASSTHROUGH"
	SSLModePreferred   SSLMode = "PREFERRED"
	SSLModeAsClient    SSLMode = "AS_CLIENT"
	SSLModeRequired    SSLMode = "REQUIRED"
	SSLModeDisabled    SSLMode = "DISABLED"
)

// AccessMode selects how the route treats read-write versus read-only
// candidates.
type AccessMode int

const (
	AccessModeUnspecified AccessMode = iota
	AccessModeAuto
)

// DefaultPrimaryFailoverTimeout bounds waiting for a new primary during
// RefreshDestinations.
const DefaultPrimaryFailoverTimeout = 10 * time.Second

// RoutingContext carries the per-route collaborators and settings shared
// by the destination managers and the connect pipeline.
type RoutingContext struct {
	Name       string
	RouterInfo guidelines.RouterInfo
	Engine     *guidelines.Engine
	Quarantine *Quarantine

	AccessMode    AccessMode
	SourceSSLMode SSLMode
	DestSSLMode   SSLMode
	ProtocolX     bool

	DestinationConnectTimeout time.Duration
	PrimaryFailoverTimeout    time.Duration
}

// FailoverTimeout returns the configured primary-failover timeout or the
// default.
func (c *RoutingContext) FailoverTimeout() time.Duration {
	if c.PrimaryFailoverTimeout > 0 {
		return c.PrimaryFailoverTimeout
	}
	return DefaultPrimaryFailoverTimeout
}

// SessionRandUsedByEngine is shared by both manager variants.
func (c *RoutingContext) SessionRandUsedByEngine() bool {
	return c.Engine != nil && c.Engine.SessionRandUsed()
}
