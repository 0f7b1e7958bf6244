// Package metadata defines the topology collaborator the metadata-driven
// destination manager consumes: cluster topology snapshots, change
// notifications and the primary-failover wait. The cache contents are
// produced externally; this package ships an in-memory implementation
// driven through SetTopology.
package metadata

import (
	"sync"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/guidelines"
)

// ServerMode describes what kind of statements a server accepts.
type ServerMode int

const (
	ModeUnavailable ServerMode = iota
	ModeReadWrite
	ModeReadOnly
)

func (m ServerMode) String() string {
	switch m {
	case ModeReadWrite:
		return "read-write"
	case ModeReadOnly:
		return "read-only"
	}
	return "unavailable"
}

// ModeForRole derives the server mode from a member role.
func ModeForRole(memberRole string) ServerMode {
	switch memberRole {
	case "PRIMARY":
		return ModeReadWrite
	case "SECONDARY", "READ_REPLICA":
		return ModeReadOnly
	}
	return ModeUnavailable
}

// Instance is one server of a cluster as published by the metadata cache.
type Instance struct {
	UUID       string
	Host       string
	Port       uint16
	XPort      uint16
	MemberRole string // PRIMARY, SECONDARY or READ_REPLICA
	Type       string
	Tags       map[string]string
	Hidden     bool
	// DisconnectExistingSessionsWhenHidden also removes the node from
	// the existing-connection allowed set when it is hidden.
	DisconnectExistingSessionsWhenHidden bool
	Label                                string
	Version                              uint32
}

// Mode derives the server mode from the member role.
func (i Instance) Mode() ServerMode { return ModeForRole(i.MemberRole) }

// Cluster is a named group of instances.
type Cluster struct {
	Name          string
	IsPrimary     bool
	IsInvalidated bool
	Members       []Instance
}

// ClusterTopology is one topology snapshot: a cluster set with its
// clusters.
type ClusterTopology struct {
	ClusterSetName string
	Clusters       []Cluster
}

// ServerInfos flattens the topology into guideline server descriptions.
func (t ClusterTopology) ServerInfos() []guidelines.ServerInfo {
	var out []guidelines.ServerInfo
	for _, cluster := range t.Clusters {
		clusterRole := "REPLICA"
		if cluster.IsPrimary {
			clusterRole = "PRIMARY"
		}
		if t.ClusterSetName == "" {
			clusterRole = ""
		}
		for _, member := range cluster.Members {
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
				ClusterSetName:       t.ClusterSetName,
				ClusterRole:          clusterRole,
				ClusterIsInvalidated: cluster.IsInvalidated,
			})
		}
	}
	return out
}

// instanceByUUID finds an instance across all clusters.
func (t ClusterTopology) instanceByUUID(uuid string) (Instance, bool) {
	for _, cluster := range t.Clusters {
		for _, member := range cluster.Members {
			if member.UUID == uuid {
				return member, true
			}
		}
	}
	return Instance{}, false
}

// ClusterStateListener is notified when the set of instances changes.
type ClusterStateListener interface {
	NotifyInstancesChanged(mdServersReachable bool, viewID uint64)
}

// AcceptorUpdateHandler is asked to reconcile listening sockets after a
// metadata refresh.
type AcceptorUpdateHandler interface {
	UpdateSocketAcceptorState() bool
}

// RefreshListener is notified after every metadata refresh.
type RefreshListener interface {
	OnMetadataRefresh(nodesChanged bool)
}

// API is the surface of the metadata cache the destination managers use.
type API interface {
	IsInitialized() bool
	Topology() ClusterTopology

	// WaitPrimaryFailover blocks until a primary different from lastUUID
	// shows up or the timeout expires.
	WaitPrimaryFailover(lastUUID string, timeout time.Duration) bool

	AddStateListener(l ClusterStateListener)
	RemoveStateListener(l ClusterStateListener)
	AddAcceptorHandler(l AcceptorUpdateHandler)
	RemoveAcceptorHandler(l AcceptorUpdateHandler)
	AddRefreshListener(l RefreshListener)
	RemoveRefreshListener(l RefreshListener)

	// HandleSocketAcceptors asks every registered acceptor handler to
	// reconcile its listening sockets.
	HandleSocketAcceptors()
}

// Cache is an in-memory metadata cache. Topology snapshots are installed
// with SetTopology, which fans out the change notifications the way the
// external cache would.
type Cache struct {
	mu          sync.Mutex
	initialized bool
	topology    ClusterTopology
	viewID      uint64
	reachable   bool

	primaryChanged *sync.Cond

	stateListeners   []ClusterStateListener
	acceptorHandlers []AcceptorUpdateHandler
	refreshListeners []RefreshListener
}

// NewCache returns an empty, uninitialized cache.
func NewCache() *Cache {
	c := &Cache{}
	c.primaryChanged = sync.NewCond(&c.mu)
	return c
}

func (c *Cache) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Cache) Topology() ClusterTopology {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topology
}

// SetTopology installs a new topology snapshot and notifies all
// listeners. reachable=false signals the metadata servers themselves are
// unreachable.
func (c *Cache) SetTopology(topology ClusterTopology, reachable bool) {
	c.mu.Lock()
	nodesChanged := !topologiesEqual(c.topology, topology)
	c.topology = topology
	c.initialized = true
	c.reachable = reachable
	c.viewID++
	viewID := c.viewID
	stateListeners := append([]ClusterStateListener(nil), c.stateListeners...)
	refreshListeners := append([]RefreshListener(nil), c.refreshListeners...)
	c.primaryChanged.Broadcast()
	c.mu.Unlock()

	for _, l := range stateListeners {
		l.NotifyInstancesChanged(reachable, viewID)
	}
	for _, l := range refreshListeners {
		l.OnMetadataRefresh(nodesChanged)
	}
	c.HandleSocketAcceptors()
}

func topologiesEqual(a, b ClusterTopology) bool {
	if a.ClusterSetName != b.ClusterSetName || len(a.Clusters) != len(b.Clusters) {
		return false
	}
	for i := range a.Clusters {
		ca, cb := a.Clusters[i], b.Clusters[i]
		if ca.Name != cb.Name || ca.IsPrimary != cb.IsPrimary ||
			ca.IsInvalidated != cb.IsInvalidated || len(ca.Members) != len(cb.Members) {
			return false
		}
		for j := range ca.Members {
			ma, mb := ca.Members[j], cb.Members[j]
			if ma.UUID != mb.UUID || ma.Host != mb.Host || ma.Port != mb.Port ||
				ma.MemberRole != mb.MemberRole || ma.Hidden != mb.Hidden {
				return false
			}
		}
	}
	return true
}

// WaitPrimaryFailover blocks until a primary with a different UUID than
// lastUUID is available, or the timeout expires.
func (c *Cache) WaitPrimaryFailover(lastUUID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if uuid, ok := c.currentPrimaryLocked(); ok && uuid != lastUUID {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// Cond has no timed wait; poke the waiters when the deadline
		// passes.
		timer := time.AfterFunc(remaining, func() {
			c.mu.Lock()
			c.primaryChanged.Broadcast()
			c.mu.Unlock()
		})
		c.primaryChanged.Wait()
		timer.Stop()
	}
}

func (c *Cache) currentPrimaryLocked() (string, bool) {
	for _, cluster := range c.topology.Clusters {
		for _, member := range cluster.Members {
			if member.MemberRole == "PRIMARY" && !member.Hidden {
				return member.UUID, true
			}
		}
	}
	return "", false
}

func (c *Cache) AddStateListener(l ClusterStateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, l)
}

func (c *Cache) RemoveStateListener(l ClusterStateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = removeListener(c.stateListeners, l)
}

func (c *Cache) AddAcceptorHandler(l AcceptorUpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acceptorHandlers = append(c.acceptorHandlers, l)
}

func (c *Cache) RemoveAcceptorHandler(l AcceptorUpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acceptorHandlers = removeListener(c.acceptorHandlers, l)
}

func (c *Cache) AddRefreshListener(l RefreshListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshListeners = append(c.refreshListeners, l)
}

func (c *Cache) RemoveRefreshListener(l RefreshListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshListeners = removeListener(c.refreshListeners, l)
}

func (c *Cache) HandleSocketAcceptors() {
	c.mu.Lock()
	handlers := append([]AcceptorUpdateHandler(nil), c.acceptorHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h.UpdateSocketAcceptorState()
	}
}

func removeListener[T comparable](list []T, l T) []T {
	out := list[:0]
	for _, el := range list {
		if el != l {
			out = append(out, el)
		}
	}
	return out
}
