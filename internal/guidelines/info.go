package guidelines

// UndefinedRole is the role keyword used when a member or cluster role is
// not defined.
const UndefinedRole = "UNDEFINED"

var memberRoles = []string{UndefinedRole, "PRIMARY", "SECONDARY", "READ_REPLICA"}

var clusterRoles = []string{UndefinedRole, "PRIMARY", "REPLICA"}

// RoutingStrategies lists the strategies accepted in a guideline's
// destination groups.
var RoutingStrategies = []string{"round-robin", "first-available"}

func caseContains(list []string, s string) bool {
	for _, el := range list {
		if strCaseEq(el, s) {
			return true
		}
	}
	return false
}

// IsMemberRole reports whether s names a member role.
func IsMemberRole(s string) bool { return caseContains(memberRoles, s) }

// IsClusterRole reports whether s names a cluster role.
func IsClusterRole(s string) bool { return caseContains(clusterRoles, s) }

// RouterInfo describes this router instance.
type RouterInfo struct {
	PortRO      uint16
	PortRW      uint16
	PortRWSplit uint16

	LocalCluster string
	Hostname     string
	BindAddress  string
	Tags         map[string]string
	RouteName    string
	Name         string
}

// ServerInfo describes one server destination.
type ServerInfo struct {
	Label                string
	Address              string
	Port                 uint16
	PortX                uint16
	UUID                 string
	Version              uint32 // e.g. 80401 for 8.4.1
	MemberRole           string // PRIMARY, SECONDARY or READ_REPLICA, empty if not defined
	Tags                 map[string]string
	ClusterName          string
	ClusterSetName       string
	ClusterRole          string // PRIMARY or REPLICA, empty if not defined
	ClusterIsInvalidated bool
}

// SessionInfo describes an incoming session.
type SessionInfo struct {
	TargetIP     string
	TargetPort   int
	SourceIP     string
	User         string
	ConnectAttrs map[string]string
	Schema       string
	ID           uint64
	RandomValue  float64 // random value in [0, 1)
}

// SqlInfo describes per-statement details for statement level
// classification.
type SqlInfo struct {
	DefaultSchema string
	IsRead        bool
	IsUpdate      bool
	IsDDL         bool
	QueryTags     map[string]string
	QueryHints    map[string]string
}
