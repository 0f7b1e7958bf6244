package guidelines

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// IPVersion selects the address family a hostname should resolve to.
type IPVersion int

const (
	IPv4 IPVersion = iota
	IPv6
)

// ResolveHost names a hostname used by a RESOLVE_V4/RESOLVE_V6 call in the
// document, together with the address family it needs.
type ResolveHost struct {
	Address   string
	IPVersion IPVersion
}

// DestinationGroup is a prioritized set of destination classes with a
// routing strategy.
type DestinationGroup struct {
	Classes  []string `json:"classes"`
	Strategy string   `json:"strategy"`
	Priority uint64   `json:"priority"`
}

func (g DestinationGroup) equal(other DestinationGroup) bool {
	if g.Strategy != other.Strategy || g.Priority != other.Priority ||
		len(g.Classes) != len(other.Classes) {
		return false
	}
	for i := range g.Classes {
		if g.Classes[i] != other.Classes[i] {
			return false
		}
	}
	return true
}

// Route is one entry of the document's routes section.
type Route struct {
	Name                     string
	Match                    *Expression
	DestinationGroups        []DestinationGroup
	ConnectionSharingAllowed *bool
	Enabled                  bool
}

// RouteClassification is the result of classifying a session.
type RouteClassification struct {
	RouteName                string
	DestinationGroups        []DestinationGroup
	ConnectionSharingAllowed *bool
	Errors                   []string
}

// DestinationClassification is the result of classifying a server.
type DestinationClassification struct {
	ClassNames []string
	Errors     []string
}

// RouteChanges names the routes affected by a guideline update.
type RouteChanges struct {
	GuidelineName  string
	AffectedRoutes []string
}

// ParseError carries every error collected while loading a guideline
// document, each prefixed with its JSON scope.
type ParseError struct {
	Errors []string
}

func (e *ParseError) Error() string {
	return "errors while parsing routing guidelines document:\n - " +
		strings.Join(e.Errors, "\n - ")
}

// rpd is one immutable compiled snapshot of a guidelines document.
type rpd struct {
	name     string
	version  Version
	document string

	destNames []string
	destRules []*Expression
	routes    []*Route

	hostnames           []ResolveHost
	extendedSessionInfo bool
	sessionRandUsed     bool
	updated             bool

	cache atomic.Pointer[ResolveCache]
}

func (r *rpd) resolveCache() ResolveCache {
	if c := r.cache.Load(); c != nil {
		return *c
	}
	return nil
}

// Engine classifies sessions to routes and servers to destination classes
// based on a compiled guidelines document. A running snapshot is
// immutable; updates swap in a new snapshot under the write lock.
type Engine struct {
	mu         sync.RWMutex
	rpd        *rpd
	defaultDoc string
}

// New compiles a guidelines document into an engine. All encountered
// errors are reported together as a *ParseError.
func New(document string) (*Engine, error) {
	compiled, err := parseDocument(document)
	if err != nil {
		return nil, err
	}
	return &Engine{rpd: compiled}, nil
}

func (e *Engine) snapshot() *rpd {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rpd
}

// Name returns the document name of the active snapshot.
func (e *Engine) Name() string { return e.snapshot().name }

// Version returns the document version of the active snapshot.
func (e *Engine) Version() Version { return e.snapshot().version }

// Document returns the document text of the active snapshot.
func (e *Engine) Document() string { return e.snapshot().document }

// DestinationClasses returns the destination class names defined by the
// active snapshot, in declaration order.
func (e *Engine) DestinationClasses() []string { return e.snapshot().destNames }

// Routes returns the routes of the active snapshot.
func (e *Engine) Routes() []*Route { return e.snapshot().routes }

// HostnamesToResolve lists the hostnames used by RESOLVE_V4/V6 calls of
// the active snapshot.
func (e *Engine) HostnamesToResolve() []ResolveHost { return e.snapshot().hostnames }

// ExtendedSessionInfoInUse reports whether the active snapshot references
// session info that requires traffic inspection (user, schema, connect
// attributes).
func (e *Engine) ExtendedSessionInfoInUse() bool { return e.snapshot().extendedSessionInfo }

// SessionRandUsed reports whether the active snapshot references
// $.session.randomValue.
func (e *Engine) SessionRandUsed() bool { return e.snapshot().sessionRandUsed }

// Updated reports whether a user-provided guideline replaced the
// auto-generated one.
func (e *Engine) Updated() bool { return e.snapshot().updated }

// SetDefaultDocument remembers the auto-generated document restored by
// RestoreDefault.
func (e *Engine) SetDefaultDocument(doc string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultDoc = doc
}

// UpdateResolveCache installs a new resolve-cache snapshot. Safe to call
// from a different goroutine than the ones classifying.
func (e *Engine) UpdateResolveCache(cache ResolveCache) {
	e.snapshot().cache.Store(&cache)
}

// Update replaces the active snapshot with the one compiled into other and
// returns the routes whose behavior changed. The previous snapshot stays
// intact on compile failure (compilation already happened in New).
func (e *Engine) Update(other *Engine, providedByUser bool) RouteChanges {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRpd := other.snapshot()
	changes := e.rpd.compare(newRpd)
	e.rpd = newRpd
	e.rpd.updated = providedByUser

	if !providedByUser {
		// do not report back the name of the default guideline
		changes.GuidelineName = ""
	}
	return changes
}

// RestoreDefault re-loads the originally captured auto-generated document.
func (e *Engine) RestoreDefault() (RouteChanges, error) {
	e.mu.RLock()
	doc := e.defaultDoc
	e.mu.RUnlock()

	restored, err := New(doc)
	if err != nil {
		return RouteChanges{}, err
	}
	return e.Update(restored, false), nil
}

// compare computes the routes affected by switching from r to newRpd: a
// route is affected when a destination class it references changed or
// disappeared, or when its own match, groups, enabled flag or sharing
// setting changed.
func (r *rpd) compare(newRpd *rpd) RouteChanges {
	changes := RouteChanges{GuidelineName: newRpd.name}

	var updatedClasses []string
	for i, name := range r.destNames {
		found := false
		for j, otherName := range newRpd.destNames {
			if name == otherName {
				found = true
				if !r.destRules[i].Equal(newRpd.destRules[j]) {
					updatedClasses = append(updatedClasses, name)
				}
				break
			}
		}
		if !found {
			updatedClasses = append(updatedClasses, name)
		}
	}

	classUpdated := func(name string) bool {
		for _, c := range updatedClasses {
			if c == name {
				return true
			}
		}
		return false
	}

	for _, oldRoute := range r.routes {
		destsChanged := false
		for _, group := range oldRoute.DestinationGroups {
			for _, class := range group.Classes {
				if classUpdated(class) {
					changes.AffectedRoutes = append(changes.AffectedRoutes, oldRoute.Name)
					destsChanged = true
				}
			}
		}
		if destsChanged {
			continue
		}

		found := false
		for _, newRoute := range newRpd.routes {
			if oldRoute.Name != newRoute.Name {
				continue
			}
			if oldRoute.Match.Equal(newRoute.Match) &&
				groupsEqual(oldRoute.DestinationGroups, newRoute.DestinationGroups) &&
				oldRoute.Enabled == newRoute.Enabled &&
				optBoolEqual(oldRoute.ConnectionSharingAllowed, newRoute.ConnectionSharingAllowed) {
				found = true
				break
			}
		}
		if !found {
			changes.AffectedRoutes = append(changes.AffectedRoutes, oldRoute.Name)
		}
	}
	return changes
}

func groupsEqual(a, b []DestinationGroup) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

func optBoolEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ClassifySession computes the route of a session: the first enabled route
// whose match evaluates to true wins. Evaluation errors are collected and
// the failing route is skipped.
func (e *Engine) ClassifySession(session *SessionInfo, router *RouterInfo, sql *SqlInfo) RouteClassification {
	snap := e.snapshot()
	cache := snap.resolveCache()

	var ctx Context
	ctx.SetSessionInfo(session)
	ctx.SetRouterInfo(router)
	if sql != nil {
		ctx.SetSqlInfo(sql)
	}

	var ret RouteClassification
	for _, route := range snap.routes {
		if !route.Enabled {
			continue
		}
		res, err := route.Match.Eval(&ctx, cache, false)
		if err != nil {
			ret.Errors = append(ret.Errors, "route."+route.Name+": "+err.Error())
			continue
		}
		matched, err := res.getBool("")
		if err != nil {
			ret.Errors = append(ret.Errors, "route."+route.Name+": "+err.Error())
			continue
		}
		if matched {
			ret.RouteName = route.Name
			ret.DestinationGroups = route.DestinationGroups
			ret.ConnectionSharingAllowed = route.ConnectionSharingAllowed
			break
		}
	}
	return ret
}

// ClassifyServer computes every destination class a server belongs to, in
// declaration order.
func (e *Engine) ClassifyServer(server *ServerInfo, router *RouterInfo) DestinationClassification {
	snap := e.snapshot()
	cache := snap.resolveCache()

	var ctx Context
	ctx.SetServerInfo(server)
	ctx.SetRouterInfo(router)

	var ret DestinationClassification
	for i, rule := range snap.destRules {
		res, err := rule.Eval(&ctx, cache, false)
		if err != nil {
			ret.Errors = append(ret.Errors, "destinations."+snap.destNames[i]+": "+err.Error())
			continue
		}
		matched, err := res.getBool("")
		if err != nil {
			ret.Errors = append(ret.Errors, "destinations."+snap.destNames[i]+": "+err.Error())
			continue
		}
		if matched {
			ret.ClassNames = append(ret.ClassNames, snap.destNames[i])
		}
	}
	return ret
}

// Schema returns the JSON schema describing guideline documents, with the
// allowed keyword, function and variable identifiers filled in.
func Schema() string {
	marshal := func(v []string) string {
		out, _ := json.Marshal(v)
		return string(out)
	}
	return fmt.Sprintf(schemaTemplate,
		marshal(KeywordNames()), marshal(FunctionNames()), marshal(VariableNames()))
}

// ValidateDocument checks a guideline document without building an engine.
func ValidateDocument(document string) error {
	_, err := parseDocument(document)
	return err
}

// ValidateDestination checks a single destinations entry.
func ValidateDestination(entry string) error {
	if !gjson.Valid(entry) || !gjson.Parse(entry).IsObject() {
		return fmt.Errorf("destination needs to be specified as a JSON document")
	}
	dp := newDocParser()
	name, match := dp.parseDestEntry(gjson.Parse(entry))
	_, _ = name, match
	if len(dp.errs) > 0 {
		return &ParseError{Errors: dp.errs}
	}
	return nil
}

// ValidateRoute checks a single routes entry.
func ValidateRoute(entry string) error {
	if !gjson.Valid(entry) || !gjson.Parse(entry).IsObject() {
		return fmt.Errorf("route needs to be specified as a JSON document")
	}
	dp := newDocParser()
	dp.parseRoute(gjson.Parse(entry))
	if len(dp.errs) > 0 {
		return &ParseError{Errors: dp.errs}
	}
	return nil
}
