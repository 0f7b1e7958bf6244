package guidelines

import (
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

// AdapterRoute is the subset of a route's configuration the default
// guideline is generated from.
type AdapterRoute struct {
	Name string
	// Role is PRIMARY, SECONDARY or PRIMARY_AND_SECONDARY.
	Role string
	// Strategy is round-robin or first-available.
	Strategy string
	// BindAddress is the configured bind address; wildcard addresses do
	// not constrain the route match.
	BindAddress string
	BindPort    uint16
	// Socket routes match on the route name instead of the target port.
	Socket bool
}

const defaultGuidelineName = "generated_routing_guidelines"

// GenerateFromConfig builds the auto-generated guidelines document from
// plain route configuration. Each route gets one destination class
// matching its role and one route entry matching its listener.
func GenerateFromConfig(routes []AdapterRoute) (string, error) {
	doc := "{}"
	var err error

	set := func(path string, value any) {
		if err != nil {
			return
		}
		doc, err = sjson.Set(doc, path, value)
	}

	set("name", defaultGuidelineName)
	set("version", BaseVersion.String())

	for i, route := range routes {
		if route.Name == "" {
			return "", fmt.Errorf("route at index %d has no name", i)
		}
		destMatch, merr := destinationMatch(route.Role)
		if merr != nil {
			return "", merr
		}
		routeMatch := routeMatch(route)

		prefix := fmt.Sprintf("destinations.%d.", i)
		set(prefix+"name", route.Name)
		set(prefix+"match", destMatch)

		strategy := route.Strategy
		if strategy == "" {
			strategy = "round-robin"
		}

		prefix = fmt.Sprintf("routes.%d.", i)
		set(prefix+"name", route.Name)
		set(prefix+"match", routeMatch)
		set(prefix+"destinations.0.classes.0", route.Name)
		set(prefix+"destinations.0.strategy", strategy)
		set(prefix+"destinations.0.priority", 0)
	}

	if err != nil {
		return "", fmt.Errorf("generating default guidelines document: %w", err)
	}
	return doc, nil
}

func destinationMatch(role string) (string, error) {
	switch strings.ToUpper(role) {
	case "PRIMARY":
		return "$.server.memberRole = PRIMARY", nil
	case "SECONDARY":
		return "$.server.memberRole = SECONDARY OR $.server.memberRole = READ_REPLICA", nil
	case "PRIMARY_AND_SECONDARY":
		return "$.server.memberRole = PRIMARY OR $.server.memberRole = SECONDARY OR " +
			"$.server.memberRole = READ_REPLICA", nil
	}
	return "", fmt.Errorf("unknown role %q", role)
}

func routeMatch(route AdapterRoute) string {
	if route.Socket {
		return fmt.Sprintf("$.router.routeName = '%s'", route.Name)
	}
	var match string
	addr := route.BindAddress
	if addr != "" && addr != "0.0.0.0" && addr != "::" {
		match = fmt.Sprintf("$.session.targetIP IN ('%s') AND ", addr)
	}
	return match + fmt.Sprintf("$.session.targetPort IN (%d)", route.BindPort)
}
