package endpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// ServerRole selects which members of a cluster a metadata-driven route
// may use.
type ServerRole int

const (
	RolePrimary ServerRole = iota
	RoleSecondary
	RolePrimaryAndSecondary
)

func (r ServerRole) String() string {
	switch r {
	case RolePrimary:
		return "PRIMARY"
	case RoleSecondary:
		return "SECONDARY"
	case RolePrimaryAndSecondary:
		return "PRIMARY_AND_SECONDARY"
	}
	return "UNKNOWN"
}

// MetadataURI is the parsed form of a metadata-cache destination URI:
//
//	metadata-cache://<cache-name>/<cluster>?role=PRIMARY[&...]
type MetadataURI struct {
	CacheName string
	Cluster   string
	Role      ServerRole

	DisconnectOnPromotedToPrimary bool
	DisconnectOnMetadataUnavail   bool
}

const metadataScheme = "metadata-cache"

// IsMetadataURI reports whether dest uses the metadata-cache scheme.
func IsMetadataURI(dest string) bool {
	return strings.HasPrefix(dest, metadataScheme+":")
}

var supportedURIParams = []string{
	"role",
	"disconnect_on_promoted_to_primary",
	"disconnect_on_metadata_unavailable",
}

// ParseMetadataURI parses and validates a metadata-cache destination URI.
func ParseMetadataURI(dest string) (MetadataURI, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return MetadataURI{}, fmt.Errorf("parsing destination URI: %w", err)
	}
	if u.Scheme != metadataScheme {
		return MetadataURI{}, fmt.Errorf("unsupported scheme %q, expected %q", u.Scheme, metadataScheme)
	}

	out := MetadataURI{
		CacheName: u.Host,
		Cluster:   strings.Trim(u.Path, "/"),
	}

	query := u.Query()
	if _, ok := query["allow_primary_reads"]; ok {
		return MetadataURI{}, fmt.Errorf(
			"allow_primary_reads is no longer supported, use role=PRIMARY_AND_SECONDARY instead")
	}
	for key := range query {
		supported := false
		for _, p := range supportedURIParams {
			if key == p {
				supported = true
				break
			}
		}
		if !supported {
			return MetadataURI{}, fmt.Errorf("unsupported %q parameter in URI: %q", metadataScheme, key)
		}
	}

	roleStr := query.Get("role")
	switch strings.ToUpper(roleStr) {
	case "PRIMARY":
		out.Role = RolePrimary
	case "SECONDARY":
		out.Role = RoleSecondary
	case "PRIMARY_AND_SECONDARY":
		out.Role = RolePrimaryAndSecondary
	default:
		return MetadataURI{}, fmt.Errorf(
			"the role in '?role=%s' does not contain one of the valid role names: PRIMARY, SECONDARY, PRIMARY_AND_SECONDARY",
			roleStr)
	}

	yesNo := func(name string, allowed func() error) (bool, error) {
		if !query.Has(name) {
			return false, nil
		}
		if err := allowed(); err != nil {
			return false, err
		}
		switch strings.ToLower(query.Get(name)) {
		case "yes":
			return true, nil
		case "no":
			return false, nil
		}
		return false, fmt.Errorf("invalid value for option %q, allowed are 'yes' and 'no'", name)
	}

	out.DisconnectOnPromotedToPrimary, err = yesNo(
		"disconnect_on_promoted_to_primary", func() error {
			if out.Role != RoleSecondary {
				return fmt.Errorf("option 'disconnect_on_promoted_to_primary' is valid only for role=SECONDARY")
			}
			return nil
		})
	if err != nil {
		return MetadataURI{}, err
	}

	out.DisconnectOnMetadataUnavail, err = yesNo(
		"disconnect_on_metadata_unavailable", func() error { return nil })
	if err != nil {
		return MetadataURI{}, err
	}

	return out, nil
}
