package guidelines

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a routing guidelines document version.
type Version struct {
	Major uint32
	Minor uint32
}

// BaseVersion is the first published guidelines document version.
var BaseVersion = Version{Major: 1, Minor: 0}

// SupportedVersions lists the document versions this engine understands,
// oldest first.
var SupportedVersions = []Version{BaseVersion}

// SupportedVersion returns the newest version this engine understands.
func SupportedVersion() Version {
	return SupportedVersions[len(SupportedVersions)-1]
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less orders versions by major then minor.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// ParseVersion parses a "<major>.<minor>" version string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Version{}, fmt.Errorf(
			"invalid routing guidelines version format, expected <major>.<minor> got %s", s)
	}
	nums := make([]uint32, 2)
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf(
				"invalid routing guidelines version format, expected <major>.<minor> got %s", s)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1]}, nil
}

// VersionCompatible reports whether a document of the available version
// can be handled by an engine supporting the given version. A document is
// compatible when it is not newer than the supported version and at most
// one major version behind.
func VersionCompatible(supported, available Version) bool {
	if supported.Less(available) {
		return false
	}
	return supported.Major-available.Major <= 1
}
