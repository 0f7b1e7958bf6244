package guidelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.0")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 1, Minor: 0}, v)

	v, err = ParseVersion("12.34")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 12, Minor: 34}, v)
	assert.Equal(t, "12.34", v.String())

	for _, bad := range []string{"", "1", "1.2.3", "a.b", "-1.0", "1.-2"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestVersionCompatible(t *testing.T) {
	v := func(major, minor uint32) Version { return Version{Major: major, Minor: minor} }

	// a document must not be newer than the supported version and at most
	// one major version behind
	assert.True(t, VersionCompatible(v(1, 0), v(1, 0)))
	assert.True(t, VersionCompatible(v(1, 1), v(1, 0)))
	assert.True(t, VersionCompatible(v(2, 0), v(1, 5)))
	assert.False(t, VersionCompatible(v(1, 0), v(1, 1)))
	assert.False(t, VersionCompatible(v(1, 0), v(2, 0)))
	assert.False(t, VersionCompatible(v(3, 0), v(1, 0)))
}

func TestVersionLess(t *testing.T) {
	assert.True(t, Version{1, 0}.Less(Version{1, 1}))
	assert.True(t, Version{1, 9}.Less(Version{2, 0}))
	assert.False(t, Version{2, 0}.Less(Version{1, 9}))
	assert.False(t, Version{1, 1}.Less(Version{1, 1}))
}
