package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "db1:3306", TCP("db1", 3306).String())
	assert.Equal(t, "[fe80::1]:3306", TCP("fe80::1", 3306).String())
	assert.Equal(t, "/tmp/mysql.sock", Local("/tmp/mysql.sock").String())

	assert.Equal(t, "tcp", TCP("db1", 3306).Network())
	assert.Equal(t, "unix", Local("/tmp/mysql.sock").Network())
	assert.True(t, Local("/tmp/mysql.sock").IsLocal())
	assert.True(t, TCP("db1", 3306).IsTCP())
}

func TestParseStaticList(t *testing.T) {
	eps, err := ParseStaticList("db1:3307, db2, local:/tmp/mysql.sock", 3306)
	require.NoError(t, err)
	require.Len(t, eps, 3)

	assert.Equal(t, TCP("db1", 3307), eps[0])
	assert.Equal(t, TCP("db2", 3306), eps[1])
	assert.Equal(t, Local("/tmp/mysql.sock"), eps[2])
}

func TestParseStaticEntries(t *testing.T) {
	ep, err := ParseStatic("[fe80::1]:3310", 3306)
	require.NoError(t, err)
	assert.Equal(t, TCP("fe80::1", 3310), ep)

	ep, err = ParseStatic("[fe80::1]", 3306)
	require.NoError(t, err)
	assert.Equal(t, TCP("fe80::1", 3306), ep)

	_, err = ParseStatic("local:", 3306)
	require.Error(t, err)

	_, err = ParseStatic("db1:notaport", 3306)
	require.Error(t, err)

	_, err = ParseStatic(":3306", 3306)
	require.Error(t, err)
}

func TestParseStaticListEmpty(t *testing.T) {
	_, err := ParseStaticList("", 3306)
	require.Error(t, err)

	_, err = ParseStaticList(" , ,", 3306)
	require.Error(t, err)
}

func TestParseMetadataURI(t *testing.T) {
	uri, err := ParseMetadataURI("metadata-cache://mycache/mycluster?role=PRIMARY")
	require.NoError(t, err)
	assert.Equal(t, "mycache", uri.CacheName)
	assert.Equal(t, "mycluster", uri.Cluster)
	assert.Equal(t, RolePrimary, uri.Role)
	assert.False(t, uri.DisconnectOnPromotedToPrimary)
	assert.False(t, uri.DisconnectOnMetadataUnavail)

	uri, err = ParseMetadataURI(
		"metadata-cache://c/cl?role=SECONDARY&disconnect_on_promoted_to_primary=yes&disconnect_on_metadata_unavailable=yes")
	require.NoError(t, err)
	assert.Equal(t, RoleSecondary, uri.Role)
	assert.True(t, uri.DisconnectOnPromotedToPrimary)
	assert.True(t, uri.DisconnectOnMetadataUnavail)

	uri, err = ParseMetadataURI("metadata-cache://c/cl?role=primary_and_secondary")
	require.NoError(t, err)
	assert.Equal(t, RolePrimaryAndSecondary, uri.Role)
}

func TestParseMetadataURIErrors(t *testing.T) {
	_, err := ParseMetadataURI("metadata-cache://c/cl?role=OBSERVER")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid role names")

	_, err = ParseMetadataURI("metadata-cache://c/cl")
	require.Error(t, err)

	_, err = ParseMetadataURI("metadata-cache://c/cl?role=PRIMARY&allow_primary_reads=yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow_primary_reads is no longer supported")

	_, err = ParseMetadataURI("metadata-cache://c/cl?role=PRIMARY&surprise=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported "metadata-cache" parameter`)

	// disconnect_on_promoted_to_primary is only valid for SECONDARY
	_, err = ParseMetadataURI("metadata-cache://c/cl?role=PRIMARY&disconnect_on_promoted_to_primary=yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role=SECONDARY")

	_, err = ParseMetadataURI("metadata-cache://c/cl?role=SECONDARY&disconnect_on_promoted_to_primary=maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'yes' and 'no'")

	_, err = ParseMetadataURI("mysql://c/cl?role=PRIMARY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestIsMetadataURI(t *testing.T) {
	assert.True(t, IsMetadataURI("metadata-cache://c/cl?role=PRIMARY"))
	assert.False(t, IsMetadataURI("db1:3306,db2:3306"))
	assert.False(t, IsMetadataURI("local:/tmp/mysql.sock"))
}
