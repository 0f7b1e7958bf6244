package pool

// Capability flags of the MySQL classic protocol handshake.
type Capabilities uint32

const (
	CapLongPassword Capabilities = 1 << iota
	CapFoundRows
	CapLongFlag
	CapConnectWithDB
	CapNoSchema
	CapCompress
	CapODBC
	CapLocalFiles
	CapIgnoreSpace
	CapProtocol41
	CapInteractive
	CapSSL
	CapIgnoreSigpipe
	CapTransactions
	CapReserved
	CapSecureConnection
	CapMultiStatements
	CapMultiResults
	CapPSMultiResults
	CapPluginAuth
	CapConnectAttrs
	CapPluginAuthLenencData
	CapCanHandleExpiredPasswords
	CapSessionTrack
	CapTextResultWithSessionTracking
	CapOptionalResultsetMetadata
	CapCompressZstd
	CapQueryAttributes
)

// perConnectionCaps are negotiated per connection (or recoverable via
// set_server_option) and are masked off before comparing a client's
// capabilities with a pooled connection's.
const perConnectionCaps = CapSSL |
	CapQueryAttributes |
	CapCompress |
	CapCompressZstd |
	CapSessionTrack |
	CapTextResultWithSessionTracking |
	CapMultiStatements

// Shareable returns the capability set with the per-connection bits
// masked off.
func (c Capabilities) Shareable() Capabilities {
	return c &^ perConnectionCaps
}

func (c Capabilities) Has(flag Capabilities) bool { return c&flag != 0 }

// TransportConstraint is the transport requirement a pooled connection
// must satisfy to serve a client.
type TransportConstraint int

const (
	// ConstraintPlaintext requires the pooled side to have no TLS.
	ConstraintPlaintext TransportConstraint = iota
	// ConstraintSecure requires the pooled side's secure-transport flag
	// (TLS or a unix socket).
	ConstraintSecure
	// ConstraintEncrypted requires TLS.
	ConstraintEncrypted
	// ConstraintHasClientCert requires TLS with a client certificate on
	// the pooled side.
	ConstraintHasClientCert
)

func (t TransportConstraint) String() string {
	switch t {
	case ConstraintPlaintext:
		return "plaintext"
	case ConstraintSecure:
		return "secure"
	case ConstraintEncrypted:
		return "encrypted"
	case ConstraintHasClientCert:
		return "has-client-cert"
	}
	return "unknown"
}

// Matcher builds the predicate used by PopIf/UnstashIf: capability match
// after masking, then the transport constraint.
func Matcher(clientCaps Capabilities, constraint TransportConstraint) func(*ServerConn) bool {
	want := clientCaps.Shareable()
	return func(conn *ServerConn) bool {
		if conn.Capabilities().Shareable() != want {
			return false
		}
		switch constraint {
		case ConstraintHasClientCert:
			return conn.HasTLS() && conn.HasClientCert()
		case ConstraintEncrypted:
			return conn.HasTLS()
		case ConstraintSecure:
			return conn.IsSecureTransport()
		case ConstraintPlaintext:
			return !conn.HasTLS()
		}
		return false
	}
}
