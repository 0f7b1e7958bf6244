package proxy

import (
	"log/slog"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/destination"
	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metadata"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/trace"
)

// Session is one client connection routed to a backend.
type Session struct {
	id     uint64
	logger *slog.Logger
	tracer *trace.Tracer

	routeCtx *destination.RoutingContext
	manager  destination.Manager
	pool     *pool.ConnectionPool

	clientConn net.Conn
	info       guidelines.SessionInfo

	// greeting state, filled once the client's handshake response is
	// seen
	greetingReceived   bool
	clientCaps         pool.Capabilities
	expectedConstraint pool.TransportConstraint

	serverConn *pool.ServerConn

	// committed destination of the current/last connect
	destinationID *endpoint.Endpoint
	// sticky reconnect targets per server mode
	readWriteDestinationID *endpoint.Endpoint
	readOnlyDestinationID  *endpoint.Endpoint

	currentServerMode  metadata.ServerMode
	expectedServerMode metadata.ServerMode

	// effective sharing preference of the current destination's route
	sharingAllowed bool

	// set while a transient connect error (like max-connect-errors) is
	// being recovered from; makes the pipeline reuse the last
	// destination and ignore the stash sharing delay
	transientConnectError bool

	disconnectRequest atomic.Bool

	connectErr error

	dest *destination.Destination

	// pumpDone is closed when the server-to-client pump goroutine exits.
	pumpDone chan struct{}

	onClose func(*Session)
}

// NewSession builds a session for an accepted client connection.
func NewSession(id uint64, clientConn net.Conn, routeCtx *destination.RoutingContext,
	manager destination.Manager, connPool *pool.ConnectionPool, logger *slog.Logger) *Session {

	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		id:         id,
		logger:     logger,
		tracer:     trace.New(),
		routeCtx:   routeCtx,
		manager:    manager,
		pool:       connPool,
		clientConn: clientConn,
	}
	s.info.ID = id

	if clientConn != nil {
		if local := clientConn.LocalAddr(); local != nil {
			if host, port, err := splitAddr(local.String()); err == nil {
				s.info.TargetIP = host
				s.info.TargetPort = port
			}
		}
		if remote := clientConn.RemoteAddr(); remote != nil {
			if host, _, err := splitAddr(remote.String()); err == nil {
				s.info.SourceIP = host
			}
		}
	}
	return s
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port, nil
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// Tracer returns the session's span recorder.
func (s *Session) Tracer() *trace.Tracer { return s.tracer }

// SessionInfo returns the classification attributes of the session.
func (s *Session) SessionInfo() *guidelines.SessionInfo { return &s.info }

// SetRoutingGuidelinesSessionRand generates the per-session random value;
// only done when the active guideline references it.
func (s *Session) SetRoutingGuidelinesSessionRand() {
	s.info.RandomValue = rand.Float64()
}

// SetClientGreeting records the parsed client handshake response.
func (s *Session) SetClientGreeting(greeting *clientGreeting, constraint pool.TransportConstraint) {
	s.greetingReceived = true
	s.clientCaps = greeting.capabilities
	s.expectedConstraint = constraint
	s.info.User = greeting.username
	s.info.Schema = greeting.schema
	s.info.ConnectAttrs = greeting.connectAttrs
}

// RequestDisconnect asks the pipeline to abort before committing a new
// server connection.
func (s *Session) RequestDisconnect() { s.disconnectRequest.Store(true) }

// DisconnectRequested reports whether a disconnect was requested.
func (s *Session) DisconnectRequested() bool { return s.disconnectRequest.Load() }

// ServerConn returns the committed server-side connection.
func (s *Session) ServerConn() *pool.ServerConn { return s.serverConn }

// Destination returns the destination of the committed connection.
func (s *Session) Destination() *destination.Destination { return s.dest }

// DestinationID returns the endpoint of the committed connection.
func (s *Session) DestinationID() *endpoint.Endpoint { return s.destinationID }

// stickyDestinationID returns the endpoint a reconnect must hit for the
// current server mode, if any.
func (s *Session) stickyDestinationID() *endpoint.Endpoint {
	if s.currentServerMode == metadata.ModeReadOnly {
		return s.readOnlyDestinationID
	}
	return s.readWriteDestinationID
}

// rememberDestination records the committed endpoint for sticky
// reconnects.
func (s *Session) rememberDestination(ep endpoint.Endpoint, mode metadata.ServerMode) {
	epCopy := ep
	s.destinationID = &epCopy
	switch mode {
	case metadata.ModeReadOnly:
		s.readOnlyDestinationID = &epCopy
	case metadata.ModeReadWrite:
		s.readWriteDestinationID = &epCopy
	}
}

// closeServerConn closes any half-open server side.
func (s *Session) closeServerConn() {
	if s.serverConn != nil {
		s.serverConn.Close()
		s.serverConn = nil
	}
}

// StashServerConn publishes the server side for sharing; called when the
// client goes idle with sharing enabled.
func (s *Session) StashServerConn(delay time.Duration) {
	if s.serverConn == nil {
		return
	}
	s.pool.Stash(s.serverConn, s, delay)
	s.serverConn = nil
}

// startServerPump forwards backend bytes to the client until the server
// side is detached for stashing or either side fails.
func (s *Session) startServerPump() {
	conn := s.serverConn
	if conn == nil || s.clientConn == nil {
		return
	}
	done := make(chan struct{})
	s.pumpDone = done

	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Conn().Read(buf)
			if n > 0 {
				if _, werr := s.clientConn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					// woken for detach
					return
				}
				// the backend went away; unblock the client read
				s.clientConn.Close()
				return
			}
		}
	}()
}

// detachServerPump wakes the pump with a read deadline and waits for it to
// exit, so a stashed connection has no reader racing its next owner.
func (s *Session) detachServerPump() {
	if s.pumpDone == nil {
		return
	}
	if s.serverConn != nil {
		s.serverConn.Conn().SetReadDeadline(time.Now())
	}
	<-s.pumpDone
	if s.serverConn != nil {
		s.serverConn.Conn().SetReadDeadline(time.Time{})
	}
	s.pumpDone = nil
}

// ReleaseToPool returns the server side to the unowned pool on teardown.
func (s *Session) ReleaseToPool() {
	if s.serverConn == nil {
		return
	}
	s.pool.Add(s.serverConn)
	s.serverConn = nil
}

// Close tears the session down: stashed connections are discarded back
// into the pool, the committed server side is returned for reuse, the
// client side is closed.
func (s *Session) Close() {
	s.pool.DiscardAllStashed(s)
	if s.serverConn != nil {
		// only a quiesced, sharable server side is worth keeping
		if s.sharingAllowed && s.serverConn.IsAlive() {
			s.ReleaseToPool()
		} else {
			s.closeServerConn()
		}
	}
	if s.clientConn != nil {
		s.clientConn.Close()
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}
