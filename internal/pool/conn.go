package pool

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/endpoint"
)

// ServerConn is a server-side connection as the pool sees it: a stream, a
// small protocol state block, the TLS state (possibly absent) and the
// capability bitset seen in the server handshake.
type ServerConn struct {
	conn     net.Conn
	endpoint endpoint.Endpoint

	caps            Capabilities
	tlsState        *tls.ConnectionState
	hasClientCert   bool
	secureTransport bool

	// SeqID is the classic protocol sequence id of the next packet.
	SeqID uint8
}

// NewServerConn wraps an established connection.
func NewServerConn(conn net.Conn, ep endpoint.Endpoint, caps Capabilities) *ServerConn {
	return &ServerConn{
		conn:            conn,
		endpoint:        ep,
		caps:            caps,
		secureTransport: ep.IsLocal(),
	}
}

func (s *ServerConn) Conn() net.Conn              { return s.conn }
func (s *ServerConn) Endpoint() endpoint.Endpoint { return s.endpoint }
func (s *ServerConn) Capabilities() Capabilities  { return s.caps }

// SetCapabilities records the capability bitset once the server handshake
// was seen.
func (s *ServerConn) SetCapabilities(caps Capabilities) { s.caps = caps }

// SetTLSState records the TLS session established on the connection and
// whether a client certificate was presented to the server.
func (s *ServerConn) SetTLSState(state *tls.ConnectionState, hasClientCert bool) {
	s.tlsState = state
	s.hasClientCert = hasClientCert
	if state != nil {
		s.secureTransport = true
	}
}

func (s *ServerConn) HasTLS() bool            { return s.tlsState != nil }
func (s *ServerConn) HasClientCert() bool     { return s.hasClientCert }
func (s *ServerConn) IsSecureTransport() bool { return s.secureTransport }

// Close closes the underlying stream.
func (s *ServerConn) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// IsAlive probes the connection with a near-zero-timeout read. Pending
// data or EOF both mean the server side is unusable for reuse (an idle
// server only sends a shutdown notice before closing).
func (s *ServerConn) IsAlive() bool {
	s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 1)
	_, err := s.conn.Read(buf)
	s.conn.SetReadDeadline(time.Time{})
	if err == nil {
		return false
	}
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// sendQuit writes a COM_QUIT packet; best effort, used before pooled
// connections are closed for good.
func (s *ServerConn) sendQuit() error {
	pkt := []byte{0x01, 0x00, 0x00, 0x00, 0x01}
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := s.conn.Write(pkt)
	s.conn.SetWriteDeadline(time.Time{})
	return err
}

// PooledConn wraps an idle server connection held by the pool. An idle
// timer and a read watcher supervise it; whichever of idle-timeout,
// peer-close, take-from-pool or explicit close wins the race performs the
// removal exactly once via the mutex-guarded remover.
type PooledConn struct {
	mu          sync.Mutex
	conn        *ServerConn
	remover     func(*PooledConn)
	idleTimer   *time.Timer
	released    bool
	watcherDone chan struct{}
}

func newPooledConn(conn *ServerConn) *PooledConn {
	return &PooledConn{conn: conn}
}

// Conn exposes the wrapped server connection.
func (pc *PooledConn) Conn() *ServerConn { return pc.conn }

// setRemover installs the remove-from-pool callback.
func (pc *PooledConn) setRemover(remover func(*PooledConn)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.remover = remover
}

// takeRemover swaps the remover to nil under the lock, enforcing the
// at-most-once discipline across the timer, watcher and take paths.
func (pc *PooledConn) takeRemover() func(*PooledConn) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	remover := pc.remover
	pc.remover = nil
	return remover
}

// arm starts the idle timer and the read watcher.
func (pc *PooledConn) arm(idleTimeout time.Duration) {
	pc.mu.Lock()
	if pc.released {
		// taken between insertion and arming
		pc.mu.Unlock()
		return
	}
	pc.idleTimer = time.AfterFunc(idleTimeout, pc.onIdleTimeout)
	pc.watcherDone = make(chan struct{})
	pc.mu.Unlock()

	go pc.watchRead()
}

func (pc *PooledConn) onIdleTimeout() {
	remover := pc.takeRemover()
	if remover == nil {
		return
	}
	pc.mu.Lock()
	pc.released = true
	pc.mu.Unlock()

	// closing wakes the read watcher
	pc.conn.Close()
	remover(pc)
}

// watchRead waits for bytes from the idle server. Data is discarded (the
// connection is still alive), EOF or an error removes the connection.
// Releasing the connection wakes the watcher via a read deadline.
func (pc *PooledConn) watchRead() {
	defer close(pc.watcherDone)
	buf := make([]byte, 4096)
	for {
		_, err := pc.conn.Conn().Read(buf)

		pc.mu.Lock()
		released := pc.released
		pc.mu.Unlock()
		if released {
			return
		}

		if err == nil {
			// discard whatever the server sent and keep watching
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// woken by a deadline; clear it and check the released flag
			// again on the next read
			pc.conn.Conn().SetReadDeadline(time.Time{})
			continue
		}

		// peer closed or the connection failed
		remover := pc.takeRemover()
		if remover == nil {
			return
		}
		pc.mu.Lock()
		pc.released = true
		if pc.idleTimer != nil {
			pc.idleTimer.Stop()
		}
		pc.mu.Unlock()

		pc.conn.Close()
		remover(pc)
		return
	}
}

// release detaches the connection from its watchers and hands it to the
// caller. Returns nil when another completion already removed it.
func (pc *PooledConn) release() *ServerConn {
	if pc.takeRemover() == nil {
		// the remover was already consumed by the timer or the watcher
		return nil
	}

	pc.mu.Lock()
	pc.released = true
	if pc.idleTimer != nil {
		pc.idleTimer.Stop()
	}
	pc.mu.Unlock()

	// wake a blocked read watcher and wait for it to exit so it cannot
	// swallow bytes meant for the new owner
	pc.conn.Conn().SetReadDeadline(time.Now())
	if pc.watcherDone != nil {
		<-pc.watcherDone
	}
	pc.conn.Conn().SetReadDeadline(time.Time{})

	return pc.conn
}

// releaseStashed hands out a stashed connection; stashed entries carry no
// watchers, so there is nothing to cancel.
func (pc *PooledConn) releaseStashed() *ServerConn {
	pc.mu.Lock()
	pc.released = true
	pc.remover = nil
	pc.mu.Unlock()
	return pc.conn
}
