package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/destination"
	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/metadata"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/trace"
)

// connectStage enumerates the pipeline states.
type connectStage int

const (
	stageInitDestination connectStage = iota
	stageResolve
	stageInitEndpoint
	stageInitConnect
	stageFromPool
	stageConnect
	stageConnectFinish
	stageNextEndpoint
	stageNextDestination
	stageConnected
	stageError
	stageDone
)

// stepResult is what one state transition yields.
type stepResult int

const (
	resultAgain stepResult = iota
	resultDone
)

// ErrCanceled reports that the session asked to disconnect mid-connect.
var ErrCanceled = destination.ErrCanceled

// connectError is one recorded per-destination failure.
type connectError struct {
	what string
	err  error
}

// Connector drives the connect pipeline for one session: pick a
// destination, resolve it, try the pool, connect, commit. States run as a
// deterministic loop; blocking I/O (resolve, dial) are the suspension
// points.
type Connector struct {
	sess *Session

	stage connectStage

	dest      *destination.Destination
	endpoints []endpoint.Endpoint
	epIdx     int

	connectErrors []connectError
	destErr       error

	allQuarantined bool

	dialed      net.Conn
	dialErr     error
	dialStarted time.Time

	spanConnect  *trace.Span
	spanFromPool *trace.Span
	spanSocket   *trace.Span
}

// NewConnector builds a pipeline for the session.
func NewConnector(sess *Session) *Connector {
	return &Connector{sess: sess, stage: stageInitDestination}
}

// Run drives the state machine until done. On success the session's
// server connection is committed; on failure the concatenated diagnostic
// is logged and the session's connect error is set.
func (c *Connector) Run() error {
	for {
		result := c.process()
		if result == resultDone {
			return c.sess.connectErr
		}
	}
}

func (c *Connector) process() stepResult {
	if c.sess.DisconnectRequested() && c.stage != stageError && c.stage != stageDone {
		c.sess.connectErr = ErrCanceled
		c.sess.closeServerConn()
		c.stage = stageDone
		return resultDone
	}

	switch c.stage {
	case stageInitDestination:
		return c.initDestination()
	case stageResolve:
		return c.resolve()
	case stageInitEndpoint:
		return c.initEndpoint()
	case stageInitConnect:
		return c.initConnect()
	case stageFromPool:
		return c.fromPool()
	case stageConnect:
		return c.connect()
	case stageConnectFinish:
		return c.connectFinish()
	case stageNextEndpoint:
		return c.nextEndpoint()
	case stageNextDestination:
		return c.nextDestination()
	case stageConnected:
		return c.connected()
	case stageError:
		return c.error()
	case stageDone:
		return resultDone
	}
	return resultDone
}

// skipDestination filters candidates that do not match the wanted server
// mode under access-mode=auto.
func (c *Connector) skipDestination(dest *destination.Destination) bool {
	if c.sess.routeCtx.AccessMode != destination.AccessModeAuto {
		return false
	}
	sessMode := c.sess.currentServerMode
	destMode := dest.ServerMode()
	return (sessMode == metadata.ModeReadOnly && destMode == metadata.ModeReadWrite) ||
		(sessMode == metadata.ModeReadWrite && destMode == metadata.ModeReadOnly)
}

func (c *Connector) isDestinationGood(ep endpoint.Endpoint) bool {
	if c.sess.routeCtx.Quarantine.IsQuarantined(ep) {
		c.sess.logger.Debug("skip quarantined destination",
			"route", c.sess.routeCtx.Name, "destination", ep.String())
		return false
	}
	return true
}

func (c *Connector) initDestination() stepResult {
	c.sess.tracer.Event("connect::init_destination")

	c.spanConnect = c.sess.tracer.Span(nil, "mysql/from_pool_or_connect")

	manager := c.sess.manager
	managerStarted := true

	if !c.sess.transientConnectError {
		if manager.SessionRandUsed() {
			c.sess.SetRoutingGuidelinesSessionRand()
		}
		if err := manager.InitDestinations(c.sess.SessionInfo()); err != nil {
			managerStarted = false
		} else {
			c.dest = manager.GetNextDestination(c.sess.SessionInfo())
		}
	} else {
		c.dest = manager.GetLastUsedDestination()
	}

	if !managerStarted || c.dest == nil || c.dest.Endpoint.String() == "" {
		if len(c.connectErrors) == 0 {
			c.sess.logger.Debug("init_destination(): the destinations list is empty",
				"route", c.sess.routeCtx.Name)
			c.connectErrors = append(c.connectErrors, connectError{
				what: "no destinations", err: destination.ErrNoDestinations})
		}
		c.stage = stageError
		return resultAgain
	}

	c.destErr = nil
	c.allQuarantined = true

	// adjust the current server-mode to what the topology offers
	if c.sess.routeCtx.AccessMode == destination.AccessModeAuto {
		hasRO := manager.HasReadOnly()
		hasRW := manager.HasReadWrite()
		if hasRO && !hasRW {
			c.sess.currentServerMode = metadata.ModeReadOnly
		} else if !hasRO && hasRW {
			c.sess.currentServerMode = metadata.ModeReadWrite
		}
	}

	if c.skipDestination(c.dest) {
		c.connectErrors = append(c.connectErrors, connectError{
			what: "connect(/* " + c.dest.Endpoint.String() + " */)",
			err:  destination.ErrIgnored})
		manager.ConnectStatus(destination.ErrIgnored)
		c.stage = stageNextDestination
		return resultAgain
	}

	if c.isDestinationGood(c.dest.Endpoint) {
		c.stage = stageResolve
	} else {
		c.connectErrors = append(c.connectErrors, connectError{
			what: "connect(/* " + c.dest.Endpoint.String() + " */)",
			err:  destination.ErrQuarantined})
		c.stage = stageNextDestination
	}
	return resultAgain
}

func (c *Connector) resolve() stepResult {
	c.sess.tracer.Event("connect::resolve")

	// a sticky reconnect must land on the endpoint of the previous
	// successful connect
	if stickyID := c.sess.stickyDestinationID(); stickyID != nil {
		c.sess.tracer.Event("connect::sticky: " + stickyID.String())
		if stickyID.String() != c.dest.Endpoint.String() {
			c.destErr = destination.ErrStickyMismatch
			c.sess.manager.ConnectStatus(c.destErr)
			c.stage = stageNextDestination
			return resultAgain
		}
	}

	if c.dest.Endpoint.IsTCP() {
		started := time.Now()
		host := c.dest.Endpoint.Host()
		port := c.dest.Endpoint.Port()

		addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
		if err != nil || len(addrs) == 0 {
			if err == nil {
				err = fmt.Errorf("no addresses for %s", host)
			}
			resolveDuration := time.Since(started)
			c.connectErrors = append(c.connectErrors, connectError{
				what: fmt.Sprintf("resolve(%s) failed after %dms",
					host, resolveDuration.Milliseconds()),
				err: err,
			})
			c.sess.logger.Debug("resolve failed", "host", host, "err", err)
			c.destErr = err

			// quarantine the destination to monitor the resolve coming
			// back
			if c.sess.routeCtx.Quarantine.Update(c.dest.Endpoint, false) {
				c.sess.logger.Debug("add destination to quarantine",
					"route", c.sess.routeCtx.Name, "destination", c.dest.Endpoint.String())
			} else {
				c.allQuarantined = false
			}

			c.stage = stageNextDestination
			return resultAgain
		}

		c.endpoints = c.endpoints[:0]
		for _, addr := range addrs {
			c.endpoints = append(c.endpoints, endpoint.TCP(addr.IP.String(), port))
		}
	} else {
		c.endpoints = []endpoint.Endpoint{c.dest.Endpoint}
	}

	c.stage = stageInitEndpoint
	return resultAgain
}

func (c *Connector) initEndpoint() stepResult {
	c.epIdx = 0
	c.stage = stageInitConnect
	return resultAgain
}

func (c *Connector) initConnect() stepResult {
	// the route's sharing preference binds to the session here
	c.sess.sharingAllowed = c.dest.SharingAllowed()
	c.sess.closeServerConn()
	c.dialErr = nil
	c.stage = stageFromPool
	return resultAgain
}

func (c *Connector) currentEndpoint() endpoint.Endpoint { return c.endpoints[c.epIdx] }

func (c *Connector) fromPool() stepResult {
	if !c.sess.greetingReceived {
		// without the client greeting the capabilities cannot be
		// matched; connect fresh
		c.stage = stageConnect
		return resultAgain
	}

	if c.spanFromPool == nil {
		c.spanFromPool = c.sess.tracer.Span(c.spanConnect, "mysql/from_pool")
	}

	epKey := c.currentEndpoint().String()
	matcher := pool.Matcher(c.sess.clientCaps, c.sess.expectedConstraint)

	// preference order: our own stashed connection, then the pool, then
	// stealing from another session's stash
	if conn := c.sess.pool.UnstashMine(epKey, c.sess); conn != nil {
		return c.adoptPooled(conn, "connect::from_stash_mine: "+epKey)
	}

	if conn := c.sess.pool.PopIf(epKey, matcher); conn != nil {
		return c.adoptPooled(conn, "connect::from_pool: "+epKey)
	}

	ignoreSharingDelay := c.sess.transientConnectError
	if conn := c.sess.pool.UnstashIf(epKey, matcher, ignoreSharingDelay); conn != nil {
		return c.adoptPooled(conn, "pool::unstashed::steal: "+epKey)
	}

	c.spanFromPool.SetAttr("mysql.error_message", "no match")
	c.spanFromPool.EndSpan(true)
	c.spanFromPool = nil

	c.stage = stageConnect
	return resultAgain
}

// adoptPooled commits a pooled candidate after a liveness probe; dead
// candidates are dropped and the pool is probed again.
func (c *Connector) adoptPooled(conn *pool.ServerConn, event string) stepResult {
	if !conn.IsAlive() {
		conn.Close()
		// take the next connection from the pool, this one is dead
		return resultAgain
	}

	c.sess.serverConn = conn
	// new command on a reused connection, the seq-id restarts
	conn.SeqID = 0xff

	c.sess.tracer.Event(event)
	c.spanFromPool.EndSpan(false)
	c.spanFromPool = nil

	c.stage = stageConnected
	return resultAgain
}

func (c *Connector) connect() stepResult {
	ep := c.currentEndpoint()
	c.sess.tracer.Event("connect::connect: " + ep.String())

	c.spanSocket = c.sess.tracer.Span(c.spanConnect, "mysql/connect")
	if ep.IsTCP() {
		c.spanSocket.SetAttr("net.peer.name", ep.Host())
		c.spanSocket.SetAttr("net.peer.port", strconv.Itoa(int(ep.Port())))
	} else {
		c.spanSocket.SetAttr("network.peer.address", ep.Path())
	}

	c.dialStarted = time.Now()

	dialer := net.Dialer{Timeout: c.sess.routeCtx.DestinationConnectTimeout}
	conn, err := dialer.Dial(ep.Network(), ep.Addr())
	if err == nil {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
	}

	// don't commit the socket when a disconnect was requested meanwhile
	if c.sess.DisconnectRequested() {
		if conn != nil {
			conn.Close()
		}
		c.sess.connectErr = ErrCanceled
		c.stage = stageDone
		return resultAgain
	}

	c.dialed = conn
	c.dialErr = err
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		c.dialErr = errTimedOut
	}

	c.stage = stageConnectFinish
	return resultAgain
}

var errTimedOut = errors.New("timed out")

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func prettyEndpoint(ep endpoint.Endpoint, dest endpoint.Endpoint) string {
	if dest.IsTCP() {
		if ep.Host() == dest.Host() {
			return ep.String()
		}
		return ep.String() + " /* " + dest.Host() + " */"
	}
	return dest.String()
}

func (c *Connector) connectFinish() stepResult {
	connectDuration := time.Since(c.dialStarted)

	if c.dialErr != nil {
		c.sess.tracer.Event("connect::connect_finish: " + c.dialErr.Error())
		c.sess.logger.Debug("connect failed",
			"endpoint", c.currentEndpoint().String(), "err", c.dialErr)

		c.connectErrors = append(c.connectErrors, connectError{
			what: fmt.Sprintf("connect(%s) failed after %dms",
				prettyEndpoint(c.currentEndpoint(), c.dest.Endpoint),
				connectDuration.Milliseconds()),
			err: c.dialErr,
		})
		c.destErr = c.dialErr

		c.stage = stageNextEndpoint
		return resultAgain
	}

	c.sess.serverConn = pool.NewServerConn(c.dialed, c.currentEndpoint(), 0)
	c.dialed = nil

	c.spanSocket.EndSpan(false)
	c.spanSocket = nil

	c.stage = stageConnected
	return resultAgain
}

func (c *Connector) nextEndpoint() stepResult {
	c.sess.tracer.Event("connect::next_endpoint")

	if c.spanSocket != nil {
		if len(c.connectErrors) > 0 {
			last := c.connectErrors[len(c.connectErrors)-1]
			c.spanSocket.SetAttr("mysql.error_message", last.err.Error())
		}
		c.spanSocket.EndSpan(true)
		c.spanSocket = nil
	}

	c.epIdx++
	if c.epIdx < len(c.endpoints) {
		c.stage = stageInitConnect
		return resultAgain
	}

	// report the destination's failure back to the manager
	c.sess.manager.ConnectStatus(c.destErr)

	if c.destErr != nil {
		if c.sess.routeCtx.Quarantine.Update(c.dest.Endpoint, false) {
			c.sess.logger.Debug("add destination to quarantine",
				"route", c.sess.routeCtx.Name, "destination", c.dest.Endpoint.String())
		} else {
			c.allQuarantined = false
		}
	}

	c.stage = stageNextDestination
	return resultAgain
}

func (c *Connector) nextDestination() stepResult {
	c.sess.tracer.Event("connect::next_destination")

	manager := c.sess.manager
	sessionInfo := c.sess.SessionInfo()

	for {
		c.dest = manager.GetNextDestination(sessionInfo)
		if c.dest == nil {
			break
		}

		if c.skipDestination(c.dest) {
			c.connectErrors = append(c.connectErrors, connectError{
				what: "connect(/* " + c.dest.Endpoint.String() + " */)",
				err:  destination.ErrIgnored})
			manager.ConnectStatus(destination.ErrIgnored)
			continue
		}
		if !c.isDestinationGood(c.dest.Endpoint) {
			c.connectErrors = append(c.connectErrors, connectError{
				what: "connect(/* " + c.dest.Endpoint.String() + " */)",
				err:  destination.ErrQuarantined})
			manager.ConnectStatus(destination.ErrQuarantined)
			continue
		}
		break
	}

	if c.dest != nil {
		c.stage = stageResolve
		return resultAgain
	}

	// on member failure wait for the failover and use the new primary
	if !errors.Is(c.destErr, errTimedOut) &&
		!errors.Is(c.destErr, destination.ErrNoDestinations) &&
		!errors.Is(c.destErr, destination.ErrStickyMismatch) &&
		manager.RefreshDestinations(sessionInfo) {
		c.dest = manager.GetNextDestination(sessionInfo)
		if c.dest != nil {
			c.stage = stageResolve
			return resultAgain
		}
	}

	// a read-only session with no read-only nodes falls back to a
	// primary
	if c.sess.routeCtx.AccessMode == destination.AccessModeAuto &&
		c.sess.expectedServerMode == metadata.ModeReadOnly &&
		c.sess.currentServerMode == metadata.ModeReadOnly {
		c.sess.currentServerMode = metadata.ModeReadWrite
		c.stage = stageInitDestination
		return resultAgain
	}

	c.connectErrors = append(c.connectErrors, connectError{
		what: "end of destinations", err: destination.ErrNoDestinations})

	c.stage = stageError
	return resultAgain
}

func (c *Connector) connected() stepResult {
	c.sess.tracer.Event("connect::connected")

	c.spanConnect.EndSpan(false)

	mode := c.dest.ServerMode()
	if c.sess.expectedServerMode == metadata.ModeUnavailable {
		// before the first query the server-mode is not set, remember
		// it now
		c.sess.expectedServerMode = mode
	}
	c.sess.rememberDestination(c.dest.Endpoint, mode)

	// the destination is reachable again
	c.sess.routeCtx.Quarantine.Update(c.dest.Endpoint, true)

	c.sess.dest = c.dest
	c.sess.transientConnectError = false
	c.sess.connectErr = nil

	// done; the manager should not carry the last status into new
	// sessions
	c.sess.manager.ConnectStatus(nil)

	c.stage = stageDone
	return resultAgain
}

func (c *Connector) error() stepResult {
	c.sess.closeServerConn()
	c.sess.tracer.Event("connect::error")

	last := c.connectErrors[len(c.connectErrors)-1]
	c.sess.connectErr = last.err

	var msg strings.Builder
	for i, ce := range c.connectErrors {
		if i > 0 {
			msg.WriteString(", ")
		}
		msg.WriteString(ce.what)
		msg.WriteString(": ")
		msg.WriteString(ce.err.Error())
	}
	c.sess.logger.Error("connecting to backend(s) failed",
		"route", c.sess.routeCtx.Name,
		"client", clientAddr(c.sess),
		"err", msg.String())

	c.sess.manager.ConnectStatus(nil)

	c.spanConnect.SetAttr("mysql.error_message", last.err.Error())
	c.spanConnect.EndSpan(true)

	if errors.Is(last.err, syscall.EMFILE) || errors.Is(last.err, syscall.ENFILE) {
		// out of file descriptors; free the pool's and do not retry
		c.sess.pool.Clear()
	}

	if c.sess.clientConn != nil {
		sendError(c.sess.clientConn, 2003, "HY000",
			"Can't connect to remote MySQL server", 0)
	}

	c.stage = stageDone
	return resultAgain
}

func clientAddr(sess *Session) string {
	if sess.clientConn == nil || sess.clientConn.RemoteAddr() == nil {
		return ""
	}
	return sess.clientConn.RemoteAddr().String()
}
