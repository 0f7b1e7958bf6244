package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mysqlgate/mysqlgate/internal/destination"
	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/pool"
)

// Container tracks the live sessions of a route so shutdown can wait for
// them and topology changes can disconnect them.
type Container struct {
	mu       sync.Mutex
	empty    *sync.Cond
	sessions map[uint64]*Session
}

// NewContainer returns an empty session container.
func NewContainer() *Container {
	c := &Container{sessions: make(map[uint64]*Session)}
	c.empty = sync.NewCond(&c.mu)
	return c
}

// Add registers a session.
func (c *Container) Add(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sess.ID()] = sess
}

// Remove deregisters a session and wakes WaitUntilEmpty when it was the
// last one.
func (c *Container) Remove(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sess.ID())
	if len(c.sessions) == 0 {
		c.empty.Broadcast()
	}
}

// Len returns the number of live sessions.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// WaitUntilEmpty blocks until every session deregistered.
func (c *Container) WaitUntilEmpty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.sessions) > 0 {
		c.empty.Wait()
	}
}

// DisconnectNotAllowed asks every session connected to a backend outside
// the allowed set to disconnect.
func (c *Container) DisconnectNotAllowed(allowed destination.AllowedNodes, reason string, logger *slog.Logger) {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		destID := sess.DestinationID()
		if destID == nil {
			continue
		}
		if !allowed.Contains(*destID) {
			logger.Info("disconnecting session, destination no longer allowed",
				"session", sess.ID(), "destination", destID.String(), "reason", reason)
			sess.RequestDisconnect()
			if sess.clientConn != nil {
				sess.clientConn.Close()
			}
		}
	}
}

// RouteServer accepts client connections for one configured route and
// drives each through the connect pipeline into the relay.
type RouteServer struct {
	routeCtx *destination.RoutingContext
	manager  destination.Manager
	pool     *pool.ConnectionPool
	metrics  *metrics.Collector
	logger   *slog.Logger

	listenEP  endpoint.Endpoint
	container *Container

	mu       sync.Mutex
	listener net.Listener

	acceptsInFlight sync.WaitGroup
	sessionWG       sync.WaitGroup
	nextSessionID   atomic.Uint64
	stopped         atomic.Bool

	sharingDelay time.Duration

	allowedNodesCallbackID int
}

// NewRouteServer builds a server for one route.
func NewRouteServer(listen endpoint.Endpoint, routeCtx *destination.RoutingContext,
	manager destination.Manager, connPool *pool.ConnectionPool,
	collector *metrics.Collector, sharingDelay time.Duration, logger *slog.Logger) *RouteServer {

	if logger == nil {
		logger = slog.Default()
	}
	return &RouteServer{
		routeCtx:     routeCtx,
		manager:      manager,
		pool:         connPool,
		metrics:      collector,
		logger:       logger,
		listenEP:     listen,
		container:    NewContainer(),
		sharingDelay: sharingDelay,
	}
}

// Container exposes the session container.
func (s *RouteServer) Container() *Container { return s.container }

// Start opens the listener and installs the accept loop. The destination
// manager is given control over pausing/resuming the acceptor and over
// disconnects on topology changes.
func (s *RouteServer) Start() error {
	if err := s.startAcceptor(); err != nil {
		return err
	}

	if notifier, ok := s.manager.(interface {
		RegisterStartAcceptorCallback(destination.StartAcceptorCallback)
		RegisterStopAcceptorCallback(destination.StopAcceptorCallback)
		RegisterAllowedNodesChangedCallback(destination.AllowedNodesChangedCallback) int
	}); ok {
		notifier.RegisterStartAcceptorCallback(s.startAcceptor)
		notifier.RegisterStopAcceptorCallback(s.stopAcceptor)
		s.allowedNodesCallbackID = notifier.RegisterAllowedNodesChangedCallback(
			func(existing, _ destination.AllowedNodes, disconnect bool, reason string) {
				if disconnect {
					s.container.DisconnectNotAllowed(existing, reason, s.logger)
				}
			})
	}
	return nil
}

// startAcceptor opens the listening socket and spawns the accept loop.
// Idempotent: a running acceptor is left alone.
func (s *RouteServer) startAcceptor() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil || s.stopped.Load() {
		return nil
	}

	if s.listenEP.IsLocal() {
		// a previous unclean shutdown may have left the socket file
		os.Remove(s.listenEP.Path())
	}

	ln, err := net.Listen(s.listenEP.Network(), s.listenEP.Addr())
	if err != nil {
		return fmt.Errorf("binding to %s failed: %w", s.listenEP.String(), err)
	}
	s.listener = ln

	s.logger.Info("listening", "route", s.routeCtx.Name, "address", s.listenEP.String())

	s.acceptsInFlight.Add(1)
	go func() {
		defer s.acceptsInFlight.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

// stopAcceptor closes the listening socket; live sessions continue.
func (s *RouteServer) stopAcceptor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		s.logger.Info("stopped accepting connections", "route", s.routeCtx.Name)
	}
}

func (s *RouteServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", "route", s.routeCtx.Name, "err", err)
			continue
		}

		s.sessionWG.Add(1)
		go func() {
			defer s.sessionWG.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop closes the listener, waits for the accept loop to drain and for
// every session to finish.
func (s *RouteServer) Stop() {
	s.stopped.Store(true)
	s.stopAcceptor()
	s.acceptsInFlight.Wait()

	if notifier, ok := s.manager.(interface {
		UnregisterAcceptorCallbacks()
		UnregisterAllowedNodesChangedCallback(int)
	}); ok {
		notifier.UnregisterAcceptorCallbacks()
		notifier.UnregisterAllowedNodesChangedCallback(s.allowedNodesCallbackID)
	}

	s.container.mu.Lock()
	for _, sess := range s.container.sessions {
		sess.RequestDisconnect()
		if sess.clientConn != nil {
			sess.clientConn.Close()
		}
	}
	s.container.mu.Unlock()

	s.sessionWG.Wait()
	s.logger.Info("route server stopped", "route", s.routeCtx.Name)
}

// handleConnection runs one client connection end to end: connect
// pipeline, handshake relay, steady-state relay, teardown.
func (s *RouteServer) handleConnection(clientConn net.Conn) {
	sessionID := s.nextSessionID.Add(1)
	sess := NewSession(sessionID, clientConn, s.routeCtx, s.manager, s.pool, s.logger)
	sess.onClose = s.container.Remove
	s.container.Add(sess)
	defer sess.Close()

	s.metrics.ConnectionOpened(s.routeCtx.Name)
	defer s.metrics.ConnectionClosed(s.routeCtx.Name)

	started := time.Now()
	if err := NewConnector(sess).Run(); err != nil {
		s.metrics.ConnectError(s.routeCtx.Name, metrics.ErrorKind(err))
		return
	}
	s.metrics.ConnectDuration(s.routeCtx.Name, time.Since(started))

	if err := s.relaySession(sess); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("session ended with error",
			"route", s.routeCtx.Name, "session", sess.ID(), "err", err)
	}
}

// relaySession forwards the handshake and then copies bytes between the
// two sides. The client's handshake response is parsed on the way through
// so reconnects can match capabilities against pooled connections.
func (s *RouteServer) relaySession(sess *Session) error {
	serverConn := sess.ServerConn()

	greeting, err := readServerGreeting(serverConn.Conn())
	if err != nil {
		sendError(sess.clientConn, 2003, "HY000", "Can't connect to remote MySQL server", 0)
		return err
	}
	serverConn.SetCapabilities(greeting.capabilities)

	if err := writePacket(sess.clientConn, greeting.raw, greeting.seq); err != nil {
		return fmt.Errorf("forwarding server greeting: %w", err)
	}

	clientHello, err := readClientGreeting(sess.clientConn)
	if err != nil {
		return err
	}

	constraint := pool.ConstraintPlaintext
	if sess.serverConn.IsSecureTransport() {
		constraint = pool.ConstraintSecure
	}
	sess.SetClientGreeting(clientHello, constraint)

	if err := writePacket(serverConn.Conn(), clientHello.raw, clientHello.seq); err != nil {
		return fmt.Errorf("forwarding client handshake: %w", err)
	}

	if sess.sharingAllowed {
		return s.relaySteadyState(sess)
	}
	return relay(context.Background(), sess.clientConn, serverConn.Conn())
}

// relaySteadyState relays bytes for a session with connection sharing
// enabled. A client idle for the sharing delay publishes its server side
// into the stash; the next client bytes reclaim it through the connect
// pipeline, which prefers the session's own stashed connection, then the
// pool, then stealing.
func (s *RouteServer) relaySteadyState(sess *Session) error {
	sess.startServerPump()
	defer sess.detachServerPump()

	buf := make([]byte, 32*1024)
	for {
		if sess.ServerConn() != nil {
			sess.clientConn.SetReadDeadline(time.Now().Add(s.sharingDelay))
		}

		n, err := sess.clientConn.Read(buf)
		if n > 0 {
			sess.clientConn.SetReadDeadline(time.Time{})
			if sess.ServerConn() == nil {
				if cerr := NewConnector(sess).Run(); cerr != nil {
					return cerr
				}
				sess.startServerPump()
			}
			if _, werr := sess.ServerConn().Conn().Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if n == 0 && sess.ServerConn() != nil {
					// idle client: publish the server side for sharing
					sess.clientConn.SetReadDeadline(time.Time{})
					sess.detachServerPump()
					sess.StashServerConn(s.sharingDelay)
				}
				continue
			}
			return err
		}
	}
}

// relay copies data bidirectionally between the client and the backend.
// It returns when either side closes or an error occurs.
func relay(ctx context.Context, client, backend net.Conn) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, client)
		errCh <- err
		if tc, ok := backend.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		_, err := io.Copy(client, backend)
		errCh <- err
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		backend.Close()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			wg.Wait()
			return err
		}
	}

	wg.Wait()
	return nil
}

// Server bundles the route servers so they start and stop together.
type Server struct {
	routes []*RouteServer
	logger *slog.Logger
}

// NewServer bundles route servers.
func NewServer(routes []*RouteServer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{routes: routes, logger: logger}
}

// Start starts every route server and returns the first bind failure;
// route servers that did bind are left running.
func (s *Server) Start() error {
	g := new(errgroup.Group)
	for _, route := range s.routes {
		g.Go(route.Start)
	}
	return g.Wait()
}

// Stop stops every route server and waits for their sessions.
func (s *Server) Stop() {
	var wg sync.WaitGroup
	for _, route := range s.routes {
		wg.Add(1)
		go func(r *RouteServer) {
			defer wg.Done()
			r.Stop()
		}(route)
	}
	wg.Wait()
}
