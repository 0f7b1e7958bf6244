// Package pool holds idle and sharable server-side connections keyed by
// endpoint. The pool index owns connections without a client, the stash
// index holds connections owned by a live client session, published for
// stealing after a delay.
package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxIdleServerConnections is the max-pool-size applied when the
// configuration does not set one.
const DefaultMaxIdleServerConnections = 64

// ConnectionIdentifier is an opaque owner identity for stashed
// connections. It is never dereferenced.
type ConnectionIdentifier any

// stashed is one stash entry.
type stashed struct {
	pc     *PooledConn
	connID ConnectionIdentifier
	// after is the steady-clock instant from which other owners may
	// steal the connection; the owner itself may take it back any time.
	after time.Time
}

// ConnectionPool keeps idle server connections for reuse.
type ConnectionPool struct {
	maxPooled   uint32
	idleTimeout time.Duration
	logger      *slog.Logger

	poolMu sync.Mutex
	pool   map[string][]*PooledConn

	stashMu sync.Mutex
	stash   map[string][]stashed

	reused atomic.Uint64
}

// New builds a pool with the given capacity and idle timeout.
func New(maxPooledConnections uint32, idleTimeout time.Duration, logger *slog.Logger) *ConnectionPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionPool{
		maxPooled:   maxPooledConnections,
		idleTimeout: idleTimeout,
		logger:      logger,
		pool:        make(map[string][]*PooledConn),
		stash:       make(map[string][]stashed),
	}
}

func (p *ConnectionPool) MaxPooledConnections() uint32 { return p.maxPooled }
func (p *ConnectionPool) IdleTimeout() time.Duration   { return p.idleTimeout }
func (p *ConnectionPool) ReusedConnections() uint64    { return p.reused.Load() }

// CurrentPooledConnections counts the entries of the pool index.
func (p *ConnectionPool) CurrentPooledConnections() int {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	return p.poolSizeLocked()
}

func (p *ConnectionPool) poolSizeLocked() int {
	total := 0
	for _, entries := range p.pool {
		total += len(entries)
	}
	return total
}

// CurrentStashedConnections counts the entries of the stash index.
func (p *ConnectionPool) CurrentStashedConnections() int {
	p.stashMu.Lock()
	defer p.stashMu.Unlock()
	total := 0
	for _, entries := range p.stash {
		total += len(entries)
	}
	return total
}

// Add inserts a connection into the pool, closing it when the pool is
// full.
func (p *ConnectionPool) Add(conn *ServerConn) {
	if rejected := p.AddIfNotFull(conn); rejected != nil {
		p.AsyncCloseConnection(rejected)
	}
}

// AddIfNotFull inserts a connection into the pool, arming its watchers.
// When the pool is full the connection is returned to the caller instead.
func (p *ConnectionPool) AddIfNotFull(conn *ServerConn) *ServerConn {
	key := conn.Endpoint().String()
	pc := newPooledConn(conn)

	p.poolMu.Lock()
	if uint32(p.poolSizeLocked()) >= p.maxPooled {
		p.poolMu.Unlock()
		return conn
	}
	pc.setRemover(p.removerFor(key))
	p.pool[key] = append(p.pool[key], pc)
	p.poolMu.Unlock()

	pc.arm(p.idleTimeout)
	return nil
}

// removerFor builds the remove-from-pool callback for an entry.
func (p *ConnectionPool) removerFor(key string) func(*PooledConn) {
	return func(pc *PooledConn) {
		p.poolMu.Lock()
		entries := p.pool[key]
		for i, entry := range entries {
			if entry == pc {
				p.pool[key] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(p.pool[key]) == 0 {
			delete(p.pool, key)
		}
		p.poolMu.Unlock()

		p.logger.Debug("removed connection from pool", "endpoint", key)
	}
}

// PopIf returns and erases the first pooled connection for the endpoint
// whose server side satisfies pred.
func (p *ConnectionPool) PopIf(ep string, pred func(*ServerConn) bool) *ServerConn {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	entries := p.pool[ep]
	for i, pc := range entries {
		if !pred(pc.Conn()) {
			continue
		}
		conn := pc.release()
		if conn == nil {
			// lost the race against the watchdog; its remover will
			// erase the entry
			continue
		}
		p.pool[ep] = append(entries[:i], entries[i+1:]...)
		if len(p.pool[ep]) == 0 {
			delete(p.pool, ep)
		}
		p.reused.Add(1)
		return conn
	}
	return nil
}

// Stash publishes a connection owned by a live session for sharing.
// Watchers are not armed: the owner is alive and responsible.
func (p *ConnectionPool) Stash(conn *ServerConn, from ConnectionIdentifier, delay time.Duration) {
	key := conn.Endpoint().String()

	p.stashMu.Lock()
	defer p.stashMu.Unlock()
	p.stash[key] = append(p.stash[key], stashed{
		pc:     newPooledConn(conn),
		connID: from,
		after:  time.Now().Add(delay),
	})
}

// UnstashMine returns the caller's own stashed connection for the
// endpoint, regardless of the sharing delay.
func (p *ConnectionPool) UnstashMine(ep string, connID ConnectionIdentifier) *ServerConn {
	p.stashMu.Lock()
	defer p.stashMu.Unlock()

	entries := p.stash[ep]
	for i, entry := range entries {
		if entry.connID != connID {
			continue
		}
		p.stash[ep] = append(entries[:i], entries[i+1:]...)
		if len(p.stash[ep]) == 0 {
			delete(p.stash, ep)
		}
		p.reused.Add(1)
		return entry.pc.releaseStashed()
	}
	return nil
}

// UnstashIf steals the first stashed connection for the endpoint whose
// sharing delay expired (unless ignoreSharingDelay) and whose server side
// satisfies pred.
func (p *ConnectionPool) UnstashIf(ep string, pred func(*ServerConn) bool, ignoreSharingDelay bool) *ServerConn {
	now := time.Now()

	p.stashMu.Lock()
	defer p.stashMu.Unlock()

	entries := p.stash[ep]
	for i, entry := range entries {
		if !ignoreSharingDelay && entry.after.After(now) {
			continue
		}
		if !pred(entry.pc.Conn()) {
			continue
		}
		p.stash[ep] = append(entries[:i], entries[i+1:]...)
		if len(p.stash[ep]) == 0 {
			delete(p.stash, ep)
		}
		p.reused.Add(1)
		return entry.pc.releaseStashed()
	}
	return nil
}

// DiscardAllStashed moves the owner's stashed connections into the pool,
// closing them when the pool has no room.
func (p *ConnectionPool) DiscardAllStashed(connID ConnectionIdentifier) {
	var orphaned []*ServerConn

	p.stashMu.Lock()
	for key, entries := range p.stash {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.connID == connID {
				orphaned = append(orphaned, entry.pc.releaseStashed())
			} else {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(p.stash, key)
		} else {
			p.stash[key] = kept
		}
	}
	p.stashMu.Unlock()

	for _, conn := range orphaned {
		p.Add(conn)
	}
}

// AsyncCloseConnection sends COM_QUIT and closes the connection without
// blocking the caller.
func (p *ConnectionPool) AsyncCloseConnection(conn *ServerConn) {
	go func() {
		_ = conn.sendQuit()
		_ = conn.Close()
	}()
}

// Clear drops every pooled and stashed connection; used when the process
// runs out of file descriptors.
func (p *ConnectionPool) Clear() {
	p.poolMu.Lock()
	var taken []*ServerConn
	for _, entries := range p.pool {
		for _, pc := range entries {
			if conn := pc.release(); conn != nil {
				taken = append(taken, conn)
			}
		}
	}
	p.pool = make(map[string][]*PooledConn)
	p.poolMu.Unlock()

	p.stashMu.Lock()
	for _, entries := range p.stash {
		for _, entry := range entries {
			taken = append(taken, entry.pc.releaseStashed())
		}
	}
	p.stash = make(map[string][]stashed)
	p.stashMu.Unlock()

	for _, conn := range taken {
		p.AsyncCloseConnection(conn)
	}
}
