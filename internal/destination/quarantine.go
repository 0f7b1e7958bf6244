package destination

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/endpoint"
)

// Quarantine is a process-wide set of endpoints currently deemed
// unreachable. There is no TTL: a successful connect is the only exit
// condition. The set is shared across every route of the same context.
type Quarantine struct {
	mu          sync.Mutex
	unreachable map[string]bool

	logger *slog.Logger
}

// NewQuarantine returns an empty quarantine set.
func NewQuarantine(logger *slog.Logger) *Quarantine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Quarantine{
		unreachable: make(map[string]bool),
		logger:      logger,
	}
}

// Update flips the liveness state of an endpoint. It returns true when
// the call transitioned the endpoint into quarantine.
func (q *Quarantine) Update(ep endpoint.Endpoint, reachable bool) bool {
	key := ep.String()

	q.mu.Lock()
	defer q.mu.Unlock()

	if reachable {
		delete(q.unreachable, key)
		return false
	}
	if q.unreachable[key] {
		return false
	}
	q.unreachable[key] = true
	return true
}

// IsQuarantined reports whether the endpoint is currently marked
// unreachable.
func (q *Quarantine) IsQuarantined(ep endpoint.Endpoint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unreachable[ep.String()]
}

// Snapshot lists the quarantined endpoint keys, sorted.
func (q *Quarantine) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.unreachable))
	for key := range q.unreachable {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of quarantined endpoints.
func (q *Quarantine) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unreachable)
}

// Prober periodically re-checks quarantined endpoints with a plain
// connect and clears the ones that accept again.
type Prober struct {
	quarantine *Quarantine
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	started  bool
}

// NewProber builds a prober for the quarantine set.
func NewProber(q *Quarantine, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 1 * time.Second
	}
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		quarantine: q,
		interval:   interval,
		timeout:    timeout,
		logger:     logger,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	p.started = true
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.probeAll()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the probe loop.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.started {
		<-p.done
	}
}

func (p *Prober) probeAll() {
	for _, key := range p.quarantine.Snapshot() {
		entry := key
		if _, _, err := net.SplitHostPort(key); err != nil {
			// local socket keys are the raw path
			entry = "local:" + key
		}
		ep, err := endpoint.ParseStatic(entry, 0)
		if err != nil {
			continue
		}
		conn, err := net.DialTimeout(ep.Network(), ep.Addr(), p.timeout)
		if err != nil {
			continue
		}
		conn.Close()
		p.quarantine.Update(ep, true)
		p.logger.Info("destination available again, remove it from quarantine", "endpoint", key)
	}
}
