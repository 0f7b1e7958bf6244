// Package resolver keeps the routing guidelines resolve-cache fresh. The
// guideline document names hostnames via RESOLVE_V4/RESOLVE_V6; a
// Refresher periodically resolves them and swaps a new immutable cache
// snapshot into the engine.
package resolver

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/mysqlgate/mysqlgate/internal/guidelines"
)

// DefaultRefreshInterval is how often the cache is rebuilt.
const DefaultRefreshInterval = 60 * time.Second

// Lookup resolves one hostname for the requested address family.
type Lookup interface {
	Resolve(host string, version guidelines.IPVersion) (netip.Addr, error)
}

// DNSLookup resolves hostnames with plain DNS queries against the
// resolvers from the client configuration.
type DNSLookup struct {
	client  *dns.Client
	servers []string
}

// NewDNSLookup builds a DNS lookup from resolv.conf. An explicit server
// list ("host:port") overrides it.
func NewDNSLookup(servers ...string) (*DNSLookup, error) {
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("loading resolver configuration: %w", err)
		}
		for _, srv := range conf.Servers {
			servers = append(servers, srv+":"+conf.Port)
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers configured")
	}
	return &DNSLookup{
		client:  &dns.Client{Timeout: 3 * time.Second},
		servers: servers,
	}, nil
}

// Resolve queries A or AAAA records and returns the first address of the
// requested family.
func (l *DNSLookup) Resolve(host string, version guidelines.IPVersion) (netip.Addr, error) {
	qtype := dns.TypeA
	if version == guidelines.IPv6 {
		qtype = dns.TypeAAAA
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range l.servers {
		resp, _, err := l.client.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("lookup %s: rcode %s", host, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
					return addr, nil
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
					return addr, nil
				}
			}
		}
		lastErr = fmt.Errorf("lookup %s: no matching records", host)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("lookup %s: no DNS servers responded", host)
	}
	return netip.Addr{}, lastErr
}

// StaticLookup serves resolutions from a fixed table; used in tests and
// for air-gapped configurations.
type StaticLookup map[string]netip.Addr

func (l StaticLookup) Resolve(host string, version guidelines.IPVersion) (netip.Addr, error) {
	addr, ok := l[host]
	if !ok {
		return netip.Addr{}, fmt.Errorf("lookup %s: not found", host)
	}
	wantV4 := version == guidelines.IPv4
	if wantV4 != addr.Is4() {
		return netip.Addr{}, fmt.Errorf("lookup %s: wrong address family", host)
	}
	return addr, nil
}

// Refresher periodically rebuilds the engine's resolve cache.
type Refresher struct {
	engine   *guidelines.Engine
	lookup   Lookup
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	started  bool
}

// NewRefresher wires a refresher to an engine. interval <= 0 selects the
// default.
func NewRefresher(engine *guidelines.Engine, lookup Lookup, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		engine:   engine,
		lookup:   lookup,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// BuildCache resolves every hostname the engine needs and returns a fresh
// cache snapshot. Hostnames that fail to resolve are skipped with a
// warning; classification will report the miss per evaluation.
func BuildCache(engine *guidelines.Engine, lookup Lookup, logger *slog.Logger) guidelines.ResolveCache {
	cache := guidelines.ResolveCache{}
	for _, host := range engine.HostnamesToResolve() {
		addr, err := lookup.Resolve(host.Address, host.IPVersion)
		if err != nil {
			if logger != nil {
				logger.Warn("routing guidelines could not resolve host",
					"host", host.Address, "err", err)
			}
			continue
		}
		// one address per hostname, first hit wins
		if _, exists := cache[host.Address]; !exists {
			cache[host.Address] = addr
		}
	}
	return cache
}

// Refresh rebuilds the cache once and installs it.
func (r *Refresher) Refresh() {
	r.engine.UpdateResolveCache(BuildCache(r.engine, r.lookup, r.logger))
}

// Start launches the periodic refresh loop. The first refresh happens
// synchronously so classification can run right away.
func (r *Refresher) Start() {
	r.started = true
	r.Refresh()
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Refresh()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started {
		<-r.done
	}
}
