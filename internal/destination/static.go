package destination

import (
	"fmt"
	"sync"

	"github.com/mysqlgate/mysqlgate/internal/endpoint"
	"github.com/mysqlgate/mysqlgate/internal/guidelines"
	"github.com/mysqlgate/mysqlgate/internal/metadata"
)

// Strategy selects the iteration order over a static destination list.
type Strategy int

const (
	// StrategyFirstAvailable resets to the first destination after every
	// successful attempt.
	StrategyFirstAvailable Strategy = iota
	// StrategyNextAvailable never goes back; the list can be exhausted.
	StrategyNextAvailable
	// StrategyRoundRobin advances after every attempt and wraps around.
	StrategyRoundRobin
)

// ParseStrategy maps the configuration value onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "first-available":
		return StrategyFirstAvailable, nil
	case "next-available":
		return StrategyNextAvailable, nil
	case "round-robin", "":
		return StrategyRoundRobin, nil
	}
	return 0, fmt.Errorf("unsupported routing strategy %q", s)
}

func (s Strategy) String() string {
	switch s {
	case StrategyFirstAvailable:
		return "first-available"
	case StrategyNextAvailable:
		return "next-available"
	case StrategyRoundRobin:
		return "round-robin"
	}
	return "unknown"
}

// strategyHandler yields the next destination index based on whether the
// previous attempt succeeded. ok=false means the candidates are
// exhausted.
type strategyHandler interface {
	destinationIndex(lastConnectionSuccessful bool, poolSize int) (int, bool)
}

// firstAvailableStrategy restarts from the beginning after a success and
// advances on failure until the list ends.
type firstAvailableStrategy struct {
	pos int
}

func (s *firstAvailableStrategy) destinationIndex(lastOK bool, poolSize int) (int, bool) {
	if lastOK {
		s.pos = 0
	} else {
		s.pos++
	}
	return s.pos, s.pos < poolSize
}

// nextAvailableStrategy advances on failure and never resets.
type nextAvailableStrategy struct {
	pos int
}

func (s *nextAvailableStrategy) destinationIndex(lastOK bool, poolSize int) (int, bool) {
	if !lastOK {
		s.pos++
	}
	return s.pos, s.pos < poolSize
}

// roundRobinStrategy emits the current index then advances with
// wrap-around. The first failing index is remembered; wrapping back to it
// without an intervening success stops the loop.
type roundRobinStrategy struct {
	pos       int
	started   bool
	failedPos int
	hasFailed bool
}

func (s *roundRobinStrategy) destinationIndex(lastOK bool, poolSize int) (int, bool) {
	if !s.started {
		s.started = true
		return s.pos, s.pos < poolSize
	}

	if !lastOK && !s.hasFailed {
		s.failedPos = s.pos
		s.hasFailed = true
	} else if lastOK {
		s.hasFailed = false
	}

	s.pos++
	if s.pos >= poolSize {
		s.pos = 0
	}

	if s.hasFailed && s.failedPos == s.pos {
		return 0, false
	}
	return s.pos, s.pos < poolSize
}

// StaticManager serves an ordered, fixed list of destinations.
type StaticManager struct {
	mu sync.Mutex

	ctx      *RoutingContext
	handler  strategyHandler
	strategy Strategy

	destinations []endpoint.Endpoint
	last         Destination
	lastErr      error
}

// NewStaticManager builds a manager for the given strategy.
func NewStaticManager(strategy Strategy, ctx *RoutingContext) *StaticManager {
	m := &StaticManager{ctx: ctx, strategy: strategy}
	switch strategy {
	case StrategyFirstAvailable:
		m.handler = &firstAvailableStrategy{}
	case StrategyNextAvailable:
		m.handler = &nextAvailableStrategy{}
	default:
		m.handler = &roundRobinStrategy{}
	}
	return m
}

// Add appends a destination, ignoring duplicates.
func (m *StaticManager) Add(dest endpoint.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dest.String()
	for _, existing := range m.destinations {
		if existing.String() == key {
			return
		}
	}
	m.destinations = append(m.destinations, dest)
}

// Start verifies the destination list is usable.
func (m *StaticManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.destinations) == 0 {
		return fmt.Errorf("no destinations available")
	}
	return nil
}

func (m *StaticManager) InitDestinations(*guidelines.SessionInfo) error { return nil }

func (m *StaticManager) GetNextDestination(*guidelines.SessionInfo) *Destination {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, ok := m.handler.destinationIndex(m.lastErr == nil, len(m.destinations))
	if !ok || index >= len(m.destinations) {
		return nil
	}

	dest := m.destinations[index]
	info := guidelines.ServerInfo{}
	if dest.IsTCP() {
		info.Address = dest.Host()
		info.Port = dest.Port()
	}

	m.last = Destination{Endpoint: dest, ServerInfo: info}
	out := m.last
	return &out
}

func (m *StaticManager) GetLastUsedDestination() *Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.last
	return &out
}

func (m *StaticManager) RefreshDestinations(*guidelines.SessionInfo) bool { return false }

func (m *StaticManager) ConnectStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *StaticManager) HasReadWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.destinations) > 0
}

func (m *StaticManager) HasReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.destinations) > 0
}

func (m *StaticManager) GetDestinationCandidates() []endpoint.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]endpoint.Endpoint(nil), m.destinations...)
}

func (m *StaticManager) HandleSocketAcceptors() {}

func (m *StaticManager) Purpose() metadata.ServerMode { return metadata.ModeUnavailable }

func (m *StaticManager) SessionRandUsed() bool {
	return m.ctx != nil && m.ctx.SessionRandUsedByEngine()
}
