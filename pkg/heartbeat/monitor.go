// Package heartbeat tracks liveness of a single connection. The same Monitor
// is used by the client connection manager (which only reports Degraded) and
// by the broker (which evicts Degraded connections).
package heartbeat

import (
	"sync"
	"time"

	"github.com/jwalitptl/realtime-hub/pkg/clock"
)

const (
	// DefaultPingInterval is how often a connected client sends a ping.
	DefaultPingInterval = 30 * time.Second
	// DefaultTimeout is the silence after which a client marks itself Degraded.
	DefaultTimeout = 60 * time.Second
)

// State is the health of a connected session.
type State int

const (
	Healthy State = iota
	Degraded
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Monitor records the last time traffic was seen and flags the connection
// Degraded once the configured threshold elapses without any.
type Monitor struct {
	mu        sync.Mutex
	clock     clock.Clock
	threshold time.Duration
	last      time.Time
	missed    int
	state     State
}

// New creates a Monitor that considers the connection alive as of now.
func New(clk clock.Clock, threshold time.Duration) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if threshold <= 0 {
		threshold = DefaultTimeout
	}
	return &Monitor{
		clock:     clk,
		threshold: threshold,
		last:      clk.Now(),
	}
}

// Beat records traffic (a pong or any other message) and restores Healthy.
// The missed counter is left untouched.
func (m *Monitor) Beat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.clock.Now()
	m.state = Healthy
}

// Check evaluates the connection against the threshold. Every overdue check
// increments the missed counter.
func (m *Monitor) Check() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clock.Now().Sub(m.last) > m.threshold {
		m.missed++
		m.state = Degraded
	}
	return m.state
}

// Reset starts a fresh connection instance: counter cleared, Healthy, last
// heartbeat set to now.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.clock.Now()
	m.missed = 0
	m.state = Healthy
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Missed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}

func (m *Monitor) LastHeartbeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
