package nodes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/scheduler"
	"github.com/arohanajit/nodeclient/internal/transport"
)

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultPingTimeout       = 5 * time.Second
	defaultPingInterval      = 5 * time.Second
	defaultFailureThreshold  = 3
	defaultSampleConcurrency = 8
)

// ErrClosed is returned by mutations on a closed Manager
var ErrClosed = errors.New("node manager closed")

// Observer is notified about node activity. Implementations must be safe for concurrent use.
type Observer interface {
	NodesChanged(listed, connected, filtered int)
	ConnectAttempt(state State)
	PingFailed(addr transport.Address)
}

// Config holds the Manager settings
type Config struct {
	ConnectTimeout    time.Duration
	PingTimeout       time.Duration
	PingInterval      time.Duration
	FailureThreshold  int // consecutive ping failures before a node is disconnected
	SampleConcurrency int
	Filter            Filter
	Observer          Observer
}

// entry is the manager-owned state of one listed address.
// mu serializes the node's state transitions.
type entry struct {
	addr transport.Address

	mu         sync.Mutex
	state      State
	identity   transport.Identity
	conn       transport.Conn
	failures   int
	lastErr    string
	lastSeen   time.Time
	attempting bool
	removed    bool
}

func (e *entry) snapshotLocked() Node {
	return Node{
		Address:             e.addr,
		Identity:            e.identity,
		State:               e.state,
		ConsecutiveFailures: e.failures,
		LastError:           e.lastErr,
		LastSeen:            e.lastSeen,
	}
}

func (e *entry) snapshot() Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *entry) holds(conn transport.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.removed && e.state == StateConnected && e.conn == conn
}

// Manager keeps connections to a reachable subset of the listed addresses and
// classifies each node as connected, filtered or disconnected.
type Manager struct {
	cfg      Config
	dial     transport.Dialer
	sched    *scheduler.Scheduler
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer

	// ctx is canceled on Close to abort pending connection attempts
	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry

	mu           sync.RWMutex
	entries      map[transport.Address]*entry
	connected    []Target // replaced on change, never mutated
	stopSampling func()
	closed       atomic.Bool
}

// NewManager creates a Manager dialing nodes with dial and running its
// background work on sched. Call Start to begin sampling.
func NewManager(cfg Config, dial transport.Dialer, sched *scheduler.Scheduler, logger *zap.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SampleConcurrency <= 0 {
		cfg.SampleConcurrency = defaultSampleConcurrency
	}
	if cfg.Filter == nil {
		cfg.Filter = AcceptAll
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		sched:    sched,
		clock:    sched.Clock(),
		logger:   logger.Named("nodes"),
		observer: cfg.Observer,
		ctx:      ctx,
		cancel:   cancel,
		registry: NewRegistry(),
		entries:  make(map[transport.Address]*entry),
	}
}

// Start schedules the periodic sampling cycle
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	if m.stopSampling != nil {
		return nil
	}

	stop, err := m.sched.Every(m.cfg.PingInterval, m.Sample)
	if err != nil {
		return err
	}
	m.stopSampling = stop
	m.logger.Info("Node sampling started", zap.Duration("interval", m.cfg.PingInterval))
	return nil
}

// AddAddresses lists the given addresses. Addresses already listed are ignored;
// each new one gets a single background connection attempt.
func (m *Manager) AddAddresses(addrs ...transport.Address) error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return ErrClosed
	}

	added := m.registry.Add(addrs...)
	fresh := make([]*entry, 0, len(added))
	for _, addr := range added {
		e := &entry{addr: addr, state: StateConnecting, attempting: true}
		m.entries[addr] = e
		fresh = append(fresh, e)
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	m.publish()

	var errs error
	for _, e := range fresh {
		e := e
		m.logger.Info("Address added", zap.Stringer("address", e.addr))
		if err := m.sched.Submit(func(ctx context.Context) { m.attempt(ctx, e) }); err != nil {
			// The next sampling cycle retries it.
			m.abandonAttempt(e, err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// RemoveAddress unlists addr and closes its connection before returning.
// No dispatch that starts after it returns will select the node.
func (m *Manager) RemoveAddress(addr transport.Address) bool {
	m.mu.Lock()
	e, ok := m.entries[addr]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.registry.Remove(addr)
	delete(m.entries, addr)

	e.mu.Lock()
	e.removed = true
	conn := e.conn
	e.conn = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	m.rebuildLocked()
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn("Failed to close connection", zap.Stringer("address", addr), zap.Error(err))
		}
	}
	m.publish()
	m.logger.Info("Address removed", zap.Stringer("address", addr))
	return true
}

// ListedNodes returns the listed addresses in the order they were added
func (m *Manager) ListedNodes() []transport.Address {
	return m.registry.List()
}

// ConnectedNodes returns the nodes currently eligible for dispatch
func (m *Manager) ConnectedNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]Node, 0, len(m.connected))
	for _, t := range m.connected {
		nodes = append(nodes, t.entry.snapshot())
	}
	return nodes
}

// FilteredNodes returns the reachable nodes rejected by the filter
func (m *Manager) FilteredNodes() []Node {
	return m.nodesInState(StateFiltered)
}

// Nodes returns every listed node with its current state
func (m *Manager) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]Node, 0, len(m.entries))
	for _, addr := range m.registry.List() {
		if e, ok := m.entries[addr]; ok {
			nodes = append(nodes, e.snapshot())
		}
	}
	return nodes
}

// Targets returns the connected nodes with their connections, in listing order
func (m *Manager) Targets() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := make([]Target, len(m.connected))
	copy(targets, m.connected)
	return targets
}

// ConnectionLost tells the manager that a send on the target's connection
// failed. A closed connection disconnects the node right away; other
// connection errors are left to the sampling cycle.
func (m *Manager) ConnectionLost(t Target, err error) {
	if t.entry == nil || !errors.Is(err, transport.ErrConnectionClosed) {
		return
	}

	e := t.entry
	e.mu.Lock()
	if e.removed || e.state != StateConnected || e.conn != t.Conn {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.conn = nil
	e.failures++
	e.lastErr = err.Error()
	e.mu.Unlock()

	t.Conn.Close()
	m.logger.Info("Node disconnected",
		zap.Stringer("address", e.addr),
		zap.String("node_id", t.Node.Identity.NodeID),
		zap.Error(err))
	m.rebuild()
}

// Close stops sampling and closes every open connection. Errors from closing
// individual connections are aggregated. It is idempotent.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	stop := m.stopSampling
	m.stopSampling = nil
	m.mu.Unlock()

	m.cancel()
	if stop != nil {
		stop()
	}

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.connected = nil
	m.mu.Unlock()

	var errs error
	for _, e := range entries {
		e.mu.Lock()
		e.removed = true
		conn := e.conn
		e.conn = nil
		e.state = StateDisconnected
		e.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	m.publish()
	m.logger.Info("Node manager closed", zap.Int("nodes", len(entries)))
	return errs
}

func (m *Manager) nodesInState(state State) []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]Node, 0)
	for _, addr := range m.registry.List() {
		e, ok := m.entries[addr]
		if !ok {
			continue
		}
		if n := e.snapshot(); n.State == state {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (m *Manager) rebuild() {
	m.mu.Lock()
	m.rebuildLocked()
	m.mu.Unlock()
	m.publish()
}

// rebuildLocked recomputes the connected view. Lock order is m.mu then e.mu.
func (m *Manager) rebuildLocked() {
	if m.closed.Load() {
		m.connected = nil
		return
	}

	targets := make([]Target, 0, len(m.connected)+1)
	for _, addr := range m.registry.List() {
		e, ok := m.entries[addr]
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.removed && e.state == StateConnected && e.conn != nil {
			targets = append(targets, Target{Node: e.snapshotLocked(), Conn: e.conn, entry: e})
		}
		e.mu.Unlock()
	}
	m.connected = targets
}

func (m *Manager) publish() {
	if m.observer == nil {
		return
	}
	m.mu.RLock()
	listed := m.registry.Len()
	connected := len(m.connected)
	filtered := 0
	for _, e := range m.entries {
		e.mu.Lock()
		if e.state == StateFiltered {
			filtered++
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()
	m.observer.NodesChanged(listed, connected, filtered)
}
