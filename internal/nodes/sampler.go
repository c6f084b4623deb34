package nodes

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arohanajit/nodeclient/internal/transport"
)

// Sample runs one sampling cycle: connected and filtered nodes are pinged,
// disconnected ones get a new connection attempt. It returns when every node
// has been handled.
func (m *Manager) Sample(ctx context.Context) {
	if m.closed.Load() {
		return
	}

	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, addr := range m.registry.List() {
		if e, ok := m.entries[addr]; ok {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(m.cfg.SampleConcurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			m.sampleNode(ctx, e)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) sampleNode(ctx context.Context, e *entry) {
	e.mu.Lock()
	if e.removed || e.attempting {
		e.mu.Unlock()
		return
	}
	state, conn := e.state, e.conn
	if state == StateDisconnected {
		e.attempting = true
		e.state = StateConnecting
		e.mu.Unlock()
		m.attempt(ctx, e)
		return
	}
	e.mu.Unlock()

	if conn == nil || (state != StateConnected && state != StateFiltered) {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := conn.Ping(pingCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		// shutting down, not a node failure
		return
	}
	m.recordPing(e, conn, err)
}

// recordPing applies a ping outcome. A node that misses FailureThreshold
// consecutive pings is disconnected and retried on the next cycle.
func (m *Manager) recordPing(e *entry, conn transport.Conn, err error) {
	e.mu.Lock()
	if e.removed || e.conn != conn {
		e.mu.Unlock()
		return
	}
	if err == nil {
		e.failures = 0
		e.lastSeen = m.clock.Now()
		e.mu.Unlock()
		return
	}

	e.failures++
	e.lastErr = err.Error()
	failures := e.failures
	if failures < m.cfg.FailureThreshold {
		e.mu.Unlock()
		m.logger.Debug("Ping failed",
			zap.Stringer("address", e.addr),
			zap.Int("failures", failures),
			zap.Error(err))
		if m.observer != nil {
			m.observer.PingFailed(e.addr)
		}
		return
	}

	prev := e.state
	e.state = StateDisconnected
	e.conn = nil
	e.mu.Unlock()

	if m.observer != nil {
		m.observer.PingFailed(e.addr)
	}
	if cerr := conn.Close(); cerr != nil {
		m.logger.Debug("Failed to close connection", zap.Stringer("address", e.addr), zap.Error(cerr))
	}
	m.logger.Warn("Node disconnected after failed pings",
		zap.Stringer("address", e.addr),
		zap.Stringer("previous_state", prev),
		zap.Int("failures", failures),
		zap.Error(err))
	m.rebuild()
}

// attempt dials, handshakes and classifies the node. The caller must have set
// e.attempting.
func (m *Manager) attempt(ctx context.Context, e *entry) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	conn, err := m.dial(ctx, e.addr)
	var identity transport.Identity
	if err == nil {
		identity, err = conn.Handshake(ctx)
		if err != nil {
			conn.Close()
			conn = nil
		}
	}
	var filterErr error
	if err == nil {
		filterErr = m.cfg.Filter(identity)
	}

	e.mu.Lock()
	e.attempting = false
	if e.removed {
		e.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	switch {
	case err != nil:
		e.state = StateDisconnected
		e.failures++
		e.lastErr = err.Error()
	case filterErr != nil:
		e.state = StateFiltered
		e.conn = conn
		e.identity = identity
		e.failures = 0
		e.lastErr = filterErr.Error()
		e.lastSeen = m.clock.Now()
	default:
		e.state = StateConnected
		e.conn = conn
		e.identity = identity
		e.failures = 0
		e.lastErr = ""
		e.lastSeen = m.clock.Now()
	}
	state := e.state
	e.mu.Unlock()

	if m.observer != nil {
		m.observer.ConnectAttempt(state)
	}

	switch state {
	case StateConnected:
		m.logger.Info("Node connected",
			zap.Stringer("address", e.addr),
			zap.String("node_id", identity.NodeID),
			zap.String("cluster_name", identity.ClusterName),
			zap.String("version", identity.Version))
	case StateFiltered:
		m.logger.Warn("Node filtered",
			zap.Stringer("address", e.addr),
			zap.String("node_id", identity.NodeID),
			zap.Error(filterErr))
	default:
		m.logger.Debug("Failed to connect to node", zap.Stringer("address", e.addr), zap.Error(err))
	}
	m.rebuild()
}

// abandonAttempt leaves a node whose attempt could not be scheduled to the sampling cycle
func (m *Manager) abandonAttempt(e *entry, err error) {
	e.mu.Lock()
	e.attempting = false
	if !e.removed {
		e.state = StateDisconnected
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
}
