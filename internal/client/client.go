// Package client is the entry point applications use to talk to a cluster of
// nodes. It owns the node manager and the dispatcher, wires them to a shared
// scheduler, and tears them down in order on Close.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/config"
	"github.com/arohanajit/nodeclient/internal/dispatch"
	"github.com/arohanajit/nodeclient/internal/metrics"
	"github.com/arohanajit/nodeclient/internal/nodes"
	"github.com/arohanajit/nodeclient/internal/scheduler"
	"github.com/arohanajit/nodeclient/internal/storage"
	"github.com/arohanajit/nodeclient/internal/transport"
)

// ErrClosed is returned by address operations after Close
var ErrClosed = errors.New("client closed")

// Option customizes a Client
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.ClientMetrics
	filter  nodes.Filter
	actions []dispatch.Action
}

// WithLogger sets the logger for the client and its components
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics reports node and dispatch activity to m
func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithFilter replaces the filter derived from the configuration
func WithFilter(f nodes.Filter) Option {
	return func(o *options) { o.filter = f }
}

// WithActions registers request kinds in addition to the defaults
func WithActions(actions ...dispatch.Action) Option {
	return func(o *options) { o.actions = append(o.actions, actions...) }
}

// DefaultActions are the request kinds every client can send
func DefaultActions() []dispatch.Action {
	actions := []dispatch.Action{{Name: transport.KindNodeInfo}}
	for _, kind := range storage.Kinds {
		actions = append(actions, dispatch.Action{Name: kind})
	}
	return actions
}

// Client sends requests to a changing set of nodes
type Client struct {
	cfg        config.ClientConfig
	manager    *nodes.Manager
	dispatcher *dispatch.Dispatcher
	actions    *dispatch.ActionRegistry
	sched      *scheduler.Scheduler
	ownSched   bool
	logger     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds a client, starts node sampling and lists cfg.Addresses.
// A nil sched makes the client create and own its scheduler.
func New(cfg config.ClientConfig, dialer transport.Dialer, sched *scheduler.Scheduler, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}

	o := options{filter: cfg.Filter()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	logger := o.logger.Named("client")

	actions, err := dispatch.NewActionRegistry(append(DefaultActions(), o.actions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to register actions: %w", err)
	}

	addrs, err := cfg.ListedAddresses()
	if err != nil {
		return nil, err
	}

	ownSched := sched == nil
	if ownSched {
		sched = scheduler.New(cfg.SchedulerWorkers, nil, o.logger)
	}

	nodeCfg := nodes.Config{
		ConnectTimeout:    cfg.ConnectTimeout,
		PingTimeout:       cfg.PingTimeout,
		PingInterval:      cfg.PingInterval,
		FailureThreshold:  cfg.PingFailureThreshold,
		SampleConcurrency: cfg.SampleConcurrency,
		Filter:            o.filter,
	}
	dispatchCfg := dispatch.Config{
		MaxAttempts:    cfg.MaxAttempts,
		RequestTimeout: cfg.RequestTimeout,
		Clock:          sched.Clock(),
	}
	if o.metrics != nil {
		nodeCfg.Observer = o.metrics
		dispatchCfg.Observer = o.metrics
	}

	manager := nodes.NewManager(nodeCfg, dialer, sched, o.logger)
	c := &Client{
		cfg:        cfg,
		manager:    manager,
		dispatcher: dispatch.NewDispatcher(dispatchCfg, manager, actions, o.logger),
		actions:    actions,
		sched:      sched,
		ownSched:   ownSched,
		logger:     logger,
	}

	if err := manager.Start(); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to start node sampling: %w", err), c.Close())
	}
	if len(addrs) > 0 {
		if err := manager.AddAddresses(addrs...); err != nil {
			// Addresses stay listed; sampling retries the connection.
			logger.Warn("Initial connection attempts not scheduled", zap.Error(err))
		}
	}

	logger.Info("Client started",
		zap.String("cluster", cfg.ClusterName),
		zap.Int("addresses", len(addrs)),
		zap.Strings("actions", actions.Kinds()))
	return c, nil
}

// AddAddress lists one address
func (c *Client) AddAddress(addr transport.Address) error {
	return c.AddAddresses(addr)
}

// AddAddresses lists the given addresses; already listed ones are ignored
func (c *Client) AddAddresses(addrs ...transport.Address) error {
	if err := c.manager.AddAddresses(addrs...); err != nil {
		if errors.Is(err, nodes.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return err
	}
	return nil
}

// RemoveAddress unlists addr and closes its connection. It reports whether
// the address was listed.
func (c *Client) RemoveAddress(addr transport.Address) bool {
	return c.manager.RemoveAddress(addr)
}

// ListedNodes returns the listed addresses in insertion order
func (c *Client) ListedNodes() []transport.Address {
	return c.manager.ListedNodes()
}

// ConnectedNodes returns the nodes requests can be sent to
func (c *Client) ConnectedNodes() []nodes.Node {
	return c.manager.ConnectedNodes()
}

// FilteredNodes returns the reachable nodes rejected by the node filter
func (c *Client) FilteredNodes() []nodes.Node {
	return c.manager.FilteredNodes()
}

// Nodes returns every listed node with its state
func (c *Client) Nodes() []nodes.Node {
	return c.manager.Nodes()
}

// Kinds returns the registered request kinds
func (c *Client) Kinds() []string {
	return c.actions.Kinds()
}

// Execute sends a request without waiting; handler is called exactly once
func (c *Client) Execute(ctx context.Context, kind string, body []byte, handler transport.ResponseHandler) {
	c.dispatcher.Execute(ctx, kind, body, handler)
}

// Do sends a request and waits for its response
func (c *Client) Do(ctx context.Context, kind string, body []byte) (transport.Response, error) {
	return c.dispatcher.Do(ctx, kind, body)
}

// Close stops dispatching, closes every node connection and, if the client
// owns it, the scheduler. Requests in flight fail with a connection closed
// error. Subsequent calls return the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("Starting client shutdown")

		// Step 1: stop accepting new requests
		c.logger.Info("Closing dispatcher")
		c.dispatcher.Close()

		// Step 2: stop sampling and close connections
		c.logger.Info("Closing node connections")
		if err := c.manager.Close(); err != nil {
			c.logger.Warn("Errors closing node connections", zap.Error(err))
			c.closeErr = multierr.Append(c.closeErr, err)
		}

		// Step 3: stop background work
		if c.ownSched {
			c.logger.Info("Stopping scheduler")
			if err := c.sched.Close(); err != nil {
				c.closeErr = multierr.Append(c.closeErr, err)
			}
		}

		c.logger.Info("Client shutdown completed")
	})
	return c.closeErr
}
