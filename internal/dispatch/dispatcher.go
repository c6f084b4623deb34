// Package dispatch routes requests to connected nodes. Nodes are picked
// round-robin from the connected snapshot taken when the request is issued;
// connection-level failures move the request on to the next node in rotation
// while error responses from a node are handed back unchanged.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/nodes"
	"github.com/arohanajit/nodeclient/internal/transport"
)

const defaultRequestTimeout = 30 * time.Second

// Dispatch outcomes reported to the Observer
const (
	OutcomeSuccess          = "success"
	OutcomeApplicationError = "application_error"
	OutcomeFailed           = "failed"
	OutcomeNoNodes          = "no_nodes"
	OutcomeExhausted        = "exhausted"
	OutcomeUnknownAction    = "unknown_action"
	OutcomeClosed           = "closed"
	OutcomeCanceled         = "canceled"
)

// NodeSource supplies the connected nodes
type NodeSource interface {
	Targets() []nodes.Target
	ConnectionLost(t nodes.Target, err error)
	ListedNodes() []transport.Address
}

// Observer is notified about dispatch outcomes
type Observer interface {
	Dispatched(kind, outcome string, duration time.Duration)
	Retried(kind string)
}

// Config holds the Dispatcher settings
type Config struct {
	// MaxAttempts caps the nodes tried per request. Zero tries every connected node once.
	MaxAttempts    int
	RequestTimeout time.Duration
	Observer       Observer
	Clock          clock.Clock
}

// Dispatcher sends requests to one connected node at a time
type Dispatcher struct {
	nodes   NodeSource
	actions *ActionRegistry
	cfg     Config
	logger  *zap.Logger

	cursor atomic.Uint64
	closed atomic.Bool
}

// NewDispatcher creates a Dispatcher over the given node source and actions
func NewDispatcher(cfg Config, source NodeSource, actions *ActionRegistry, logger *zap.Logger) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		nodes:   source,
		actions: actions,
		cfg:     cfg,
		logger:  logger.Named("dispatch"),
	}
}

// Execute sends a request of the given kind to a connected node. It does not
// wait for the response: handler is invoked exactly once, on the caller's
// goroutine for failures detected before sending and on a connection goroutine
// otherwise.
func (d *Dispatcher) Execute(ctx context.Context, kind string, body []byte, handler transport.ResponseHandler) {
	start := d.cfg.Clock.Now()
	var once sync.Once
	finish := func(outcome string, resp transport.Response, err error) {
		once.Do(func() {
			if d.cfg.Observer != nil {
				d.cfg.Observer.Dispatched(kind, outcome, d.cfg.Clock.Since(start))
			}
			handler(resp, err)
		})
	}

	if d.closed.Load() {
		finish(OutcomeClosed, transport.Response{}, ErrClosed)
		return
	}

	action, ok := d.actions.Lookup(kind)
	if !ok {
		finish(OutcomeUnknownAction, transport.Response{}, fmt.Errorf("%w: [%s]", ErrUnknownAction, kind))
		return
	}

	targets := d.nodes.Targets()
	if len(targets) == 0 {
		finish(OutcomeNoNodes, transport.Response{}, fmt.Errorf("%w, configured addresses %v",
			ErrNoNodesAvailable, d.nodes.ListedNodes()))
		return
	}

	timeout := d.cfg.RequestTimeout
	if action.Timeout > 0 {
		timeout = action.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req := transport.Request{
		ID:   uuid.New().String(),
		Kind: kind,
		Body: body,
	}

	limit := len(targets)
	if d.cfg.MaxAttempts > 0 && d.cfg.MaxAttempts < limit {
		limit = d.cfg.MaxAttempts
	}

	r := &round{
		d:       d,
		ctx:     reqCtx,
		req:     req,
		targets: targets,
		first:   d.cursor.Add(1) - 1,
		limit:   limit,
		finish: func(outcome string, resp transport.Response, err error) {
			cancel()
			finish(outcome, resp, err)
		},
	}
	r.try(0)
}

// Do is the blocking form of Execute
func (d *Dispatcher) Do(ctx context.Context, kind string, body []byte) (transport.Response, error) {
	type outcome struct {
		resp transport.Response
		err  error
	}
	ch := make(chan outcome, 1)
	d.Execute(ctx, kind, body, func(resp transport.Response, err error) {
		ch <- outcome{resp: resp, err: err}
	})

	select {
	case o := <-ch:
		return o.resp, o.err
	case <-ctx.Done():
		return transport.Response{}, ctx.Err()
	}
}

// Close stops accepting requests. Requests already sent complete on their own.
func (d *Dispatcher) Close() {
	if d.closed.CompareAndSwap(false, true) {
		d.logger.Info("Dispatcher closed")
	}
}

// round tracks the attempts of a single request
type round struct {
	d       *Dispatcher
	ctx     context.Context
	req     transport.Request
	targets []nodes.Target
	first   uint64
	limit   int
	errs    []error
	finish  func(outcome string, resp transport.Response, err error)
}

func (r *round) try(attempt int) {
	for ; attempt < r.limit; attempt++ {
		target := r.targets[(r.first+uint64(attempt))%uint64(len(r.targets))]
		if !target.Usable() {
			// removed or disconnected since the snapshot was taken
			r.errs = append(r.errs, &transport.ConnectionError{
				Address: target.Node.Address,
				Err:     transport.ErrConnectionClosed,
			})
			continue
		}

		next := attempt + 1
		target.Conn.Send(r.ctx, r.req, func(resp transport.Response, err error) {
			r.handle(target, next, resp, err)
		})
		return
	}

	r.finish(OutcomeExhausted, transport.Response{}, &ExhaustedError{Kind: r.req.Kind, Errors: r.errs})
}

func (r *round) handle(target nodes.Target, next int, resp transport.Response, err error) {
	if err == nil {
		r.finish(OutcomeSuccess, resp, nil)
		return
	}
	if !transport.IsConnectionError(err) {
		// the node handled the request, so it is never retried
		outcome := OutcomeFailed
		if transport.IsApplicationError(err) {
			outcome = OutcomeApplicationError
		}
		r.finish(outcome, transport.Response{}, err)
		return
	}

	r.d.nodes.ConnectionLost(target, err)
	if r.ctx.Err() != nil {
		r.finish(OutcomeCanceled, transport.Response{}, err)
		return
	}

	r.errs = append(r.errs, err)
	if next < r.limit {
		if r.d.cfg.Observer != nil {
			r.d.cfg.Observer.Retried(r.req.Kind)
		}
		r.d.logger.Debug("Retrying request on next node",
			zap.String("request_id", r.req.ID),
			zap.String("kind", r.req.Kind),
			zap.Stringer("failed_node", target.Node.Address),
			zap.Error(err))
	}
	r.try(next)
}
