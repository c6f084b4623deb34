package transport

import (
	"context"
	"errors"
	"sync"
)

// FakeNetwork is an in-memory set of scripted nodes used by tests
type FakeNetwork struct {
	mu    sync.Mutex
	nodes map[Address]*FakeNode
	dials int
}

// NewFakeNetwork creates an empty FakeNetwork
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{nodes: make(map[Address]*FakeNode)}
}

// AddNode registers a reachable node at addr
func (n *FakeNetwork) AddNode(addr Address, identity Identity) *FakeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := &FakeNode{
		addr:     addr,
		identity: identity,
		handler: func(ctx context.Context, body []byte) ([]byte, error) {
			return body, nil
		},
	}
	n.nodes[addr] = node
	return node
}

// Node returns the node registered at addr, or nil
func (n *FakeNetwork) Node(addr Address) *FakeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

// Dials returns the number of dial attempts made against the network
func (n *FakeNetwork) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Dialer returns a Dialer connecting to the network's nodes
func (n *FakeNetwork) Dialer() Dialer {
	return func(ctx context.Context, addr Address) (Conn, error) {
		n.mu.Lock()
		n.dials++
		node := n.nodes[addr]
		n.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, &ConnectionError{Address: addr, Err: err}
		}
		if node == nil {
			return nil, &ConnectionError{Address: addr, Err: errors.New("connection refused")}
		}
		return node.dial()
	}
}

// FakeNode is a scripted node on a FakeNetwork
type FakeNode struct {
	addr Address

	mu           sync.Mutex
	identity     Identity
	refuse       bool
	handshakeErr error
	pingErr      error
	dropOnSend   bool
	sendErr      error
	handler      ActionHandler
	handlers     map[string]ActionHandler
	dials        int
	pings        int
	sends        int
	conns        []*FakeConn
}

// SetRefuse makes subsequent dials fail
func (f *FakeNode) SetRefuse(refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = refuse
}

// SetIdentity changes the identity reported by subsequent handshakes
func (f *FakeNode) SetIdentity(identity Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = identity
}

// SetHandshakeError makes handshakes fail with err; nil clears it
func (f *FakeNode) SetHandshakeError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handshakeErr = err
}

// SetPingError makes pings fail with err; nil clears it
func (f *FakeNode) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// SetDropOnSend makes the connection drop while a request is in flight
func (f *FakeNode) SetDropOnSend(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropOnSend = drop
}

// SetSendError makes sends that reach the node fail with err as is; nil clears it
func (f *FakeNode) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetHandler serves every kind with h; the default echoes the request body
func (f *FakeNode) SetHandler(h ActionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	f.handlers = nil
}

// SetHandlers serves requests by kind like a Server does; unknown kinds fail
// with a 404 application error
func (f *FakeNode) SetHandlers(handlers map[string]ActionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = make(map[string]ActionHandler, len(handlers))
	for kind, h := range handlers {
		f.handlers[kind] = h
	}
}

// Dials returns the number of successful dials
func (f *FakeNode) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Pings returns the number of pings received
func (f *FakeNode) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Sends returns the number of requests that reached the handler
func (f *FakeNode) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// OpenConns returns the number of connections not yet closed
func (f *FakeNode) OpenConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, c := range f.conns {
		if !c.Closed() {
			open++
		}
	}
	return open
}

// DropConnections closes every open connection to the node
func (f *FakeNode) DropConnections() {
	f.mu.Lock()
	conns := append([]*FakeConn(nil), f.conns...)
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (f *FakeNode) dial() (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return nil, &ConnectionError{Address: f.addr, Err: errors.New("connection refused")}
	}
	f.dials++
	conn := &FakeConn{node: f, done: make(chan struct{})}
	f.conns = append(f.conns, conn)
	return conn, nil
}

// FakeConn is a connection to a FakeNode
type FakeConn struct {
	node *FakeNode

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Handshake returns the node identity
func (c *FakeConn) Handshake(ctx context.Context) (Identity, error) {
	if c.Closed() {
		return Identity{}, c.closedErr()
	}
	c.node.mu.Lock()
	defer c.node.mu.Unlock()
	if c.node.handshakeErr != nil {
		return Identity{}, &ConnectionError{Address: c.node.addr, Err: c.node.handshakeErr}
	}
	return c.node.identity, nil
}

// Ping fails when the connection is closed or the node is scripted to fail pings
func (c *FakeConn) Ping(ctx context.Context) error {
	if c.Closed() {
		return c.closedErr()
	}
	c.node.mu.Lock()
	defer c.node.mu.Unlock()
	c.node.pings++
	if c.node.pingErr != nil {
		return &ConnectionError{Address: c.node.addr, Err: c.node.pingErr}
	}
	return nil
}

// Send runs the node handler on a new goroutine
func (c *FakeConn) Send(ctx context.Context, req Request, handler ResponseHandler) {
	go func() {
		handler(c.send(ctx, req))
	}()
}

func (c *FakeConn) send(ctx context.Context, req Request) (Response, error) {
	if c.Closed() {
		return Response{}, c.closedErr()
	}

	c.node.mu.Lock()
	drop := c.node.dropOnSend
	sendErr := c.node.sendErr
	h := c.node.handler
	if c.node.handlers != nil {
		h = c.node.handlers[req.Kind]
	}
	nodeID := c.node.identity.NodeID
	if !drop {
		c.node.sends++
	}
	c.node.mu.Unlock()

	if drop {
		c.Close()
		return Response{}, c.closedErr()
	}
	if sendErr != nil {
		return Response{}, sendErr
	}
	if h == nil {
		return Response{}, &ApplicationError{NodeID: nodeID, Status: 404, Message: "unknown action [" + req.Kind + "]"}
	}

	type result struct {
		body []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		body, err := h(ctx, req.Body)
		resCh <- result{body: body, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			var appErr *ApplicationError
			if !errors.As(res.err, &appErr) {
				appErr = &ApplicationError{NodeID: nodeID, Status: 500, Message: res.err.Error()}
			}
			return Response{}, appErr
		}
		return Response{NodeID: nodeID, Body: res.body}, nil
	case <-c.done:
		return Response{}, c.closedErr()
	case <-ctx.Done():
		return Response{}, &ConnectionError{Address: c.node.addr, Err: ctx.Err()}
	}
}

// Close closes the connection; pending sends fail with ErrConnectionClosed
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Closed reports whether Close has been called
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) closedErr() error {
	return &ConnectionError{Address: c.node.addr, Err: ErrConnectionClosed}
}
