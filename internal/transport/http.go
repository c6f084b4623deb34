package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const (
	infoPath        = "/_node/info"
	healthPath      = "/_node/health"
	actionPrefix    = "/_node/actions/"
	requestIDHeader = "X-Request-ID"
	nodeIDHeader    = "X-Node-ID"
	maxResponseSize = 10 * 1024 * 1024
)

// errorBody is the JSON body a node sends with a non-2xx status
type errorBody struct {
	Error string `json:"error"`
}

// HTTPConn is a Conn speaking the node HTTP protocol
type HTTPConn struct {
	addr   Address
	client *http.Client

	// ctx is canceled by Close so that in-flight requests fail instead of hanging
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewHTTPDialer returns a Dialer that opens HTTPConns. The dial succeeds once the
// node answers its health endpoint within the context deadline.
func NewHTTPDialer(client *http.Client) Dialer {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, addr Address) (Conn, error) {
		conn := NewHTTPConn(addr, client)
		if err := conn.Ping(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// NewHTTPConn creates a connection to addr without contacting it
func NewHTTPConn(addr Address, client *http.Client) *HTTPConn {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPConn{
		addr:   addr,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handshake fetches the node identity
func (c *HTTPConn) Handshake(ctx context.Context) (Identity, error) {
	var identity Identity
	resp, err := c.do(ctx, http.MethodGet, infoPath, nil, "")
	if err != nil {
		return identity, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return identity, &ConnectionError{Address: c.addr, Err: fmt.Errorf("handshake failed: status code %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return identity, &ConnectionError{Address: c.addr, Err: fmt.Errorf("failed to decode identity: %w", err)}
	}
	return identity, nil
}

// Ping checks the node health endpoint
func (c *HTTPConn) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, healthPath, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Consider any non-2xx status code as unhealthy
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ConnectionError{Address: c.addr, Err: fmt.Errorf("health check failed: status code %d", resp.StatusCode)}
	}
	return nil
}

// Send posts the request to the node's action endpoint on a separate goroutine
func (c *HTTPConn) Send(ctx context.Context, req Request, handler ResponseHandler) {
	go func() {
		handler(c.send(ctx, req))
	}()
}

func (c *HTTPConn) send(ctx context.Context, req Request) (Response, error) {
	resp, err := c.do(ctx, http.MethodPost, actionPrefix+req.Kind, req.Body, req.ID)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	nodeID := resp.Header.Get(nodeIDHeader)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return Response{}, c.connectionError(err)
	}
	if len(body) > maxResponseSize {
		return Response{}, fmt.Errorf("node %s answered %s: %w (limit %d bytes)", nodeID, req.Kind, ErrResponseTooLarge, maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
			eb.Error = string(body)
		}
		return Response{}, &ApplicationError{NodeID: nodeID, Status: resp.StatusCode, Message: eb.Error}
	}

	return Response{NodeID: nodeID, Body: body}, nil
}

// Close cancels all in-flight requests. It is safe to call more than once.
func (c *HTTPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return nil
}

func (c *HTTPConn) do(ctx context.Context, method, path string, body []byte, requestID string) (*http.Response, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, &ConnectionError{Address: c.addr, Err: ErrConnectionClosed}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)

	url := fmt.Sprintf("http://%s%s", c.addr, path)
	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if requestID != "" {
		req.Header.Set(requestIDHeader, requestID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, c.connectionError(err)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, release: func() {
		stop()
		cancel()
	}}
	return resp, nil
}

func (c *HTTPConn) connectionError(err error) error {
	if c.ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
		err = ErrConnectionClosed
	}
	return &ConnectionError{Address: c.addr, Err: err}
}

// cancelOnClose releases the request context once the body is closed
type cancelOnClose struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
