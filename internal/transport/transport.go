package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a host:port endpoint of a server node
type Address struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ParseAddress parses an address of the form host:port
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("invalid address %q: missing host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid address %q: bad port", s)
	}

	return Address{Host: host, Port: port}, nil
}

// ParseAddresses parses a list of host:port strings, failing on the first bad entry
func ParseAddresses(list []string) ([]Address, error) {
	addrs := make([]Address, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// String returns the host:port form of the address
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Identity is what a server node reports about itself during the handshake
type Identity struct {
	NodeID      string `json:"node_id"`
	Name        string `json:"name"`
	ClusterName string `json:"cluster_name"`
	Version     string `json:"version"`
}

// Request is an opaque request of a given kind
type Request struct {
	ID   string
	Kind string
	Body []byte
}

// Response is the body a node returned for a request
type Response struct {
	NodeID string
	Body   []byte
}

// ResponseHandler receives the outcome of a Send. It is invoked exactly once.
type ResponseHandler func(Response, error)

// Conn is a connection to a single server node
type Conn interface {
	// Handshake asks the node for its identity
	Handshake(ctx context.Context) (Identity, error)
	// Ping is a lightweight liveness check
	Ping(ctx context.Context) error
	// Send delivers the request without blocking on the round trip.
	// The handler runs on a goroutine owned by the connection.
	Send(ctx context.Context, req Request, handler ResponseHandler)
	// Close releases the connection. Pending sends fail with ErrConnectionClosed.
	Close() error
}

// Dialer opens a connection to the node at addr
type Dialer func(ctx context.Context, addr Address) (Conn, error)
