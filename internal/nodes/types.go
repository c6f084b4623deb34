package nodes

import (
	"time"

	"github.com/arohanajit/nodeclient/internal/transport"
)

// State is the connection state of a node
type State int

const (
	// StateConnecting indicates a connection attempt is in progress
	StateConnecting State = iota
	// StateConnected indicates the node is reachable, compatible and eligible for dispatch
	StateConnected
	// StateFiltered indicates the node is reachable but failed the identity filter
	StateFiltered
	// StateDisconnected indicates the node is unreachable and will be retried
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFiltered:
		return "filtered"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Node is a point-in-time view of a listed address and its connection state
type Node struct {
	Address             transport.Address  `json:"address"`
	Identity            transport.Identity `json:"identity"`
	State               State              `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	LastSeen            time.Time          `json:"last_seen"`
}

// Target is a connected node together with the connection to send on
type Target struct {
	Node Node
	Conn transport.Conn

	entry *entry
}

// Usable reports whether the target's connection is still the node's live connection
func (t Target) Usable() bool {
	if t.entry == nil {
		return t.Conn != nil
	}
	return t.entry.holds(t.Conn)
}
