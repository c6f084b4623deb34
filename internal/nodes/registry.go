package nodes

import (
	"sync"

	"github.com/arohanajit/nodeclient/internal/transport"
)

// Registry is the ordered set of listed addresses. It performs no I/O.
type Registry struct {
	mu    sync.RWMutex
	order []transport.Address
	index map[transport.Address]struct{}
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[transport.Address]struct{}),
	}
}

// Add inserts the addresses that are not yet listed and returns them in order
func (r *Registry) Add(addrs ...transport.Address) []transport.Address {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := make([]transport.Address, 0, len(addrs))
	for _, addr := range addrs {
		if _, exists := r.index[addr]; exists {
			continue
		}
		r.index[addr] = struct{}{}
		r.order = append(r.order, addr)
		added = append(added, addr)
	}
	return added
}

// Remove deletes addr and reports whether it was listed
func (r *Registry) Remove(addr transport.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[addr]; !exists {
		return false
	}
	delete(r.index, addr)

	order := make([]transport.Address, 0, len(r.order)-1)
	for _, a := range r.order {
		if a != addr {
			order = append(order, a)
		}
	}
	r.order = order
	return true
}

// List returns a copy of the listed addresses in insertion order
func (r *Registry) List() []transport.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]transport.Address, len(r.order))
	copy(list, r.order)
	return list
}

// Len returns the number of listed addresses
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
