package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Action describes a request kind the client may dispatch
type Action struct {
	Name string
	// Timeout overrides the dispatcher's request timeout when set
	Timeout time.Duration
}

// ActionRegistry maps request kinds to their actions
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates a registry holding the given actions
func NewActionRegistry(actions ...Action) (*ActionRegistry, error) {
	r := &ActionRegistry{actions: make(map[string]Action)}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an action. Names must be unique.
func (r *ActionRegistry) Register(a Action) error {
	if a.Name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if a.Timeout < 0 {
		return fmt.Errorf("action [%s] has negative timeout", a.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Name]; exists {
		return fmt.Errorf("action [%s] already registered", a.Name)
	}
	r.actions[a.Name] = a
	return nil
}

// Lookup returns the action registered under kind
func (r *ActionRegistry) Lookup(kind string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[kind]
	return a, ok
}

// Kinds returns the registered kinds sorted by name
func (r *ActionRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
