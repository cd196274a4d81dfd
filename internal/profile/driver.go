// Package profile defines the driver capability that performs the real
// resource operations behind node actions, and the registry that maps a
// profile's "type-version" key to a driver.
package profile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

// Registry keys of the built-in drivers.
const (
	TypeMemory = "memory-1.0"
	TypeHTTP   = "http-1.0"
)

// Operation names, used by drivers that forward calls and by test hooks.
const (
	OpCreate   = "create"
	OpDelete   = "delete"
	OpReboot   = "reboot"
	OpRebuild  = "rebuild"
	OpRecreate = "recreate"
	OpStatus   = "status"
)

// Driver performs resource operations for one profile type. Only action
// handlers call drivers. Errors are wrapped in action.ErrDriverFailure by
// the caller.
type Driver interface {
	// Create provisions the node and returns its physical id and address.
	Create(ctx context.Context, n *cluster.Node) (physicalID, addr string, err error)
	Delete(ctx context.Context, n *cluster.Node) error
	Reboot(ctx context.Context, n *cluster.Node) error
	Rebuild(ctx context.Context, n *cluster.Node) error
	// Recreate replaces the node and returns the new physical id and address.
	Recreate(ctx context.Context, n *cluster.Node) (physicalID, addr string, err error)
	// Status reports the node's current status as seen by the backend.
	Status(ctx context.Context, n *cluster.Node) (cluster.NodeStatus, error)
}

// Registry maps profile ids to drivers. Profiles are configured at startup;
// nothing is loaded at runtime.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}}
}

// Register binds a profile id to a driver.
func (r *Registry) Register(profileID string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[profileID] = d
}

// Get returns the driver for a profile id.
func (r *Registry) Get(profileID string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[profileID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown profile %q", action.ErrInvalidRequest, profileID)
	}
	return d, nil
}

// Profiles lists registered profile ids in sorted order.
func (r *Registry) Profiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Spec describes a profile in configuration.
type Spec struct {
	ID       string `yaml:"id" validate:"required"`
	Type     string `yaml:"type" validate:"required,oneof=memory-1.0 http-1.0"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Type http-1.0,omitempty,url"`
	Token    string `yaml:"token"`
}

// Build creates the driver for a profile spec.
func Build(s Spec) (Driver, error) {
	switch s.Type {
	case TypeMemory:
		return NewMemoryDriver(), nil
	case TypeHTTP:
		return NewHTTPDriver(s.Endpoint, s.Token), nil
	}
	return nil, fmt.Errorf("%w: unknown profile type %q", action.ErrInvalidRequest, s.Type)
}
