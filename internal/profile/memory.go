package profile

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/conductor/internal/cluster"
)

// Hook intercepts a memory driver operation. Returning an error fails it;
// blocking delays it.
type Hook func(ctx context.Context, op string, n *cluster.Node) error

// MemoryDriver keeps fake servers in a map. It backs development setups and
// tests, where Hook injects failures and delays.
type MemoryDriver struct {
	mu      sync.Mutex
	servers map[string]cluster.NodeStatus
	calls   []string
	hook    Hook
}

// NewMemoryDriver returns an empty memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{servers: map[string]cluster.NodeStatus{}}
}

// SetHook installs h for every subsequent operation.
func (m *MemoryDriver) SetHook(h Hook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// SetStatus overrides the status reported for a physical id.
func (m *MemoryDriver) SetStatus(physicalID string, s cluster.NodeStatus) {
	m.mu.Lock()
	m.servers[physicalID] = s
	m.mu.Unlock()
}

// Servers returns the number of live fake servers.
func (m *MemoryDriver) Servers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}

// Calls returns "op:node" entries in call order.
func (m *MemoryDriver) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MemoryDriver) before(ctx context.Context, op string, n *cluster.Node) error {
	m.mu.Lock()
	m.calls = append(m.calls, op+":"+n.ID)
	h := m.hook
	m.mu.Unlock()
	if h != nil {
		if err := h(ctx, op, n); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (m *MemoryDriver) Create(ctx context.Context, n *cluster.Node) (string, string, error) {
	if err := m.before(ctx, OpCreate, n); err != nil {
		return "", "", err
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.servers[id] = cluster.NodeActive
	m.mu.Unlock()
	return id, "", nil
}

func (m *MemoryDriver) Delete(ctx context.Context, n *cluster.Node) error {
	if err := m.before(ctx, OpDelete, n); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.servers, n.PhysicalID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDriver) Reboot(ctx context.Context, n *cluster.Node) error {
	if err := m.before(ctx, OpReboot, n); err != nil {
		return err
	}
	return m.reset(n.PhysicalID)
}

func (m *MemoryDriver) Rebuild(ctx context.Context, n *cluster.Node) error {
	if err := m.before(ctx, OpRebuild, n); err != nil {
		return err
	}
	return m.reset(n.PhysicalID)
}

func (m *MemoryDriver) Recreate(ctx context.Context, n *cluster.Node) (string, string, error) {
	if err := m.before(ctx, OpRecreate, n); err != nil {
		return "", "", err
	}
	id := uuid.NewString()
	m.mu.Lock()
	delete(m.servers, n.PhysicalID)
	m.servers[id] = cluster.NodeActive
	m.mu.Unlock()
	return id, "", nil
}

func (m *MemoryDriver) Status(ctx context.Context, n *cluster.Node) (cluster.NodeStatus, error) {
	if err := m.before(ctx, OpStatus, n); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[n.PhysicalID]
	if !ok {
		return cluster.NodeError, nil
	}
	return s, nil
}

func (m *MemoryDriver) reset(physicalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[physicalID]; !ok {
		return fmt.Errorf("server %s not found", physicalID)
	}
	m.servers[physicalID] = cluster.NodeActive
	return nil
}
