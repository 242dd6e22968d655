// Package presence records which gateway owns each client so replies can be
// routed back over the right link.
package presence

import (
	"context"
	"sync"
)

// Table maps client ids to gateway ids.
type Table interface {
	Set(ctx context.Context, clientID, gatewayID string) error
	Lookup(ctx context.Context, clientID string) (gatewayID string, ok bool, err error)
	Remove(ctx context.Context, clientID string) error
	Close() error
}

// Memory is an in-process Table.
type Memory struct {
	mu     sync.RWMutex
	owners map[string]string
}

// NewMemory creates an empty in-process table.
func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

func (m *Memory) Set(_ context.Context, clientID, gatewayID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[clientID] = gatewayID
	return nil
}

func (m *Memory) Lookup(_ context.Context, clientID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gatewayID, ok := m.owners[clientID]
	return gatewayID, ok, nil
}

func (m *Memory) Remove(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, clientID)
	return nil
}

func (m *Memory) Close() error { return nil }
