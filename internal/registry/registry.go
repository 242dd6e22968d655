// Package registry maps client ids to their live gateway connections.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

const (
	// ClosePolicyViolation is the close code used when the service drops a client.
	ClosePolicyViolation = 1008
	// CloseReasonDisconnected accompanies ClosePolicyViolation.
	CloseReasonDisconnected = "disconnected from service"
)

// Handle is a writable client transport.
type Handle interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// NoSuchClientError is returned when a reply targets an unregistered client.
type NoSuchClientError struct {
	ClientID string
}

func (e *NoSuchClientError) Error() string {
	return fmt.Sprintf("no such client: %s", e.ClientID)
}

// IsNoSuchClient reports whether err wraps a NoSuchClientError.
func IsNoSuchClient(err error) bool {
	var target *NoSuchClientError
	return errors.As(err, &target)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Handle
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients: make(map[string]Handle),
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Register stores handle under clientID, closing any handle it replaces.
func (r *Registry) Register(clientID string, handle Handle) {
	r.mu.Lock()
	previous, ok := r.clients[clientID]
	r.clients[clientID] = handle
	r.mu.Unlock()

	if ok && previous != handle {
		r.closeHandle(clientID, previous)
	}
}

// Deregister closes and removes the client. It reports whether an entry existed.
func (r *Registry) Deregister(clientID string) bool {
	r.mu.Lock()
	handle, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	if ok {
		r.closeHandle(clientID, handle)
	}
	return ok
}

// Lookup returns the handle registered for clientID.
func (r *Registry) Lookup(clientID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.clients[clientID]
	return handle, ok
}

// IDs returns the registered client ids in no particular order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SendOrReport serializes reply and writes it to the target client. A
// missing client yields *NoSuchClientError; a failed write deregisters it.
func (r *Registry) SendOrReport(ctx context.Context, clientID string, reply protocol.Reply) error {
	handle, ok := r.Lookup(clientID)
	if !ok {
		return &NoSuchClientError{ClientID: clientID}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	if err := handle.Send(ctx, data); err != nil {
		r.Deregister(clientID)
		return fmt.Errorf("send to %s: %w", clientID, err)
	}
	return nil
}

func (r *Registry) closeHandle(clientID string, handle Handle) {
	if err := handle.Close(ClosePolicyViolation, CloseReasonDisconnected); err != nil {
		r.logger.Debug("close handle", zap.String("client_id", clientID), zap.Error(err))
	}
}
