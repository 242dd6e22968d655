package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/presence"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
	"github.com/fenggwsx/RoomRelay/internal/registry"
)

// ErrNoRoute is returned when the owning gateway of a client is not linked
// but may still come back.
var ErrNoRoute = errors.New("no route to client")

// router delivers replies over the link of the gateway owning each client.
//
// A linked gateway's client set (announced in its hello, extended by every
// envelope it forwards) is authoritative. Presence records are consulted
// for everyone else. A client is only reported gone once its gateway has
// been unlinked for the grace period, or, without any record, once the
// router itself has been up that long so every live gateway had a chance
// to relink and announce.
type router struct {
	mu       sync.RWMutex
	gateways map[string]*gatewayConn
	owned    map[*gatewayConn]map[string]struct{}
	lost     map[string]time.Time
	presence presence.Table
	grace    time.Duration
	started  time.Time
	now      func() time.Time
	logger   *zap.Logger
}

func newRouter(table presence.Table, grace time.Duration, logger *zap.Logger) *router {
	return &router{
		gateways: make(map[string]*gatewayConn),
		owned:    make(map[*gatewayConn]map[string]struct{}),
		lost:     make(map[string]time.Time),
		presence: table,
		grace:    grace,
		started:  time.Now(),
		now:      time.Now,
		logger:   logger,
	}
}

func (r *router) add(g *gatewayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(g)
}

func (r *router) addLocked(g *gatewayConn) {
	id := g.gatewayID()
	if previous, ok := r.gateways[id]; ok && previous != g {
		r.logger.Warn("gateway id reused, replacing link", zap.String("gateway", id))
		delete(r.owned, previous)
		previous.close()
	}
	r.gateways[id] = g
	delete(r.lost, id)
	if _, ok := r.owned[g]; !ok {
		r.owned[g] = make(map[string]struct{})
	}
}

// rename re-keys g after its hello frame names it.
func (r *router) rename(g *gatewayConn, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.gateways[g.gatewayID()]; ok && current == g {
		delete(r.gateways, g.gatewayID())
	}
	g.setGatewayID(id)
	r.addLocked(g)
}

func (r *router) remove(g *gatewayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owned, g)
	if current, ok := r.gateways[g.gatewayID()]; ok && current == g {
		delete(r.gateways, g.gatewayID())
		r.lost[g.gatewayID()] = r.now()
	}
}

func (r *router) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.gateways)
}

// announce replaces the client set of g and records each route.
func (r *router) announce(ctx context.Context, g *gatewayConn, clients []string) {
	set := make(map[string]struct{}, len(clients))
	for _, id := range clients {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	if _, linked := r.owned[g]; linked {
		r.owned[g] = set
	}
	r.mu.Unlock()

	for _, id := range clients {
		if err := r.presence.Set(ctx, id, g.gatewayID()); err != nil {
			r.logger.Warn("presence update failed", zap.String("client_id", id), zap.Error(err))
		}
	}
}

// observe records that g forwarded traffic for clientID.
func (r *router) observe(ctx context.Context, g *gatewayConn, clientID string) {
	r.mu.Lock()
	if set, linked := r.owned[g]; linked {
		set[clientID] = struct{}{}
	}
	r.mu.Unlock()

	if err := r.presence.Set(ctx, clientID, g.gatewayID()); err != nil {
		r.logger.Warn("presence update failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// Remove forgets every route to clientID.
func (r *router) Remove(ctx context.Context, clientID string) error {
	r.mu.Lock()
	for _, set := range r.owned {
		delete(set, clientID)
	}
	r.mu.Unlock()
	return r.presence.Remove(ctx, clientID)
}

// Deliver sends reply to the gateway owning reply.ID.
func (r *router) Deliver(ctx context.Context, reply protocol.Reply) error {
	target, err := r.resolve(ctx, reply.ID)
	if err != nil {
		return err
	}

	frame, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return target.send(ctx, frame)
}

func (r *router) resolve(ctx context.Context, clientID string) (*gatewayConn, error) {
	if g := r.owner(clientID); g != nil {
		return g, nil
	}

	gatewayID, ok, err := r.presence.Lookup(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("presence lookup: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !ok {
		if r.now().Sub(r.started) < r.grace {
			return nil, ErrNoRoute
		}
		return nil, &registry.NoSuchClientError{ClientID: clientID}
	}
	if g, linked := r.gateways[gatewayID]; linked {
		return g, nil
	}

	since, wasLinked := r.lost[gatewayID]
	if !wasLinked || since.Before(r.started) {
		since = r.started
	}
	if r.now().Sub(since) < r.grace {
		return nil, fmt.Errorf("%w: gateway %s not linked", ErrNoRoute, gatewayID)
	}
	return nil, &registry.NoSuchClientError{ClientID: clientID}
}

func (r *router) owner(clientID string) *gatewayConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for g, set := range r.owned {
		if _, ok := set[clientID]; ok {
			return g
		}
	}
	return nil
}
