// Package backend is the authority process: it accepts gateway links,
// applies client envelopes to session state and routes replies back.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/auth"
	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/presence"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

// Deps are the collaborators an App is built from.
type Deps struct {
	Sessions SessionStore
	Rooms    RoomIndex
	Presence presence.Table
	Auth     auth.Authenticator
	Logger   *zap.Logger
}

// App coordinates gateway links, the worker pool and the dispatcher.
type App struct {
	cfg        config.BackendConfig
	router     *router
	dispatcher *Dispatcher
	pool       *workerPool
	logger     *zap.Logger

	listener  net.Listener
	addrReady chan struct{}
	closeOnce sync.Once
	conns     sync.WaitGroup
}

// NewApp constructs a backend using the provided dependencies.
func NewApp(cfg config.BackendConfig, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	table := deps.Presence
	if table == nil {
		table = presence.NewMemory()
	}

	rt := newRouter(table, cfg.RouteGrace, logger.With(zap.String("component", "router")))
	return &App{
		cfg:    cfg,
		router: rt,
		dispatcher: NewDispatcher(DispatcherOptions{
			Sessions:     deps.Sessions,
			Rooms:        deps.Rooms,
			Outbox:       rt,
			Routes:       rt,
			Auth:         deps.Auth,
			AllowUntyped: cfg.AllowUntyped,
			Logger:       logger,
		}),
		pool:      newWorkerPool(cfg.Workers, cfg.WorkerQueue),
		logger:    logger.With(zap.String("component", "backend")),
		addrReady: make(chan struct{}),
	}
}

// Run listens on the configured address and serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, listener)
}

// Serve accepts gateway links on listener until ctx is canceled.
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	a.listener = listener
	close(a.addrReady)
	a.logger.Info("accepting gateway links", zap.String("addr", listener.Addr().String()))

	ctx, cancel := context.WithCancel(ctx)
	a.pool.start(ctx)
	defer a.pool.wait()
	defer a.conns.Wait()
	defer cancel()

	go func() {
		<-ctx.Done()
		a.closeOnce.Do(func() {
			_ = a.listener.Close()
		})
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		a.conns.Add(1)
		go func() {
			defer a.conns.Done()
			a.handleConnection(ctx, conn)
		}()
	}
}

// Addr blocks until Serve has a listener and returns its address.
func (a *App) Addr() net.Addr {
	<-a.addrReady
	return a.listener.Addr()
}

func (a *App) handleConnection(parentCtx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	gw := newGatewayConn(conn, a.cfg.WorkerQueue)
	defer gw.close()
	a.router.add(gw)
	defer a.router.remove(gw)

	logger := a.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	logger.Info("gateway link opened")

	go func() {
		<-ctx.Done()
		gw.close()
	}()

	go func() {
		if err := gw.writeLoop(ctx, protocol.NewEncoder(conn), a.cfg.WriteTimeout); err != nil && ctx.Err() == nil {
			logger.Warn("gateway write failed", zap.Error(err))
		}
		gw.close()
	}()

	decoder := protocol.NewDecoder(conn)
	for {
		var env protocol.Envelope
		if err := decoder.Decode(ctx, &env); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				logger.Info("gateway link closed", zap.String("gateway", gw.gatewayID()))
			} else {
				logger.Warn("gateway decode failed", zap.Error(err))
			}
			return
		}
		a.handleEnvelope(ctx, gw, env)
	}
}

func (a *App) handleEnvelope(ctx context.Context, gw *gatewayConn, env protocol.Envelope) {
	if payload, err := protocol.DecodePayload(env.Payload); err == nil && payload.Type == protocol.MessageTypeHello {
		id := env.Gateway
		if id == "" {
			id = env.ID
		}
		if id != "" && id != gw.gatewayID() {
			a.router.rename(gw, id)
		}
		a.router.announce(ctx, gw, payload.Clients)
		a.logger.Info("gateway registered",
			zap.String("gateway", gw.gatewayID()),
			zap.Int("clients", len(payload.Clients)),
			zap.Int("gateways", a.router.count()))
		return
	}

	if env.Gateway != "" && env.Gateway != gw.gatewayID() {
		a.router.rename(gw, env.Gateway)
	}
	if env.ID != "" {
		a.router.observe(ctx, gw, env.ID)
	}

	if err := a.pool.submit(ctx, env.ID, func(ctx context.Context) {
		a.dispatcher.Dispatch(ctx, env)
	}); err != nil {
		a.logger.Debug("envelope dropped", zap.String("client_id", env.ID), zap.Error(err))
	}
}
