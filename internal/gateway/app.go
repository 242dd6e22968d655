// Package gateway terminates client websockets and relays their traffic to
// the backend over a single link.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/link"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
	"github.com/fenggwsx/RoomRelay/internal/registry"
)

const reasonBackendUnavailable = "backend unavailable"

// LinkSender is the part of the backend link the gateway writes to.
type LinkSender interface {
	Send(env protocol.Envelope) error
	State() link.State
}

// App serves client websockets and applies backend replies.
type App struct {
	cfg      config.GatewayConfig
	registry *registry.Registry
	link     LinkSender
	backend  *link.Link
	engine   *gin.Engine
	upgrader websocket.Upgrader
	count    atomic.Uint64
	logger   *zap.Logger
}

// NewApp builds a gateway with its own link to cfg.BackendAddr.
func NewApp(cfg config.GatewayConfig, logger *zap.Logger) *App {
	a := newApp(cfg, nil, logger)
	a.backend = link.New(link.Options{
		Addr:           cfg.BackendAddr,
		Config:         cfg.Link,
		Hello:          a.hello,
		OnConnected:    func() { a.logger.Info("backend link up", zap.Int("clients", a.registry.Len())) },
		OnDisconnected: func(err error) { a.logger.Warn("backend link down", zap.Error(err)) },
		OnMessage:      a.HandleReply,
		Logger:         logger,
	})
	a.link = a.backend
	return a
}

func newApp(cfg config.GatewayConfig, lk LinkSender, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		registry: registry.New(logger),
		link:     lk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "gateway"), zap.String("gateway", cfg.GatewayID)),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", a.handleWS)
	engine.GET("/healthz", a.handleHealth)
	a.engine = engine
	return a
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.engine
}

// Run serves HTTP and keeps the backend link up until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{Addr: a.cfg.ListenAddr, Handler: a.engine}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("listening", zap.String("addr", a.cfg.ListenAddr), zap.String("backend", a.cfg.BackendAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.backend != nil {
		g.Go(func() error {
			return a.backend.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// hello announces the gateway and every client it currently holds, so a
// restarted backend can route to them before they speak again.
func (a *App) hello() protocol.Envelope {
	return protocol.Envelope{
		ID:      a.cfg.GatewayID,
		Gateway: a.cfg.GatewayID,
		Payload: protocol.MustPayload(protocol.Payload{
			Type:    protocol.MessageTypeHello,
			Clients: a.registry.IDs(),
		}),
	}
}

func (a *App) handleHealth(c *gin.Context) {
	state := link.StateDisconnected
	if a.link != nil {
		state = a.link.State()
	}
	c.JSON(http.StatusOK, gin.H{
		"gateway": a.cfg.GatewayID,
		"clients": a.registry.Len(),
		"link":    state.String(),
	})
}

func (a *App) handleWS(c *gin.Context) {
	ws, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	h := newWSHandle(ws, a.cfg.WriteTimeout, a.cfg.ClientQueue)
	go h.writeLoop()
	defer h.Close(websocket.CloseNormalClosure, "")

	clientID := uuid.NewString()
	logger := a.logger.With(zap.String("client_id", clientID))
	a.registry.Register(clientID, h)
	logger.Info("client connected", zap.String("remote", c.Request.RemoteAddr))

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Info("client closed")
			} else {
				logger.Debug("client read ended", zap.Error(err))
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		a.forward(clientID, protocol.RawPayload(data))
	}

	a.registry.Deregister(clientID)
	a.forward(clientID, closePayload())
}

// forward stamps and queues one client payload for the backend.
func (a *App) forward(clientID string, payload json.RawMessage) {
	env := protocol.Envelope{
		ID:      clientID,
		Count:   a.count.Add(1),
		Gateway: a.cfg.GatewayID,
		Payload: payload,
	}
	err := a.link.Send(env)
	if err == nil {
		return
	}

	a.logger.Warn("envelope dropped", zap.String("client_id", clientID), zap.Uint64("count", env.Count), zap.Error(err))
	if errors.Is(err, link.ErrQueueFull) {
		ctx, cancel := a.replyContext()
		defer cancel()
		_ = a.registry.SendOrReport(ctx, clientID, protocol.Reply{
			ID:     clientID,
			Type:   protocol.MessageTypeInternal,
			Action: protocol.ActionError,
			Reason: reasonBackendUnavailable,
		})
	}
}

// HandleReply applies one backend reply frame.
func (a *App) HandleReply(raw []byte) {
	var reply protocol.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		a.logger.Warn("undecodable backend reply", zap.Error(err))
		return
	}
	if reply.ID == "" {
		a.logger.Warn("backend reply without client id", zap.String("type", string(reply.Type)))
		return
	}

	ctx, cancel := a.replyContext()
	defer cancel()

	if reply.Type == protocol.MessageTypeInternal && (reply.Action == protocol.ActionDisconnect || reply.Action == protocol.ActionBlock) {
		_ = a.registry.SendOrReport(ctx, reply.ID, reply)
		if a.registry.Deregister(reply.ID) {
			a.logger.Info("client removed by backend", zap.String("client_id", reply.ID), zap.String("action", reply.Action), zap.String("reason", reply.Reason))
		}
		return
	}

	err := a.registry.SendOrReport(ctx, reply.ID, reply)
	switch {
	case err == nil:
	case registry.IsNoSuchClient(err):
		a.logger.Debug("reply for unknown client", zap.String("client_id", reply.ID))
		a.forward(reply.ID, closePayload())
	default:
		a.logger.Info("reply not delivered", zap.String("client_id", reply.ID), zap.Error(err))
	}
}

func (a *App) replyContext() (context.Context, context.CancelFunc) {
	if a.cfg.WriteTimeout > 0 {
		return context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	}
	return context.WithCancel(context.Background())
}

func closePayload() json.RawMessage {
	return protocol.MustPayload(map[string]string{"type": string(protocol.MessageTypeClose)})
}
