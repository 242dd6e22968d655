package backend

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/auth"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
	"github.com/fenggwsx/RoomRelay/internal/registry"
	"github.com/fenggwsx/RoomRelay/internal/session"
)

var (
	// ErrMalformedPayload marks a payload missing required fields.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownType marks a payload type the dispatcher does not handle.
	ErrUnknownType = errors.New("unknown type")
)

// SessionStore is the session state the dispatcher mutates.
type SessionStore interface {
	Login(ctx context.Context, clientID string, user protocol.User) (session.Session, error)
	JoinRoom(ctx context.Context, clientID, room string) (session.Session, bool, error)
	Get(ctx context.Context, clientID string) (session.Session, error)
	Delete(ctx context.Context, clientID string) error
}

// RoomIndex resolves room members.
type RoomIndex interface {
	MembersOf(ctx context.Context, room string) ([]session.Member, error)
}

// Outbox delivers a reply to the gateway owning reply.ID. It returns a
// *registry.NoSuchClientError when the client is known to be gone.
type Outbox interface {
	Deliver(ctx context.Context, reply protocol.Reply) error
}

// RouteTable forgets the gateway route of a client.
type RouteTable interface {
	Remove(ctx context.Context, clientID string) error
}

// Dispatcher applies client envelopes to session state and emits replies.
type Dispatcher struct {
	sessions     SessionStore
	rooms        RoomIndex
	out          Outbox
	routes       RouteTable
	auth         auth.Authenticator
	allowUntyped bool
	logger       *zap.Logger
}

// DispatcherOptions wires a Dispatcher. Routes and Auth are optional.
type DispatcherOptions struct {
	Sessions     SessionStore
	Rooms        RoomIndex
	Outbox       Outbox
	Routes       RouteTable
	Auth         auth.Authenticator
	AllowUntyped bool
	Logger       *zap.Logger
}

// NewDispatcher builds a Dispatcher from opts.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Auth == nil {
		opts.Auth = auth.AcceptAll{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions:     opts.Sessions,
		rooms:        opts.Rooms,
		out:          opts.Outbox,
		routes:       opts.Routes,
		auth:         opts.Auth,
		allowUntyped: opts.AllowUntyped,
		logger:       opts.Logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch handles one envelope. Failures are answered with internal
// replies and logged; none are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.Envelope) {
	if env.ID == "" {
		d.logger.Warn("dropping envelope without client id")
		return
	}

	payload, err := protocol.DecodePayload(env.Payload)
	if err != nil {
		d.logger.Debug("undecodable payload", zap.String("client_id", env.ID), zap.Error(err))
		d.reply(ctx, errorReply(env.ID, reasonInvalidPayload))
		return
	}

	switch payload.Type {
	case protocol.MessageTypeLogin:
		d.handleLogin(ctx, env.ID, payload)
	case protocol.MessageTypeJoin:
		d.handleJoin(ctx, env.ID, payload)
	case "", protocol.MessageTypeMessage:
		d.handleMessage(ctx, env.ID, payload)
	case protocol.MessageTypeClose:
		d.handleClose(ctx, env.ID)
	default:
		if d.allowUntyped {
			d.handleMessage(ctx, env.ID, payload)
			return
		}
		d.logger.Debug("rejecting payload", zap.String("client_id", env.ID), zap.Error(fmt.Errorf("%w: %q", ErrUnknownType, payload.Type)))
		d.reply(ctx, errorReply(env.ID, reasonUnknownType+string(payload.Type)))
	}
}

func (d *Dispatcher) handleLogin(ctx context.Context, clientID string, payload protocol.Payload) {
	if payload.User == nil || payload.User.Username == "" {
		d.reply(ctx, errorReply(clientID, reasonInvalidLogin))
		return
	}

	user, err := d.auth.Authenticate(ctx, auth.Credentials{ClientID: clientID, User: *payload.User, Token: payload.Token})
	if err != nil {
		d.logger.Info("login rejected", zap.String("client_id", clientID), zap.Error(err))
		d.reply(ctx, errorReply(clientID, reasonUnauthorized))
		return
	}

	sess, err := d.sessions.Login(ctx, clientID, user)
	if err != nil {
		d.fail(ctx, clientID, "login", err)
		return
	}
	d.logger.Info("login", zap.String("client_id", clientID), zap.String("username", user.Username), zap.Int("rooms", len(sess.Rooms)))
	d.reply(ctx, loginReply(clientID, sess.User))
}

func (d *Dispatcher) handleJoin(ctx context.Context, clientID string, payload protocol.Payload) {
	if _, err := d.sessions.Get(ctx, clientID); err != nil {
		d.fail(ctx, clientID, "join", err)
		return
	}
	room, err := joinFields(payload)
	if err != nil {
		d.logger.Debug("rejecting join", zap.String("client_id", clientID), zap.Error(err))
		d.reply(ctx, errorReply(clientID, reasonInvalidJoin))
		return
	}

	sess, added, err := d.sessions.JoinRoom(ctx, clientID, room)
	if err != nil {
		d.fail(ctx, clientID, "join", err)
		return
	}
	if !added {
		return
	}

	members, err := d.rooms.MembersOf(ctx, room)
	if err != nil {
		d.fail(ctx, clientID, "join", err)
		return
	}

	for _, member := range members {
		if member.ClientID == clientID {
			continue
		}
		earlier, err := d.sessions.Get(ctx, member.ClientID)
		if err != nil {
			if !errors.Is(err, session.ErrNoSession) {
				d.logger.Warn("backfill lookup failed", zap.String("member", member.ClientID), zap.Error(err))
			}
			continue
		}
		d.reply(ctx, joinReply(clientID, earlier.User, room))
	}

	d.fanOut(ctx, members, func(memberID string) protocol.Reply {
		return joinReply(memberID, sess.User, room)
	})
}

func (d *Dispatcher) handleMessage(ctx context.Context, clientID string, payload protocol.Payload) {
	sess, err := d.sessions.Get(ctx, clientID)
	if err != nil {
		d.fail(ctx, clientID, "message", err)
		return
	}
	room, err := messageFields(payload)
	if err != nil {
		d.logger.Debug("rejecting message", zap.String("client_id", clientID), zap.Error(err))
		d.reply(ctx, errorReply(clientID, reasonInvalidMessage))
		return
	}

	members, err := d.rooms.MembersOf(ctx, room)
	if err != nil {
		d.fail(ctx, clientID, "message", err)
		return
	}
	d.fanOut(ctx, members, func(memberID string) protocol.Reply {
		return messageReply(memberID, sess.User, room, payload.Message)
	})
}

func (d *Dispatcher) handleClose(ctx context.Context, clientID string) {
	d.forget(ctx, clientID)
	d.logger.Info("session closed", zap.String("client_id", clientID))
}

func joinFields(payload protocol.Payload) (string, error) {
	room, ok := payload.RoomName()
	if !ok {
		return "", fmt.Errorf("%w: room must be a string", ErrMalformedPayload)
	}
	return room, nil
}

func messageFields(payload protocol.Payload) (string, error) {
	if !payload.HasMessage() {
		return "", fmt.Errorf("%w: missing message", ErrMalformedPayload)
	}
	return joinFields(payload)
}

// fanOut delivers to every member independently.
func (d *Dispatcher) fanOut(ctx context.Context, members []session.Member, build func(memberID string) protocol.Reply) {
	for _, member := range members {
		err := d.out.Deliver(ctx, build(member.ClientID))
		switch {
		case err == nil:
		case registry.IsNoSuchClient(err):
			d.logger.Info("member gone, dropping session", zap.String("client_id", member.ClientID))
			d.forget(ctx, member.ClientID)
		default:
			d.logger.Warn("delivery failed", zap.String("client_id", member.ClientID), zap.Error(err))
		}
	}
}

// forget drops a client's session and route.
func (d *Dispatcher) forget(ctx context.Context, clientID string) {
	if err := d.sessions.Delete(ctx, clientID); err != nil {
		d.logger.Error("delete session", zap.String("client_id", clientID), zap.Error(err))
	}
	if d.routes != nil {
		if err := d.routes.Remove(ctx, clientID); err != nil {
			d.logger.Warn("remove route", zap.String("client_id", clientID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, clientID, op string, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		d.reply(ctx, disconnectReply(clientID, reasonNoSession))
	case ctx.Err() != nil:
	default:
		d.logger.Error(op+" failed", zap.String("client_id", clientID), zap.Error(err))
		d.reply(ctx, disconnectReply(clientID, reasonStorage))
	}
}

func (d *Dispatcher) reply(ctx context.Context, reply protocol.Reply) {
	if err := d.out.Deliver(ctx, reply); err != nil {
		d.logger.Debug("reply not delivered", zap.String("client_id", reply.ID), zap.String("type", string(reply.Type)), zap.Error(err))
	}
}
