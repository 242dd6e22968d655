package backend

import (
	"encoding/json"

	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

const (
	reasonNoSession      = "no session"
	reasonStorage        = "storage unavailable"
	reasonUnauthorized   = "unauthorized"
	reasonInvalidPayload = "invalid payload"
	reasonInvalidLogin   = "invalid login: payload should be { user: { username } }"
	reasonInvalidJoin    = "invalid join: payload should be { room }"
	reasonInvalidMessage = "invalid message: payload should be { message, room }"
	reasonUnknownType    = "unknown type: "
)

func disconnectReply(clientID, reason string) protocol.Reply {
	return protocol.Reply{ID: clientID, Type: protocol.MessageTypeInternal, Action: protocol.ActionDisconnect, Reason: reason}
}

func errorReply(clientID, reason string) protocol.Reply {
	return protocol.Reply{ID: clientID, Type: protocol.MessageTypeInternal, Action: protocol.ActionError, Reason: reason}
}

func loginReply(clientID string, user *protocol.User) protocol.Reply {
	return protocol.Reply{ID: clientID, Type: protocol.MessageTypeLogin, User: user}
}

func joinReply(clientID string, user *protocol.User, room string) protocol.Reply {
	return protocol.Reply{ID: clientID, Type: protocol.MessageTypeJoin, User: user, Room: room}
}

func messageReply(clientID string, user *protocol.User, room string, message json.RawMessage) protocol.Reply {
	return protocol.Reply{ID: clientID, Type: protocol.MessageTypeMessage, User: user, Room: room, Message: message}
}
