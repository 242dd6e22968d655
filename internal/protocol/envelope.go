package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// MessageType enumerates payload intents.
type MessageType string

const (
	MessageTypeLogin    MessageType = "login"
	MessageTypeJoin     MessageType = "join"
	MessageTypeClose    MessageType = "close"
	MessageTypeMessage  MessageType = "message"
	MessageTypeInternal MessageType = "internal"
	// MessageTypeHello is sent by a gateway link right after it connects.
	MessageTypeHello MessageType = "hello"
)

// Actions carried by internal replies.
const (
	ActionDisconnect = "disconnect"
	ActionError      = "error"
	ActionBlock      = "block"
)

// ErrEmptyPayload is returned when an envelope carries no payload.
var ErrEmptyPayload = errors.New("empty payload")

// User is the identity bound to a session at login.
type User struct {
	Username string `json:"username"`
}

// Envelope wraps every client message forwarded from a gateway to the backend.
// Payload holds either a JSON object or a JSON string containing one.
type Envelope struct {
	ID      string          `json:"id"`
	Count   uint64          `json:"count,omitempty"`
	Gateway string          `json:"gateway,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload is the client-authored part of an envelope. Room and Message stay
// raw so that presence can be told apart from zero values.
type Payload struct {
	Type    MessageType     `json:"type,omitempty"`
	User    *User           `json:"user,omitempty"`
	Token   string          `json:"token,omitempty"`
	Room    json.RawMessage `json:"room,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	// Clients is set on hello and lists the clients the gateway holds.
	Clients []string `json:"clients,omitempty"`
}

// Reply is what the backend sends back to a gateway for delivery to client ID.
type Reply struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	User    *User           `json:"user,omitempty"`
	Room    string          `json:"room,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Action  string          `json:"action,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// RoomName returns the room field when it is present and a string.
func (p Payload) RoomName() (string, bool) {
	if len(p.Room) == 0 {
		return "", false
	}
	var room string
	if err := json.Unmarshal(p.Room, &room); err != nil {
		return "", false
	}
	return room, true
}

// HasMessage reports whether the message field was present at all.
func (p Payload) HasMessage() bool {
	return len(p.Message) > 0
}

// DecodePayload parses an envelope payload, unwrapping a JSON string first
// when the gateway forwarded the client frame verbatim.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var payload Payload
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return payload, ErrEmptyPayload
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return payload, err
		}
		data = bytes.TrimSpace([]byte(inner))
		if len(data) == 0 {
			return payload, ErrEmptyPayload
		}
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// RawPayload turns a client frame into an envelope payload. Valid JSON is
// kept as is; anything else is carried as a JSON string.
func RawPayload(frame []byte) json.RawMessage {
	if json.Valid(frame) {
		return json.RawMessage(append([]byte(nil), frame...))
	}
	data, _ := json.Marshal(string(frame))
	return data
}

// MustPayload marshals a value that is known to be serializable.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
