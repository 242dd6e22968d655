package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePayloadObject(t *testing.T) {
	payload, err := DecodePayload(json.RawMessage(`{"type":"join","room":"lobby"}`))
	require.NoError(t, err)
	require.Equal(t, MessageTypeJoin, payload.Type)

	room, ok := payload.RoomName()
	require.True(t, ok)
	require.Equal(t, "lobby", room)
	require.False(t, payload.HasMessage())
}

func TestDecodePayloadString(t *testing.T) {
	raw := MustPayload(`{"type":"login","user":{"username":"ann"}}`)

	payload, err := DecodePayload(raw)
	require.NoError(t, err)
	require.Equal(t, MessageTypeLogin, payload.Type)
	require.NotNil(t, payload.User)
	require.Equal(t, "ann", payload.User.Username)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodePayload(MustPayload("not json"))
	require.Error(t, err)

	_, err = DecodePayload(nil)
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = DecodePayload(json.RawMessage(`[1,2]`))
	require.Error(t, err)
}

func TestRoomNameRequiresString(t *testing.T) {
	payload, err := DecodePayload(json.RawMessage(`{"type":"join","room":42}`))
	require.NoError(t, err)

	_, ok := payload.RoomName()
	require.False(t, ok)
}

func TestMessageKeepsArbitraryJSON(t *testing.T) {
	payload, err := DecodePayload(json.RawMessage(`{"type":"message","room":"r","message":{"text":"hi","n":[1,2]}}`))
	require.NoError(t, err)
	require.True(t, payload.HasMessage())
	require.JSONEq(t, `{"text":"hi","n":[1,2]}`, string(payload.Message))
}

func TestRawPayload(t *testing.T) {
	require.JSONEq(t, `{"a":1}`, string(RawPayload([]byte(`{"a":1}`))))
	require.Equal(t, `"hello there"`, string(RawPayload([]byte("hello there"))))
}

func TestReplyOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Reply{ID: "c1", Type: MessageTypeInternal, Action: ActionDisconnect, Reason: "no session"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"c1","type":"internal","action":"disconnect","reason":"no session"}`, string(data))
}

func TestCodecRoundTrip(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(ctx, Envelope{ID: "a", Count: 1, Payload: json.RawMessage(`{"type":"close"}`)}))
	require.NoError(t, enc.Encode(ctx, Envelope{ID: "b", Count: 2, Payload: json.RawMessage(`{"type":"close"}`)}))

	dec := NewDecoder(&buf)
	var first, second Envelope
	require.NoError(t, dec.Decode(ctx, &first))
	require.NoError(t, dec.Decode(ctx, &second))
	require.Equal(t, "a", first.ID)
	require.Equal(t, uint64(2), second.Count)

	_, err := dec.ReadFrame(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderLimits(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 64)
	buf.Write(header)

	dec := NewDecoder(&buf)
	dec.MaxFrameBytes = 16
	_, err := dec.ReadFrame(context.Background())
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 10)
	buf.Write(header)
	buf.WriteString("abc")

	_, err := NewDecoder(&buf).ReadFrame(context.Background())
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestEncoderHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	require.ErrorIs(t, NewEncoder(&buf).Encode(ctx, Envelope{ID: "x"}), context.Canceled)
	require.Zero(t, buf.Len())
}
