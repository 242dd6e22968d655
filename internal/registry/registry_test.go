package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

type fakeHandle struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  []int
	reasons []string
	sendErr error
}

func (h *fakeHandle) Send(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, data)
	return nil
}

func (h *fakeHandle) Close(code int, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, code)
	h.reasons = append(h.reasons, reason)
	return nil
}

func TestSendOrReportDelivers(t *testing.T) {
	reg := New(nil)
	handle := &fakeHandle{}
	reg.Register("c1", handle)

	err := reg.SendOrReport(context.Background(), "c1", protocol.Reply{ID: "c1", Type: protocol.MessageTypeLogin, User: &protocol.User{Username: "ann"}})
	require.NoError(t, err)
	require.Len(t, handle.sent, 1)
	require.JSONEq(t, `{"id":"c1","type":"login","user":{"username":"ann"}}`, string(handle.sent[0]))
}

func TestSendOrReportMissingClient(t *testing.T) {
	err := New(nil).SendOrReport(context.Background(), "ghost", protocol.Reply{Type: protocol.MessageTypeMessage})
	require.True(t, IsNoSuchClient(err))

	var target *NoSuchClientError
	require.ErrorAs(t, err, &target)
	require.Equal(t, "ghost", target.ClientID)
}

func TestSendFailureDeregisters(t *testing.T) {
	reg := New(nil)
	handle := &fakeHandle{sendErr: errors.New("broken pipe")}
	reg.Register("c1", handle)

	err := reg.SendOrReport(context.Background(), "c1", protocol.Reply{Type: protocol.MessageTypeMessage})
	require.ErrorContains(t, err, "broken pipe")
	require.False(t, IsNoSuchClient(err))
	require.Zero(t, reg.Len())
	require.Equal(t, []int{ClosePolicyViolation}, handle.closed)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	reg := New(nil)
	handle := &fakeHandle{}
	reg.Register("c1", handle)

	require.True(t, reg.Deregister("c1"))
	require.False(t, reg.Deregister("c1"))
	require.Equal(t, []int{ClosePolicyViolation}, handle.closed)
	require.Equal(t, []string{CloseReasonDisconnected}, handle.reasons)
}

func TestRegisterClosesReplacedHandle(t *testing.T) {
	reg := New(nil)
	first := &fakeHandle{}
	second := &fakeHandle{}

	reg.Register("c1", first)
	reg.Register("c1", second)

	require.Equal(t, 1, reg.Len())
	require.Equal(t, []string{"c1"}, reg.IDs())
	require.Len(t, first.closed, 1)
	require.Empty(t, second.closed)

	got, ok := reg.Lookup("c1")
	require.True(t, ok)
	require.Same(t, second, got)
}
