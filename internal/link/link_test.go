package link

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

func testConfig() config.LinkConfig {
	return config.LinkConfig{
		RetryMin:     5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		QueueSize:    16,
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func envelope(id string, count uint64) protocol.Envelope {
	return protocol.Envelope{ID: id, Count: count, Payload: protocol.MustPayload(map[string]string{"type": "message"})}
}

func readEnvelope(t *testing.T, dec *protocol.Decoder) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	require.NoError(t, dec.Decode(context.Background(), &env))
	return env
}

func runLink(t *testing.T, l *Link) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSendDropsNewWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	l := New(Options{Addr: "127.0.0.1:1", Config: cfg})

	require.NoError(t, l.Send(envelope("a", 1)))
	require.NoError(t, l.Send(envelope("a", 2)))
	require.ErrorIs(t, l.Send(envelope("a", 3)), ErrQueueFull)
	require.Equal(t, 2, l.Len())
	require.Equal(t, StateDisconnected, l.State())
}

func TestQueuedEnvelopesFlushInOrderAfterConnect(t *testing.T) {
	ln := listen(t)
	var reachable atomic.Bool

	hello := protocol.Envelope{ID: "gw-1", Gateway: "gw-1", Payload: protocol.MustPayload(map[string]string{"type": "hello"})}
	l := New(Options{
		Addr:   ln.Addr().String(),
		Config: testConfig(),
		Hello:  func() protocol.Envelope { return hello },
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			if !reachable.Load() {
				return nil, errors.New("connection refused")
			}
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	})

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, l.Send(envelope("c1", i)))
	}
	runLink(t, l)

	time.Sleep(30 * time.Millisecond)
	require.NotEqual(t, StateConnected, l.State())
	require.NoError(t, l.Send(envelope("c1", 4)))
	reachable.Store(true)

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	dec := protocol.NewDecoder(conn)

	first := readEnvelope(t, dec)
	require.Equal(t, "gw-1", first.Gateway)
	for i := uint64(1); i <= 4; i++ {
		env := readEnvelope(t, dec)
		require.Equal(t, i, env.Count)
	}

	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Send(envelope("c1", 5)))
	require.Equal(t, uint64(5), readEnvelope(t, dec).Count)
}

func TestReconnectsAfterDrop(t *testing.T) {
	ln := listen(t)
	var disconnects atomic.Int32
	received := make(chan []byte, 4)

	l := New(Options{
		Addr:           ln.Addr().String(),
		Config:         testConfig(),
		OnDisconnected: func(error) { disconnects.Add(1) },
		OnMessage:      func(raw []byte) { received <- raw },
	})
	runLink(t, l)

	require.NoError(t, l.Send(envelope("c1", 1)))
	first, err := ln.Accept()
	require.NoError(t, err)
	require.Equal(t, uint64(1), readEnvelope(t, protocol.NewDecoder(first)).Count)
	require.NoError(t, first.Close())

	second, err := ln.Accept()
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Send(envelope("c1", 2)))
	require.Equal(t, uint64(2), readEnvelope(t, protocol.NewDecoder(second)).Count)

	reply := protocol.Reply{ID: "c1", Type: protocol.MessageTypeLogin}
	require.NoError(t, protocol.NewEncoder(second).Encode(context.Background(), reply))
	select {
	case raw := <-received:
		require.JSONEq(t, `{"id":"c1","type":"login"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}
	require.Equal(t, StateConnected, l.State())
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New(Options{Addr: "127.0.0.1:1", Config: testConfig(), Dial: func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("unreachable")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}
