package backend

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

var errGatewayClosed = errors.New("gateway connection closed")

// gatewayConn tracks one gateway link and its outbound frames.
type gatewayConn struct {
	id       string
	conn     net.Conn
	sendCh   chan []byte
	done     chan struct{}
	closeMux sync.Once
	mu       sync.Mutex
}

func newGatewayConn(conn net.Conn, queue int) *gatewayConn {
	id := ""
	if addr := conn.RemoteAddr(); addr != nil {
		id = addr.String()
	}
	return &gatewayConn{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (g *gatewayConn) gatewayID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id
}

func (g *gatewayConn) setGatewayID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id = id
}

func (g *gatewayConn) send(ctx context.Context, frame []byte) error {
	select {
	case <-g.done:
		return errGatewayClosed
	default:
	}
	select {
	case g.sendCh <- frame:
		return nil
	case <-g.done:
		return errGatewayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatewayConn) writeLoop(ctx context.Context, encoder *protocol.Encoder, writeTimeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.done:
			return nil
		case frame := <-g.sendCh:
			if writeTimeout > 0 {
				if err := g.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return err
				}
			}
			if err := encoder.WriteFrame(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (g *gatewayConn) close() {
	g.closeMux.Do(func() {
		close(g.done)
		_ = g.conn.Close()
	})
}
