package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errSlowClient   = errors.New("client send queue full")
	errHandleClosed = errors.New("client connection closed")
)

type closeFrame struct {
	code   int
	reason string
}

// wsHandle queues frames for one client websocket; writeLoop is the only
// writer of data frames.
type wsHandle struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	sendCh       chan []byte
	closed       chan struct{}
	frame        closeFrame
	closeOnce    sync.Once
}

func newWSHandle(conn *websocket.Conn, writeTimeout time.Duration, queue int) *wsHandle {
	if queue <= 0 {
		queue = 1
	}
	return &wsHandle{
		conn:         conn,
		writeTimeout: writeTimeout,
		sendCh:       make(chan []byte, queue),
		closed:       make(chan struct{}),
	}
}

// Send queues data without blocking. A full queue means the client is not
// keeping up and yields errSlowClient.
func (h *wsHandle) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-h.closed:
		return errHandleClosed
	default:
	}
	select {
	case h.sendCh <- data:
		return nil
	default:
		return errSlowClient
	}
}

// Close asks writeLoop to flush queued frames, send a close frame with code
// and reason, and drop the connection. It does not wait for the flush.
func (h *wsHandle) Close(code int, reason string) error {
	h.closeOnce.Do(func() {
		h.frame = closeFrame{code: code, reason: reason}
		close(h.closed)
	})
	return nil
}

func (h *wsHandle) writeLoop() {
	defer h.conn.Close()
	for {
		select {
		case data := <-h.sendCh:
			if err := h.write(data); err != nil {
				return
			}
		case <-h.closed:
			h.flush()
			msg := websocket.FormatCloseMessage(h.frame.code, h.frame.reason)
			_ = h.conn.WriteControl(websocket.CloseMessage, msg, h.deadline())
			return
		}
	}
}

func (h *wsHandle) flush() {
	for {
		select {
		case data := <-h.sendCh:
			if err := h.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *wsHandle) write(data []byte) error {
	if err := h.conn.SetWriteDeadline(h.deadline()); err != nil {
		return err
	}
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *wsHandle) deadline() time.Time {
	if h.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(h.writeTimeout)
}
