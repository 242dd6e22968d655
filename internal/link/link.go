// Package link keeps a gateway connected to the backend and queues
// envelopes while the connection is down.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

// ErrQueueFull is returned by Send when the outbound queue is at capacity.
var ErrQueueFull = errors.New("link queue full")

// State describes the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DialFunc opens the transport to the backend.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures a Link. Callbacks are optional and run on the link's
// goroutines, so they must not block for long.
type Options struct {
	Addr   string
	Config config.LinkConfig
	// Hello, when set, builds the frame written first on every new connection.
	Hello          func() protocol.Envelope
	Dial           DialFunc
	OnConnected    func()
	OnDisconnected func(err error)
	OnMessage      func(raw []byte)
	Logger         *zap.Logger
}

// Link is a self-healing, queueing connection to the backend.
type Link struct {
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	queue [][]byte

	state atomic.Int32
	wake  chan struct{}
	kick  chan struct{}
}

// New creates a link; call Run to start connecting.
func New(opts Options) *Link {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config.QueueSize <= 0 {
		opts.Config.QueueSize = 1024
	}
	if opts.Config.RetryMin <= 0 {
		opts.Config.RetryMin = time.Second
	}
	if opts.Config.RetryMax < opts.Config.RetryMin {
		opts.Config.RetryMax = opts.Config.RetryMin
	}
	if opts.Dial == nil {
		timeout := opts.Config.DialTimeout
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: timeout}
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}
	return &Link{
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "link"), zap.String("backend", opts.Addr)),
		wake:   make(chan struct{}, 1),
		kick:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Len returns the number of queued envelopes.
func (l *Link) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Send queues env for delivery. When the queue is full the new envelope is
// dropped and ErrQueueFull returned.
func (l *Link) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	l.mu.Lock()
	if len(l.queue) >= l.opts.Config.QueueSize {
		l.mu.Unlock()
		return ErrQueueFull
	}
	l.queue = append(l.queue, data)
	l.mu.Unlock()

	signal(l.wake)
	if l.State() == StateDisconnected {
		signal(l.kick)
	}
	return nil
}

// Run connects and reconnects until ctx is canceled.
func (l *Link) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.opts.Config.RetryMin
	policy.MaxInterval = l.opts.Config.RetryMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		if ctx.Err() != nil {
			l.setState(StateDisconnected)
			return nil
		}

		l.setState(StateConnecting)
		conn, err := l.dial(ctx)
		if err != nil {
			l.setState(StateDisconnected)
			wait := policy.NextBackOff()
			l.logger.Warn("backend dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			if !l.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		policy.Reset()
		err = l.serve(ctx, conn)
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("backend link lost", zap.Error(err))
		if l.opts.OnDisconnected != nil {
			l.opts.OnDisconnected(err)
		}
		if !l.sleep(ctx, policy.NextBackOff()) {
			return nil
		}
	}
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	dialCtx := ctx
	if l.opts.Config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, l.opts.Config.DialTimeout)
		defer cancel()
	}
	return l.opts.Dial(dialCtx, l.opts.Addr)
}

// serve owns conn until it fails or ctx ends.
func (l *Link) serve(ctx context.Context, conn net.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	encoder := protocol.NewEncoder(conn)
	if l.opts.Hello != nil {
		hello, err := json.Marshal(l.opts.Hello())
		if err != nil {
			return fmt.Errorf("encode hello: %w", err)
		}
		if err := l.write(connCtx, conn, encoder, hello); err != nil {
			return fmt.Errorf("write hello: %w", err)
		}
	}

	l.setState(StateConnected)
	l.logger.Info("backend link connected", zap.Int("queued", l.Len()))
	if l.opts.OnConnected != nil {
		l.opts.OnConnected()
	}

	readErr := make(chan error, 1)
	go func() {
		decoder := protocol.NewDecoder(conn)
		for {
			frame, err := decoder.ReadFrame(connCtx)
			if err != nil {
				readErr <- err
				return
			}
			if l.opts.OnMessage != nil {
				l.opts.OnMessage(frame)
			}
		}
	}()

	for {
		data, ok := l.peek()
		if !ok {
			select {
			case <-connCtx.Done():
				return connCtx.Err()
			case err := <-readErr:
				return fmt.Errorf("read: %w", err)
			case <-l.wake:
			}
			continue
		}

		if err := l.write(connCtx, conn, encoder, data); err != nil {
			// The envelope stays at the head and goes out first after reconnecting.
			return fmt.Errorf("write: %w", err)
		}
		l.pop()
	}
}

func (l *Link) write(ctx context.Context, conn net.Conn, encoder *protocol.Encoder, data []byte) error {
	if timeout := l.opts.Config.WriteTimeout; timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return encoder.WriteFrame(ctx, data)
}

func (l *Link) peek() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	return l.queue[0], true
}

func (l *Link) pop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) > 0 {
		l.queue[0] = nil
		l.queue = l.queue[1:]
	}
}

func (l *Link) setState(state State) {
	l.state.Store(int32(state))
}

// sleep waits for d, a kick, or ctx. It returns false when ctx ended.
func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.kick:
		return true
	case <-timer.C:
		return true
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
