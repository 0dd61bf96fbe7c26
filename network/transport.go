package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Conn is one bidirectional, ordered, framed connection to a remote address.
type Conn interface {
	// Send writes one frame. It fails with ErrNotConnected after Close.
	Send(frame []byte) error
	// Frames yields complete inbound frames in arrival order. The channel is
	// closed when the connection ends.
	Frames() <-chan []byte
	RemoteAddr() PeerAddress
	Connected() bool
	// Close is idempotent.
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	Accept() (Conn, error)
	Addr() PeerAddress
	Close() error
}

// Transport creates outbound and inbound connections.
type Transport interface {
	Dial(ctx context.Context, addr PeerAddress) (Conn, error)
	Listen(addr string) (Listener, error)
}

// StreamOptions tunes stream-backed connections.
type StreamOptions struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	Logger       *zap.Logger
	// OnMalformed is called for every frame dropped by the reader.
	OnMalformed func()
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = MaxNetworkMessageSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// streamConn frames messages over a net.Conn. It backs both the TCP and the
// in-memory transports.
type streamConn struct {
	conn   net.Conn
	remote PeerAddress
	opts   StreamOptions
	logger *zap.Logger

	frames    chan []byte
	done      chan struct{}
	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(conn net.Conn, remote PeerAddress, opts StreamOptions) *streamConn {
	opts = opts.withDefaults()
	c := &streamConn{
		conn:   conn,
		remote: remote,
		opts:   opts,
		logger: opts.Logger.With(zap.Stringer("remote", remote)),
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c
}

// readLoop reads frames until the stream fails. Oversized frames are skipped
// without tearing the connection down.
func (c *streamConn) readLoop() {
	defer close(c.frames)
	defer c.Close()

	reader := bufio.NewReader(c.conn)
	for {
		frame, err := ReadFrame(reader, c.opts.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				c.logger.Warn("dropping oversized frame", zap.Error(err))
				if c.opts.OnMalformed != nil {
					c.opts.OnMalformed()
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && c.Connected() {
				c.logger.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *streamConn) Send(frame []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := WriteFrame(c.conn, frame, c.opts.MaxFrameSize); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		c.Close()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (c *streamConn) Frames() <-chan []byte {
	return c.frames
}

func (c *streamConn) RemoteAddr() PeerAddress {
	return c.remote
}

func (c *streamConn) Connected() bool {
	return c.connected.Load()
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
