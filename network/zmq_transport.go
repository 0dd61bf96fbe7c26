package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// identitySeparator splits the advertised address from the random suffix in
// a DEALER identity.
const identitySeparator = "#"

// ZmqTransport carries frames over ZeroMQ with the ROUTER/DEALER pattern:
// one DEALER socket per outbound connection and one ROUTER socket accepting
// every inbound connection.
//
// ZeroMQ reconnects transparently and never reports a dropped peer, so for
// this transport peer liveness is detected by the health monitor's pings.
type ZmqTransport struct {
	localAddr string
	opts      StreamOptions

	ctx    context.Context
	cancel context.CancelFunc
}

// NewZmqTransport creates a ZeroMQ transport. localAddr is the advertised
// listen address; it is embedded in DEALER identities so the remote ROUTER
// learns where to reach this node.
func NewZmqTransport(localAddr string, opts StreamOptions) *ZmqTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZmqTransport{
		localAddr: localAddr,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close tears down every socket created by this transport.
func (t *ZmqTransport) Close() error {
	t.cancel()
	return nil
}

func zmqEndpoint(addr string) string {
	return "tcp://" + addr
}

// Dial creates a DEALER socket connected to addr.
func (t *ZmqTransport) Dial(ctx context.Context, addr PeerAddress) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w to %s: %v", ErrConnect, addr, err)
	}

	identity := t.localAddr + identitySeparator + uuid.NewString()[:8]
	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))

	if err := dealer.Dial(zmqEndpoint(addr.String())); err != nil {
		_ = dealer.Close()
		return nil, fmt.Errorf("%w to %s: %v", ErrConnect, addr, err)
	}

	c := &zmqDealerConn{
		sock:   dealer,
		remote: addr,
		opts:   t.opts,
		logger: t.opts.Logger.With(zap.Stringer("remote", addr)),
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c, nil
}

// Listen binds a ROUTER socket on addr.
func (t *ZmqTransport) Listen(addr string) (Listener, error) {
	ctx, cancel := context.WithCancel(t.ctx)
	router := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity(t.localAddr)))

	if err := router.Listen(zmqEndpoint(addr)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind router: %w", err)
	}

	bound, err := ParsePeerAddress(addr)
	if a := router.Addr(); a != nil {
		bound, err = ParsePeerAddress(a.String())
	}
	if err != nil {
		cancel()
		_ = router.Close()
		return nil, err
	}

	l := &zmqListener{
		sock:   router,
		addr:   bound,
		opts:   t.opts,
		logger: t.opts.Logger.With(zap.Stringer("listen", bound)),
		conns:  make(map[string]*zmqRouterConn),
		accept: make(chan Conn, 16),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.receiverLoop()
	return l, nil
}

// zmqDealerConn is an outbound connection over a DEALER socket.
type zmqDealerConn struct {
	sock   zmq4.Socket
	remote PeerAddress
	opts   StreamOptions
	logger *zap.Logger

	frames    chan []byte
	done      chan struct{}
	sendMu    sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
}

func (c *zmqDealerConn) readLoop() {
	defer close(c.frames)

	for {
		msg, err := c.sock.Recv()
		if err != nil {
			c.connected.Store(false)
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}

		frame := msg.Frames[len(msg.Frames)-1]
		if len(frame) > c.opts.MaxFrameSize {
			c.logger.Warn("dropping oversized frame", zap.Int("size", len(frame)))
			if c.opts.OnMalformed != nil {
				c.opts.OnMalformed()
			}
			continue
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *zmqDealerConn) Send(frame []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if len(frame) > c.opts.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(frame), c.opts.MaxFrameSize)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.sock.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (c *zmqDealerConn) Frames() <-chan []byte   { return c.frames }
func (c *zmqDealerConn) RemoteAddr() PeerAddress { return c.remote }
func (c *zmqDealerConn) Connected() bool         { return c.connected.Load() }

func (c *zmqDealerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		err = c.sock.Close()
	})
	return err
}

// zmqListener demultiplexes a ROUTER socket into one Conn per DEALER identity.
type zmqListener struct {
	sock   zmq4.Socket
	addr   PeerAddress
	opts   StreamOptions
	logger *zap.Logger

	mu     sync.Mutex
	sendMu sync.Mutex
	conns  map[string]*zmqRouterConn
	accept chan Conn

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiverLoop continuously receives messages from the ROUTER socket.
func (l *zmqListener) receiverLoop() {
	for {
		msg, err := l.sock.Recv()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				continue
			}
		}

		// ROUTER prepends the sender identity.
		if len(msg.Frames) < 2 {
			continue
		}
		identity := string(msg.Frames[0])
		frame := msg.Frames[len(msg.Frames)-1]

		conn, isNew := l.connFor(identity)
		if isNew {
			select {
			case l.accept <- conn:
			case <-l.ctx.Done():
				return
			}
		}

		if len(frame) > l.opts.MaxFrameSize {
			l.logger.Warn("dropping oversized frame", zap.String("identity", identity), zap.Int("size", len(frame)))
			if l.opts.OnMalformed != nil {
				l.opts.OnMalformed()
			}
			continue
		}
		conn.deliver(frame)
	}
}

func (l *zmqListener) connFor(identity string) (*zmqRouterConn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if conn, ok := l.conns[identity]; ok {
		return conn, false
	}

	remote := PeerAddress{Host: identity}
	if advertised, _, found := strings.Cut(identity, identitySeparator); found {
		if parsed, err := ParsePeerAddress(advertised); err == nil {
			remote = parsed
		}
	}

	conn := &zmqRouterConn{
		listener: l,
		identity: identity,
		remote:   remote,
		frames:   make(chan []byte, 256),
	}
	conn.connected.Store(true)
	l.conns[identity] = conn
	return conn, true
}

func (l *zmqListener) sendTo(identity string, frame []byte) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.sock.Send(zmq4.NewMsgFrom([]byte(identity), frame)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (l *zmqListener) forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, identity)
}

func (l *zmqListener) Accept() (Conn, error) {
	select {
	case conn := <-l.accept:
		return conn, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

func (l *zmqListener) Addr() PeerAddress {
	return l.addr
}

func (l *zmqListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.sock.Close()

		l.mu.Lock()
		conns := make([]*zmqRouterConn, 0, len(l.conns))
		for _, conn := range l.conns {
			conns = append(conns, conn)
		}
		l.mu.Unlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return err
}

// zmqRouterConn is the inbound side of one DEALER connection.
type zmqRouterConn struct {
	listener *zmqListener
	identity string
	remote   PeerAddress

	mu        sync.Mutex
	frames    chan []byte
	closed    bool
	connected atomic.Bool
}

// deliver hands a frame to the reader without blocking the shared ROUTER
// loop; a reader that falls 256 frames behind loses frames, as a ZeroMQ
// high-water mark would.
func (c *zmqRouterConn) deliver(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.frames <- frame:
	default:
		c.listener.logger.Warn("inbound queue full, dropping frame", zap.String("identity", c.identity))
	}
}

func (c *zmqRouterConn) Send(frame []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if len(frame) > c.listener.opts.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(frame), c.listener.opts.MaxFrameSize)
	}
	return c.listener.sendTo(c.identity, frame)
}

func (c *zmqRouterConn) Frames() <-chan []byte   { return c.frames }
func (c *zmqRouterConn) RemoteAddr() PeerAddress { return c.remote }
func (c *zmqRouterConn) Connected() bool         { return c.connected.Load() }

func (c *zmqRouterConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.connected.Store(false)
	close(c.frames)
	c.listener.forget(c.identity)
	return nil
}
