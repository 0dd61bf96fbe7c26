package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport carries length-prefixed frames over plain TCP.
type TCPTransport struct {
	opts        StreamOptions
	dialTimeout time.Duration
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport(opts StreamOptions, dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{
		opts:        opts.withDefaults(),
		dialTimeout: dialTimeout,
	}
}

// Dial connects to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr PeerAddress) (Conn, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w to %s: %v", ErrConnect, addr, err)
	}
	return newStreamConn(conn, addr, t.opts), nil
}

// Listen binds a TCP listener on addr.
func (t *TCPTransport) Listen(addr string) (Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &tcpListener{
		listener: lis,
		opts:     t.opts,
		quit:     make(chan struct{}),
	}, nil
}

type tcpListener struct {
	listener net.Listener
	opts     StreamOptions
	quit     chan struct{}
	once     sync.Once
}

func (l *tcpListener) Accept() (Conn, error) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return nil, ErrListenerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrListenerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, err
		}
		return newStreamConn(conn, addressFromNet(conn.RemoteAddr()), l.opts), nil
	}
}

func (l *tcpListener) Addr() PeerAddress {
	return addressFromNet(l.listener.Addr())
}

func (l *tcpListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.quit)
		err = l.listener.Close()
	})
	return err
}
