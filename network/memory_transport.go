package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// MemoryHub is an in-process transport for simulations and tests. Every
// connection is a net.Pipe carrying the same framing as TCP, so the code
// above the transport cannot tell the difference.
type MemoryHub struct {
	mu        sync.Mutex
	listeners map[PeerAddress]*memoryListener
	opts      StreamOptions
	nextPort  atomic.Int64
	nextPipe  atomic.Int64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts StreamOptions) *MemoryHub {
	h := &MemoryHub{
		listeners: make(map[PeerAddress]*memoryListener),
		opts:      opts.withDefaults(),
	}
	h.nextPort.Store(40000)
	return h
}

// Dial connects to a listener registered on the hub.
func (h *MemoryHub) Dial(ctx context.Context, addr PeerAddress) (Conn, error) {
	h.mu.Lock()
	lis, ok := h.listeners[addr]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w to %s: no listener", ErrConnect, addr)
	}

	client, server := net.Pipe()
	inboundAddr := PeerAddress{Host: "pipe", Port: int(h.nextPipe.Add(1))}

	select {
	case lis.accept <- newStreamConn(server, inboundAddr, h.opts):
	case <-lis.quit:
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("%w to %s: listener closed", ErrConnect, addr)
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("%w to %s: %v", ErrConnect, addr, ctx.Err())
	}

	return newStreamConn(client, addr, h.opts), nil
}

// Listen registers a listener on addr. Port 0 picks a free port.
func (h *MemoryHub) Listen(addr string) (Listener, error) {
	parsed, err := ParsePeerAddress(addr)
	if err != nil {
		return nil, err
	}
	if parsed.Port == 0 {
		parsed.Port = int(h.nextPort.Add(1))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.listeners[parsed]; exists {
		return nil, fmt.Errorf("failed to listen on %s: address in use", parsed)
	}
	lis := &memoryListener{
		hub:    h,
		addr:   parsed,
		accept: make(chan Conn, 16),
		quit:   make(chan struct{}),
	}
	h.listeners[parsed] = lis
	return lis, nil
}

// Addrs returns the addresses of all registered listeners.
func (h *MemoryHub) Addrs() []PeerAddress {
	h.mu.Lock()
	defer h.mu.Unlock()

	addrs := make([]PeerAddress, 0, len(h.listeners))
	for addr := range h.listeners {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (h *MemoryHub) unregister(addr PeerAddress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, addr)
}

type memoryListener struct {
	hub    *MemoryHub
	addr   PeerAddress
	accept chan Conn
	quit   chan struct{}
	once   sync.Once
}

func (l *memoryListener) Accept() (Conn, error) {
	select {
	case conn := <-l.accept:
		return conn, nil
	case <-l.quit:
		return nil, ErrListenerClosed
	}
}

func (l *memoryListener) Addr() PeerAddress {
	return l.addr
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		l.hub.unregister(l.addr)
		close(l.quit)
		for {
			select {
			case conn := <-l.accept:
				_ = conn.Close()
			default:
				return
			}
		}
	})
	return nil
}
