package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
)

// EnvelopeHandler processes a non-response envelope received from a peer.
// It runs on the peer's read loop and must not block on requests to the
// same peer.
type EnvelopeHandler func(from *Peer, env *Envelope)

// PeerStatus is a point-in-time view of a peer.
type PeerStatus struct {
	Address    string    `json:"address"`
	Advertised string    `json:"advertised,omitempty"`
	Inbound    bool      `json:"inbound"`
	Alive      bool      `json:"alive"`
	LastSeen   time.Time `json:"last_seen"`
	Pending    int       `json:"pending"`
}

// DefaultOutboundQueueSize is the per-peer outbound queue bound used when
// none is configured.
const DefaultOutboundQueueSize = 256

type peerConfig struct {
	// localAddr is stamped into the From field of requests and responses.
	localAddr string
	inbound   bool
	queueSize int
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *monitoring.Metrics
}

// requestResult resolves one pending request.
type requestResult struct {
	env *Envelope
	err error
}

// Peer is one connected network neighbor. It exclusively owns its Conn.
type Peer struct {
	addr    PeerAddress
	conn    Conn
	cfg     peerConfig
	logger  *zap.Logger
	metrics *monitoring.Metrics

	alive    atomic.Bool
	lastSeen atomic.Int64

	// outbox is drained by writeLoop; Send never blocks on the connection.
	outbox chan []byte

	mu         sync.Mutex
	advertised PeerAddress
	pending    map[string]chan requestResult
	closed     bool
	done       chan struct{}
}

func newPeer(conn Conn, cfg peerConfig) *Peer {
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.metrics == nil {
		cfg.metrics = monitoring.NewMetrics("gossip", nil)
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = DefaultOutboundQueueSize
	}

	p := &Peer{
		addr:    conn.RemoteAddr(),
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.logger.With(zap.Stringer("peer", conn.RemoteAddr())),
		metrics: cfg.metrics,
		outbox:  make(chan []byte, cfg.queueSize),
		pending: make(map[string]chan requestResult),
		done:    make(chan struct{}),
	}
	p.alive.Store(true)
	p.touch()
	go p.writeLoop()
	return p
}

// Addr returns the connection address, the peer's key in the PeerSet.
func (p *Peer) Addr() PeerAddress {
	return p.addr
}

// Advertised returns the listen address the peer announced, or the zero
// address if it has not announced one yet.
func (p *Peer) Advertised() PeerAddress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertised
}

// DialAddr returns the address other nodes should use to reach this peer.
func (p *Peer) DialAddr() PeerAddress {
	if adv := p.Advertised(); !adv.IsZero() {
		return adv
	}
	if p.cfg.inbound {
		return PeerAddress{}
	}
	return p.addr
}

func (p *Peer) IsAlive() bool {
	return p.alive.Load()
}

func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

func (p *Peer) Inbound() bool {
	return p.cfg.inbound
}

// PendingCount returns the number of unresolved requests.
func (p *Peer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Status returns a snapshot of the peer's state.
func (p *Peer) Status() PeerStatus {
	status := PeerStatus{
		Address:  p.addr.String(),
		Inbound:  p.cfg.inbound,
		Alive:    p.IsAlive(),
		LastSeen: p.LastSeen(),
		Pending:  p.PendingCount(),
	}
	if adv := p.Advertised(); !adv.IsZero() {
		status.Advertised = adv.String()
	}
	return status
}

func (p *Peer) touch() {
	p.lastSeen.Store(p.cfg.clock.Now().UnixNano())
}

// Send queues env for the peer's writer and returns without waiting for the
// connection. It returns false when the peer is closed or its queue is full;
// a full queue marks the peer not-alive. It never panics or returns an error.
func (p *Peer) Send(env *Envelope) bool {
	data, err := EncodeEnvelope(env)
	if err != nil {
		p.logger.Error("failed to encode envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		return false
	}

	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.outbox <- data:
		return true
	default:
		p.alive.Store(false)
		p.metrics.QueueOverflows.Inc()
		p.logger.Debug("outbound queue full", zap.String("kind", string(env.Kind)), zap.Int("queued", len(p.outbox)))
		return false
	}
}

// writeLoop writes queued frames in order until the peer is closed. A write
// failure marks the peer not-alive.
func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.outbox:
			if err := p.conn.Send(data); err != nil {
				p.alive.Store(false)
				p.logger.Debug("send failed", zap.Error(err))
			}
		}
	}
}

// Request sends env and waits for the response carrying the same RequestID.
// Each request resolves exactly once: with the response, ErrRequestTimeout,
// ErrPeerClosed, ErrSendFailed or the context's error.
func (p *Peer) Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	id := env.RequestID
	kind := string(env.Kind)
	start := p.cfg.clock.Now()

	timer := p.cfg.clock.Timer(timeout)
	defer timer.Stop()

	slot := make(chan requestResult, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPeerClosed
	}
	p.pending[id] = slot
	p.mu.Unlock()

	if !p.Send(env) {
		if p.cancelPending(id) {
			err := fmt.Errorf("%w: %s to %s", ErrSendFailed, kind, p.addr)
			p.metrics.RecordRequest(kind, err, 0)
			return nil, err
		}
		return p.await(slot, kind, start)
	}

	select {
	case res := <-slot:
		p.metrics.RecordRequest(kind, res.err, p.cfg.clock.Since(start))
		return res.env, res.err
	case <-timer.C:
		if p.cancelPending(id) {
			err := fmt.Errorf("%w: %s to %s after %s", ErrRequestTimeout, kind, p.addr, timeout)
			p.metrics.RecordRequest(kind, err, timeout)
			return nil, err
		}
	case <-ctx.Done():
		if p.cancelPending(id) {
			p.metrics.RecordRequest(kind, ctx.Err(), 0)
			return nil, ctx.Err()
		}
	}

	// The entry was already taken by a resolver, whose result is buffered.
	return p.await(slot, kind, start)
}

func (p *Peer) await(slot chan requestResult, kind string, start time.Time) (*Envelope, error) {
	res := <-slot
	p.metrics.RecordRequest(kind, res.err, p.cfg.clock.Since(start))
	return res.env, res.err
}

// cancelPending removes id from the pending table. It returns true if the
// caller took the entry, and with it the right to resolve the request.
func (p *Peer) cancelPending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	return true
}

// resolve hands a response to the matching pending request.
func (p *Peer) resolve(env *Envelope) bool {
	p.mu.Lock()
	slot, ok := p.pending[env.RequestID]
	if ok {
		delete(p.pending, env.RequestID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	slot <- requestResult{env: env}
	return true
}

// Ping sends a liveness probe. Success marks the peer alive and refreshes
// lastSeen; failure marks it not-alive.
func (p *Peer) Ping(ctx context.Context, timeout time.Duration) error {
	resp, err := p.Request(ctx, NewRequest(KindPing, p.cfg.localAddr), timeout)
	if err == nil && resp.Kind != KindPong {
		err = fmt.Errorf("%w: unexpected %s in reply to PING", ErrInvalidEnvelope, resp.Kind)
	}
	if err != nil {
		p.alive.Store(false)
		return err
	}
	p.alive.Store(true)
	p.touch()
	return nil
}

// RequestPeers asks the peer for its peer list.
func (p *Peer) RequestPeers(ctx context.Context, timeout time.Duration) ([]string, error) {
	resp, err := p.Request(ctx, NewRequest(KindGetPeers, p.cfg.localAddr), timeout)
	if err != nil {
		return nil, err
	}
	if resp.Kind != KindPeersResponse {
		return nil, fmt.Errorf("%w: unexpected %s in reply to GET_PEERS", ErrInvalidEnvelope, resp.Kind)
	}
	return resp.Peers, nil
}

// Close closes the connection and resolves every pending request with
// ErrPeerClosed. It is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = make(map[string]chan requestResult)
	close(p.done)
	p.mu.Unlock()

	p.alive.Store(false)
	for _, slot := range pending {
		slot <- requestResult{err: ErrPeerClosed}
	}
	return p.conn.Close()
}

// Done is closed when the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) learnAdvertised(from string) {
	addr, err := ParsePeerAddress(from)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.advertised = addr
	p.mu.Unlock()
}

// readLoop decodes inbound frames until the connection ends. Responses
// resolve pending requests; everything else goes to dispatch.
func (p *Peer) readLoop(dispatch EnvelopeHandler, onDisconnect func(*Peer)) {
	for frame := range p.conn.Frames() {
		env, err := DecodeEnvelope(frame)
		if err != nil {
			p.metrics.MalformedFrame.Inc()
			p.logger.Warn("dropping malformed frame", zap.Int("size", len(frame)), zap.Error(err))
			continue
		}

		p.touch()
		// Gossip is relayed unmodified, so its From names the originator,
		// not this neighbor.
		if env.From != "" && env.Kind != KindGossip {
			p.learnAdvertised(env.From)
		}

		if env.Kind.IsResponse() {
			if !p.resolve(env) {
				p.logger.Debug("dropping unmatched response",
					zap.String("kind", string(env.Kind)),
					zap.String("request_id", env.RequestID))
			}
			continue
		}
		dispatch(p, env)
	}

	p.alive.Store(false)
	if onDisconnect != nil {
		onDisconnect(p)
	}
}
