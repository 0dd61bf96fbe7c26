package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/cache"
	"github.com/VanDung-dev/HieraChain-Gossip/crypto"
	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
)

// acceptRetryDelay paces the accept loop after a transient error.
const acceptRetryDelay = 100 * time.Millisecond

// NodeStats represents the current status of a node.
type NodeStats struct {
	Address    string           `json:"address"`
	IsRunning  bool             `json:"is_running"`
	PeerCount  int              `json:"peer_count"`
	MaxPeers   int              `json:"max_peers"`
	AlivePeers int              `json:"alive_peers"`
	Topics     []string         `json:"topics"`
	Discovery  bool             `json:"discovery_running"`
	DedupCache cache.CacheStats `json:"dedup_cache"`
}

// Node orchestrates the gossip components: transport, peer set, discovery,
// router, topic registry and health monitor.
type Node struct {
	cfg           Config
	seeds         []PeerAddress
	transport     Transport
	ownsTransport bool
	signer        crypto.Signer
	verifier      crypto.Verifier
	clock         clock.Clock
	metrics       *monitoring.Metrics
	logger        *zap.Logger

	peers     *PeerSet
	topics    *TopicRegistry
	seen      *cache.DedupCache
	router    *Router
	discovery *Discovery
	health    *HealthMonitor

	mu        sync.RWMutex
	running   bool
	listener  Listener
	localAddr PeerAddress
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewNode creates a node from cfg. Nothing touches the network until Start.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seeds, err := cfg.BootstrapAddresses()
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, seeds: seeds}
	for _, opt := range opts {
		opt(n)
	}

	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	if n.metrics == nil {
		n.metrics = monitoring.NewMetrics("gossip", nil)
	}
	if n.verifier == nil {
		n.verifier = crypto.Secp256k1Verifier{}
	}
	if n.signer == nil {
		signer, err := crypto.GenerateSecp256k1Signer()
		if err != nil {
			return nil, err
		}
		n.signer = signer
	}
	if n.transport == nil {
		n.transport = n.defaultTransport()
		n.ownsTransport = true
	}

	n.seen, err = cache.NewDedupCache(cfg.DedupTTL, cfg.DedupMaxEntries, n.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	n.peers = NewPeerSet(cfg.MaxPeers)
	n.topics = NewTopicRegistry(n.logger.Named("topics"))
	n.router = newRouter(routerDeps{
		peers:    n.peers,
		topics:   n.topics,
		seen:     n.seen,
		signer:   n.signer,
		verifier: n.verifier,
		clock:    n.clock,
		metrics:  n.metrics,
		logger:   n.logger.Named("router"),
	})
	n.discovery = newDiscovery(discoveryDeps{
		peers:   n.peers,
		seeds:   seeds,
		connect: n.Connect,
		isSelf:  n.isSelf,
		self:    n.advertised,
		cfg:     cfg,
		clock:   n.clock,
		metrics: n.metrics,
		logger:  n.logger.Named("discovery"),
	})
	n.health = newHealthMonitor(healthDeps{
		peers:     n.peers,
		seen:      n.seen,
		discovery: n.discovery,
		remove:    n.removePeer,
		cfg:       cfg,
		clock:     n.clock,
		metrics:   n.metrics,
		logger:    n.logger.Named("health"),
	})
	return n, nil
}

func (n *Node) defaultTransport() Transport {
	opts := n.cfg.streamOptions()
	opts.Logger = n.logger.Named("transport")
	opts.OnMalformed = n.metrics.MalformedFrame.Inc

	if n.cfg.Transport == TransportZMQ {
		local := n.cfg.AdvertiseAddress
		if local == "" {
			local = n.cfg.ListenAddress
		}
		return NewZmqTransport(local, opts)
	}
	return NewTCPTransport(opts, n.cfg.DialTimeout)
}

// Start binds the listener and starts the accept loop, bootstrap and
// discovery, and the health monitor. A listen failure is the only error;
// everything after it is best-effort and logged. ctx bounds the node's
// lifetime in addition to Shutdown.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrNodeAlreadyRunning
	}

	lis, err := n.transport.Listen(n.cfg.ListenAddress)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to start listener: %w", err)
	}
	n.listener = lis
	n.localAddr = n.resolveAdvertised(lis.Addr())
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.running = true
	runCtx := n.ctx
	n.mu.Unlock()

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.acceptLoop(runCtx, lis)
	}()
	go func() {
		defer n.wg.Done()
		n.discovery.Bootstrap(runCtx)
		n.discovery.Trigger(runCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.health.Run(runCtx)
	}()

	n.logger.Info("node started",
		zap.Stringer("listen", lis.Addr()),
		zap.Stringer("advertise", n.Addr()),
		zap.Int("seeds", len(n.seeds)),
		zap.Int("max_peers", n.cfg.MaxPeers))
	return nil
}

// resolveAdvertised picks the address announced to other nodes. An unspecified
// bind host is replaced by loopback.
func (n *Node) resolveAdvertised(bound PeerAddress) PeerAddress {
	if n.cfg.AdvertiseAddress != "" {
		if addr, err := ParsePeerAddress(n.cfg.AdvertiseAddress); err == nil {
			return addr
		}
	}
	if ip := net.ParseIP(bound.Host); ip != nil && ip.IsUnspecified() {
		n.logger.Warn("listening on an unspecified address without advertise_address, announcing loopback",
			zap.Stringer("listen", bound))
		bound.Host = "127.0.0.1"
	}
	return bound
}

// Shutdown stops background tasks, closes the listener and every peer
// (resolving their pending requests with ErrPeerClosed), and waits for all
// goroutines. It returns the aggregated close errors.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.cancel()
	lis := n.listener
	n.mu.Unlock()

	var errs error
	errs = multierr.Append(errs, lis.Close())
	for _, p := range n.peers.Snapshot() {
		if n.peers.RemovePeer(p) {
			errs = multierr.Append(errs, p.Close())
			n.metrics.PeersRemoved.WithLabelValues("shutdown").Inc()
		}
	}

	n.wg.Wait()
	n.discovery.Wait()
	n.metrics.UpdatePeerCount(n.peers.Size())

	if closer, ok := n.transport.(io.Closer); ok && n.ownsTransport {
		errs = multierr.Append(errs, closer.Close())
	}

	n.logger.Info("node stopped", zap.Stringer("address", n.Addr()))
	return errs
}

func (n *Node) acceptLoop(ctx context.Context, lis Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, ErrListenerClosed) || ctx.Err() != nil {
				return
			}
			n.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-n.clock.After(acceptRetryDelay):
			}
			continue
		}

		if _, err := n.admit(conn, true); err != nil {
			n.logger.Info("rejected inbound connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		}
	}
}

// admit wraps conn in a Peer and adds it to the set. A rejected connection is
// closed here.
func (n *Node) admit(conn Conn, inbound bool) (*Peer, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.running {
		_ = conn.Close()
		return nil, ErrNodeNotRunning
	}

	p := newPeer(conn, peerConfig{
		localAddr: n.localAddr.String(),
		inbound:   inbound,
		queueSize: n.cfg.OutboundQueueSize,
		clock:     n.clock,
		logger:    n.logger.Named("peer"),
		metrics:   n.metrics,
	})
	if !n.peers.TryAdd(p) {
		n.metrics.PeersRejected.Inc()
		_ = conn.Close()
		if n.peers.Contains(p.Addr()) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, p.Addr())
		}
		return nil, fmt.Errorf("%w: %d peers", ErrPeerSetFull, n.peers.Max())
	}

	n.metrics.PeersAdded.Inc()
	n.metrics.UpdatePeerCount(n.peers.Size())
	n.logger.Debug("peer added",
		zap.Stringer("peer", p.Addr()),
		zap.Bool("inbound", inbound),
		zap.Int("peers", n.peers.Size()))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		p.readLoop(n.dispatch, n.onDisconnect)
	}()
	return p, nil
}

func (n *Node) onDisconnect(p *Peer) {
	n.removePeer(p, "disconnect")
}

// removePeer removes and closes p. Only the caller that actually removed it
// gets true.
func (n *Node) removePeer(p *Peer, reason string) bool {
	if !n.peers.RemovePeer(p) {
		return false
	}
	_ = p.Close()
	n.metrics.PeersRemoved.WithLabelValues(reason).Inc()
	n.metrics.UpdatePeerCount(n.peers.Size())
	n.logger.Debug("peer removed", zap.Stringer("peer", p.Addr()), zap.String("reason", reason))
	return true
}

// dispatch handles every non-response envelope from a peer.
func (n *Node) dispatch(from *Peer, env *Envelope) {
	switch env.Kind {
	case KindPing:
		from.Send(NewResponse(KindPong, env, n.advertised()))
	case KindGetPeers:
		from.Send(n.discovery.HandleGetPeers(from, env))
	case KindGossip:
		n.router.HandleGossip(from, env)
	default:
		n.logger.Debug("ignoring envelope", zap.Stringer("peer", from.Addr()), zap.String("kind", string(env.Kind)))
	}
}

// Connect dials addr and admits the peer. On success a PING announces this
// node's listen address to the remote side.
func (n *Node) Connect(ctx context.Context, addr PeerAddress) (*Peer, error) {
	if !n.IsRunning() {
		return nil, ErrNodeNotRunning
	}
	if n.isSelf(addr) {
		return nil, ErrSelfConnect
	}
	if n.peers.Knows(addr) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, addr)
	}
	if n.peers.Full() {
		return nil, fmt.Errorf("%w: %d peers", ErrPeerSetFull, n.peers.Max())
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()

	conn, err := n.transport.Dial(dialCtx, addr)
	if err != nil {
		n.metrics.DialFailures.Inc()
		return nil, err
	}

	p, err := n.admit(conn, false)
	if err != nil {
		return nil, err
	}
	p.Send(NewRequest(KindPing, n.advertised()))
	return p, nil
}

func (n *Node) isSelf(addr PeerAddress) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if addr == n.localAddr {
		return true
	}
	return n.listener != nil && addr == n.listener.Addr()
}

func (n *Node) advertised() string {
	return n.Addr().String()
}

// Subscribe registers handler for payloads delivered on topic.
func (n *Node) Subscribe(topic string, handler Handler) Subscription {
	return n.topics.Subscribe(topic, handler)
}

func (n *Node) Unsubscribe(sub Subscription) bool {
	return n.topics.Unsubscribe(sub)
}

// SetValidator installs the semantic validator for topic.
func (n *Node) SetValidator(topic string, v TopicValidator) {
	n.router.SetValidator(topic, v)
}

// Broadcast signs payload and floods it on topic. The returned envelope is
// the one sent to every alive peer.
func (n *Node) Broadcast(topic string, payload []byte) (*Envelope, error) {
	if !n.IsRunning() {
		return nil, ErrNodeNotRunning
	}
	return n.router.Broadcast(topic, payload)
}

// Peers returns the status of every connected peer.
func (n *Node) Peers() []PeerStatus {
	peers := n.peers.Snapshot()
	statuses := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		statuses = append(statuses, p.Status())
	}
	return statuses
}

func (n *Node) PeerCount() int {
	return n.peers.Size()
}

// Addr returns the advertised address, or the zero address before Start.
func (n *Node) Addr() PeerAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.localAddr
}

func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Stats returns node statistics.
func (n *Node) Stats() NodeStats {
	alive := 0
	for _, p := range n.peers.Snapshot() {
		if p.IsAlive() {
			alive++
		}
	}
	return NodeStats{
		Address:    n.Addr().String(),
		IsRunning:  n.IsRunning(),
		PeerCount:  n.peers.Size(),
		MaxPeers:   n.peers.Max(),
		AlivePeers: alive,
		Topics:     n.topics.Topics(),
		Discovery:  n.discovery.Running(),
		DedupCache: n.seen.GetStats(),
	}
}
