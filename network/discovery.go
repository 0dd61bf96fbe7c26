package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
)

// ErrDiscoveryExhausted is returned by Run when DiscoveryMaxRounds passes
// finished below the target peer count.
var ErrDiscoveryExhausted = errors.New("discovery rounds exhausted below target")

// connectFunc dials addr and admits the resulting peer.
type connectFunc func(ctx context.Context, addr PeerAddress) (*Peer, error)

// Discovery fills the peer set from the bootstrap list and from the peer
// lists of connected peers.
type Discovery struct {
	peers   *PeerSet
	seeds   []PeerAddress
	connect connectFunc
	isSelf  func(PeerAddress) bool
	self    func() string

	cfg     Config
	clock   clock.Clock
	metrics *monitoring.Metrics
	logger  *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

type discoveryDeps struct {
	peers   *PeerSet
	seeds   []PeerAddress
	connect connectFunc
	isSelf  func(PeerAddress) bool
	self    func() string
	cfg     Config
	clock   clock.Clock
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

func newDiscovery(d discoveryDeps) *Discovery {
	return &Discovery{
		peers:   d.peers,
		seeds:   d.seeds,
		connect: d.connect,
		isSelf:  d.isSelf,
		self:    d.self,
		cfg:     d.cfg,
		clock:   d.clock,
		metrics: d.metrics,
		logger:  d.logger,
	}
}

// Bootstrap connects to every seed in order. Individual failures are logged
// and skipped. It returns the number of peers added.
func (d *Discovery) Bootstrap(ctx context.Context) int {
	added := 0
	for _, seed := range d.seeds {
		if ctx.Err() != nil || d.peers.Full() {
			break
		}
		if d.tryConnect(ctx, seed) {
			added++
		}
	}
	d.logger.Info("bootstrap finished",
		zap.Int("seeds", len(d.seeds)),
		zap.Int("connected", added),
		zap.Int("peers", d.peers.Size()))
	return added
}

// Run performs discovery passes until the peer set is full, ctx is canceled,
// or DiscoveryMaxRounds passes (when positive) have run.
func (d *Discovery) Run(ctx context.Context) error {
	for round := 1; ; round++ {
		if d.peers.Full() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		d.RunOnce(ctx)
		if d.peers.Full() {
			return nil
		}
		if d.cfg.DiscoveryMaxRounds > 0 && round >= d.cfg.DiscoveryMaxRounds {
			return ErrDiscoveryExhausted
		}

		d.logger.Debug("below target peer count, retrying",
			zap.Int("peers", d.peers.Size()),
			zap.Int("target", d.peers.Max()),
			zap.Duration("retry_in", d.cfg.DiscoveryRetryInterval))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(d.cfg.DiscoveryRetryInterval):
		}
	}
}

// RunOnce makes one pass: unconnected seeds are redialed, then every known
// peer is asked for its peer list and unknown candidates are dialed while the
// set has room. Request failures skip the peer; removal is left to the health
// monitor. It returns the number of peers added.
func (d *Discovery) RunOnce(ctx context.Context) int {
	d.metrics.DiscoveryRounds.Inc()
	added := 0

	for _, seed := range d.seeds {
		if ctx.Err() != nil || d.peers.Full() {
			return added
		}
		if d.tryConnect(ctx, seed) {
			added++
		}
	}

	for _, p := range d.peers.Snapshot() {
		if ctx.Err() != nil || d.peers.Full() {
			break
		}

		candidates, err := p.RequestPeers(ctx, d.cfg.PeerListRequestTimeout)
		if err != nil {
			d.logger.Debug("peer list request failed", zap.Stringer("peer", p.Addr()), zap.Error(err))
			continue
		}

		for _, candidate := range candidates {
			if d.peers.Full() {
				break
			}
			addr, err := ParsePeerAddress(candidate)
			if err != nil {
				d.logger.Debug("ignoring bad candidate", zap.String("candidate", candidate), zap.Error(err))
				continue
			}
			if d.tryConnect(ctx, addr) {
				added++
			}
		}
	}
	return added
}

func (d *Discovery) tryConnect(ctx context.Context, addr PeerAddress) bool {
	if d.isSelf(addr) || d.peers.Knows(addr) {
		return false
	}
	if _, err := d.connect(ctx, addr); err != nil {
		d.logger.Debug("connect failed", zap.Stringer("addr", addr), zap.Error(err))
		return false
	}
	return true
}

// Trigger starts Run in the background unless a run is already in progress.
// It reports whether a new run was started.
func (d *Discovery) Trigger(ctx context.Context) bool {
	if !d.running.CompareAndSwap(false, true) {
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Store(false)

		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("discovery stopped", zap.Int("peers", d.peers.Size()), zap.Error(err))
		}
	}()
	return true
}

// Running reports whether a triggered run is in progress.
func (d *Discovery) Running() bool {
	return d.running.Load()
}

// Wait blocks until every triggered run has returned.
func (d *Discovery) Wait() {
	d.wg.Wait()
}

// HandleGetPeers builds the PEERS_RESPONSE for a GET_PEERS request: up to
// MaxPeersPerResponse dialable addresses of alive peers, excluding the
// requester.
func (d *Discovery) HandleGetPeers(requester *Peer, req *Envelope) *Envelope {
	var requesterAddr PeerAddress
	if parsed, err := ParsePeerAddress(req.From); err == nil {
		requesterAddr = parsed
	}

	addrs := make([]string, 0, d.cfg.MaxPeersPerResponse)
	for _, p := range d.peers.Snapshot() {
		if len(addrs) >= d.cfg.MaxPeersPerResponse {
			break
		}
		if p == requester || !p.IsAlive() {
			continue
		}
		dial := p.DialAddr()
		if dial.IsZero() || dial == requesterAddr {
			continue
		}
		addrs = append(addrs, dial.String())
	}
	return NewPeersResponse(req, d.self(), addrs)
}
