package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-Gossip/cache"
	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
)

// maxConcurrentPings bounds the probes in flight during one sweep.
const maxConcurrentPings = 16

// removeFunc removes p from the peer set and closes it. It returns true for
// the one caller that performed the removal.
type removeFunc func(p *Peer, reason string) bool

// HealthMonitor runs the liveness sweep and the dedup cache eviction on
// their own schedules, off the message path.
type HealthMonitor struct {
	peers     *PeerSet
	seen      *cache.DedupCache
	discovery *Discovery
	remove    removeFunc

	cfg     Config
	clock   clock.Clock
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

type healthDeps struct {
	peers     *PeerSet
	seen      *cache.DedupCache
	discovery *Discovery
	remove    removeFunc
	cfg       Config
	clock     clock.Clock
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

func newHealthMonitor(d healthDeps) *HealthMonitor {
	return &HealthMonitor{
		peers:     d.peers,
		seen:      d.seen,
		discovery: d.discovery,
		remove:    d.remove,
		cfg:       d.cfg,
		clock:     d.clock,
		metrics:   d.metrics,
		logger:    d.logger,
	}
}

// Run starts both periodic tasks and blocks until ctx is canceled.
func (h *HealthMonitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		h.every(ctx, h.cfg.HealthCheckInterval, func() { h.Sweep(ctx) })
	}()
	go func() {
		defer wg.Done()
		h.every(ctx, h.cfg.DedupCleanupInterval, func() { h.Evict() })
	}()

	wg.Wait()
}

func (h *HealthMonitor) every(ctx context.Context, interval time.Duration, task func()) {
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// Sweep pings every peer in parallel and removes the ones that fail. When the
// set ends below capacity it triggers discovery. It returns the number of
// peers removed.
func (h *HealthMonitor) Sweep(ctx context.Context) int {
	peers := h.peers.Snapshot()
	var removed atomic.Int64

	var g errgroup.Group
	g.SetLimit(maxConcurrentPings)
	for _, p := range peers {
		g.Go(func() error {
			err := p.Ping(ctx, h.cfg.PingTimeout)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			if h.remove(p, "ping") {
				removed.Add(1)
				h.logger.Info("removed unresponsive peer", zap.Stringer("peer", p.Addr()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil && !h.peers.Full() && h.discovery != nil {
		h.discovery.Trigger(ctx)
	}

	n := int(removed.Load())
	h.logger.Debug("liveness sweep finished",
		zap.Int("probed", len(peers)),
		zap.Int("removed", n),
		zap.Int("peers", h.peers.Size()))
	return n
}

// Evict removes dedup entries older than the TTL and returns how many went.
func (h *HealthMonitor) Evict() int {
	evicted := h.seen.EvictExpired()
	h.metrics.UpdateDedupCache(h.seen.Len(), evicted)
	if evicted > 0 {
		h.logger.Debug("evicted expired message ids", zap.Int("evicted", evicted), zap.Int("remaining", h.seen.Len()))
	}
	return evicted
}
