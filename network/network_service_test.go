package network

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-Gossip/crypto"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddress = "node:0"
	cfg.DiscoveryRetryInterval = 50 * time.Millisecond
	cfg.PeerListRequestTimeout = time.Second
	cfg.PingTimeout = 200 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	cfg.DedupCleanupInterval = time.Hour
	cfg.DialTimeout = time.Second
	return cfg
}

func startNode(t *testing.T, hub *MemoryHub, cfg Config, opts ...Option) *Node {
	t.Helper()
	n, err := NewNode(cfg, append([]Option{WithTransport(hub)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Shutdown() })
	return n
}

// counter subscribes to topic and counts deliveries.
func counter(n *Node, topic string) *atomic.Int64 {
	var c atomic.Int64
	n.Subscribe(topic, func(string, []byte) error {
		c.Add(1)
		return nil
	})
	return &c
}

func signedGossip(t *testing.T, signer crypto.Signer, topic string, payload []byte) *Envelope {
	t.Helper()
	id := NewMessageID()
	sig, err := signer.Sign(crypto.Digest(topic, id, payload))
	require.NoError(t, err)
	return &Envelope{
		Kind:      KindGossip,
		Topic:     topic,
		MessageID: id,
		Payload:   payload,
		Signature: sig,
		SignerKey: signer.PublicKey(),
		SentAt:    time.Now(),
	}
}

func newSigner(t *testing.T) crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateSecp256k1Signer()
	require.NoError(t, err)
	return s
}

// dialRaw opens a bare connection to n that the test drives by hand.
func dialRaw(t *testing.T, hub *MemoryHub, n *Node) Conn {
	t.Helper()
	conn, err := hub.Dial(context.Background(), n.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// drainGossip counts GOSSIP frames arriving on conn within d.
func drainGossip(conn Conn, d time.Duration) int {
	count := 0
	deadline := time.After(d)
	for {
		select {
		case frame, ok := <-conn.Frames():
			if !ok {
				return count
			}
			if env, err := DecodeEnvelope(frame); err == nil && env.Kind == KindGossip {
				count++
			}
		case <-deadline:
			return count
		}
	}
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeers = 0
	_, err := NewNode(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Bootstrap = []string{"not-an-address"}
	_, err = NewNode(cfg)
	assert.Error(t, err)
}

func TestNodeLifecycle(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	n, err := NewNode(testConfig(), WithTransport(hub))
	require.NoError(t, err)

	_, err = n.Broadcast("t", []byte("x"))
	assert.ErrorIs(t, err, ErrNodeNotRunning)

	require.NoError(t, n.Start(context.Background()))
	assert.True(t, n.IsRunning())
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeAlreadyRunning)
	assert.Equal(t, "node", n.Addr().Host)

	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown())
	assert.False(t, n.IsRunning())
}

func TestNodeStartFailsWhenListenFails(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	cfg := testConfig()
	cfg.ListenAddress = "node:9000"
	startNode(t, hub, cfg)

	second, err := NewNode(cfg, WithTransport(hub))
	require.NoError(t, err)
	assert.Error(t, second.Start(context.Background()))
	assert.False(t, second.IsRunning())
}

// A-B-C line: A broadcasts, B and C each deliver exactly once, B forwards to
// C only, and C has nobody left to forward to.
func TestFloodPropagationLine(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})

	edge := testConfig()
	edge.MaxPeers = 1
	middle := testConfig()
	middle.MaxPeers = 2

	a := startNode(t, hub, edge)
	b := startNode(t, hub, middle)
	c := startNode(t, hub, edge)

	ctx := context.Background()
	_, err := a.Connect(ctx, b.Addr())
	require.NoError(t, err)
	_, err = c.Connect(ctx, b.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.PeerCount() == 2 }, testWait, 10*time.Millisecond)

	gotA, gotB, gotC := counter(a, "t"), counter(b, "t"), counter(c, "t")

	env, err := a.Broadcast("t", []byte("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, env.MessageID)

	require.Eventually(t, func() bool { return gotB.Load() == 1 && gotC.Load() == 1 }, testWait, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int64(0), gotA.Load(), "the origin does not deliver to itself")
	assert.Equal(t, int64(1), gotB.Load())
	assert.Equal(t, int64(1), gotC.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.MessagesForwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.MessagesForwarded), "B forwards to C and not back to A")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.MessagesForwarded))
}

func TestDuplicateFromTwoPeersDeliveredOnce(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	n := startNode(t, hub, testConfig())
	delivered := counter(n, "t")

	first := dialRaw(t, hub, n)
	second := dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return n.PeerCount() == 2 }, testWait, 10*time.Millisecond)

	env := signedGossip(t, newSigner(t), "t", []byte("x"))
	sendEnvelope(t, first, env)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, testWait, 10*time.Millisecond)
	sendEnvelope(t, second, env)

	assert.Equal(t, 1, drainGossip(second, 200*time.Millisecond), "forwarded once to the other peer")
	assert.Equal(t, 0, drainGossip(first, 50*time.Millisecond), "never forwarded back to the sender")
	assert.Equal(t, int64(1), delivered.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.DuplicatesDropped))
}

func TestExpiredDedupEntryIsTreatedAsNew(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.MaxPeers = 1
	n := startNode(t, hub, cfg, WithClock(mock))
	delivered := counter(n, "t")

	conn := dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return n.PeerCount() == 1 }, testWait, 10*time.Millisecond)

	env := signedGossip(t, newSigner(t), "t", []byte("x"))
	sendEnvelope(t, conn, env)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, testWait, 10*time.Millisecond)

	sendEnvelope(t, conn, env)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load(), "duplicate within TTL is a no-op")

	mock.Add(cfg.DedupTTL + time.Second)
	assert.Equal(t, 1, n.health.Evict())

	sendEnvelope(t, conn, env)
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, testWait, 10*time.Millisecond)
}

func TestInvalidGossipIsDroppedAndNotForwarded(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	n := startNode(t, hub, testConfig())
	delivered := counter(n, "t")
	n.SetValidator("t", func(payload []byte) error {
		if string(payload) == "bad" {
			return errors.New("bad payload")
		}
		return nil
	})

	sender := dialRaw(t, hub, n)
	observer := dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return n.PeerCount() == 2 }, testWait, 10*time.Millisecond)

	signer := newSigner(t)

	good := signedGossip(t, signer, "t", []byte("good"))
	forged := *good
	forged.Payload = []byte("tampered")
	sendEnvelope(t, sender, &forged)

	rejected := signedGossip(t, signer, "t", []byte("bad"))
	sendEnvelope(t, sender, rejected)

	assert.Equal(t, 0, drainGossip(observer, 200*time.Millisecond))
	assert.Zero(t, delivered.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.ValidationFailures.WithLabelValues("signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.ValidationFailures.WithLabelValues("topic")))

	// The forged copy was never recorded, so the genuine message with the
	// same id still gets through.
	sendEnvelope(t, sender, good)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, testWait, 10*time.Millisecond)
}

func TestDiscoveryConvergence(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	ctx := context.Background()

	quiet := testConfig()
	quiet.DiscoveryMaxRounds = 1

	seedCfg := quiet
	seedCfg.MaxPeers = 6

	var seeds []string
	for i := 0; i < 3; i++ {
		seed := startNode(t, hub, seedCfg)
		for j := 0; j < 5; j++ {
			leaf := startNode(t, hub, quiet)
			_, err := seed.Connect(ctx, leaf.Addr())
			require.NoError(t, err)
		}
		seeds = append(seeds, seed.Addr().String())
	}

	cfg := testConfig()
	cfg.MaxPeers = 5
	cfg.Bootstrap = seeds
	n := startNode(t, hub, cfg)

	require.Eventually(t, func() bool { return n.PeerCount() == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return n.PeerCount() > 5 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestDiscoveryGivesUpAfterMaxRounds(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	cfg := testConfig()
	cfg.DiscoveryMaxRounds = 2
	cfg.Bootstrap = []string{"unreachable:1"}
	n := startNode(t, hub, cfg)

	err := n.discovery.Run(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryExhausted)
	assert.Zero(t, n.PeerCount())
}

func TestHandleGetPeersExcludesRequesterAndCaps(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	cfg := testConfig()
	cfg.MaxPeersPerResponse = 2
	n := startNode(t, hub, cfg)

	single := testConfig()
	single.MaxPeers = 1
	for i := 0; i < 4; i++ {
		other := startNode(t, hub, single)
		_, err := n.Connect(context.Background(), other.Addr())
		require.NoError(t, err)
	}

	conn := dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return n.PeerCount() == 5 }, testWait, 10*time.Millisecond)

	req := NewRequest(KindGetPeers, "requester:9")
	sendEnvelope(t, conn, req)
	resp := readEnvelope(t, conn)
	for resp.Kind != KindPeersResponse {
		resp = readEnvelope(t, conn)
	}

	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.Len(t, resp.Peers, 2)
	assert.NotContains(t, resp.Peers, "requester:9")
	assert.Equal(t, n.Addr().String(), resp.From)
}

func TestSweepRemovesUnresponsivePeerOnce(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	cfg := testConfig()
	cfg.DiscoveryMaxRounds = 1
	n := startNode(t, hub, cfg)
	responsive := startNode(t, hub, cfg)

	_, err := n.Connect(context.Background(), responsive.Addr())
	require.NoError(t, err)
	silent := dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return n.PeerCount() == 2 }, testWait, 10*time.Millisecond)

	var silentPeer *Peer
	for _, p := range n.peers.Snapshot() {
		if p.Inbound() {
			silentPeer = p
		}
	}
	require.NotNil(t, silentPeer)

	assert.Equal(t, 1, n.health.Sweep(context.Background()))
	assert.Equal(t, 1, n.PeerCount())
	assert.False(t, n.peers.Contains(silentPeer.Addr()))
	assert.Zero(t, silentPeer.PendingCount())

	assert.Equal(t, 0, n.health.Sweep(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.PeersRemoved.WithLabelValues("ping")))

	// The removed peer's connection is closed.
	require.Eventually(t, func() bool { return !silent.Connected() }, testWait, 10*time.Millisecond)
}

func TestShutdownResolvesPendingRequests(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	lis, err := hub.Listen("silent:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	n, err := NewNode(testConfig(), WithTransport(hub))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	p, err := n.Connect(context.Background(), lis.Addr())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.RequestPeers(context.Background(), time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.PendingCount() >= 1 }, testWait, 10*time.Millisecond)

	require.NoError(t, n.Shutdown())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPeerClosed)
	case <-time.After(testWait):
		t.Fatal("pending request left unresolved after shutdown")
	}
	assert.Zero(t, n.PeerCount())
}

func TestInboundRejectedWhenFull(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	cfg := testConfig()
	cfg.MaxPeers = 1
	n := startNode(t, hub, cfg)

	dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return n.PeerCount() == 1 }, testWait, 10*time.Millisecond)

	rejected := dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return !rejected.Connected() }, testWait, 10*time.Millisecond)
	assert.Equal(t, 1, n.PeerCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.PeersRejected))
}

func TestConnectRefusesSelfAndKnownPeers(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	a := startNode(t, hub, testConfig())
	b := startNode(t, hub, testConfig())
	ctx := context.Background()

	_, err := a.Connect(ctx, a.Addr())
	assert.ErrorIs(t, err, ErrSelfConnect)

	_, err = a.Connect(ctx, b.Addr())
	require.NoError(t, err)
	_, err = a.Connect(ctx, b.Addr())
	assert.ErrorIs(t, err, ErrDuplicatePeer)

	_, err = a.Connect(ctx, MustParsePeerAddress("nobody:1"))
	assert.ErrorIs(t, err, ErrConnect)
}

func TestNodeOverTCPLoopback(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.DiscoveryMaxRounds = 1

	start := func() *Node {
		n, err := NewNode(cfg)
		require.NoError(t, err)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { _ = n.Shutdown() })
		return n
	}
	a, b := start(), start()

	_, err := a.Connect(context.Background(), b.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.PeerCount() == 1 }, testWait, 10*time.Millisecond)

	received := make(chan []byte, 1)
	b.Subscribe("t", func(_ string, payload []byte) error {
		received <- payload
		return nil
	})

	_, err = a.Broadcast("t", []byte("over tcp"))
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("over tcp"), payload)
	case <-time.After(testWait):
		t.Fatal("payload not delivered over TCP")
	}

	// The inbound side learned A's listen address from the connect PING.
	require.Eventually(t, func() bool {
		peers := b.Peers()
		return len(peers) == 1 && peers[0].Advertised == a.Addr().String()
	}, testWait, 10*time.Millisecond)
}

func TestStalledPeerDoesNotBlockOthers(t *testing.T) {
	hub := NewMemoryHub(StreamOptions{})
	cfg := testConfig()
	cfg.DiscoveryMaxRounds = 1
	cfg.OutboundQueueSize = 16
	n := startNode(t, hub, cfg)
	healthy := startNode(t, hub, cfg)
	got := counter(n, "t")

	_, err := n.Connect(context.Background(), healthy.Addr())
	require.NoError(t, err)
	stalled := dialRaw(t, hub, n)
	require.Eventually(t, func() bool { return n.PeerCount() == 2 && healthy.PeerCount() == 1 },
		testWait, 10*time.Millisecond)

	// The raw connection is never drained, so n's writes to it back up.
	for i := 0; i < 200; i++ {
		_, err := healthy.Broadcast("t", []byte(strconv.Itoa(i)))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return got.Load() == 200 }, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, testutil.ToFloat64(n.metrics.QueueOverflows))

	var stalledPeer *Peer
	for _, p := range n.peers.Snapshot() {
		if p.Inbound() {
			stalledPeer = p
		}
	}
	require.NotNil(t, stalledPeer)
	assert.False(t, stalledPeer.IsAlive())

	// The healthy peer still answers pings; only the stalled one goes.
	assert.Equal(t, 1, n.health.Sweep(context.Background()))
	assert.Equal(t, 1, n.PeerCount())
	assert.False(t, n.peers.Contains(stalledPeer.Addr()))
	require.Eventually(t, func() bool { return !stalled.Connected() }, testWait, 10*time.Millisecond)
}
