package network

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/cache"
	"github.com/VanDung-dev/HieraChain-Gossip/crypto"
	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
)

func newTestRouter(t *testing.T) (*Router, *TopicRegistry) {
	t.Helper()
	seen, err := cache.NewDedupCache(time.Minute, 0, clock.NewMock())
	require.NoError(t, err)

	topics := NewTopicRegistry(nil)
	r := newRouter(routerDeps{
		peers:    NewPeerSet(10),
		topics:   topics,
		seen:     seen,
		signer:   newSigner(t),
		verifier: crypto.Secp256k1Verifier{},
		clock:    clock.NewMock(),
		metrics:  monitoring.NewMetrics("test", nil),
		logger:   zap.NewNop(),
	})
	return r, topics
}

func TestRouterConcurrentDuplicatesDeliverOnce(t *testing.T) {
	r, topics := newTestRouter(t)

	var delivered atomic.Int64
	topics.Subscribe("t", func(string, []byte) error {
		delivered.Add(1)
		return nil
	})

	env := signedGossip(t, newSigner(t), "t", []byte("x"))

	var outcomes sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes.Store(i, r.HandleGossip(nil, env))
		}(i)
	}
	wg.Wait()

	accepted := 0
	outcomes.Range(func(_, v any) bool {
		if v.(GossipOutcome) == GossipDelivered {
			accepted++
		}
		return true
	})
	assert.Equal(t, 1, accepted)
	assert.Equal(t, int64(1), delivered.Load())
}

func TestRouterBroadcastMarksOwnMessageSeen(t *testing.T) {
	r, topics := newTestRouter(t)

	var delivered atomic.Int64
	topics.Subscribe("t", func(string, []byte) error {
		delivered.Add(1)
		return nil
	})

	env, err := r.Broadcast("t", []byte("x"))
	require.NoError(t, err)

	reason, err := r.Validate(env)
	require.NoError(t, err, "broadcast envelopes carry a valid signature")
	assert.Empty(t, reason)

	assert.Equal(t, GossipDuplicate, r.HandleGossip(nil, env), "a flooded copy of our own message is ignored")
	assert.Zero(t, delivered.Load())
}

func TestRouterBroadcastRejectsEmptyInput(t *testing.T) {
	r, _ := newTestRouter(t)

	_, err := r.Broadcast("", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = r.Broadcast("t", nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestRouterValidatorReplacement(t *testing.T) {
	r, _ := newTestRouter(t)
	env := signedGossip(t, newSigner(t), "t", []byte("x"))

	r.SetValidator("t", func([]byte) error { return assert.AnError })
	reason, err := r.Validate(env)
	assert.ErrorIs(t, err, ErrTopicRejected)
	assert.Equal(t, "topic", reason)

	r.SetValidator("t", nil)
	_, err = r.Validate(env)
	assert.NoError(t, err)
}

func TestRouterUnknownTopicsShareOneMetricSeries(t *testing.T) {
	r, topics := newTestRouter(t)
	topics.Subscribe("t", func(string, []byte) error { return nil })
	r.SetValidator("v", func([]byte) error { return nil })

	signer := newSigner(t)
	for i := 0; i < 50; i++ {
		env := signedGossip(t, signer, "junk-"+strconv.Itoa(i), []byte("x"))
		assert.Equal(t, GossipDelivered, r.HandleGossip(nil, env))
	}
	r.HandleGossip(nil, signedGossip(t, signer, "t", []byte("x")))
	r.HandleGossip(nil, signedGossip(t, signer, "v", []byte("x")))

	assert.Equal(t, 3, testutil.CollectAndCount(r.metrics.GossipReceived))
	assert.Equal(t, 50.0, testutil.ToFloat64(r.metrics.GossipReceived.WithLabelValues(otherTopicLabel)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.GossipReceived.WithLabelValues("t")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.GossipReceived.WithLabelValues("v")))
	assert.Equal(t, 3, testutil.CollectAndCount(r.metrics.GossipDelivered))
}
