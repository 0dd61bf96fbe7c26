package network

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/cache"
	"github.com/VanDung-dev/HieraChain-Gossip/crypto"
	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
)

// otherTopicLabel is the metrics label for topics this node neither
// subscribes to nor validates.
const otherTopicLabel = "other"

// TopicValidator checks the application semantics of a payload. A non-nil
// error rejects the message: it is neither delivered nor forwarded.
type TopicValidator func(payload []byte) error

// GossipOutcome is the result of handling one inbound gossip envelope.
type GossipOutcome int

const (
	GossipDuplicate GossipOutcome = iota
	GossipInvalid
	GossipDelivered
)

func (o GossipOutcome) String() string {
	switch o {
	case GossipDuplicate:
		return "duplicate"
	case GossipInvalid:
		return "invalid"
	case GossipDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("GossipOutcome(%d)", int(o))
	}
}

// Router implements flood gossip: every novel, valid message is delivered to
// local subscribers once and re-sent to every alive peer except the one it
// came from. Loops are broken by the dedup cache alone; there is no hop limit.
type Router struct {
	peers    *PeerSet
	topics   *TopicRegistry
	seen     *cache.DedupCache
	signer   crypto.Signer
	verifier crypto.Verifier
	clock    clock.Clock
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	mu         sync.RWMutex
	validators map[string]TopicValidator
}

type routerDeps struct {
	peers    *PeerSet
	topics   *TopicRegistry
	seen     *cache.DedupCache
	signer   crypto.Signer
	verifier crypto.Verifier
	clock    clock.Clock
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

func newRouter(d routerDeps) *Router {
	return &Router{
		peers:      d.peers,
		topics:     d.topics,
		seen:       d.seen,
		signer:     d.signer,
		verifier:   d.verifier,
		clock:      d.clock,
		metrics:    d.metrics,
		logger:     d.logger,
		validators: make(map[string]TopicValidator),
	}
}

// SetValidator installs the semantic validator for topic, replacing any
// previous one. A nil validator removes it.
func (r *Router) SetValidator(topic string, v TopicValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v == nil {
		delete(r.validators, topic)
		return
	}
	r.validators[topic] = v
}

func (r *Router) validator(topic string) TopicValidator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[topic]
}

// topicLabel keeps peer-chosen topic names out of metric labels unless the
// node has registered interest in them, bounding the series count.
func (r *Router) topicLabel(topic string) string {
	if r.topics.SubscriberCount(topic) > 0 || r.validator(topic) != nil {
		return topic
	}
	return otherTopicLabel
}

// Broadcast originates a message on topic. The id is recorded as seen before
// any send so the node ignores its own flooded copy. Per-peer send failures
// are counted but never fail the call.
func (r *Router) Broadcast(topic string, payload []byte) (*Envelope, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidEnvelope)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}

	messageID := NewMessageID()
	signature, err := r.signer.Sign(crypto.Digest(topic, messageID, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	env := &Envelope{
		Kind:      KindGossip,
		Topic:     topic,
		MessageID: messageID,
		Payload:   payload,
		Signature: signature,
		SignerKey: r.signer.PublicKey(),
		SentAt:    r.clock.Now(),
	}

	r.seen.Mark(messageID)
	sent, failed := r.fanOut(env, nil)

	r.metrics.BroadcastsTotal.WithLabelValues(topic).Inc()
	r.logger.Debug("broadcast",
		zap.String("topic", topic),
		zap.String("message_id", messageID),
		zap.Int("sent", sent),
		zap.Int("failed", failed))
	return env, nil
}

// HandleGossip runs the inbound state machine: seen check, validation,
// record, deliver, forward. from may be nil for envelopes injected locally.
func (r *Router) HandleGossip(from *Peer, env *Envelope) GossipOutcome {
	label := r.topicLabel(env.Topic)
	r.metrics.GossipReceived.WithLabelValues(label).Inc()

	if r.seen.Seen(env.MessageID) {
		r.metrics.DuplicatesDropped.Inc()
		return GossipDuplicate
	}

	if reason, err := r.Validate(env); err != nil {
		r.metrics.ValidationFailures.WithLabelValues(reason).Inc()
		r.logger.Info("dropping invalid gossip",
			zap.Stringer("from", peerAddr(from)),
			zap.String("topic", env.Topic),
			zap.String("message_id", env.MessageID),
			zap.Error(err))
		return GossipInvalid
	}

	// Two concurrent arrivals can both pass the seen check; only one wins here.
	if !r.seen.MarkIfNew(env.MessageID) {
		r.metrics.DuplicatesDropped.Inc()
		return GossipDuplicate
	}

	delivered, failed := r.topics.Publish(env.Topic, env.Payload)
	r.metrics.GossipDelivered.WithLabelValues(label).Add(float64(delivered))
	if failed > 0 {
		r.metrics.SubscriberFailures.WithLabelValues(label).Add(float64(failed))
	}

	sent, sendFailed := r.fanOut(env, from)
	r.logger.Debug("gossip accepted",
		zap.Stringer("from", peerAddr(from)),
		zap.String("topic", env.Topic),
		zap.String("message_id", env.MessageID),
		zap.Int("subscribers", delivered+failed),
		zap.Int("forwarded", sent),
		zap.Int("forward_failures", sendFailed))
	return GossipDelivered
}

// Validate checks structure, signature and topic semantics in that order.
// The returned reason labels the failure for metrics.
func (r *Router) Validate(env *Envelope) (string, error) {
	if env.Kind != KindGossip {
		return "structure", fmt.Errorf("%w: kind %s", ErrInvalidEnvelope, env.Kind)
	}
	if err := ValidateStructure(env); err != nil {
		return "structure", err
	}

	digest := crypto.Digest(env.Topic, env.MessageID, env.Payload)
	if !r.verifier.Verify(digest, env.Signature, env.SignerKey) {
		return "signature", ErrInvalidSignature
	}

	if v := r.validator(env.Topic); v != nil {
		if err := v(env.Payload); err != nil {
			return "topic", fmt.Errorf("%w: %v", ErrTopicRejected, err)
		}
	}
	return "", nil
}

// fanOut sends env unmodified to every alive peer except exclude.
func (r *Router) fanOut(env *Envelope, exclude *Peer) (sent, failed int) {
	for _, p := range r.peers.Snapshot() {
		if p == exclude || !p.IsAlive() {
			continue
		}
		if p.Send(env) {
			sent++
		} else {
			failed++
		}
	}
	r.metrics.RecordForward(sent, failed)
	return sent, failed
}

func peerAddr(p *Peer) PeerAddress {
	if p == nil {
		return PeerAddress{}
	}
	return p.Addr()
}
