package network

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/crypto"
	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
)

// Option customizes a Node.
type Option func(*Node)

// WithTransport replaces the transport selected by Config.Transport.
func WithTransport(t Transport) Option {
	return func(n *Node) { n.transport = t }
}

// WithSigner sets the key used to sign broadcasts.
func WithSigner(s crypto.Signer) Option {
	return func(n *Node) { n.signer = s }
}

// WithVerifier sets the signature check applied to inbound gossip.
func WithVerifier(v crypto.Verifier) Option {
	return func(n *Node) { n.verifier = v }
}

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithClock drives every timer and timestamp from c.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}
