package network

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind is the envelope type on the wire.
type Kind string

// Envelope kinds
const (
	KindGetPeers      Kind = "GET_PEERS"
	KindPeersResponse Kind = "PEERS_RESPONSE"
	KindPing          Kind = "PING"
	KindPong          Kind = "PONG"
	KindGossip        Kind = "GOSSIP"
)

// IsResponse reports whether the kind resolves a pending request.
func (k Kind) IsResponse() bool {
	return k == KindPeersResponse || k == KindPong
}

// Envelope is the unit exchanged between peers. It is built once per send and
// never mutated afterwards; forwarding re-sends the received value as is.
type Envelope struct {
	Kind      Kind   `json:"kind" validate:"required,oneof=GET_PEERS PEERS_RESPONSE PING PONG GOSSIP"`
	RequestID string `json:"request_id,omitempty" validate:"required_unless=Kind GOSSIP"`

	// Gossip fields
	Topic     string `json:"topic,omitempty" validate:"required_if=Kind GOSSIP,max=256"`
	MessageID string `json:"message_id,omitempty" validate:"required_if=Kind GOSSIP,max=128"`
	Payload   []byte `json:"payload,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	SignerKey []byte `json:"signer_key,omitempty"`

	// From is the listen address of the sending node. It is set on
	// request/response kinds only, so forwarded gossip never carries a
	// stale hop address.
	From  string   `json:"from,omitempty"`
	Peers []string `json:"peers,omitempty" validate:"max=1024"`

	SentAt time.Time `json:"sent_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewRequest builds a request envelope with a fresh correlation id.
func NewRequest(kind Kind, from string) *Envelope {
	return &Envelope{
		Kind:      kind,
		RequestID: uuid.NewString(),
		From:      from,
		SentAt:    time.Now(),
	}
}

// NewResponse builds a response envelope correlated to req.
func NewResponse(kind Kind, req *Envelope, from string) *Envelope {
	return &Envelope{
		Kind:      kind,
		RequestID: req.RequestID,
		From:      from,
		SentAt:    time.Now(),
	}
}

// NewPeersResponse builds a PEERS_RESPONSE listing addrs.
func NewPeersResponse(req *Envelope, from string, addrs []string) *Envelope {
	resp := NewResponse(KindPeersResponse, req, from)
	resp.Peers = addrs
	return resp
}

// NewMessageID returns a random, network-wide unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and structurally validates a frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := ValidateStructure(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ValidateStructure checks field presence for the envelope's kind.
// Gossip additionally requires payload, signature and signer key.
func ValidateStructure(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	if err := validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Kind == KindGossip {
		switch {
		case len(env.Payload) == 0:
			return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
		case len(env.Signature) == 0:
			return fmt.Errorf("%w: missing signature", ErrInvalidEnvelope)
		case len(env.SignerKey) == 0:
			return fmt.Errorf("%w: missing signer key", ErrInvalidEnvelope)
		}
	}
	return nil
}
