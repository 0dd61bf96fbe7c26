package consensus

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/VanDung-dev/HieraChain-Gossip/network"
)

// Gossip topics
const (
	TopicBeaconBlock     = "/eth2/beacon_block"
	TopicBeaconAggregate = "/eth2/beacon_aggregate"
)

// MaxSlot is the largest slot accepted on the wire.
const MaxSlot = 1_000_000_000

// ErrInvalidPayload is returned for payloads that fail decoding or validation.
var ErrInvalidPayload = errors.New("invalid consensus payload")

// Block is a proposed block as gossiped on TopicBeaconBlock.
type Block struct {
	Slot     int64  `json:"slot" validate:"required,min=1,max=1000000000"`
	Proposer string `json:"proposer" validate:"required"`
	// Transactions must be present; an explicit empty list is allowed.
	Transactions *[]string `json:"transactions" validate:"required"`
	ParentHash   string    `json:"parent_hash,omitempty"`
	Timestamp    int64     `json:"timestamp,omitempty"`
}

// Aggregate is a vote aggregate as gossiped on TopicBeaconAggregate.
type Aggregate struct {
	Slot           int64  `json:"slot" validate:"required,min=1,max=1000000000"`
	BlockHash      string `json:"block_hash" validate:"required"`
	ValidatorIndex uint64 `json:"validator_index"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeBlock parses and validates a block payload.
func DecodeBlock(payload []byte) (*Block, error) {
	var block Block
	if err := decode(payload, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// DecodeAggregate parses and validates an aggregate payload.
func DecodeAggregate(payload []byte) (*Aggregate, error) {
	var agg Aggregate
	if err := decode(payload, &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ValidateBlock is the TopicBeaconBlock validator.
func ValidateBlock(payload []byte) error {
	_, err := DecodeBlock(payload)
	return err
}

// ValidateAggregate is the TopicBeaconAggregate validator.
func ValidateAggregate(payload []byte) error {
	_, err := DecodeAggregate(payload)
	return err
}

// Gossiper is the part of a node the consensus helpers use.
type Gossiper interface {
	SetValidator(topic string, v network.TopicValidator)
	Subscribe(topic string, handler network.Handler) network.Subscription
	Broadcast(topic string, payload []byte) (*network.Envelope, error)
}

// Register installs the block and aggregate validators on g.
func Register(g Gossiper) {
	g.SetValidator(TopicBeaconBlock, ValidateBlock)
	g.SetValidator(TopicBeaconAggregate, ValidateAggregate)
}

// PublishBlock validates and broadcasts block.
func PublishBlock(g Gossiper, block *Block) (*network.Envelope, error) {
	return publish(g, TopicBeaconBlock, block)
}

// PublishAggregate validates and broadcasts agg.
func PublishAggregate(g Gossiper, agg *Aggregate) (*network.Envelope, error) {
	return publish(g, TopicBeaconAggregate, agg)
}

func publish(g Gossiper, topic string, v any) (*network.Envelope, error) {
	if err := validate.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return g.Broadcast(topic, payload)
}

// OnBlock subscribes handler to decoded blocks.
func OnBlock(g Gossiper, handler func(*Block) error) network.Subscription {
	return g.Subscribe(TopicBeaconBlock, func(_ string, payload []byte) error {
		block, err := DecodeBlock(payload)
		if err != nil {
			return err
		}
		return handler(block)
	})
}

// OnAggregate subscribes handler to decoded aggregates.
func OnAggregate(g Gossiper, handler func(*Aggregate) error) network.Subscription {
	return g.Subscribe(TopicBeaconAggregate, func(_ string, payload []byte) error {
		agg, err := DecodeAggregate(payload)
		if err != nil {
			return err
		}
		return handler(agg)
	})
}
