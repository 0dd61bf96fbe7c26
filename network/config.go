package network

import (
	"fmt"
	"time"

	"github.com/VanDung-dev/HieraChain-Gossip/cache"
)

// Transport names accepted by Config.Transport.
const (
	TransportTCP = "tcp"
	TransportZMQ = "zmq"
)

// Config defines configuration for a gossip node.
type Config struct {
	// ListenAddress is the host:port the acceptor binds.
	ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required"`
	// AdvertiseAddress is the host:port other nodes should dial. Defaults to
	// the bound listen address.
	AdvertiseAddress string   `yaml:"advertise_address" json:"advertise_address" validate:"omitempty,hostname_port"`
	Bootstrap        []string `yaml:"bootstrap" json:"bootstrap" validate:"dive,hostname_port"`
	Transport        string   `yaml:"transport" json:"transport" validate:"oneof=tcp zmq"`

	MaxPeers               int           `yaml:"max_peers" json:"max_peers" validate:"min=1"`
	DiscoveryRetryInterval time.Duration `yaml:"discovery_retry_interval" json:"discovery_retry_interval" validate:"gt=0"`
	// DiscoveryMaxRounds bounds the passes of one discovery run. Zero retries
	// until the target peer count is reached or the node shuts down.
	DiscoveryMaxRounds     int           `yaml:"discovery_max_rounds" json:"discovery_max_rounds" validate:"min=0"`
	PeerListRequestTimeout time.Duration `yaml:"peer_list_request_timeout" json:"peer_list_request_timeout" validate:"gt=0"`
	MaxPeersPerResponse    int           `yaml:"max_peers_per_response" json:"max_peers_per_response" validate:"min=1"`

	PingTimeout         time.Duration `yaml:"ping_timeout" json:"ping_timeout" validate:"gt=0"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gt=0"`

	DedupTTL             time.Duration `yaml:"dedup_ttl" json:"dedup_ttl" validate:"gt=0"`
	DedupCleanupInterval time.Duration `yaml:"dedup_cleanup_interval" json:"dedup_cleanup_interval" validate:"gt=0"`
	DedupMaxEntries      int           `yaml:"dedup_max_entries" json:"dedup_max_entries" validate:"min=1"`

	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
	MaxFrameSize int           `yaml:"max_frame_size" json:"max_frame_size" validate:"min=1024"`
	// OutboundQueueSize bounds the envelopes waiting to be written to one
	// peer. A peer whose queue fills is marked not-alive.
	OutboundQueueSize int `yaml:"outbound_queue_size" json:"outbound_queue_size" validate:"min=1"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress: "0.0.0.0:7000",
		Bootstrap:     []string{},
		Transport:     TransportTCP,

		MaxPeers:               50,
		DiscoveryRetryInterval: 5 * time.Second,
		PeerListRequestTimeout: 5 * time.Second,
		MaxPeersPerResponse:    20,

		PingTimeout:         3 * time.Second,
		HealthCheckInterval: 30 * time.Second,

		DedupTTL:             cache.DefaultTTL,
		DedupCleanupInterval: 5 * time.Minute,
		DedupMaxEntries:      cache.DefaultMaxEntries,

		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxFrameSize: MaxNetworkMessageSize,

		OutboundQueueSize: DefaultOutboundQueueSize,
	}
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}
	return nil
}

// BootstrapAddresses parses the seed list in order. Unparseable entries are
// returned as an error.
func (c Config) BootstrapAddresses() ([]PeerAddress, error) {
	addrs := make([]PeerAddress, 0, len(c.Bootstrap))
	for _, s := range c.Bootstrap {
		addr, err := ParsePeerAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (c Config) streamOptions() StreamOptions {
	return StreamOptions{
		MaxFrameSize: c.MaxFrameSize,
		WriteTimeout: c.WriteTimeout,
	}
}
