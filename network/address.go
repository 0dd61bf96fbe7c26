package network

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerAddress identifies a remote endpoint. It is comparable and used as the
// PeerSet key.
type PeerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParsePeerAddress parses "host:port".
func ParsePeerAddress(s string) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	if host == "" {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: bad port", s)
	}
	return PeerAddress{Host: host, Port: port}, nil
}

// MustParsePeerAddress is like ParsePeerAddress but panics on error.
func MustParsePeerAddress(s string) PeerAddress {
	addr, err := ParsePeerAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a PeerAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

func addressFromNet(addr net.Addr) PeerAddress {
	if addr == nil {
		return PeerAddress{}
	}
	if parsed, err := ParsePeerAddress(addr.String()); err == nil {
		return parsed
	}
	return PeerAddress{Host: addr.String()}
}
