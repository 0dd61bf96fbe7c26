package network

import "sync"

// PeerSet is the bounded collection of connected peers, keyed by connection
// address. Admission beyond the bound is rejected, never queued.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[PeerAddress]*Peer
	max   int
}

// NewPeerSet creates a set holding at most maxPeers peers.
func NewPeerSet(maxPeers int) *PeerSet {
	if maxPeers < 1 {
		maxPeers = 1
	}
	return &PeerSet{
		peers: make(map[PeerAddress]*Peer),
		max:   maxPeers,
	}
}

// TryAdd admits p. It returns false if the address is already present or the
// set is full; the caller then owns closing p.
func (s *PeerSet) TryAdd(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[p.Addr()]; exists {
		return false
	}
	if len(s.peers) >= s.max {
		return false
	}
	s.peers[p.Addr()] = p
	return true
}

// Remove deletes the peer at addr. Exactly one caller observes true for a
// given admitted peer.
func (s *PeerSet) Remove(addr PeerAddress) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[addr]
	if !ok {
		return nil, false
	}
	delete(s.peers, addr)
	return p, true
}

// RemovePeer deletes p only if it is still the peer stored at its address.
func (s *PeerSet) RemovePeer(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.peers[p.Addr()]; !ok || cur != p {
		return false
	}
	delete(s.peers, p.Addr())
	return true
}

func (s *PeerSet) Get(addr PeerAddress) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

func (s *PeerSet) Contains(addr PeerAddress) bool {
	_, ok := s.Get(addr)
	return ok
}

// Knows reports whether addr is either a connection address or the
// advertised listen address of a peer in the set.
func (s *PeerSet) Knows(addr PeerAddress) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.peers[addr]; ok {
		return true
	}
	for _, p := range s.peers {
		if p.Advertised() == addr {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current members. Iterating it is safe while
// the set is mutated concurrently.
func (s *PeerSet) Snapshot() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

func (s *PeerSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *PeerSet) Max() int {
	return s.max
}

// Full reports whether the set has reached its bound.
func (s *PeerSet) Full() bool {
	return s.Size() >= s.max
}
