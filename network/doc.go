// Package network provides the gossip-based P2P broadcast layer.
//
// This package implements:
//   - Transport: framed byte-stream connections over TCP, ZeroMQ or in-memory pipes
//   - Peer / PeerSet: bounded set of live neighbors with request/response correlation
//   - Discovery: seed bootstrap and GET_PEERS peer exchange
//   - Router: flood gossip with signature checks, dedup and topic delivery
//   - HealthMonitor: liveness sweeps and dedup cache eviction
//   - Node: orchestration and the consumer-facing API
package network
