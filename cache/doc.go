// Package cache provides the seen-message cache used by gossip propagation.
// This package implements:
// - Thread-safe dedup cache with an atomic check-and-record
// - LRU eviction policy bounding the number of tracked ids
// - TTL-based expiration driven by an injectable clock
package cache
