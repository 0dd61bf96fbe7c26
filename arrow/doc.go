// Package arrow provides Apache Arrow integration for the gossip node.
// This package implements:
// - Schema definition of the peer table
// - Conversion between peer rows and Arrow records
// - Arrow IPC stream serialization for the admin API
package arrow
