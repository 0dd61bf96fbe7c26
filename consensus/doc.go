// Package consensus defines the application payloads carried by the gossip
// layer. This package implements:
// - Topic names for proposed blocks and vote aggregates
// - Semantic validators installed on the router per topic
// - Typed publish and subscribe helpers
//
// It is not a consensus protocol: there is no finality or voting weight here.
package consensus
