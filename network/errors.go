package network

import "errors"

// Common errors for network operations
var (
	ErrNodeNotRunning     = errors.New("node is not running")
	ErrNodeAlreadyRunning = errors.New("node already running")
	ErrConnect            = errors.New("failed to connect")
	ErrNotConnected       = errors.New("connection is not connected")
	ErrSendFailed         = errors.New("failed to send message")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrPeerClosed         = errors.New("peer closed")
	ErrPeerSetFull        = errors.New("peer set is full")
	ErrDuplicatePeer      = errors.New("peer already connected")
	ErrSelfConnect        = errors.New("refusing to connect to self")
	ErrListenerClosed     = errors.New("listener closed")
)

// Validation errors for inbound gossip
var (
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrTopicRejected    = errors.New("payload rejected by topic validator")
)
