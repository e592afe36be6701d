package node

import "errors"

var (
	ErrNodeIDRequired     = errors.New("node ID is required")
	ErrClusterIDRequired  = errors.New("cluster ID is required")
	ErrAddressRequired    = errors.New("address is required")
	ErrPortRequired       = errors.New("port is required")
	ErrInvalidTable       = errors.New("tables must be named keyspace.table")
	ErrInvalidMerkleDepth = errors.New("merkle depth out of range")
	ErrInvalidSessionTTL  = errors.New("session TTL and eviction interval must be positive")
	ErrInvalidTimeout     = errors.New("repair timeouts must be positive")
	ErrNodeNotStarted     = errors.New("node is not started")
	ErrNodeAlreadyStarted = errors.New("node is already started")
	ErrNodeStopped        = errors.New("node has been stopped")
)
