package node

import "errors"

// Package-level errors.
var (
	// ErrInvalidNodeID is returned when NodeConfig.NodeID is zero.
	ErrInvalidNodeID = errors.New("node: node id is required")

	// ErrAlreadyStarted is returned when Start is called on a running node.
	ErrAlreadyStarted = errors.New("node: already started")

	// ErrNotStarted is returned when an operation requires a running node.
	ErrNotStarted = errors.New("node: not started")
)
