package discovery

import "errors"

// Discovery errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyStarted is returned when starting an already-started service.
	ErrAlreadyStarted = errors.New("discovery: already started")

	// ErrNotStarted is returned when stopping a service that was not started.
	ErrNotStarted = errors.New("discovery: not started")

	// ErrInvalidPort is returned when an invalid port is specified.
	ErrInvalidPort = errors.New("discovery: invalid port (must be 1-65535)")

	// ErrNodeNotFound is returned when a node has no known address.
	ErrNodeNotFound = errors.New("discovery: node not found")

	// ErrTimeout is returned when a discovery operation times out.
	ErrTimeout = errors.New("discovery: operation timed out")

	// ErrInvalidInstanceName is returned when an instance name cannot be parsed.
	ErrInvalidInstanceName = errors.New("discovery: invalid instance name format")
)
