package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrExchangeClosed is returned when attempting operations on a closed exchange.
	ErrExchangeClosed = errors.New("exchange: exchange is closed")

	// ErrExchangeExists is returned when trying to create a duplicate exchange.
	ErrExchangeExists = errors.New("exchange: exchange already exists")

	// ErrNoRoute is returned when a destination has neither a connection
	// nor a resolvable address.
	ErrNoRoute = errors.New("exchange: no route to destination")

	// ErrHandlerExists is returned when an unsolicited handler is already
	// registered for a message type.
	ErrHandlerExists = errors.New("exchange: unsolicited handler already registered")

	// ErrInvalidMessage is returned for malformed or invalid messages.
	ErrInvalidMessage = errors.New("exchange: invalid message")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("exchange: manager closed")
)
