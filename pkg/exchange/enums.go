// Package exchange multiplexes Weave conversations over connections and
// datagram endpoints.
//
// An exchange is identified by {peer node id, exchange id, role}. The
// initiator allocates the exchange id and sets the initiator flag on every
// message it sends. Inbound messages that match no exchange are offered to
// the unsolicited handler registered for their (profile, message type).
//
// Inbound dispatch runs on the system.Layer work queue.
package exchange

// Role indicates whether this node initiated the exchange.
type Role int

const (
	// RoleUnknown indicates an uninitialized or invalid role.
	RoleUnknown Role = iota

	// RoleInitiator is the node that sent the first message of the exchange.
	RoleInitiator

	// RoleResponder is the node that accepted an unsolicited message.
	RoleResponder
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// Invert returns the opposite role.
func (r Role) Invert() Role {
	switch r {
	case RoleInitiator:
		return RoleResponder
	case RoleResponder:
		return RoleInitiator
	default:
		return RoleUnknown
	}
}
