// Package handshake defines the contract shared by the session
// establishment engines: the engine interface, the actions an engine
// returns, the classified errors and the status reports sent to peers.
//
// An engine is a pure step machine. It never touches the network, the key
// store or timers. The coordinator feeds it inbound messages and carries out
// the Action it returns.
package handshake

import (
	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
)

// Protocol identifies a handshake variant.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolPASE
	ProtocolCASE
	ProtocolTAKE
	ProtocolKeyExport
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolPASE:
		return "PASE"
	case ProtocolCASE:
		return "CASE"
	case ProtocolTAKE:
		return "TAKE"
	case ProtocolKeyExport:
		return "KeyExport"
	default:
		return "None"
	}
}

// Message is one security profile message.
type Message struct {
	Type    uint8
	Payload []byte
}

// Result is the outcome of a completed handshake.
type Result struct {
	Protocol       Protocol
	PeerNodeID     uint64
	KeyID          uint16
	EncryptionType message.EncryptionType
	AuthMode       message.AuthMode

	// SessionKey is the derived key material. The coordinator installs it
	// and wipes it before the result reaches the caller.
	SessionKey []byte

	// ExportedKeyID and ExportedKey are set by KeyExport.
	ExportedKeyID uint32
	ExportedKey   []byte
}

// Wipe zeroes the key material held by the result.
func (r *Result) Wipe() {
	crypto.Zeroize(r.SessionKey)
	r.SessionKey = nil
}

// Reconfiguration names the parameters selected by a reconfigure message.
type Reconfiguration struct {
	Config uint32
	Curve  crypto.Curve
}

// ActionKind tags an Action.
type ActionKind int

const (
	// ActionSend sends Messages and waits for the next message.
	ActionSend ActionKind = iota + 1

	// ActionComplete sends Messages, if any, and finishes with Result.
	ActionComplete

	// ActionReconfigure reports that a reconfiguration happened. On an
	// initiator Messages restart the handshake; on a responder they carry
	// the reconfigure proposal and the attempt ends without a result.
	ActionReconfigure

	// ActionFail ends the attempt with Err.
	ActionFail
)

// String returns the action kind name.
func (k ActionKind) String() string {
	switch k {
	case ActionSend:
		return "Send"
	case ActionComplete:
		return "Complete"
	case ActionReconfigure:
		return "Reconfigure"
	case ActionFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// Action is what the coordinator must do after an engine step.
type Action struct {
	Kind            ActionKind
	Messages        []Message
	Result          *Result
	Reconfiguration *Reconfiguration
	Err             error
}

// Send returns an ActionSend.
func Send(msgs ...Message) Action {
	return Action{Kind: ActionSend, Messages: msgs}
}

// Complete returns an ActionComplete.
func Complete(r *Result, msgs ...Message) Action {
	return Action{Kind: ActionComplete, Result: r, Messages: msgs}
}

// Reconfigure returns an ActionReconfigure.
func Reconfigure(rc Reconfiguration, msgs ...Message) Action {
	return Action{Kind: ActionReconfigure, Reconfiguration: &rc, Messages: msgs}
}

// Fail returns an ActionFail.
func Fail(err error) Action {
	return Action{Kind: ActionFail, Err: err}
}

// Engine is a handshake step machine for one attempt.
type Engine interface {
	// Protocol returns the engine's protocol.
	Protocol() Protocol

	// Start produces the initiator's first message. Responders fail.
	Start() Action

	// Process consumes one inbound message.
	Process(msg Message) Action

	// Abort wipes transient secrets. Further calls fail.
	Abort()
}

// ReconfigureGuard enforces that an attempt is reconfigured at most once.
type ReconfigureGuard struct {
	count int
}

// Allow records a reconfiguration and reports whether it is permitted.
func (g *ReconfigureGuard) Allow() bool {
	g.count++
	return g.count <= 1
}

// Count returns the number of reconfigurations seen.
func (g *ReconfigureGuard) Count() int {
	return g.count
}
