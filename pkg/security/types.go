package security

import (
	"errors"
	"net"

	"github.com/google/uuid"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
	casesession "github.com/mrjerryjohns/openweave-core/pkg/security/case"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/security/keyexport"
	"github.com/mrjerryjohns/openweave-core/pkg/security/pase"
	"github.com/mrjerryjohns/openweave-core/pkg/security/take"
	"github.com/mrjerryjohns/openweave-core/pkg/transport"
)

// Errors returned by the Manager in addition to the handshake sentinels.
var (
	ErrInvalidConfig      = errors.New("security: invalid config")
	ErrAlreadyInitialized = errors.New("security: manager already initialized")
)

// State is the Manager lifecycle state.
type State int

const (
	StateNotInitialized State = iota
	StateIdle
	StateInProgress
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "NotInitialized"
	case StateIdle:
		return "Idle"
	case StateInProgress:
		return "InProgress"
	default:
		return "Unknown"
	}
}

// Result describes the end of an establishment attempt. Exactly one Result
// is delivered per accepted attempt.
type Result struct {
	AttemptID uuid.UUID
	Protocol  handshake.Protocol

	// Initiator is true when the local node started the attempt.
	Initiator bool

	PeerNodeID     uint64
	KeyID          uint16
	EncryptionType message.EncryptionType
	AuthMode       message.AuthMode

	// ExportedKeyID and ExportedKey are set by a successful key export.
	ExportedKeyID uint32
	ExportedKey   []byte

	// State is the opaque value passed with the request.
	State any

	// Err is nil on success.
	Err error

	// StatusReport is the peer's status report when it caused the failure.
	StatusReport *handshake.StatusReport
}

// Callbacks receives Manager events. All fields are optional and are never
// called while Manager locks are held.
type Callbacks struct {
	// OnAvailable is the fallback for requests rejected with ErrBusy that
	// carry no OnAvailable of their own.
	OnAvailable func()

	// OnSessionEstablished is called when a peer-initiated session completes.
	OnSessionEstablished func(r Result)

	// OnSessionError is called when a peer-initiated session fails.
	OnSessionError func(r Result)

	// OnKeyError is called when a peer reports a key error. The key has
	// already been evicted.
	OnKeyError func(peerNodeID uint64, keyID uint16, err error)

	// OnSessionEnded is called when a peer ends a session or an idle key is
	// evicted.
	OnSessionEnded func(peerNodeID uint64, keyID uint16)
}

// PASERequest starts a PASE session over an existing connection.
type PASERequest struct {
	Conn *transport.Conn

	// PeerNodeID overrides the node id learned from Conn.
	PeerNodeID uint64

	EncryptionType message.EncryptionType
	AuthMode       message.AuthMode
	Password       []byte

	// Config is the proposed configuration. Zero selects the first allowed.
	Config pase.Config

	State       any
	Done        func(Result)
	OnAvailable func()
}

// CASERequest starts a CASE session. Conn is preferred; otherwise the
// message is sent as a datagram to Addr, or to the address resolved for
// PeerNodeID.
type CASERequest struct {
	Conn       *transport.Conn
	Addr       net.Addr
	PeerNodeID uint64

	EncryptionType message.EncryptionType

	// AuthMode is the auth mode required of the peer.
	// AuthModeCASEAnyCert accepts any trusted certificate.
	AuthMode message.AuthMode

	// AuthDelegate overrides the Manager's CASE delegate.
	AuthDelegate casesession.AuthDelegate

	// TerminatingNodeID, if non-zero, owns the resulting key.
	TerminatingNodeID uint64

	Config casesession.Config

	State       any
	Done        func(Result)
	OnAvailable func()
}

// TAKERequest starts a TAKE session as challenger.
type TAKERequest struct {
	Conn       *transport.Conn
	PeerNodeID uint64

	EncryptionType message.EncryptionType
	AuthMode       message.AuthMode

	EncryptAuthPhase bool
	EncryptCommPhase bool
	TimeLimitedIK    bool
	SendChallengerID bool

	// Delegate overrides the Manager's challenger delegate.
	Delegate take.ChallengerAuthDelegate

	State       any
	Done        func(Result)
	OnAvailable func()
}

func (r *TAKERequest) flags() take.Flags {
	var f take.Flags
	if r.EncryptAuthPhase {
		f |= take.FlagEncryptAuthPhase
	}
	if r.EncryptCommPhase {
		f |= take.FlagEncryptCommPhase
	}
	if r.TimeLimitedIK {
		f |= take.FlagTimeLimitedIK
	}
	if r.SendChallengerID {
		f |= take.FlagSendChallengerID
	}
	return f
}

// KeyExportRequest requests a secret key from a peer.
type KeyExportRequest struct {
	Conn       *transport.Conn
	Addr       net.Addr
	PeerNodeID uint64

	KeyID        uint32
	SignMessages bool

	// Delegate overrides the Manager's key export delegate.
	Delegate keyexport.Delegate

	State       any
	Done        func(Result)
	OnAvailable func()
}
