package node

// State is the lifecycle state of a Node.
type State int

const (
	// StateStopped is the state before Start and after Stop.
	StateStopped State = iota

	// StateRunning means the node accepts connections and datagrams.
	StateRunning
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	default:
		return "Unknown"
	}
}
