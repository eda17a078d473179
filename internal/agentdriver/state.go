package agentdriver

import "time"

// State is one node of the Agent's connection state machine (§4.5):
// Disconnected -> Connecting -> Authenticating -> Syncing -> Connected
// -> Reconnecting -> Connecting...
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSyncing
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateSyncing:
		return "Syncing"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// StateChange is published on the driver's state topic every time the
// machine moves between states, replacing the source's event
// delegates/observable properties (§9 Design Notes) with a channel
// cold subscribers read from.
type StateChange struct {
	From State
	To   State
	At   time.Time
}
