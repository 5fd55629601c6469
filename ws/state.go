// Package ws maintains the streaming WebSocket connection: an explicit
// connection state machine, a pluggable reconnection policy, keepalive
// pings, and ordered event dispatch to a single handler.
package ws

// Status is the connection lifecycle phase.
type Status string

// Connection statuses. Transitions follow
// disconnected -> connecting -> connected -> disconnecting -> disconnected,
// with connecting -> disconnected on failed dials.
const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
)

// DisconnectSource records who initiated a disconnect, which decides
// whether the reconnection policy runs.
type DisconnectSource string

// Disconnect sources. User-initiated disconnects never reconnect; system
// and error disconnects consult the reconnection policy.
const (
	SourceUser   DisconnectSource = "user"
	SourceSystem DisconnectSource = "system"
	SourceError  DisconnectSource = "error"
)

// State is one observable snapshot of the connection. ConnectionID is only
// set while connected; Source and Err only while disconnected or
// disconnecting.
type State struct {
	Status       Status
	ConnectionID string
	Source       DisconnectSource
	Err          error
}

// Equal reports whether two states are indistinguishable to an observer.
// Observers never see the same state twice in a row.
func (s State) Equal(other State) bool {
	return s.Status == other.Status &&
		s.ConnectionID == other.ConnectionID &&
		s.Source == other.Source &&
		errString(s.Err) == errString(other.Err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
