package address

// ConnectionStatus is the connection state of a stub/proxy pair.
type ConnectionStatus uint8

const (
	StatusUnknown ConnectionStatus = iota
	StatusPending
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

func (s ConnectionStatus) IsConnected() bool { return s == StatusConnected }

// DeriveState maps the completeness of a channel onto a connection state.
// An endpoint without its own source has no state at all; one without a
// resolved peer is pending; only a fully resolved channel takes requested.
func DeriveState(ch Channel, requested ConnectionStatus) ConnectionStatus {
	switch {
	case ch.Source == IDUnknown:
		return StatusUnknown
	case ch.Target == IDUnknown:
		return StatusPending
	default:
		return requested
	}
}
