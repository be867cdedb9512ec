package push

// EventKind classifies client events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStateChanged
	EventAuthFailed
	EventGaveUp
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStateChanged:
		return "state_changed"
	case EventAuthFailed:
		return "auth_failed"
	case EventGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Event is sent from a Client to its owner. ClientID identifies the
// client instance so events from a replaced client can be discarded;
// ConnID identifies the subscription.
type Event struct {
	AccountID string
	ClientID  string
	ConnID    string
	Kind      EventKind
	Cursor    string
	Err       error
}
