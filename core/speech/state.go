package speech

// ConnState is the state of the channel to the synthesis engine.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateDisabled
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
