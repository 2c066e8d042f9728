package routing

// Target is the handling path selected for an inbound message.
type Target int

const (
	TargetIgnore Target = iota
	TargetChat
	TargetNotetaker
	TargetEHR
)

func (t Target) String() string {
	switch t {
	case TargetChat:
		return "chat"
	case TargetNotetaker:
		return "notetaker"
	case TargetEHR:
		return "ehr"
	case TargetIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

type Decision struct {
	Target Target
	// NormalizedText is the text the target should act on, e.g. the note
	// content with the directive removed.
	NormalizedText string
}
