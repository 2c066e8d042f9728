package events

import "time"

// Kind names an event as "<group>.<name>", e.g. "session.frame_received".
type Kind string

func (k Kind) String() string { return string(k) }

// Event is anything delivered to a session's inbox.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

// SessionScoped is implemented by events tagged with the session they belong
// to.
type SessionScoped interface {
	SessionID() string
}

// BelongsTo reports whether event may be applied to the session. Untagged
// events belong to every session.
func BelongsTo(event Event, sessionID string) bool {
	scoped, ok := event.(SessionScoped)
	if !ok {
		return true
	}
	target := scoped.SessionID()
	return target == "" || target == sessionID
}

// Base stamps an event with its kind and arrival time.
type Base struct {
	kind       Kind
	receivedAt time.Time
}

func NewBase(kind Kind) Base {
	return Base{kind: kind, receivedAt: time.Now()}
}

func (b Base) Kind() Kind { return b.kind }

func (b Base) Timestamp() time.Time { return b.receivedAt }
