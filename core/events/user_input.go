package events

const (
	// KindUserMessage identifies a typed or dictated message from the user.
	KindUserMessage Kind = "user_input.message"
	// KindUserTranscriptFinal identifies a finalized transcript produced by
	// server-side speech recognition.
	KindUserTranscriptFinal Kind = "user_input.transcript_final"
)

// UserMessage is a message the user sent, either typed or produced by
// browser speech recognition.
type UserMessage struct {
	Base
	Text string
	// OriginalText is the text before client-side edits, used as the note
	// source when present.
	OriginalText string
	// ASRFinal marks text that came from a finalized speech recognition
	// result.
	ASRFinal bool
	// HasFrame is set when a frame was sent together with the message.
	HasFrame  bool
	VideoTime *float64

	sessionID string
}

func NewUserMessage(sessionID, text string) UserMessage {
	return UserMessage{Base: NewBase(KindUserMessage), Text: text, sessionID: sessionID}
}

func (m UserMessage) SessionID() string { return m.sessionID }

// UserTranscriptFinal carries the final transcript for an utterance.
type UserTranscriptFinal struct {
	Base
	Transcript string

	sessionID string
}

func NewUserTranscriptFinal(sessionID, transcript string) UserTranscriptFinal {
	return UserTranscriptFinal{Base: NewBase(KindUserTranscriptFinal), Transcript: transcript, sessionID: sessionID}
}

func (t UserTranscriptFinal) SessionID() string { return t.sessionID }
