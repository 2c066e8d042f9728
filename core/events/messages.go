package events

import "strings"

// Inbound is the JSON message the browser sends over the session socket.
type Inbound struct {
	UserInput         string   `json:"user_input,omitempty"`
	OriginalUserInput string   `json:"original_user_input,omitempty"`
	SessionID         string   `json:"session_id,omitempty"`
	FrameData         string   `json:"frame_data,omitempty"`
	ASRFinal          bool     `json:"asr_final,omitempty"`
	AutoFrame         bool     `json:"auto_frame,omitempty"`
	VideoTime         *float64 `json:"video_time,omitempty"`
	TTSEnabled        *bool    `json:"tts_enabled,omitempty"`
	Recording         *bool    `json:"recording,omitempty"`
	VideoSrc          string   `json:"video_src,omitempty"`
	GeneratePostOp    bool     `json:"generate_post_op,omitempty"`
	Schema            string   `json:"schema,omitempty"`

	NoteAction  string `json:"note_action,omitempty"`
	NoteID      string `json:"note_id,omitempty"`
	NoteTitle   string `json:"note_title,omitempty"`
	NoteContent string `json:"note_content,omitempty"`
}

// Events splits the message into typed events in the order they must be
// applied: state changes first, so a frame sent with a question is visible
// to the question.
func (m Inbound) Events() []Event {
	var evts []Event

	if m.TTSEnabled != nil {
		evts = append(evts, NewSpeechToggled(*m.TTSEnabled))
	}
	if m.Recording != nil {
		evts = append(evts, NewRecordingChanged(*m.Recording, m.VideoSrc))
	}
	if m.FrameData != "" {
		evts = append(evts, NewFrameReceived(m.FrameData, m.AutoFrame))
	}
	if strings.TrimSpace(m.UserInput) != "" {
		msg := NewUserMessage(m.SessionID, m.UserInput)
		msg.OriginalText = m.OriginalUserInput
		msg.ASRFinal = m.ASRFinal
		msg.HasFrame = m.FrameData != ""
		msg.VideoTime = m.VideoTime
		evts = append(evts, msg)
	}
	switch m.NoteAction {
	case "edit":
		evts = append(evts, NewNoteEdited(m.NoteID, m.NoteTitle, m.NoteContent))
	case "delete":
		evts = append(evts, NewNoteDeleted(m.NoteID))
	}
	if m.GeneratePostOp {
		evts = append(evts, NewPostOpRequested(m.Schema))
	}
	return evts
}

// Outbound is the JSON message sent back to the browser.
type Outbound struct {
	Message       string `json:"message,omitempty"`
	AgentResponse string `json:"agent_response,omitempty"`
	IsNote        bool   `json:"is_note,omitempty"`
	Note          any    `json:"note,omitempty"`
	PostOpNote    any    `json:"post_op_note,omitempty"`
	VideoUpdated  bool   `json:"video_updated,omitempty"`
	VideoSrc      string `json:"video_src,omitempty"`
	RequestFrame  bool   `json:"request_frame,omitempty"`

	// Annotation is a live notification for a phase change.
	Annotation any `json:"annotation,omitempty"`
	// Notice is a transient user-visible notification.
	Notice string `json:"notice,omitempty"`

	SessionID  string `json:"session_id,omitempty"`
	TimelineID string `json:"timeline_id,omitempty"`
}
