package events

const (
	// KindFrameReceived identifies a video frame captured by the browser.
	KindFrameReceived Kind = "session.frame_received"
	// KindSpeechToggled identifies the user switching speech output.
	KindSpeechToggled Kind = "session.speech_toggled"
	// KindRecordingChanged identifies video playback starting or stopping.
	KindRecordingChanged Kind = "session.recording_changed"
	// KindUserAudioFrame identifies raw microphone audio for server-side ASR.
	KindUserAudioFrame Kind = "session.audio_frame"
)

// FrameReceived carries a base64 encoded frame.
type FrameReceived struct {
	Base
	Frame string
	// Auto is set for frames captured periodically rather than on request.
	Auto bool
}

func NewFrameReceived(frame string, auto bool) FrameReceived {
	return FrameReceived{Base: NewBase(KindFrameReceived), Frame: frame, Auto: auto}
}

type SpeechToggled struct {
	Base
	Enabled bool
}

func NewSpeechToggled(enabled bool) SpeechToggled {
	return SpeechToggled{Base: NewBase(KindSpeechToggled), Enabled: enabled}
}

// RecordingChanged reports video playback state. The annotation loop runs
// while a session is recording.
type RecordingChanged struct {
	Base
	Recording bool
	VideoSrc  string
}

func NewRecordingChanged(recording bool, videoSrc string) RecordingChanged {
	return RecordingChanged{Base: NewBase(KindRecordingChanged), Recording: recording, VideoSrc: videoSrc}
}

// UserAudioFrame carries microphone audio to be transcribed.
type UserAudioFrame struct {
	Base
	Audio []byte
}

func NewUserAudioFrame(audio []byte) UserAudioFrame {
	return UserAudioFrame{Base: NewBase(KindUserAudioFrame), Audio: audio}
}
