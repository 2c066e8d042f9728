package orchestration

// Metrics receives orchestration level measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	MessageRouted(target string)
	ChunkSynthesized(result string)
	SynthesisReconnected()
	PlaybackDropped(reason string)
	AnnotationRecorded(phaseChanged bool)
	NoteRequested(result string)
	PostOpGenerated(schema string)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened() {}
func (noopMetrics) SessionClosed() {}
func (noopMetrics) MessageRouted(string) {}
func (noopMetrics) ChunkSynthesized(string) {}
func (noopMetrics) SynthesisReconnected() {}
func (noopMetrics) PlaybackDropped(string) {}
func (noopMetrics) AnnotationRecorded(bool) {}
func (noopMetrics) NoteRequested(string) {}
func (noopMetrics) PostOpGenerated(string) {}
