package orchestration

import (
	"context"

	"github.com/koscakluka/ema-surgery/core/agents"
	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/events"
	"github.com/koscakluka/ema-surgery/core/llms"
	"github.com/koscakluka/ema-surgery/core/postop"
	"github.com/koscakluka/ema-surgery/core/routing"
	"github.com/koscakluka/ema-surgery/core/speech"
	"github.com/koscakluka/ema-surgery/core/speechtotext"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
)

const (
	DefaultProcedureDir = "procedures"
	DefaultHistoryTurns = 20

	sessionInboxCapacity = 32
)

type OrchestratorOption func(*Orchestrator)

// WithBaseContext sets the context procedure scoped work runs under. The
// annotation loop stops when it is done.
func WithBaseContext(ctx context.Context) OrchestratorOption {
	return func(o *Orchestrator) { o.baseContext = ctx }
}

// WithEngine sets the inference engine used by the annotation loop and by
// the default agents.
func WithEngine(engine llms.Engine) OrchestratorOption {
	return func(o *Orchestrator) { o.engine = engine }
}

func WithRouter(router *routing.Router) OrchestratorOption {
	return func(o *Orchestrator) { o.router = router }
}

// WithCorrector enables the correction pass for finalized speech
// recognition results.
func WithCorrector(corrector *routing.Corrector) OrchestratorOption {
	return func(o *Orchestrator) { o.corrector = corrector }
}

func WithChatAgent(chat *agents.Chat) OrchestratorOption {
	return func(o *Orchestrator) { o.chat = chat }
}

func WithEHRAgent(ehr *agents.EHR) OrchestratorOption {
	return func(o *Orchestrator) { o.ehr = ehr }
}

func WithNotetakerAgent(notetaker *agents.Notetaker) OrchestratorOption {
	return func(o *Orchestrator) { o.notetaker = notetaker }
}

func WithAggregator(aggregator *postop.Aggregator) OrchestratorOption {
	return func(o *Orchestrator) { o.aggregator = aggregator }
}

// WithSpeechSynthesis enables spoken replies. Every session gets its own
// streamer and playback queue built with the given options.
func WithSpeechSynthesis(synthesizer texttospeech.Synthesizer, streamerOpts []speech.StreamerOption, queueOpts ...speech.QueueOption) OrchestratorOption {
	return func(o *Orchestrator) {
		o.synthesizer = synthesizer
		o.streamerOptions = streamerOpts
		o.queueOptions = queueOpts
	}
}

// WithTranscriber enables server-side speech recognition of microphone
// audio sent by sessions.
func WithTranscriber(transcriber speechtotext.Transcriber) OrchestratorOption {
	return func(o *Orchestrator) { o.transcriber = transcriber }
}

// WithProcedureDir sets the folder procedure timelines and notes are kept
// in.
func WithProcedureDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) {
		if dir != "" {
			o.procedureDir = dir
		}
	}
}

func WithAnnotationOptions(opts ...annotation.LoopOption) OrchestratorOption {
	return func(o *Orchestrator) { o.annotationOptions = opts }
}

// WithAnnotationDisabled keeps procedures from running the annotation loop.
func WithAnnotationDisabled() OrchestratorOption {
	return func(o *Orchestrator) { o.annotationDisabled = true }
}

func WithHistoryTurns(turns int) OrchestratorOption {
	return func(o *Orchestrator) {
		if turns > 0 {
			o.historyTurns = turns
		}
	}
}

func WithMetrics(metrics Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

type SessionOptions struct {
	// Send delivers outbound messages to the client. It is only called from
	// the session goroutine, and from the procedure for broadcasts.
	Send func(events.Outbound)
	// PlayAudio delivers synthesized audio to the client in playback order.
	// Without it the session has no speech output.
	PlayAudio func([]byte) error
	// SpeechEnabled is the initial speech output state.
	SpeechEnabled bool
}

type SessionOption func(*SessionOptions)

func WithSend(send func(events.Outbound)) SessionOption {
	return func(o *SessionOptions) { o.Send = send }
}

func WithPlayAudio(play func([]byte) error) SessionOption {
	return func(o *SessionOptions) { o.PlayAudio = play }
}

func WithSpeechEnabled(enabled bool) SessionOption {
	return func(o *SessionOptions) { o.SpeechEnabled = enabled }
}
