package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/koscakluka/ema-surgery/core/agents"
	"github.com/koscakluka/ema-surgery/core/events"
	"github.com/koscakluka/ema-surgery/core/llms"
	"github.com/koscakluka/ema-surgery/core/notes"
	"github.com/koscakluka/ema-surgery/core/postop"
	"github.com/koscakluka/ema-surgery/core/routing"
	"github.com/koscakluka/ema-surgery/core/speech"
	"github.com/koscakluka/ema-surgery/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	kindOutbound events.Kind = "orchestration.outbound"

	unavailableNotice = "The assistant is unavailable right now. Please try again."
	duplicateNoteText = "That note was already recorded."
)

// outboundEvent asks the session goroutine to send a message produced
// elsewhere, so the client connection only ever has one writer.
type outboundEvent struct {
	events.Base
	message events.Outbound
}

func newOutboundEvent(msg events.Outbound) outboundEvent {
	return outboundEvent{Base: events.NewBase(kindOutbound), message: msg}
}

type session struct {
	id      string
	o       *Orchestrator
	options SessionOptions

	inbox  chan events.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	queue    *speech.PlaybackQueue
	streamer *speech.Streamer

	// Everything below is owned by the session goroutine.
	frame         *llms.Image
	history       []llms.Turn
	speechEnabled bool
	pending       *events.UserMessage
	transcription speechtotext.Stream
	asrWarned     bool
}

func newSession(ctx context.Context, o *Orchestrator, id string, options SessionOptions) *session {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:            id,
		o:             o,
		options:       options,
		inbox:         make(chan events.Event, sessionInboxCapacity),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		speechEnabled: options.SpeechEnabled,
	}

	if o.synthesizer != nil && options.PlayAudio != nil {
		queueOpts := append([]speech.QueueOption{}, o.queueOptions...)
		queueOpts = append(queueOpts, speech.WithDropCallback(o.metrics.PlaybackDropped))
		s.queue = speech.NewPlaybackQueue(queueOpts...)

		streamerOpts := append([]speech.StreamerOption{}, o.streamerOptions...)
		streamerOpts = append(streamerOpts,
			speech.WithNoticeCallback(func(notice string) {
				s.tryDeliver(newOutboundEvent(events.Outbound{Notice: notice}))
			}),
			speech.WithChunkCallback(o.metrics.ChunkSynthesized),
			speech.WithReconnectCallback(o.metrics.SynthesisReconnected),
		)
		s.streamer = speech.NewStreamer(o.synthesizer, s.queue, streamerOpts...)
	}

	return s
}

func (s *session) start() {
	go s.run()
}

func (s *session) run() {
	defer close(s.done)

	var wg sync.WaitGroup
	defer wg.Wait()
	if s.streamer != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.streamer.Run(s.ctx)
		}()
		go func() {
			defer wg.Done()
			s.queue.Play(s.ctx, s.options.PlayAudio)
		}()
	}

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case event := <-s.inbox:
			s.handle(event)
		}
	}
}

func (s *session) shutdown() {
	if s.streamer != nil {
		s.streamer.Cancel()
		s.queue.Close()
	}
	if s.transcription != nil {
		if err := s.transcription.Close(); err != nil {
			logger.Warn("failed to close transcription", "session_id", s.id, "error", err)
		}
		s.transcription = nil
	}
}

// close stops the session and waits for its goroutines.
func (s *session) close() {
	s.cancel()
	<-s.done
}

func (s *session) deliver(event events.Event) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}

	select {
	case <-s.ctx.Done():
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	case s.inbox <- event:
		return nil
	}
}

func (s *session) tryDeliver(event events.Event) {
	select {
	case <-s.ctx.Done():
	case s.inbox <- event:
	default:
		logger.Warn("session inbox full, dropping event", "session_id", s.id, "kind", event.Kind().String())
	}
}

func (s *session) handle(event events.Event) {
	switch e := event.(type) {
	case outboundEvent:
		s.send(e.message)
	case events.SpeechToggled:
		s.toggleSpeech(e.Enabled)
	case events.RecordingChanged:
		s.setRecording(e.Recording)
	case events.FrameReceived:
		s.receiveFrame(e)
	case events.UserAudioFrame:
		s.transcribe(e.Audio)
	case events.UserMessage:
		s.respond(e)
	case events.UserTranscriptFinal:
		msg := events.NewUserMessage(s.id, e.Transcript)
		msg.ASRFinal = true
		s.respond(msg)
	case events.NoteEdited:
		s.editNote(e)
	case events.NoteDeleted:
		s.deleteNote(e)
	case events.PostOpRequested:
		s.generatePostOp(e)
	default:
		logger.Warn("ignoring unsupported event", "session_id", s.id, "kind", event.Kind().String())
	}
}

func (s *session) send(msg events.Outbound) {
	if msg.SessionID == "" {
		msg.SessionID = s.id
	}
	s.options.Send(msg)
}

func (s *session) notify(notice string) {
	s.send(events.Outbound{Notice: notice})
}

func (s *session) toggleSpeech(enabled bool) {
	s.speechEnabled = enabled
	if s.streamer == nil {
		return
	}
	if enabled {
		s.streamer.Enable()
	} else {
		s.streamer.Cancel()
	}
}

// setRecording always reaches the current procedure: a rotated procedure
// starts with nobody recording, so a repeated true must start its loop.
func (s *session) setRecording(recording bool) {
	proc, err := s.o.currentProcedure()
	if err != nil {
		logger.Error("no procedure for recording change", "session_id", s.id, "error", err)
		return
	}
	proc.setRecording(s.id, recording)
}

func (s *session) receiveFrame(e events.FrameReceived) {
	frame, err := llms.DecodeImage(e.Frame)
	if err != nil {
		logger.Warn("dropping malformed frame", "session_id", s.id, "error", err)
		return
	}
	s.frame = frame

	if proc, err := s.o.currentProcedure(); err == nil {
		proc.setFrame(frame)
	}

	if s.pending != nil {
		msg := *s.pending
		s.pending = nil
		s.respond(msg)
	}
}

func (s *session) transcribe(audio []byte) {
	if s.o.transcriber == nil {
		if !s.asrWarned {
			logger.Warn("dropping microphone audio, no transcriber configured", "session_id", s.id)
			s.asrWarned = true
		}
		return
	}

	if s.transcription == nil {
		stream, err := s.o.transcriber.Transcribe(s.ctx,
			speechtotext.WithTranscriptionCallback(func(transcript string) {
				if err := s.o.Route(s.id, events.NewUserTranscriptFinal(s.id, transcript)); err != nil {
					logger.Debug("dropping transcript", "session_id", s.id, "error", err)
				}
			}),
		)
		if err != nil {
			logger.Warn("failed to start transcription", "session_id", s.id, "error", err)
			return
		}
		s.transcription = stream
	}

	if err := s.transcription.SendAudio(audio); err != nil {
		logger.Warn("failed to send audio for transcription", "session_id", s.id, "error", err)
		if err := s.transcription.Close(); err != nil {
			logger.Debug("failed to close transcription", "session_id", s.id, "error", err)
		}
		s.transcription = nil
	}
}

func (s *session) respond(msg events.UserMessage) {
	ctx, span := tracer.Start(s.ctx, "route message")
	defer span.End()

	proc, err := s.o.currentProcedure()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("no procedure for message", "session_id", s.id, "error", err)
		return
	}
	if msg.VideoTime != nil {
		proc.observeVideoTime(*msg.VideoTime)
	}

	decision := s.o.router.Route(msg.Text, s.frame != nil)
	span.SetAttributes(attribute.String("routing.target", decision.Target.String()))
	s.o.countRouted(ctx, decision.Target)
	if decision.Target == routing.TargetIgnore {
		return
	}
	proc.heard(decision.NormalizedText)

	switch decision.Target {
	case routing.TargetNotetaker:
		s.takeNote(ctx, proc, msg, decision.NormalizedText)
	case routing.TargetEHR:
		s.answerFromRecord(ctx, decision.NormalizedText)
	default:
		s.chat(ctx, msg, decision.NormalizedText)
	}
}

func (s *session) takeNote(ctx context.Context, proc *procedure, msg events.UserMessage, request string) {
	var videoTime float64
	if msg.VideoTime != nil {
		videoTime = *msg.VideoTime
	}

	var agentText string
	if s.o.notetaker != nil {
		reply, err := s.o.notetaker.Respond(ctx, request, notes.FormatVideoTime(videoTime))
		if err != nil {
			logger.Warn("notetaker agent unavailable", "session_id", s.id, "error", err)
		} else {
			agentText = reply
		}
	}

	source := msg.Text
	if msg.OriginalText != "" {
		source = msg.OriginalText
	}

	note, added, err := proc.notes.Add(ctx, notes.Request{
		SessionID:     s.id,
		SourceMessage: source,
		AgentText:     agentText,
		VideoTime:     videoTime,
	})
	switch {
	case err != nil:
		s.o.metrics.NoteRequested("failed")
		logger.Error("failed to save note", "session_id", s.id, "error", err)
		s.notify("The note could not be saved.")
		return
	case !added:
		s.o.metrics.NoteRequested("duplicate")
		s.send(events.Outbound{AgentResponse: duplicateNoteText, IsNote: true})
		return
	}

	s.o.metrics.NoteRequested("added")
	reply := fmt.Sprintf("Noted at %s: %s", notes.FormatVideoTime(note.VideoTime), note.Content)
	s.send(events.Outbound{AgentResponse: reply, IsNote: true, Note: note})
	s.speak(reply)
}

func (s *session) answerFromRecord(ctx context.Context, question string) {
	if s.o.ehr == nil {
		s.chat(ctx, events.UserMessage{}, question)
		return
	}

	reply, err := s.o.ehr.Respond(ctx, s.history, question)
	if err != nil {
		s.unavailable(ctx, err)
		return
	}
	s.remember(question, reply)
	s.reply(reply)
}

func (s *session) chat(ctx context.Context, msg events.UserMessage, question string) {
	if msg.ASRFinal {
		question = s.o.corrector.Correct(ctx, question)
	}
	if s.o.chat == nil {
		s.unavailable(ctx, errors.New("no chat agent configured"))
		return
	}

	if s.frame == nil && agents.ReferencesView(question) {
		msg.Text = question
		msg.ASRFinal = false
		s.pending = &msg
		s.send(events.Outbound{RequestFrame: true})
		return
	}

	reply, err := s.o.chat.Respond(ctx, s.history, question, s.frame)
	if err != nil {
		s.unavailable(ctx, err)
		return
	}
	s.remember(question, reply)
	s.reply(reply)
}

func (s *session) reply(text string) {
	s.send(events.Outbound{AgentResponse: text})
	s.speak(text)
}

func (s *session) speak(text string) {
	if s.streamer == nil || !s.speechEnabled {
		return
	}
	if err := s.streamer.Speak(text); errors.Is(err, speech.ErrSpeechDisabled) {
		logger.Debug("speech disabled, reply not spoken", "session_id", s.id)
	}
}

// remember keeps the chat history bounded to the turns the agents use.
func (s *session) remember(question, answer string) {
	s.history = append(s.history, llms.UserTurn(question), llms.AssistantTurn(answer))
	if excess := len(s.history) - s.o.historyTurns; excess > 0 {
		s.history = append([]llms.Turn(nil), s.history[excess:]...)
	}
}

func (s *session) unavailable(ctx context.Context, err error) {
	if s.ctx.Err() != nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Warn("agent failed", "session_id", s.id, "error", err)
	s.notify(unavailableNotice)
}

func (s *session) editNote(e events.NoteEdited) {
	proc, err := s.o.currentProcedure()
	if err != nil {
		logger.Error("no procedure for note edit", "session_id", s.id, "error", err)
		return
	}

	note, err := proc.notes.Edit(s.id, e.NoteID, e.Title, e.Content)
	if err != nil {
		logger.Warn("failed to edit note", "session_id", s.id, "note_id", e.NoteID, "error", err)
		s.notify(noteFailureNotice(err))
		return
	}
	s.send(events.Outbound{IsNote: true, Note: note})
}

func (s *session) deleteNote(e events.NoteDeleted) {
	proc, err := s.o.currentProcedure()
	if err != nil {
		logger.Error("no procedure for note delete", "session_id", s.id, "error", err)
		return
	}

	if err := proc.notes.Delete(s.id, e.NoteID); err != nil {
		logger.Warn("failed to delete note", "session_id", s.id, "note_id", e.NoteID, "error", err)
		s.notify(noteFailureNotice(err))
		return
	}
	s.send(events.Outbound{Message: "Note deleted."})
}

func noteFailureNotice(err error) string {
	if errors.Is(err, notes.ErrNoteNotFound) {
		return "That note no longer exists."
	}
	return "The note could not be updated."
}

func (s *session) generatePostOp(e events.PostOpRequested) {
	schema, err := postop.ParseSchema(e.Schema)
	if err != nil {
		logger.Warn("dropping post-op request", "session_id", s.id, "error", err)
		return
	}

	note, err := s.o.PostOp(s.ctx, schema)
	if err != nil {
		logger.Error("failed to generate post-op note", "session_id", s.id, "error", err)
		s.notify("The post-op note could not be generated.")
		return
	}
	s.send(events.Outbound{PostOpNote: note})
}
