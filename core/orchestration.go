package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-surgery/core/agents"
	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/events"
	"github.com/koscakluka/ema-surgery/core/llms"
	"github.com/koscakluka/ema-surgery/core/postop"
	"github.com/koscakluka/ema-surgery/core/routing"
	"github.com/koscakluka/ema-surgery/core/speech"
	"github.com/koscakluka/ema-surgery/core/speechtotext"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionExists   = errors.New("session already open")
)

var routedCounter, _ = meter.Int64Counter("orchestration.routed_messages",
	metric.WithDescription("Routed user messages by target"))

// Orchestrator is the session registry. Every open session is served by its
// own goroutine which applies the session's events in arrival order. All
// sessions share the current procedure, which owns the annotation loop and
// the notes.
type Orchestrator struct {
	baseContext context.Context

	engine     llms.Engine
	router     *routing.Router
	corrector  *routing.Corrector
	chat       *agents.Chat
	ehr        *agents.EHR
	notetaker  *agents.Notetaker
	aggregator *postop.Aggregator

	synthesizer     texttospeech.Synthesizer
	streamerOptions []speech.StreamerOption
	queueOptions    []speech.QueueOption
	transcriber     speechtotext.Transcriber

	procedureDir       string
	annotationOptions  []annotation.LoopOption
	annotationDisabled bool
	historyTurns       int
	metrics            Metrics

	mu        sync.Mutex
	sessions  map[string]*session
	procedure *procedure
	closed    bool
	closeOnce sync.Once

	// procedureMu serializes procedure replacement
	procedureMu sync.Mutex
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		baseContext:  context.Background(),
		procedureDir: DefaultProcedureDir,
		historyTurns: DefaultHistoryTurns,
		metrics:      noopMetrics{},
		sessions:     make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.router == nil {
		o.router = routing.NewRouter(routing.WithEHR(o.ehr != nil))
	}
	if o.engine != nil {
		if o.chat == nil {
			o.chat = agents.NewChat(o.engine, agents.WithHistoryTurns(o.historyTurns))
		}
		if o.notetaker == nil {
			o.notetaker = agents.NewNotetaker(o.engine)
		}
	}
	if o.aggregator == nil {
		o.aggregator = postop.NewAggregator()
	}

	return o
}

// Open registers a session and starts serving it. An empty sessionID gets
// a generated one. The session runs until Close or until ctx is done.
func (o *Orchestrator) Open(ctx context.Context, sessionID string, opts ...SessionOption) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	options := SessionOptions{Send: func(events.Outbound) {}}
	for _, opt := range opts {
		opt(&options)
	}

	if _, err := o.currentProcedure(); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrSessionClosed
	}
	if _, ok := o.sessions[sessionID]; ok {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	s := newSession(ctx, o, sessionID, options)
	o.sessions[sessionID] = s
	o.mu.Unlock()

	s.start()
	o.metrics.SessionOpened()
	logger.Info("session opened", "session_id", sessionID)
	return sessionID, nil
}

// Route delivers event to the session. Events tagged with a different
// session are dropped. Route blocks while the session's inbox is full.
func (o *Orchestrator) Route(sessionID string, event events.Event) error {
	s, ok := o.session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if !events.BelongsTo(event, sessionID) {
		logger.Warn("dropping event addressed to another session",
			"session_id", sessionID,
			"event_session_id", event.(events.SessionScoped).SessionID(),
			"kind", event.Kind().String())
		return nil
	}

	return s.deliver(event)
}

// Close stops the session, cancelling its speech and dropping queued audio.
// The procedure and its annotation loop keep running.
func (o *Orchestrator) Close(sessionID string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	delete(o.sessions, sessionID)
	proc := o.procedure
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.close()
	if proc != nil {
		proc.forget(sessionID)
	}
	o.metrics.SessionClosed()
	logger.Info("session closed", "session_id", sessionID)
	return nil
}

// Shutdown closes every session and stops the current procedure.
func (o *Orchestrator) Shutdown() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		ids := make([]string, 0, len(o.sessions))
		for id := range o.sessions {
			ids = append(ids, id)
		}
		o.mu.Unlock()

		for _, id := range ids {
			if err := o.Close(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				logger.Warn("failed to close session", "session_id", id, "error", err)
			}
		}

		o.mu.Lock()
		proc := o.procedure
		o.mu.Unlock()
		if proc != nil {
			proc.stop()
		}
	})
}

// Sessions returns the number of open sessions.
func (o *Orchestrator) Sessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Broadcast sends msg to every open session. Sessions with a full inbox
// miss the message.
func (o *Orchestrator) Broadcast(msg events.Outbound) {
	o.mu.Lock()
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.tryDeliver(newOutboundEvent(msg))
	}
}

// StartProcedure begins a new procedure with its own timeline and notes.
// The previous procedure's annotation loop is stopped.
func (o *Orchestrator) StartProcedure(videoSrc string) (string, error) {
	o.procedureMu.Lock()
	defer o.procedureMu.Unlock()

	proc, err := o.startProcedure(videoSrc)
	if err != nil {
		return "", err
	}
	return proc.id, nil
}

func (o *Orchestrator) startProcedure(videoSrc string) (*procedure, error) {
	proc, err := newProcedure(o)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	previous := o.procedure
	o.procedure = proc
	o.mu.Unlock()

	if previous != nil {
		previous.stop()
	}
	logger.Info("procedure started", "timeline_id", proc.id, "dir", proc.dir, "video_src", videoSrc)
	return proc, nil
}

// TimelineID identifies the current procedure's timeline.
func (o *Orchestrator) TimelineID() (string, error) {
	proc, err := o.currentProcedure()
	if err != nil {
		return "", err
	}
	return proc.id, nil
}

// PostOp aggregates the current procedure's timeline and notes.
func (o *Orchestrator) PostOp(ctx context.Context, schema postop.Schema) (postop.Note, error) {
	ctx, span := tracer.Start(ctx, "generate post-op note")
	defer span.End()

	proc, err := o.currentProcedure()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return postop.Note{}, err
	}

	input, err := proc.input()
	if err != nil {
		err = fmt.Errorf("failed to read procedure: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return postop.Note{}, err
	}

	note, err := o.aggregator.Aggregate(ctx, input, schema)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return postop.Note{}, err
	}
	o.metrics.PostOpGenerated(string(schema))
	return note, nil
}

// Aggregate builds a post-op note from a caller supplied timeline and notes.
func (o *Orchestrator) Aggregate(ctx context.Context, input postop.Input, schema postop.Schema) (postop.Note, error) {
	note, err := o.aggregator.Aggregate(ctx, input, schema)
	if err != nil {
		return postop.Note{}, err
	}
	o.metrics.PostOpGenerated(string(schema))
	return note, nil
}

func (o *Orchestrator) session(sessionID string) (*session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	return s, ok
}

func (o *Orchestrator) currentProcedure() (*procedure, error) {
	o.procedureMu.Lock()
	defer o.procedureMu.Unlock()

	o.mu.Lock()
	proc := o.procedure
	o.mu.Unlock()
	if proc != nil {
		return proc, nil
	}

	proc, err := o.startProcedure("")
	if err != nil {
		return nil, fmt.Errorf("failed to start procedure: %w", err)
	}
	return proc, nil
}

func (o *Orchestrator) countRouted(ctx context.Context, target routing.Target) {
	o.metrics.MessageRouted(target.String())
	if routedCounter != nil {
		routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target.String())))
	}
}
