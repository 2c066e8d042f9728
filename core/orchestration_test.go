package orchestration

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/events"
	"github.com/koscakluka/ema-surgery/core/llms"
	"github.com/koscakluka/ema-surgery/core/notes"
	"github.com/koscakluka/ema-surgery/core/postop"
	"github.com/koscakluka/ema-surgery/core/speech"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
	"github.com/koscakluka/ema-surgery/internal/utils"
)

const sceneReply = `{"phase": "preparation", "tools": ["grasper"], "anatomy": ["gallbladder"], "description": "Grasper retracting the gallbladder."}`

type stubEngine struct {
	reply string

	mu     sync.Mutex
	images int
	calls  []string
}

func (e *stubEngine) Prompt(_ context.Context, prompt string, opts ...llms.PromptOption) (*llms.Response, error) {
	options := llms.NewPromptOptions(opts...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if options.Schema != nil {
		return &llms.Response{Content: sceneReply}, nil
	}
	e.calls = append(e.calls, prompt)
	if options.Image != nil {
		e.images++
	}
	if e.reply == "" {
		return &llms.Response{Content: "echo: " + prompt}, nil
	}
	return &llms.Response{Content: e.reply}, nil
}

func (e *stubEngine) Images() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images
}

type outbox struct {
	mu       sync.Mutex
	messages []events.Outbound
}

func (o *outbox) Send(msg events.Outbound) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func (o *outbox) Messages() []events.Outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.Outbound(nil), o.messages...)
}

func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

func waitForCondition(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()

	opts = append([]OrchestratorOption{WithProcedureDir(t.TempDir())}, opts...)
	o := NewOrchestrator(opts...)
	t.Cleanup(o.Shutdown)
	return o
}

func openSession(t *testing.T, o *Orchestrator, id string, opts ...SessionOption) *outbox {
	t.Helper()

	box := &outbox{}
	opts = append([]SessionOption{WithSend(box.Send)}, opts...)
	if _, err := o.Open(context.Background(), id, opts...); err != nil {
		t.Fatalf("failed to open session %q: %v", id, err)
	}
	return box
}

func route(t *testing.T, o *Orchestrator, id string, event events.Event) {
	t.Helper()

	if err := o.Route(id, event); err != nil {
		t.Fatalf("failed to route to %q: %v", id, err)
	}
}

func TestTranscriptIsOnlyAppliedToItsSession(t *testing.T) {
	o := newTestOrchestrator(t, WithEngine(&stubEngine{}), WithAnnotationDisabled())
	boxA := openSession(t, o, "A")
	boxB := openSession(t, o, "B")

	route(t, o, "B", events.NewUserTranscriptFinal("A", "What comes after the cystic duct?"))
	route(t, o, "A", events.NewUserTranscriptFinal("A", "What comes after the cystic duct?"))
	waitForCondition(t, time.Second, "reply in session A", func() bool { return boxA.Len() == 1 })

	route(t, o, "B", events.NewUserMessage("B", "Are we on schedule?"))
	waitForCondition(t, time.Second, "reply in session B", func() bool { return boxB.Len() == 1 })

	if got := boxB.Messages()[0]; got.SessionID != "B" || got.AgentResponse != "echo: Are we on schedule?" {
		t.Fatalf("expected only the reply to B's own message, got %+v", got)
	}
	if got := boxA.Messages()[0]; got.SessionID != "A" || got.AgentResponse != "echo: What comes after the cystic duct?" {
		t.Fatalf("expected A to answer its transcript, got %+v", got)
	}
}

func TestNoteDirectiveRecordsNoteOnce(t *testing.T) {
	o := newTestOrchestrator(t,
		WithEngine(&stubEngine{reply: "Note: Gallbladder inflamed."}),
		WithAnnotationDisabled(),
	)
	box := openSession(t, o, "A")

	msg := events.NewUserMessage("A", "Take a note: the gallbladder is inflamed")
	msg.VideoTime = utils.Ptr(75.0)
	route(t, o, "A", msg)
	route(t, o, "A", msg)
	waitForCondition(t, time.Second, "two note replies", func() bool { return box.Len() == 2 })

	messages := box.Messages()
	note, ok := messages[0].Note.(notes.Note)
	if !ok || !messages[0].IsNote {
		t.Fatalf("expected the first reply to carry a note, got %+v", messages[0])
	}
	if note.Content != "the gallbladder is inflamed" {
		t.Fatalf("unexpected note content %q", note.Content)
	}
	if note.Category != notes.CategoryAnatomy {
		t.Fatalf("expected anatomy category, got %q", note.Category)
	}
	if !strings.HasPrefix(messages[0].AgentResponse, "Noted at 01:15") {
		t.Fatalf("unexpected reply %q", messages[0].AgentResponse)
	}
	if messages[1].AgentResponse != duplicateNoteText || messages[1].Note != nil {
		t.Fatalf("expected duplicate to be rejected, got %+v", messages[1])
	}

	route(t, o, "A", events.NewPostOpRequested("current"))
	waitForCondition(t, time.Second, "post-op note", func() bool { return box.Len() == 3 })
	postOp, ok := box.Messages()[2].PostOpNote.(postop.Note)
	if !ok || postOp.Schema != postop.SchemaCurrent || postOp.Current == nil {
		t.Fatalf("expected a current post-op note, got %+v", box.Messages()[2])
	}
	if len(postOp.Current.Timeline) != 1 {
		t.Fatalf("expected the note on the timeline, got %+v", postOp.Current.Timeline)
	}
}

func TestViewQuestionWaitsForFrame(t *testing.T) {
	engine := &stubEngine{reply: "The gallbladder is being retracted."}
	o := newTestOrchestrator(t, WithEngine(engine), WithAnnotationDisabled())
	box := openSession(t, o, "A")

	route(t, o, "A", events.NewUserMessage("A", "What do you see?"))
	waitForCondition(t, time.Second, "frame request", func() bool { return box.Len() == 1 })
	if !box.Messages()[0].RequestFrame {
		t.Fatalf("expected a frame request, got %+v", box.Messages()[0])
	}

	frame := base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff\xe0 frame"))
	route(t, o, "A", events.NewFrameReceived(frame, false))
	waitForCondition(t, time.Second, "answer", func() bool { return box.Len() == 2 })

	if got := box.Messages()[1].AgentResponse; got != "The gallbladder is being retracted." {
		t.Fatalf("unexpected answer %q", got)
	}
	if engine.Images() != 1 {
		t.Fatalf("expected the answer to use the frame, got %d image prompts", engine.Images())
	}
}

func TestEmptyProcedureYieldsLegacyNote(t *testing.T) {
	o := newTestOrchestrator(t, WithAnnotationDisabled())
	box := openSession(t, o, "A")

	route(t, o, "A", events.NewPostOpRequested("legacy"))
	waitForCondition(t, time.Second, "post-op note", func() bool { return box.Len() == 1 })

	note, ok := box.Messages()[0].PostOpNote.(postop.Note)
	if !ok || note.Schema != postop.SchemaLegacy || note.Legacy == nil {
		t.Fatalf("expected a legacy note, got %+v", box.Messages()[0])
	}
}

func TestRegistryErrors(t *testing.T) {
	o := newTestOrchestrator(t, WithAnnotationDisabled())
	openSession(t, o, "A")

	if _, err := o.Open(context.Background(), "A"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if err := o.Route("missing", events.NewSpeechToggled(true)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := o.Close("A"); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}
	if err := o.Close("A"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second close, got %v", err)
	}

	id, err := o.Open(context.Background(), "")
	if err != nil || id == "" {
		t.Fatalf("expected a generated session id, got %q, %v", id, err)
	}
}

type echoSynthesizer struct {
	block bool

	mu    sync.Mutex
	calls int
}

func (s *echoSynthesizer) Connect(context.Context) (texttospeech.Channel, error) {
	return s, nil
}

func (s *echoSynthesizer) Synthesize(ctx context.Context, chunk texttospeech.Chunk) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte(chunk.Text), nil
}

func (s *echoSynthesizer) Close() error { return nil }

func (s *echoSynthesizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRepliesArePlayedInOrder(t *testing.T) {
	reply := "Clip the cystic duct twice. Then divide it. Keep the clips clear of the common bile duct."
	o := newTestOrchestrator(t,
		WithEngine(&stubEngine{reply: reply}),
		WithAnnotationDisabled(),
		WithSpeechSynthesis(&echoSynthesizer{}, []speech.StreamerOption{speech.WithMaxChunkLength(40)}),
	)

	var mu sync.Mutex
	var played []string
	openSession(t, o, "A",
		WithSpeechEnabled(true),
		WithPlayAudio(func(buffer []byte) error {
			mu.Lock()
			defer mu.Unlock()
			played = append(played, string(buffer))
			return nil
		}),
	)

	route(t, o, "A", events.NewUserMessage("A", "How do we handle the cystic duct?"))

	want := speech.Split(reply, 40)
	waitForCondition(t, 2*time.Second, "playback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(played) == len(want)
	})

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if played[i] != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], played[i])
		}
	}
}

func TestCloseCancelsSpeechButKeepsAnnotating(t *testing.T) {
	synthesizer := &echoSynthesizer{block: true}
	o := newTestOrchestrator(t,
		WithEngine(&stubEngine{reply: "Irrigate the field."}),
		WithSpeechSynthesis(synthesizer, nil),
		WithAnnotationOptions(annotation.WithPeriod(time.Hour)),
	)
	openSession(t, o, "A",
		WithSpeechEnabled(true),
		WithPlayAudio(func([]byte) error { return nil }),
	)

	route(t, o, "A", events.NewRecordingChanged(true, "/videos/case.mp4"))
	route(t, o, "A", events.NewUserMessage("A", "What should we do about the bleeding?"))
	waitForCondition(t, time.Second, "synthesis to start", func() bool { return synthesizer.Calls() > 0 })

	closed := make(chan error, 1)
	go func() { closed <- o.Close("A") }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("failed to close session: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close blocked on in-flight synthesis")
	}

	proc, err := o.currentProcedure()
	if err != nil {
		t.Fatalf("failed to get procedure: %v", err)
	}
	if proc.loop == nil || !proc.loop.Running() {
		t.Fatalf("expected the annotation loop to outlive the session")
	}
	waitForCondition(t, time.Second, "first annotation", func() bool {
		records, err := annotation.LoadTimeline(proc.timeline.Path())
		return err == nil && len(records) == 1
	})
}

func TestRecordingStartsAnnotationAfterProcedureRotates(t *testing.T) {
	o := newTestOrchestrator(t,
		WithEngine(&stubEngine{}),
		WithAnnotationOptions(annotation.WithPeriod(time.Hour)),
	)
	openSession(t, o, "A")

	route(t, o, "A", events.NewRecordingChanged(true, "/videos/a.mp4"))
	first, err := o.currentProcedure()
	if err != nil {
		t.Fatalf("failed to get procedure: %v", err)
	}
	waitForCondition(t, time.Second, "first loop to start", func() bool { return first.loop.Running() })

	if _, err := o.StartProcedure("/videos/b.mp4"); err != nil {
		t.Fatalf("failed to start procedure: %v", err)
	}
	if first.loop.Running() {
		t.Fatalf("expected the previous procedure's loop to stop")
	}

	route(t, o, "A", events.NewRecordingChanged(true, "/videos/b.mp4"))
	second, err := o.currentProcedure()
	if err != nil {
		t.Fatalf("failed to get procedure: %v", err)
	}
	if second == first {
		t.Fatalf("expected a new procedure")
	}
	waitForCondition(t, time.Second, "new procedure's first annotation", func() bool {
		records, err := annotation.LoadTimeline(second.timeline.Path())
		return err == nil && len(records) == 1
	})
	if !second.loop.Running() {
		t.Fatalf("expected the new procedure's loop to run")
	}
}
