package annotation

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-surgery/core/llms"
)

type stubEngine struct {
	mu      sync.Mutex
	calls   int
	images  []*llms.Image
	prompts []string
	reply   func(call int) (string, error)
}

func (e *stubEngine) Prompt(_ context.Context, prompt string, opts ...llms.PromptOption) (*llms.Response, error) {
	options := llms.NewPromptOptions(opts...)
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.images = append(e.images, options.Image)
	e.prompts = append(e.prompts, prompt)
	e.mu.Unlock()

	content, err := e.reply(call)
	if err != nil {
		return nil, err
	}
	return &llms.Response{Content: content}, nil
}

func (e *stubEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func phaseReply(phases ...string) func(int) (string, error) {
	return func(call int) (string, error) {
		phase := phases[min(call, len(phases))-1]
		return `{"tools":["grasper"],"anatomy":["gallbladder"],"surgical_phase":"` + phase + `","description":"frame"}`, nil
	}
}

type memoryAppender struct {
	mu      sync.Mutex
	records []Record
}

func (a *memoryAppender) Append(record Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return nil
}

func (a *memoryAppender) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Record(nil), a.records...)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunCycleMarksPhaseChanges(t *testing.T) {
	engine := &stubEngine{reply: phaseReply("preparation", "preparation", "calots_triangle_dissection")}
	store := &memoryAppender{}
	var changes []string
	loop := NewLoop(engine, nil, store, WithPhaseChangeCallback(func(r Record) {
		changes = append(changes, r.Phase)
	}))

	for range 3 {
		if _, err := loop.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle returned error: %v", err)
		}
	}

	records := store.Records()
	if len(records) != 3 {
		t.Fatalf("expected a record per cycle, got %d", len(records))
	}
	gotChanged := [3]bool{records[0].PhaseChanged, records[1].PhaseChanged, records[2].PhaseChanged}
	if gotChanged != [3]bool{true, false, true} {
		t.Fatalf("unexpected phase change marks %v", gotChanged)
	}
	if len(changes) != 2 || changes[1] != "calots_triangle_dissection" {
		t.Fatalf("unexpected phase change notifications %v", changes)
	}
	if loop.State() != StateIdle {
		t.Fatalf("expected idle after cycle, got %s", loop.State())
	}
}

func TestRunCycleUsesLastFrameThenPlaceholder(t *testing.T) {
	engine := &stubEngine{reply: phaseReply("preparation")}
	frame := &llms.Image{Data: []byte("frame-1"), MIMEType: "image/jpeg"}
	available := true
	frames := FrameSourceFunc(func() (*llms.Image, bool) {
		if available {
			return frame, true
		}
		return nil, false
	})

	withoutFrames := NewLoop(engine, nil, &memoryAppender{})
	if _, err := withoutFrames.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	loop := NewLoop(engine, frames, &memoryAppender{})
	if _, err := loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	available = false
	if _, err := loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.images[0] == nil || engine.images[0].MIMEType != "image/jpeg" || len(engine.images[0].Data) == 0 {
		t.Fatalf("expected placeholder frame, got %+v", engine.images[0])
	}
	if string(engine.images[1].Data) != "frame-1" || string(engine.images[2].Data) != "frame-1" {
		t.Fatalf("expected last frame to be reused")
	}
}

func TestRunCycleIncludesAudioContext(t *testing.T) {
	engine := &stubEngine{reply: phaseReply("preparation")}
	loop := NewLoop(engine, nil, &memoryAppender{}, WithContextProvider(func() string {
		return "surgeon: clip the artery"
	}))
	if _, err := loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if got := engine.prompts[0]; !strings.Contains(got, "surgeon: clip the artery") {
		t.Fatalf("expected prompt to include audio context, got %q", got)
	}
}

func TestRunCycleElapsedSeconds(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	now := start
	engine := &stubEngine{reply: phaseReply("preparation")}
	store := &memoryAppender{}
	loop := NewLoop(engine, nil, store, func(o *LoopOptions) { o.now = func() time.Time { return now } })

	now = start.Add(25 * time.Second)
	record, err := loop.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if record.ElapsedSeconds != 25 || !record.Timestamp.Equal(now) {
		t.Fatalf("unexpected record timing %+v", record)
	}
}

func TestLoopFailureLeavesTimelineUnchangedAndKeepsTicking(t *testing.T) {
	release := make(chan struct{})
	engine := &stubEngine{reply: func(call int) (string, error) {
		switch call {
		case 1:
			return "", errors.New("inference unavailable")
		case 2:
			<-release
		}
		return `{"tools":["hook"],"anatomy":["liver"],"surgical_phase":"preparation","description":"frame"}`, nil
	}}
	store, err := NewTimelineStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTimelineStore returned error: %v", err)
	}

	appended := make(chan Record, 16)
	loop := NewLoop(engine, nil, store,
		WithPeriod(20*time.Millisecond),
		WithRecordCallback(func(r Record) { appended <- r }),
	)
	loop.Start(context.Background())
	defer loop.Stop()

	// The second tick is blocked inside the engine, so only the failed
	// cycle has completed.
	waitForCondition(t, time.Second, func() bool { return engine.Calls() == 2 })
	if info, err := os.Stat(store.Path()); err == nil && info.Size() != 0 {
		t.Fatalf("expected empty timeline after failed cycle, got %d bytes", info.Size())
	}

	close(release)
	select {
	case <-appended:
	case <-time.After(time.Second):
		t.Fatalf("expected the next tick to append a record")
	}

	records, err := LoadTimeline(store.Path())
	if err != nil {
		t.Fatalf("LoadTimeline returned error: %v", err)
	}
	if len(records) == 0 {
		t.Fatalf("expected records from later ticks")
	}
}

func TestLoopStartIsIdempotentAndStopWaits(t *testing.T) {
	engine := &stubEngine{reply: phaseReply("preparation")}
	store := &memoryAppender{}
	loop := NewLoop(engine, nil, store, WithPeriod(time.Hour))

	loop.Start(context.Background())
	waitForCondition(t, time.Second, func() bool { return len(store.Records()) == 1 })

	loop.Start(context.Background())
	waitForCondition(t, time.Second, func() bool { return len(store.Records()) == 2 })

	loop.Stop()
	loop.Stop()
	if loop.Running() {
		t.Fatalf("expected loop to be stopped")
	}
}

func TestStateString(t *testing.T) {
	if StateDescribing.String() != "describing" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
