package annotation

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/koscakluka/ema-surgery/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultPeriod        = 10 * time.Second
	DefaultPromptTimeout = 30 * time.Second

	systemPrompt = `You are a surgical video annotator for laparoscopic cholecystectomy.
You look at a single frame and describe what is visible. You never speculate
beyond the frame.`

	userPrompt = `Analyze the attached surgical image and return ONLY a JSON object with EXACTLY these keys:
tools (array), anatomy (array), surgical_phase (string), description (string), safety_flags (object of booleans).
Use only the allowed values: tools in [scissors, hook, clipper, grasper, bipolar, irrigator, none];
anatomy in [gallbladder, cystic_duct, cystic_artery, omentum, liver, blood_vessel, abdominal_wall, peritoneum, gut, specimen_bag, none];
surgical_phase in [preparation, calots_triangle_dissection, clipping_and_cutting, gallbladder_dissection, gallbladder_packaging, cleaning_and_coagulation, gallbladder_extraction];
safety_flags keys in [bleeding, bile_spillage, perforation, thermal_injury, obscured_view].
Use underscores (e.g., clipping_and_cutting), never hyphens.
If nothing is visible for tools or anatomy, use ["none"] for that field.`
)

// State is the step the annotation loop is currently in.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateDescribing
	StateDiffing
	StateAppending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDescribing:
		return "describing"
	case StateDiffing:
		return "diffing"
	case StateAppending:
		return "appending"
	default:
		return "unknown"
	}
}

// FrameSource provides the most recent frame of the procedure video.
type FrameSource interface {
	Frame() (*llms.Image, bool)
}

type FrameSourceFunc func() (*llms.Image, bool)

func (f FrameSourceFunc) Frame() (*llms.Image, bool) { return f() }

// Appender persists timeline records.
type Appender interface {
	Append(Record) error
}

type LoopOptions struct {
	Period        time.Duration
	PromptTimeout time.Duration

	// RecordCallback is called after every appended record.
	RecordCallback func(Record)
	// PhaseChangeCallback is called for records that start a new phase.
	PhaseChangeCallback func(Record)
	// ContextProvider returns recent audio-derived context, such as the last
	// utterances, to include in the prompt.
	ContextProvider func() string

	now func() time.Time
}

type LoopOption func(*LoopOptions)

func WithPeriod(period time.Duration) LoopOption {
	return func(o *LoopOptions) {
		if period > 0 {
			o.Period = period
		}
	}
}

func WithPromptTimeout(timeout time.Duration) LoopOption {
	return func(o *LoopOptions) {
		if timeout > 0 {
			o.PromptTimeout = timeout
		}
	}
}

func WithRecordCallback(callback func(Record)) LoopOption {
	return func(o *LoopOptions) { o.RecordCallback = callback }
}

func WithPhaseChangeCallback(callback func(Record)) LoopOption {
	return func(o *LoopOptions) { o.PhaseChangeCallback = callback }
}

func WithContextProvider(provider func() string) LoopOption {
	return func(o *LoopOptions) { o.ContextProvider = provider }
}

var cycleCounter, _ = meter.Int64Counter("annotation.cycles",
	metric.WithDescription("Annotation cycles by result"))

// Loop periodically describes the current frame and appends the result to
// the procedure timeline. Cycles never overlap: a slow cycle delays the next
// one instead of running beside it.
type Loop struct {
	engine  llms.Engine
	frames  FrameSource
	store   Appender
	options LoopOptions

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	start     time.Time
	lastFrame *llms.Image
	lastPhase string

	trigger chan struct{}
}

func NewLoop(engine llms.Engine, frames FrameSource, store Appender, opts ...LoopOption) *Loop {
	options := LoopOptions{
		Period:              DefaultPeriod,
		PromptTimeout:       DefaultPromptTimeout,
		RecordCallback:      func(Record) {},
		PhaseChangeCallback: func(Record) {},
		ContextProvider:     func() string { return "" },
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Loop{
		engine:  engine,
		frames:  frames,
		store:   store,
		options: options,
		start:   options.now(),
		trigger: make(chan struct{}, 1),
	}
}

// Start runs the loop in the background with an immediate first cycle.
// Starting a running loop only triggers an immediate cycle.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		l.Trigger()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		l.run(ctx)
	}()
}

// Stop halts the loop and waits for a cycle in progress to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Trigger requests an immediate cycle. Requests made while a cycle is
// running collapse into one.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.options.Period)
	defer ticker.Stop()

	l.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.trigger:
		}
		l.cycle(ctx)
	}
}

func (l *Loop) cycle(ctx context.Context) {
	if _, err := l.RunCycle(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("annotation cycle skipped", "error", err)
	}
}

// RunCycle performs one capture, describe, diff and append pass. On any
// failure nothing is appended.
func (l *Loop) RunCycle(ctx context.Context) (Record, error) {
	ctx, span := tracer.Start(ctx, "annotation cycle")
	defer span.End()
	defer l.setState(StateIdle)

	l.setState(StateCapturing)
	frame := l.capture()

	l.setState(StateDescribing)
	scene, err := l.describe(ctx, frame)
	if err != nil {
		l.countCycle(ctx, "skipped")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}

	l.setState(StateDiffing)
	now := l.options.now()
	record := Record{
		Timestamp:      now,
		ElapsedSeconds: now.Sub(l.start).Seconds(),
		Phase:          scene.Phase,
		Tools:          scene.Tools,
		Anatomy:        scene.Anatomy,
		SafetyFlags:    scene.SafetyFlags,
		Description:    scene.Description,
	}
	l.mu.Lock()
	record.PhaseChanged = record.Phase != "" && record.Phase != l.lastPhase
	l.mu.Unlock()

	l.setState(StateAppending)
	if err := l.store.Append(record); err != nil {
		l.countCycle(ctx, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}
	if record.Phase != "" {
		l.mu.Lock()
		l.lastPhase = record.Phase
		l.mu.Unlock()
	}

	span.SetAttributes(
		attribute.String("annotation.phase", record.Phase),
		attribute.Bool("annotation.phase_changed", record.PhaseChanged),
	)
	l.countCycle(ctx, "appended")

	l.options.RecordCallback(record)
	if record.PhaseChanged {
		l.options.PhaseChangeCallback(record)
	}
	return record, nil
}

// capture returns the current frame, the last captured frame when the source
// has none, or a placeholder so a cycle never stalls.
func (l *Loop) capture() *llms.Image {
	if l.frames != nil {
		if frame, ok := l.frames.Frame(); ok && frame != nil {
			l.mu.Lock()
			l.lastFrame = frame
			l.mu.Unlock()
			return frame
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastFrame != nil {
		return l.lastFrame
	}
	return placeholderFrame()
}

func (l *Loop) describe(ctx context.Context, frame *llms.Image) (SceneDescription, error) {
	ctx, cancel := context.WithTimeout(ctx, l.options.PromptTimeout)
	defer cancel()

	prompt := userPrompt
	if audioContext := l.options.ContextProvider(); audioContext != "" {
		prompt += "\n\nRecent conversation in the operating room:\n" + audioContext
	}

	resp, err := l.engine.Prompt(ctx, prompt,
		llms.WithSystemPrompt(systemPrompt),
		llms.WithImage(frame),
		llms.WithOutputSchema(SceneDescription{}),
		llms.WithTemperature(0.3),
	)
	if err != nil {
		return SceneDescription{}, fmt.Errorf("failed to describe frame: %w", err)
	}
	return ParseScene(resp.Content)
}

func (l *Loop) setState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

func (l *Loop) countCycle(ctx context.Context, result string) {
	if cycleCounter != nil {
		cycleCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

var placeholderFrame = sync.OnceValue(func() *llms.Image {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 16}.Y
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return &llms.Image{MIMEType: "image/jpeg"}
	}
	return &llms.Image{Data: buf.Bytes(), MIMEType: "image/jpeg"}
})
