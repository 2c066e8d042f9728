package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/events"
	"github.com/koscakluka/ema-surgery/core/llms"
	"github.com/koscakluka/ema-surgery/core/notes"
	"github.com/koscakluka/ema-surgery/core/postop"
)

// utteranceTTL bounds how long a user utterance is offered to the annotation
// loop as audio context.
const utteranceTTL = 30 * time.Second

// procedure owns the files of one procedure. It is the only writer of its
// timeline (through the annotation loop) and of its notes.
type procedure struct {
	id  string
	dir string

	baseContext context.Context
	timeline    *annotation.TimelineStore
	notes       *notes.Notetaker
	loop        *annotation.Loop

	mu          sync.Mutex
	frame       *llms.Image
	recording   map[string]bool
	utterance   string
	utteranceAt time.Time
	videoTime   float64
	now         func() time.Time
}

func newProcedure(o *Orchestrator) (*procedure, error) {
	id := annotation.NewTimelineID(time.Now())
	dir := annotation.ProcedureDir(o.procedureDir, id)

	timeline, err := annotation.NewTimelineStore(dir)
	if err != nil {
		return nil, err
	}
	notetaker, err := notes.NewNotetaker(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open notes: %w", err)
	}

	p := &procedure{
		id:          id,
		dir:         dir,
		baseContext: o.baseContext,
		timeline:    timeline,
		notes:       notetaker,
		recording:   make(map[string]bool),
		now:         time.Now,
	}

	if o.engine != nil && !o.annotationDisabled {
		opts := append([]annotation.LoopOption{}, o.annotationOptions...)
		opts = append(opts,
			annotation.WithContextProvider(p.recentUtterance),
			annotation.WithRecordCallback(func(record annotation.Record) {
				o.metrics.AnnotationRecorded(record.PhaseChanged)
			}),
			annotation.WithPhaseChangeCallback(func(record annotation.Record) {
				o.Broadcast(events.Outbound{Annotation: record, TimelineID: id})
			}),
		)
		p.loop = annotation.NewLoop(o.engine, annotation.FrameSourceFunc(p.latestFrame), timeline, opts...)
	}

	return p, nil
}

func (p *procedure) latestFrame() (*llms.Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.frame != nil
}

func (p *procedure) setFrame(frame *llms.Image) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = frame
}

func (p *procedure) heard(utterance string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.utterance = utterance
	p.utteranceAt = p.now()
}

func (p *procedure) recentUtterance() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.utterance == "" || p.now().Sub(p.utteranceAt) > utteranceTTL {
		return ""
	}
	return p.utterance
}

// observeVideoTime keeps the furthest video position reported by any
// session.
func (p *procedure) observeVideoTime(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seconds > p.videoTime {
		p.videoTime = seconds
	}
}

// setRecording records the session's playback state. The annotation loop
// runs while any session is recording; a session starting playback forces
// an immediate cycle.
func (p *procedure) setRecording(sessionID string, recording bool) {
	p.mu.Lock()
	if recording {
		p.recording[sessionID] = true
	} else {
		delete(p.recording, sessionID)
	}
	anyRecording := len(p.recording) > 0
	p.mu.Unlock()

	if p.loop == nil {
		return
	}
	switch {
	case recording:
		p.loop.Start(p.baseContext)
	case !anyRecording:
		p.loop.Stop()
	}
}

// forget drops the session from the recording set without stopping the
// loop.
func (p *procedure) forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.recording, sessionID)
}

func (p *procedure) stop() {
	if p.loop != nil {
		p.loop.Stop()
	}
}

// input reads the procedure state for aggregation.
func (p *procedure) input() (postop.Input, error) {
	records, err := annotation.LoadTimeline(p.timeline.Path())
	if err != nil {
		return postop.Input{}, err
	}

	p.mu.Lock()
	videoTime := p.videoTime
	p.mu.Unlock()

	return postop.Input{
		Annotations:   records,
		Notes:         p.notes.Notes(),
		VideoDuration: videoTime,
	}, nil
}
