package postop

import (
	"context"
	"strings"
	"time"

	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/notes"
	"github.com/koscakluka/ema-surgery/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultProcedureType      = "laparoscopic cholecystectomy"
	DefaultProcedureNature    = "unknown"
	DefaultMinConsecutive     = 2
	DefaultMinDwell           = 15 * time.Second
	DefaultTimelineMaxEntries = 250
)

// Input is everything a note is aggregated from.
type Input struct {
	Annotations []annotation.Record `json:"annotations"`
	Notes       []notes.Note        `json:"notes"`
	// VideoDuration in seconds is used for the procedure duration when no
	// phase was observed.
	VideoDuration float64 `json:"video_duration"`
}

type Options struct {
	ProcedureType   string
	ProcedureNature string
	Personnel       Personnel

	MinConsecutive     int
	MinDwell           time.Duration
	TimelineMaxEntries int

	IncludePhaseSummary bool
	IncludePhaseDetails bool
}

type Option func(*Options)

func WithProcedure(procedureType, procedureNature string) Option {
	return func(o *Options) {
		if procedureType != "" {
			o.ProcedureType = procedureType
		}
		if procedureNature != "" {
			o.ProcedureNature = procedureNature
		}
	}
}

// WithPersonnel sets the staff named in every note. Empty roles stay
// "Not specified".
func WithPersonnel(personnel Personnel) Option {
	return func(o *Options) {
		if personnel.Surgeon != "" {
			o.Personnel.Surgeon = personnel.Surgeon
		}
		if personnel.Assistant != "" {
			o.Personnel.Assistant = personnel.Assistant
		}
		if personnel.Anaesthetist != "" {
			o.Personnel.Anaesthetist = personnel.Anaesthetist
		}
	}
}

func WithSmoothing(minConsecutive int, minDwell time.Duration) Option {
	return func(o *Options) {
		if minConsecutive > 0 {
			o.MinConsecutive = minConsecutive
		}
		if minDwell >= 0 {
			o.MinDwell = minDwell
		}
	}
}

// WithTimelineMaxEntries caps the timeline. Zero disables the cap.
func WithTimelineMaxEntries(maxEntries int) Option {
	return func(o *Options) { o.TimelineMaxEntries = max(0, maxEntries) }
}

func WithPhaseSummary(include bool) Option {
	return func(o *Options) { o.IncludePhaseSummary = include }
}

func WithPhaseDetails(include bool) Option {
	return func(o *Options) { o.IncludePhaseDetails = include }
}

var requestCounter, _ = meter.Int64Counter("postop.requests",
	metric.WithDescription("Post-op note aggregations by schema"))

// Aggregator builds post-op notes. It is stateless apart from its options
// and safe for concurrent use.
type Aggregator struct {
	options Options
}

func NewAggregator(opts ...Option) *Aggregator {
	options := Options{
		ProcedureType:   DefaultProcedureType,
		ProcedureNature: DefaultProcedureNature,
		Personnel: Personnel{
			Surgeon:      notSpecified,
			Assistant:    notSpecified,
			Anaesthetist: notSpecified,
		},
		MinConsecutive:      DefaultMinConsecutive,
		MinDwell:            DefaultMinDwell,
		TimelineMaxEntries:  DefaultTimelineMaxEntries,
		IncludePhaseSummary: true,
		IncludePhaseDetails: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Aggregator{options: options}
}

// Aggregate builds the post-op note for in in the requested schema. The
// result depends only on the input: equal inputs give byte-identical notes.
// Missing data yields a minimal note, never an error.
func (a *Aggregator) Aggregate(ctx context.Context, in Input, schema Schema) (Note, error) {
	ctx, span := tracer.Start(ctx, "aggregate post-op note")
	defer span.End()
	span.SetAttributes(
		attribute.String("postop.schema", string(schema)),
		attribute.Int("postop.annotations", len(in.Annotations)),
		attribute.Int("postop.notes", len(in.Notes)),
	)

	if schema != SchemaCurrent && schema != SchemaLegacy {
		_, err := ParseSchema(string(schema))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Note{}, err
	}
	if requestCounter != nil {
		requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("schema", string(schema))))
	}

	if len(in.Annotations) == 0 && len(in.Notes) == 0 {
		logger.Warn("no annotations or notes, building minimal post-op note")
		return a.emptyNote(schema), nil
	}

	f := extractFacts(in.Annotations, in.Notes, a.options)
	if schema == SchemaLegacy {
		return Note{Schema: SchemaLegacy, Legacy: a.legacyNote(f, in)}, nil
	}
	return Note{Schema: SchemaCurrent, Current: a.currentNote(f, in)}, nil
}

func (a *Aggregator) currentNote(f facts, in Input) *CurrentNote {
	note := &CurrentNote{
		DateTime:                  formatTime(f.start),
		ProcedureType:             a.options.ProcedureType,
		ProcedureNature:           a.options.ProcedureNature,
		Personnel:                 a.options.Personnel,
		Duration:                  durationText(f, in),
		Findings:                  strings.Join(findingSentences(f, in), " "),
		Complications:             "None recorded",
		BloodLossEstimate:         orNotSpecified(f.bloodLossEstimate),
		DVTProphylaxis:            orNotSpecified(f.dvtProphylaxis),
		AntibioticProphylaxis:     orNotSpecified(f.antibioticProphylaxis),
		PostoperativeInstructions: notSpecified,
		Timeline:                  f.timelineEntries(),
	}
	if len(f.complications) > 0 {
		note.Complications = clip(strings.Join(f.complications, "; "))
	}

	if a.options.IncludePhaseSummary {
		note.PhaseSummary = []PhaseSummary{}
		for _, phase := range f.phasesOrdered {
			seconds, ok := f.phaseDurations[phase]
			summary := PhaseSummary{
				Phase:     phase,
				StartTime: formatTime(f.phaseFirstSeen[phase]),
				Duration:  notSpecified,
			}
			if ok {
				summary.Duration = FormatDuration(seconds)
				summary.DurationSeconds = utils.Ptr(seconds)
			}
			note.PhaseSummary = append(note.PhaseSummary, summary)
		}
	}
	if a.options.IncludePhaseDetails {
		note.PhaseDetails = f.phaseDetails()
	}
	return note
}

func (a *Aggregator) legacyNote(f facts, in Input) *LegacyNote {
	date := notSpecified
	if !f.start.IsZero() {
		date = f.start.Format(time.DateOnly)
	}

	note := &LegacyNote{
		ProcedureInformation: ProcedureInformation{
			ProcedureType: a.options.ProcedureType,
			Date:          date,
			Duration:      durationText(f, in),
			Surgeon:       a.options.Personnel.Surgeon,
		},
		Findings:          findingSentences(f, in),
		ProcedureTimeline: []LegacyTimelineEntry{},
		Complications:     []string{},
	}
	for _, entry := range f.timelineEntries() {
		note.ProcedureTimeline = append(note.ProcedureTimeline, LegacyTimelineEntry{Time: entry.Time, Description: entry.Event})
	}
	for _, complication := range f.complications {
		note.Complications = append(note.Complications, clip(complication))
	}
	return note
}

func (a *Aggregator) emptyNote(schema Schema) Note {
	if schema == SchemaLegacy {
		return Note{Schema: SchemaLegacy, Legacy: &LegacyNote{
			ProcedureInformation: ProcedureInformation{
				ProcedureType: a.options.ProcedureType,
				Date:          notSpecified,
				Duration:      notSpecified,
				Surgeon:       a.options.Personnel.Surgeon,
			},
			Findings:          []string{"No findings recorded"},
			ProcedureTimeline: []LegacyTimelineEntry{},
			Complications:     []string{"None recorded"},
		}}
	}

	return Note{Schema: SchemaCurrent, Current: &CurrentNote{
		DateTime:                  notSpecified,
		ProcedureType:             a.options.ProcedureType,
		ProcedureNature:           a.options.ProcedureNature,
		Personnel:                 a.options.Personnel,
		Duration:                  notSpecified,
		Findings:                  "No findings recorded",
		Complications:             "None recorded",
		BloodLossEstimate:         notSpecified,
		DVTProphylaxis:            notSpecified,
		AntibioticProphylaxis:     notSpecified,
		PostoperativeInstructions: notSpecified,
		Timeline:                  []TimelineEntry{},
	}}
}

// procedureSeconds is the sum of the phase durations, or the video length
// when no phase was observed.
func procedureSeconds(f facts, in Input) int {
	if total := f.totalPhaseSeconds(); total > 0 {
		return total
	}
	return int(max(0, in.VideoDuration))
}

func durationText(f facts, in Input) string {
	if seconds := procedureSeconds(f, in); seconds > 0 {
		return FormatDuration(seconds)
	}
	return notSpecified
}

func findingSentences(f facts, in Input) []string {
	var sentences []string
	if len(f.phasesOrdered) > 0 {
		sentences = append(sentences, "Phases observed: "+strings.Join(f.phasesOrdered, ", ")+".")
	}
	if len(f.tools) > 0 {
		sentences = append(sentences, "Tools seen: "+strings.Join(f.tools, ", ")+".")
	}
	if len(f.anatomy) > 0 {
		sentences = append(sentences, "Anatomy involved: "+strings.Join(f.anatomy, ", ")+".")
	}
	if len(f.safetyFlags) > 0 {
		sentences = append(sentences, "Safety concerns flagged: "+strings.Join(f.safetyFlags, ", ")+".")
	}
	if seconds := procedureSeconds(f, in); seconds > 0 {
		sentences = append(sentences, "Approximate procedure duration: "+FormatDuration(seconds)+".")
	}
	if len(sentences) == 0 {
		sentences = append(sentences, "Findings: Not specified.")
	}
	return sentences
}

func orNotSpecified(value string) string {
	if value == "" {
		return notSpecified
	}
	return clip(value)
}
