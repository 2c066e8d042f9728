package postop

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/notes"
	"github.com/muesli/reflow/truncate"
)

const (
	timeLayout     = "2006-01-02 15:04:05"
	maxFieldLength = 500
)

var (
	complicationKeywords = []string{"bleed", "perforat", "converted", "complication", "leak", "injury", "spillage"}

	antibioticTerms = []string{
		"cefazolin", "ancef", "cefoxitin", "ceftriaxone", "metronidazole", "zosyn",
		"piperacillin", "tazobactam", "augmentin", "amoxicillin", "ciprofloxacin",
		"levofloxacin", "ertapenem",
	}

	dvtTerms = []string{
		"heparin", "enoxaparin", "lovenox", "lmwh", "compression boots", "boots",
		"sequential compression", "scd", "stockings",
	}

	bloodLossPattern = regexp.MustCompile(`\b(?:ebl|blood\s*loss)\b\s*[:=-]?\s*(\d{1,5})\s*(ml|cc)?`)
)

type segment struct {
	phase string
	start time.Time
}

type event struct {
	at   time.Time
	text string
}

// facts are the deterministic observations a note is built from.
type facts struct {
	start, end time.Time

	segments       []segment
	phasesOrdered  []string
	phaseFirstSeen map[string]time.Time
	phaseDurations map[string]int

	tools       []string
	anatomy     []string
	safetyFlags []string

	timeline      []event
	omittedEvents int

	complications         []string
	bloodLossEstimate     string
	antibioticProphylaxis string
	dvtProphylaxis        string

	annotations []annotation.Record
}

func extractFacts(records []annotation.Record, noteList []notes.Note, options Options) facts {
	anns := slices.Clone(records)
	sort.SliceStable(anns, func(i, j int) bool { return anns[i].Timestamp.Before(anns[j].Timestamp) })
	ns := slices.Clone(noteList)
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].Timestamp.Before(ns[j].Timestamp) })

	f := facts{
		phaseFirstSeen: map[string]time.Time{},
		phaseDurations: map[string]int{},
		annotations:    anns,
	}

	if len(anns) > 0 {
		f.start, f.end = anns[0].Timestamp, anns[len(anns)-1].Timestamp
	} else if len(ns) > 0 {
		f.start, f.end = ns[0].Timestamp, ns[len(ns)-1].Timestamp
	}

	tools, anatomy, flags := map[string]struct{}{}, map[string]struct{}{}, map[string]struct{}{}
	for _, record := range anns {
		addVisible(tools, record.Tools)
		addVisible(anatomy, record.Anatomy)
		for _, flag := range record.ActiveFlags() {
			flags[flag] = struct{}{}
		}
	}
	f.tools, f.anatomy, f.safetyFlags = sortedKeys(tools), sortedKeys(anatomy), sortedKeys(flags)

	f.segments = smoothPhases(anns, options.MinConsecutive, options.MinDwell)
	for i, seg := range f.segments {
		if _, ok := f.phaseFirstSeen[seg.phase]; !ok {
			f.phaseFirstSeen[seg.phase] = seg.start
			f.phasesOrdered = append(f.phasesOrdered, seg.phase)
		}

		next := f.end
		if i+1 < len(f.segments) {
			next = f.segments[i+1].start
		}
		if !next.IsZero() {
			f.phaseDurations[seg.phase] += max(0, int(next.Sub(seg.start).Seconds()))
		}
	}

	var timeline []event
	for _, seg := range f.segments {
		timeline = append(timeline, event{at: seg.start, text: "Phase started: " + seg.phase})
	}
	for _, note := range ns {
		text := strings.TrimSpace(note.Content)
		if text == "" {
			continue
		}
		timeline = append(timeline, event{at: note.Timestamp, text: "Note: " + text})
		f.collectClinicalFacts(text)
	}
	sort.SliceStable(timeline, func(i, j int) bool { return timeline[i].at.Before(timeline[j].at) })
	f.timeline, f.omittedEvents = capTimeline(timeline, options.TimelineMaxEntries)

	return f
}

func (f *facts) collectClinicalFacts(text string) {
	lower := strings.ToLower(text)
	if containsAny(lower, complicationKeywords) {
		f.complications = append(f.complications, text)
	}
	if match := bloodLossPattern.FindStringSubmatch(lower); match != nil && f.bloodLossEstimate == "" {
		unit := match[2]
		if unit == "" {
			unit = "ml"
		}
		f.bloodLossEstimate = match[1] + " " + unit
	}
	if f.antibioticProphylaxis == "" && containsAny(lower, antibioticTerms) {
		f.antibioticProphylaxis = text
	}
	if f.dvtProphylaxis == "" && containsAny(lower, dvtTerms) {
		f.dvtProphylaxis = text
	}
}

// smoothPhases accepts a phase once it was seen in minConsecutive records in
// a row and at least minDwell after the previously accepted phase. Brief
// flickers of the per-frame phase never become segments.
func smoothPhases(records []annotation.Record, minConsecutive int, minDwell time.Duration) []segment {
	var (
		segments     []segment
		runPhase     string
		runCount     int
		runStart     time.Time
		accepted     string
		lastAccepted time.Time
	)

	for _, record := range records {
		if record.Phase == "" || record.Timestamp.IsZero() {
			continue
		}

		if record.Phase == runPhase {
			runCount++
		} else {
			runPhase, runCount, runStart = record.Phase, 1, record.Timestamp
		}

		if accepted == runPhase || runCount < minConsecutive {
			continue
		}
		if !lastAccepted.IsZero() && record.Timestamp.Sub(lastAccepted) < minDwell {
			continue
		}
		segments = append(segments, segment{phase: runPhase, start: runStart})
		accepted, lastAccepted = runPhase, record.Timestamp
	}
	return segments
}

// capTimeline keeps the head and tail of an over-long timeline, with the
// omission marker counted as one of the maxEntries. It returns the kept
// events and how many were omitted.
func capTimeline(timeline []event, maxEntries int) ([]event, int) {
	if maxEntries <= 0 || len(timeline) <= maxEntries {
		return timeline, 0
	}
	keepHead := min(50, maxEntries/4)
	keepTail := max(maxEntries-keepHead-1, 0)
	omitted := len(timeline) - keepHead - keepTail

	capped := make([]event, 0, maxEntries)
	capped = append(capped, timeline[:keepHead]...)
	capped = append(capped, event{})
	capped = append(capped, timeline[len(timeline)-keepTail:]...)
	return capped, omitted
}

// phaseDetails lists what was seen in each phase, from its first start until
// the next phase starts.
func (f facts) phaseDetails() []PhaseDetail {
	details := []PhaseDetail{}
	starts := make([]segment, 0, len(f.phasesOrdered))
	for _, phase := range f.phasesOrdered {
		starts = append(starts, segment{phase: phase, start: f.phaseFirstSeen[phase]})
	}
	sort.SliceStable(starts, func(i, j int) bool { return starts[i].start.Before(starts[j].start) })

	for i, seg := range starts {
		end := f.end
		if i+1 < len(starts) {
			end = starts[i+1].start
		}

		tools, anatomy := map[string]struct{}{}, map[string]struct{}{}
		for _, record := range f.annotations {
			if record.Timestamp.IsZero() || record.Timestamp.Before(seg.start) {
				continue
			}
			if !end.IsZero() && !record.Timestamp.Before(end) {
				continue
			}
			addVisible(tools, record.Tools)
			addVisible(anatomy, record.Anatomy)
		}
		details = append(details, PhaseDetail{Phase: seg.phase, Tools: sortedKeys(tools), Anatomy: sortedKeys(anatomy)})
	}
	return details
}

func (f facts) totalPhaseSeconds() int {
	total := 0
	for _, phase := range f.phasesOrdered {
		total += f.phaseDurations[phase]
	}
	return total
}

func (f facts) timelineEntries() []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(f.timeline))
	for _, e := range f.timeline {
		if e.text == "" {
			entries = append(entries, TimelineEntry{
				Time:  formatTime(f.start),
				Event: fmt.Sprintf("… %d events omitted …", f.omittedEvents),
			})
			continue
		}
		entries = append(entries, TimelineEntry{Time: formatTime(e.at), Event: clip(e.text)})
	}
	return entries
}

func addVisible(set map[string]struct{}, values []string) {
	for _, value := range values {
		if value != "" && value != "none" {
			set[value] = struct{}{}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return notSpecified
	}
	return t.Format(timeLayout)
}

// FormatDuration renders seconds as HH:MM:SS.
func FormatDuration(seconds int) string {
	seconds = max(0, seconds)
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}

func clip(s string) string {
	return truncate.String(s, maxFieldLength)
}
