package annotation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/koscakluka/ema-surgery/core/llms"
)

const PhasePreparation = "preparation"

var (
	toolVocabulary = []string{"scissors", "hook", "clipper", "grasper", "bipolar", "irrigator", "none"}

	anatomyVocabulary = []string{
		"gallbladder", "cystic_duct", "cystic_artery", "omentum", "liver",
		"blood_vessel", "abdominal_wall", "peritoneum", "gut", "specimen_bag", "none",
	}

	phaseVocabulary = []string{
		PhasePreparation,
		"calots_triangle_dissection",
		"clipping_and_cutting",
		"gallbladder_dissection",
		"gallbladder_packaging",
		"cleaning_and_coagulation",
		"gallbladder_extraction",
	}

	safetyFlagVocabulary = []string{"bleeding", "bile_spillage", "perforation", "thermal_injury", "obscured_view"}

	toolSynonyms = map[string]string{
		"forceps":      "grasper",
		"clip-applier": "clipper",
		"clip_applier": "clipper",
		"clip applier": "clipper",
		"l-hook":       "hook",
		"suction":      "irrigator",
	}
)

// SceneDescription is what the inference engine is asked to return for
// a frame.
type SceneDescription struct {
	Tools       []string        `json:"tools" jsonschema:"enum=scissors,enum=hook,enum=clipper,enum=grasper,enum=bipolar,enum=irrigator,enum=none"`
	Anatomy     []string        `json:"anatomy" jsonschema:"enum=gallbladder,enum=cystic_duct,enum=cystic_artery,enum=omentum,enum=liver,enum=blood_vessel,enum=abdominal_wall,enum=peritoneum,enum=gut,enum=specimen_bag,enum=none"`
	Phase       string          `json:"surgical_phase" jsonschema:"enum=preparation,enum=calots_triangle_dissection,enum=clipping_and_cutting,enum=gallbladder_dissection,enum=gallbladder_packaging,enum=cleaning_and_coagulation,enum=gallbladder_extraction"`
	Description string          `json:"description"`
	SafetyFlags map[string]bool `json:"safety_flags,omitempty" jsonschema:"description=Keys: bleeding, bile_spillage, perforation, thermal_injury, obscured_view"`
}

// Record is one entry of the procedure timeline. Records are appended once
// and never modified.
type Record struct {
	Timestamp      time.Time       `json:"timestamp"`
	ElapsedSeconds float64         `json:"elapsed_time_seconds"`
	Phase          string          `json:"surgical_phase,omitempty"`
	Tools          []string        `json:"tools"`
	Anatomy        []string        `json:"anatomy"`
	SafetyFlags    map[string]bool `json:"safety_flags,omitempty"`
	Description    string          `json:"description"`
	// PhaseChanged marks the first record of a new phase.
	PhaseChanged bool `json:"phase_changed,omitempty"`
}

// ActiveFlags returns the raised safety flags in a stable order.
func (r Record) ActiveFlags() []string {
	var flags []string
	for flag, raised := range r.SafetyFlags {
		if raised {
			flags = append(flags, flag)
		}
	}
	slices.Sort(flags)
	return flags
}

// ParseScene extracts and normalises a scene description from a model
// reply. Models drift: the object may be wrapped in prose or fences and use
// alternative keys.
func ParseScene(reply string) (SceneDescription, error) {
	object := llms.ExtractJSONObject(reply)
	if object == "" {
		return SceneDescription{}, fmt.Errorf("no JSON object in reply")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return SceneDescription{}, fmt.Errorf("failed to parse scene description: %w", err)
	}
	return Normalize(raw), nil
}

// Normalize maps a loosely shaped scene object onto the vocabularies.
func Normalize(raw map[string]any) SceneDescription {
	tools := []string{}
	for _, tool := range toStrings(getAny(raw, "tools", "Tools", "tool", "Tool", "instruments", "Instruments")) {
		if synonym, ok := toolSynonyms[tool]; ok {
			tool = synonym
		}
		if slices.Contains(toolVocabulary, tool) {
			tools = append(tools, tool)
		}
	}

	anatomy := []string{}
	for _, structure := range toStrings(getAny(raw, "anatomy", "Anatomy", "anatomies", "Anatomies", "structures", "Structures")) {
		structure = strings.ReplaceAll(structure, " ", "_")
		if slices.Contains(anatomyVocabulary, structure) {
			anatomy = append(anatomy, structure)
		}
	}

	scene := SceneDescription{
		Tools:       orNone(tools),
		Anatomy:     orNone(anatomy),
		Phase:       normalizePhase(getAny(raw, "surgical_phase", "SurgicalPhase", "Surgical_Phase", "Phase", "phase")),
		SafetyFlags: normalizeFlags(getAny(raw, "safety_flags", "SafetyFlags", "safety", "flags")),
	}

	description, _ := getAny(raw, "description", "Description", "desc", "Desc").(string)
	scene.Description = strings.TrimSpace(description)
	if scene.Description == "" {
		if scene.Tools[0] != "none" && scene.Anatomy[0] != "none" {
			scene.Description = scene.Tools[0] + " interacting with " + scene.Anatomy[0]
		} else {
			scene.Description = "Scene reviewed; limited identifiable details"
		}
	}
	return scene
}

func normalizePhase(raw any) string {
	if raw == nil {
		return PhasePreparation
	}
	phase := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
	phase = strings.NewReplacer("-", "_", " ", "_").Replace(phase)
	if slices.Contains(phaseVocabulary, phase) {
		return phase
	}

	switch {
	case strings.Contains(phase, "clip") && strings.Contains(phase, "cut"):
		return "clipping_and_cutting"
	case strings.Contains(phase, "calot") || strings.Contains(phase, "triangle"):
		return "calots_triangle_dissection"
	case strings.Contains(phase, "pack"):
		return "gallbladder_packaging"
	case strings.Contains(phase, "dissect") && strings.Contains(phase, "gallbladder"):
		return "gallbladder_dissection"
	case strings.Contains(phase, "clean") || strings.Contains(phase, "coag"):
		return "cleaning_and_coagulation"
	case strings.Contains(phase, "extract"):
		return "gallbladder_extraction"
	default:
		return PhasePreparation
	}
}

func normalizeFlags(raw any) map[string]bool {
	flags := map[string]bool{}
	set := func(key string, value bool) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		if slices.Contains(safetyFlagVocabulary, key) {
			flags[key] = value
		}
	}

	switch v := raw.(type) {
	case map[string]any:
		for key, value := range v {
			raised, _ := value.(bool)
			set(key, raised)
		}
	case []any:
		for _, key := range v {
			if s, ok := key.(string); ok {
				set(s, true)
			}
		}
	}

	if len(flags) == 0 {
		return nil
	}
	return flags
}

func getAny(raw map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			return v
		}
	}
	return nil
}

func toStrings(v any) []string {
	var items []any
	switch v := v.(type) {
	case nil:
		return nil
	case []any:
		items = v
	default:
		items = []any{v}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, strings.ToLower(strings.TrimSpace(fmt.Sprint(item))))
	}
	return out
}

// orNone sorts and dedupes values, defaulting to "none".
func orNone(values []string) []string {
	if len(values) == 0 {
		return []string{"none"}
	}
	slices.Sort(values)
	return slices.Compact(values)
}
