package postop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema selects the shape of a post-op note.
type Schema string

const (
	SchemaCurrent Schema = "current"
	SchemaLegacy  Schema = "legacy"
)

// ParseSchema maps a request value to a Schema. An empty value selects the
// current schema.
func ParseSchema(value string) (Schema, error) {
	switch Schema(strings.ToLower(strings.TrimSpace(value))) {
	case "", SchemaCurrent:
		return SchemaCurrent, nil
	case SchemaLegacy:
		return SchemaLegacy, nil
	default:
		return "", fmt.Errorf("unknown post-op schema %q", value)
	}
}

const notSpecified = "Not specified"

// Note is a post-op note in exactly one schema. Only the variant named by
// Schema is set.
type Note struct {
	Schema  Schema
	Current *CurrentNote
	Legacy  *LegacyNote
}

func (n Note) MarshalJSON() ([]byte, error) {
	switch n.Schema {
	case SchemaCurrent:
		return json.Marshal(n.Current)
	case SchemaLegacy:
		return json.Marshal(n.Legacy)
	default:
		return nil, fmt.Errorf("unknown post-op schema %q", n.Schema)
	}
}

type Personnel struct {
	Surgeon      string `json:"surgeon" yaml:"surgeon"`
	Assistant    string `json:"assistant" yaml:"assistant"`
	Anaesthetist string `json:"anaesthetist" yaml:"anaesthetist"`
}

type TimelineEntry struct {
	Time  string `json:"time"`
	Event string `json:"event"`
}

type PhaseSummary struct {
	Phase           string `json:"phase"`
	StartTime       string `json:"start_time"`
	Duration        string `json:"duration"`
	DurationSeconds *int   `json:"duration_seconds"`
}

type PhaseDetail struct {
	Phase   string   `json:"phase"`
	Tools   []string `json:"tools"`
	Anatomy []string `json:"anatomy"`
}

type CurrentNote struct {
	DateTime                  string          `json:"date_time"`
	ProcedureType             string          `json:"procedure_type"`
	ProcedureNature           string          `json:"procedure_nature"`
	Personnel                 Personnel       `json:"personnel"`
	Duration                  string          `json:"duration"`
	Findings                  string          `json:"findings"`
	Complications             string          `json:"complications"`
	BloodLossEstimate         string          `json:"blood_loss_estimate"`
	DVTProphylaxis            string          `json:"dvt_prophylaxis"`
	AntibioticProphylaxis     string          `json:"antibiotic_prophylaxis"`
	PostoperativeInstructions string          `json:"postoperative_instructions"`
	Timeline                  []TimelineEntry `json:"timeline"`
	PhaseSummary              []PhaseSummary  `json:"phase_summary,omitempty"`
	PhaseDetails              []PhaseDetail   `json:"phase_details,omitempty"`
}

type ProcedureInformation struct {
	ProcedureType string `json:"procedure_type"`
	Date          string `json:"date"`
	Duration      string `json:"duration"`
	Surgeon       string `json:"surgeon"`
}

type LegacyTimelineEntry struct {
	Time        string `json:"time"`
	Description string `json:"description"`
}

type LegacyNote struct {
	ProcedureInformation ProcedureInformation  `json:"procedure_information"`
	Findings             []string              `json:"findings"`
	ProcedureTimeline    []LegacyTimelineEntry `json:"procedure_timeline"`
	Complications        []string              `json:"complications"`
}
