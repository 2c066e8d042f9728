package annotation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTimelineStoreAppendsLines(t *testing.T) {
	dir := ProcedureDir(t.TempDir(), "2025_01_02__03_04_05_abcd")
	store, err := NewTimelineStore(dir)
	if err != nil {
		t.Fatalf("NewTimelineStore returned error: %v", err)
	}

	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, phase := range []string{"preparation", "calots_triangle_dissection"} {
		record := Record{
			Timestamp:      start.Add(time.Duration(i) * 10 * time.Second),
			ElapsedSeconds: float64(i * 10),
			Phase:          phase,
			Tools:          []string{"grasper"},
			Anatomy:        []string{"gallbladder"},
			Description:    "frame " + phase,
		}
		if err := store.Append(record); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("failed to read timeline: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}

	records, err := LoadTimeline(store.Path())
	if err != nil {
		t.Fatalf("LoadTimeline returned error: %v", err)
	}
	if len(records) != 2 || records[1].Phase != "calots_triangle_dissection" || records[1].ElapsedSeconds != 10 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestLoadTimelineSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), TimelineFile)
	content := `{"timestamp":"2025-01-02T03:04:05Z","surgical_phase":"preparation","tools":["none"],"anatomy":["none"],"description":"a"}
{"timestamp":"2025-01-02T03:04:15Z","surgical_ph`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write timeline: %v", err)
	}

	records, err := LoadTimeline(path)
	if err != nil {
		t.Fatalf("LoadTimeline returned error: %v", err)
	}
	if len(records) != 1 || records[0].Description != "a" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestLoadTimelineAcceptsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotation.json")
	content := `[{"timestamp":"2025-01-02T03:04:05Z","surgical_phase":"preparation","tools":["none"],"anatomy":["none"],"description":"a"}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write timeline: %v", err)
	}

	records, err := LoadTimeline(path)
	if err != nil {
		t.Fatalf("LoadTimeline returned error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestLoadTimelineMissingFileIsEmpty(t *testing.T) {
	records, err := LoadTimeline(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil || records != nil {
		t.Fatalf("expected empty timeline, got %v, %v", records, err)
	}
}

func TestNewTimelineIDSortsByStart(t *testing.T) {
	earlier := NewTimelineID(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	later := NewTimelineID(time.Date(2025, 1, 2, 3, 4, 6, 0, time.UTC))
	if !strings.HasPrefix(earlier, "2025_01_02__03_04_05_") {
		t.Fatalf("unexpected timeline id %q", earlier)
	}
	if earlier >= later {
		t.Fatalf("expected %q to sort before %q", earlier, later)
	}
}
