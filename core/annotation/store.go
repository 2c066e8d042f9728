package annotation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const TimelineFile = "annotation.jsonl"

// NewTimelineID returns an identifier for a new procedure timeline. It sorts
// by start time.
func NewTimelineID(start time.Time) string {
	return start.Format("2006_01_02__15_04_05") + "_" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// ProcedureDir is the folder holding all files of one procedure.
func ProcedureDir(baseDir, timelineID string) string {
	return filepath.Join(baseDir, "procedure_"+timelineID)
}

// TimelineStore appends records to a JSON Lines file. Only the procedure's
// annotation loop writes to it.
type TimelineStore struct {
	path string
}

func NewTimelineStore(procedureDir string) (*TimelineStore, error) {
	if err := os.MkdirAll(procedureDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create procedure folder: %w", err)
	}
	return &TimelineStore{path: filepath.Join(procedureDir, TimelineFile)}, nil
}

func (s *TimelineStore) Path() string { return s.path }

func (s *TimelineStore) Append(record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal annotation record: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open timeline file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append annotation record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close timeline file: %w", err)
	}
	return nil
}

// LoadTimeline reads a timeline file. Both JSON Lines and a single JSON
// array are accepted. A missing file is an empty timeline.
func LoadTimeline(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read timeline file: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse timeline array: %w", err)
		}
		return records, nil
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			// A torn final line from a crash must not hide the rest
			logger.Warn("skipping malformed timeline line", "path", path, "line", lineNo, "error", err)
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan timeline file: %w", err)
	}
	return records, nil
}
